package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

type EngineOpts struct {
	Workspace *Workspace
	Index     *Index
	Feed      Feed
	Content   ContentFetcher
	// Confirm is asked before a reset wipes the managed root. Nil declines.
	Confirm ConfirmFunc
	Ignore  *IgnoreList
	Workers int
	Logger  *slog.Logger
}

// Engine runs one reconciliation pass: fetch everything since the saved
// cursor, apply it, then checkpoint the new cursor.
type Engine struct {
	ws         *Workspace
	index      *Index
	fetcher    *Fetcher
	reconciler *Reconciler
	confirm    ConfirmFunc
	logger     *slog.Logger
}

func NewEngine(opts *EngineOpts) (*Engine, error) {
	if opts == nil || opts.Feed == nil {
		return nil, errors.New("engine: feed is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reconciler, err := NewReconciler(&ReconcilerOpts{
		Workspace: opts.Workspace,
		Index:     opts.Index,
		Content:   opts.Content,
		Ignore:    opts.Ignore,
		Workers:   opts.Workers,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	confirm := opts.Confirm
	if confirm == nil {
		confirm = NeverConfirm
	}

	return &Engine{
		ws:         opts.Workspace,
		index:      opts.Index,
		fetcher:    NewFetcher(opts.Feed, logger),
		reconciler: reconciler,
		confirm:    confirm,
		logger:     logger,
	}, nil
}

// Run performs one pass. A returned error means the run aborted fatally and
// the cursor was not advanced; the result is still filled in as far as the
// run got. Per-entry failures are not errors, they show up as a partial
// status.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		RunID:   uuid.NewString(),
		Status:  StatusAborted,
		Skipped: map[string]string{},
		Failed:  map[string]error{},
	}
	logger := e.logger.With("run", result.RunID)
	index := e.index.WithLogger(logger)
	checkpoints := index.Checkpoints()
	fetcher := e.fetcher.withLogger(logger)
	reconciler := e.reconciler.withLogger(logger)

	abort := func(err error) (*RunResult, error) {
		result.Duration = time.Since(start)
		logger.Error("mirror", "op", "Run", "status", StatusAborted, "error", err)
		return result, err
	}

	// a caller may lock earlier to protect its own state writes
	if !e.ws.Locked() {
		if err := e.ws.Lock(); err != nil {
			return abort(err)
		}
		defer func() {
			if err := e.ws.Unlock(); err != nil {
				logger.Warn("mirror", "op", "Unlock", "error", err)
			}
		}()
	}
	if err := e.ws.ClearTemp(); err != nil {
		return abort(err)
	}

	cursor, err := checkpoints.Load()
	if err != nil {
		return abort(err)
	}
	logger.Info("mirror", "op", "Run", "status", "Started", "root", e.ws.Root, "cursor", cursor)

	batch, err := fetcher.FetchAll(ctx, cursor)
	if err != nil {
		return abort(err)
	}
	result.Entries = len(batch.Entries)
	result.Reset = batch.Reset

	resumed := false
	if batch.Reset {
		if resumed, err = e.reset(ctx, index, reconciler, cursor); err != nil {
			return abort(err)
		}
	}

	applied := reconciler.Apply(ctx, batch)
	if resumed && !applied.HasFailures() {
		if err := reconciler.Sweep(ctx, batch, applied); err != nil {
			return abort(err)
		}
	}
	result.Applied = applied.Applied()
	result.Unchanged = applied.Unchanged()
	result.Skipped = applied.Skipped()
	result.Failed = applied.Failed()

	if applied.HasFailures() {
		result.Status = StatusPartial
		logger.Warn("mirror", "op", "Checkpoint", "status", "Held", "failed", len(result.Failed), "cursor", cursor)
	} else {
		if err := checkpoints.Save(batch.Cursor); err != nil {
			return abort(err)
		}
		result.Cursor = batch.Cursor
		result.Status = StatusSuccess
		for _, reason := range result.Skipped {
			if reason == SkipRefused || reason == SkipInvalid {
				result.Status = StatusPartial
				break
			}
		}
	}

	result.Duration = time.Since(start)
	logger.Info("mirror", "op", "Run", "status", result.Status,
		"entries", result.Entries, "applied", len(result.Applied), "unchanged", result.Unchanged,
		"skipped", len(result.Skipped), "failed", len(result.Failed), "took", result.Duration.Round(time.Millisecond))
	return result, nil
}

// reset wipes the managed root and the index for a fresh baseline. An empty
// root needs no confirmation. A baseline that never checkpointed is resumed
// instead when the index still claims everything in the root; the caller
// then sweeps records the new baseline no longer lists.
func (e *Engine) reset(ctx context.Context, index *Index, reconciler *Reconciler, cursor string) (bool, error) {
	children, err := e.ws.MirroredChildren()
	if err != nil {
		return false, fmt.Errorf("failed to list %s: %w", e.ws.Root, err)
	}

	if len(children) == 0 {
		return false, index.Reset()
	}

	if cursor == "" {
		claimed, err := claimsAll(index, children)
		if err != nil {
			return false, err
		}
		if claimed {
			reconciler.logger.Info("mirror", "op", "Reset", "status", "Resumed", "root", e.ws.Root, "entries", len(children))
			return true, nil
		}
	}

	prompt := fmt.Sprintf("Remote requested a full resync. Remove all %d entries in %s?", len(children), e.ws.Root)
	if !e.confirm(prompt) {
		return false, ErrResetDeclined
	}
	if err := reconciler.Wipe(ctx); err != nil {
		return false, err
	}
	return false, index.Reset()
}

func claimsAll(index *Index, children []os.DirEntry) (bool, error) {
	for _, child := range children {
		ok, err := index.Claims("/" + child.Name())
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
