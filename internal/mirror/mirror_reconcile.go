package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultWorkers = 4

type ReconcilerOpts struct {
	Workspace *Workspace
	Index     *Index
	Content   ContentFetcher
	// Guard defaults to one rooted at Workspace.Root.
	Guard *Guard
	// Ignore may be nil, in which case nothing is ignored.
	Ignore  *IgnoreList
	Workers int
	Logger  *slog.Logger
}

// Reconciler converges the managed root towards a batch of remote changes.
type Reconciler struct {
	ws      *Workspace
	index   *Index
	content ContentFetcher
	guard   *Guard
	ignore  *IgnoreList
	workers int
	tempDir string
	logger  *slog.Logger
}

func NewReconciler(opts *ReconcilerOpts) (*Reconciler, error) {
	if opts == nil || opts.Workspace == nil || opts.Index == nil || opts.Content == nil {
		return nil, errors.New("reconciler: workspace, index and content fetcher are required")
	}

	guard := opts.Guard
	if guard == nil {
		var err error
		if guard, err = NewGuard(opts.Workspace.Root); err != nil {
			return nil, err
		}
	}

	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		ws:      opts.Workspace,
		index:   opts.Index,
		content: opts.Content,
		guard:   guard,
		ignore:  opts.Ignore,
		workers: workers,
		tempDir: opts.Workspace.TempDir,
		logger:  logger,
	}, nil
}

// withLogger returns a copy whose log lines, and those of its index, go to l.
func (r *Reconciler) withLogger(l *slog.Logger) *Reconciler {
	c := *r
	c.logger = l
	c.index = r.index.WithLogger(l)
	return &c
}

// Apply processes entries in feed order. Downloads overlap on the worker
// pool, everything else runs in order once conflicting downloads are done.
// Per-entry failures are collected in the result and never stop the batch.
func (r *Reconciler) Apply(ctx context.Context, batch *ChangeBatch) *Result {
	res := NewResult()
	if batch == nil {
		return res
	}

	sched := newScheduler(r.workers)
	defer sched.drain()

	for i, entry := range batch.Entries {
		if err := ctx.Err(); err != nil {
			for _, rest := range batch.Entries[i:] {
				res.markFailed(rest.RemoteID, err)
			}
			r.logger.Warn("mirror", "op", "Apply", "status", "Cancelled", "remaining", len(batch.Entries)-i)
			break
		}
		if entry.RemoteID == "" {
			// keyed by position, there is no id to key it by
			key := fmt.Sprintf("#%d", i+1)
			res.markSkipped(key, SkipInvalid)
			r.logger.Warn("mirror", "op", "Apply", "status", "Invalid", "entry", key, "error", "entry without remote id")
			continue
		}
		r.applyEntry(ctx, sched, entry, res)
	}

	return res
}

func (r *Reconciler) applyEntry(ctx context.Context, sched *scheduler, entry ChangeEntry, res *Result) {
	id := entry.RemoteID

	// the record is only trustworthy once a job writing it is done
	if sched.holds(id) {
		sched.drain()
	}

	rec, err := r.index.Get(id)
	if err != nil {
		res.markFailed(id, err)
		r.logger.Error("mirror", "op", "Apply", "status", "Error", "id", id, "error", err)
		return
	}

	if !entry.IsDelete() && r.ignore.ShouldIgnore(entry.Metadata.Path) {
		r.skipIgnored(sched, rec, entry, res)
		return
	}

	decision := Classify(rec, entry)
	switch decision.Action {
	case ActionSkip:
		res.markUnchanged()
		r.logger.Debug("mirror", "op", "Skip", "id", id, "path", entry.Metadata.Path)
	case ActionDelete:
		sched.drain()
		r.report(res, id, "Delete", r.remove(rec), pathOf(rec))
	case ActionCreateDir:
		r.report(res, id, "CreateDir", r.createDir(sched, rec, decision, entry), entry.Metadata.Path)
	case ActionWriteFile:
		if err := r.scheduleWrite(ctx, sched, rec, decision, entry, res); err != nil {
			r.report(res, id, "WriteFile", err, entry.Metadata.Path)
		}
	}
}

// report records the outcome of a synchronous action.
func (r *Reconciler) report(res *Result, id, op string, err error, p string) {
	switch {
	case err == nil:
		res.markApplied(id)
		r.logger.Info("mirror", "op", op, "status", "Completed", "id", id, "path", p)
	case isRefused(err):
		res.markSkipped(id, SkipRefused)
		r.logger.Warn("mirror", "op", op, "status", "Refused", "id", id, "path", p, "error", err)
	default:
		res.markFailed(id, err)
		r.logger.Error("mirror", "op", op, "status", "Error", "id", id, "path", p, "error", err)
	}
}

// skipIgnored never materializes an ignored entry. If the object was mirrored
// under a previous name, that copy is removed like a delete.
func (r *Reconciler) skipIgnored(sched *scheduler, rec *Record, entry ChangeEntry, res *Result) {
	res.markSkipped(entry.RemoteID, SkipIgnored)
	r.logger.Info("mirror", "op", "Ignore", "id", entry.RemoteID, "path", entry.Metadata.Path)
	if rec == nil {
		return
	}

	sched.drain()
	if err := r.remove(rec); err != nil && !isRefused(err) {
		r.logger.Error("mirror", "op", "Ignore", "status", "Error", "id", entry.RemoteID, "path", rec.Path, "error", err)
	}
}

// remove deletes the node at the record's last known path and forgets the
// record. A refused path is left on disk, yet the record is still dropped:
// the remote object is gone either way.
func (r *Reconciler) remove(rec *Record) error {
	if rec == nil {
		return nil
	}

	// the literal path is removed so a symlinked leaf loses only the link
	var fsErr error
	local := r.ws.LocalPath(rec.Path)
	if _, err := r.guard.Resolve(local); err != nil {
		fsErr = err
	} else if err := os.RemoveAll(local); err != nil {
		return fmt.Errorf("failed to remove %s: %w", local, err)
	}

	if err := r.index.Delete(rec.RemoteID); err != nil {
		return err
	}
	if rec.IsDir {
		if n, err := r.index.DeleteTree(rec.Path); err != nil {
			return err
		} else if n > 0 {
			r.logger.Debug("mirror", "op", "Delete", "path", rec.Path, "descendants", n)
		}
	}
	return fsErr
}

func (r *Reconciler) createDir(sched *scheduler, rec *Record, d Decision, entry ChangeEntry) error {
	meta := entry.Metadata
	target, err := r.guard.Resolve(r.ws.LocalPath(meta.Path))
	if err != nil {
		return err
	}

	obstructed, err := r.obstructed(target, true)
	if err != nil {
		return err
	}
	if obstructed || d.Relocated || sched.holds(pathKeys(meta.Path)...) {
		sched.drain()
	}

	if d.Relocated {
		if err := r.relocate(rec, meta, target); err != nil {
			return err
		}
	}

	if err := r.prepare(target, true, entry.RemoteID); err != nil {
		return err
	}

	return r.index.Put(&Record{RemoteID: entry.RemoteID, Path: meta.Path, Revision: meta.Revision, IsDir: true})
}

// relocate deals with the node a known object left behind at its old path.
// A folder is moved along with its contents when the new path is free, or
// is the same node under a different case. Anything else at the old path
// is removed. A path claimed by another record is left alone.
func (r *Reconciler) relocate(rec *Record, meta *EntryMetadata, target string) error {
	oldTarget, err := r.guard.Resolve(r.ws.LocalPath(rec.Path))
	if err != nil {
		r.logger.Warn("mirror", "op", "Relocate", "status", "Refused", "id", rec.RemoteID, "from", rec.Path, "error", err)
		return nil
	}

	owner, err := r.index.Owner(rec.Path, rec.RemoteID)
	if err != nil {
		return err
	}
	if owner != nil {
		r.logger.Debug("mirror", "op", "Relocate", "id", rec.RemoteID, "from", rec.Path, "claimed_by", owner.RemoteID)
		return nil
	}

	oldInfo, err := os.Lstat(oldTarget)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	if rec.IsDir && meta.IsDir && oldInfo.IsDir() {
		movable := false
		if newInfo, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			movable = !r.within(target, oldTarget)
		} else if err == nil {
			movable = os.SameFile(oldInfo, newInfo)
		}

		if movable {
			if parent := filepath.Dir(target); parent != r.guard.Root() {
				if err := r.prepare(parent, true, rec.RemoteID); err != nil {
					return err
				}
			}
			if err := os.Rename(oldTarget, target); err != nil {
				return fmt.Errorf("failed to move %s to %s: %w", oldTarget, target, err)
			}
			n, err := r.index.Relocate(rec.Path, meta.Path)
			if err != nil {
				return err
			}
			r.logger.Info("mirror", "op", "Relocate", "id", rec.RemoteID, "from", rec.Path, "to", meta.Path, "descendants", n)
			return nil
		}
	}

	if err := os.RemoveAll(oldTarget); err != nil {
		return fmt.Errorf("failed to remove %s: %w", oldTarget, err)
	}
	if rec.IsDir {
		if _, err := r.index.DeleteTree(rec.Path); err != nil {
			return err
		}
	}
	r.logger.Info("mirror", "op", "Relocate", "status", "Removed", "id", rec.RemoteID, "from", rec.Path, "to", meta.Path)
	return nil
}

// within reports whether p lies strictly below dir.
func (r *Reconciler) within(p, dir string) bool {
	rel, ok := relWithin(dir, p)
	return ok && rel != "."
}

// scheduleWrite prepares the target synchronously and hands the transfer to
// the pool. The record is written by the job, after the rename.
func (r *Reconciler) scheduleWrite(ctx context.Context, sched *scheduler, rec *Record, d Decision, entry ChangeEntry, res *Result) error {
	id := entry.RemoteID
	meta := entry.Metadata

	target, err := r.guard.Resolve(r.ws.LocalPath(meta.Path))
	if err != nil {
		return err
	}

	obstructed, err := r.obstructed(target, false)
	if err != nil {
		return err
	}
	if obstructed || d.Relocated || sched.holds(pathKeys(meta.Path)...) {
		sched.drain()
	}

	if d.Relocated {
		if err := r.relocate(rec, meta, target); err != nil {
			return err
		}
	}
	if err := r.prepare(target, false, id); err != nil {
		return err
	}

	sched.submit([]string{id, foldKey(meta.Path)}, func() {
		start := time.Now()
		n, err := r.download(ctx, id, target)
		if err == nil {
			err = r.index.Put(&Record{RemoteID: id, Path: meta.Path, Revision: meta.Revision})
		}
		if err != nil {
			res.markFailed(id, err)
			r.logger.Error("mirror", "op", "WriteFile", "status", "Error", "id", id, "path", meta.Path, "error", err)
			return
		}
		res.markApplied(id)
		r.logger.Info("mirror", "op", "WriteFile", "status", "Completed", "id", id, "path", meta.Path,
			"size", humanize.Bytes(uint64(n)), "took", time.Since(start).Round(time.Millisecond))
	})
	return nil
}

// Wipe removes every child of the managed root except the state directory.
// Children the guard refuses are left in place.
func (r *Reconciler) Wipe(ctx context.Context) error {
	children, err := r.ws.MirroredChildren()
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", r.ws.Root, err)
	}

	removed := 0
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := filepath.Join(r.ws.Root, child.Name())
		if _, err := r.guard.Resolve(p); err != nil {
			r.logger.Warn("mirror", "op", "Wipe", "status", "Refused", "path", p, "error", err)
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
		removed++
	}

	r.logger.Info("mirror", "op", "Wipe", "root", r.ws.Root, "removed", removed)
	return nil
}

// Sweep removes records, with their local nodes, that a resumed baseline no
// longer lists. A record whose path a listed record now holds, or sits below,
// only loses the record.
func (r *Reconciler) Sweep(ctx context.Context, batch *ChangeBatch, res *Result) error {
	listed := make(map[string]bool, len(batch.Entries))
	for _, entry := range batch.Entries {
		if entry.RemoteID != "" && !entry.IsDelete() {
			listed[entry.RemoteID] = true
		}
	}

	records, err := r.index.List()
	if err != nil {
		return err
	}

	held := map[string]bool{}
	var stale []*Record
	for _, rec := range records {
		if !listed[rec.RemoteID] {
			stale = append(stale, rec)
			continue
		}
		for key := pathKey(rec.Path); key != ""; key = parentKey(key) {
			held[key] = true
		}
	}

	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if held[pathKey(rec.Path)] {
			err = r.index.Delete(rec.RemoteID)
		} else {
			err = r.remove(rec)
		}
		r.report(res, rec.RemoteID, "Sweep", err, rec.Path)
	}

	r.logger.Info("mirror", "op", "Sweep", "records", len(records), "removed", len(stale))
	return nil
}

func parentKey(key string) string {
	if i := strings.LastIndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return ""
}

func pathOf(rec *Record) string {
	if rec == nil {
		return ""
	}
	return rec.Path
}
