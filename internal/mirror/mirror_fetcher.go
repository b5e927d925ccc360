package mirror

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
)

// defaultMaxPages bounds a single fetch so a misbehaving feed cannot loop forever.
const defaultMaxPages = 100_000

// Fetcher turns the paginated remote feed into one logical stream of changes.
type Fetcher struct {
	feed     Feed
	logger   *slog.Logger
	maxPages int
}

func NewFetcher(feed Feed, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{feed: feed, logger: logger, maxPages: defaultMaxPages}
}

func (f *Fetcher) withLogger(l *slog.Logger) *Fetcher {
	c := *f
	c.logger = l
	return &c
}

// Pages lazily yields feed pages starting at cursor, following HasMore. The
// sequence stops after the first error. It can be iterated again with the
// same cursor to restart from scratch.
func (f *Fetcher) Pages(ctx context.Context, cursor string) iter.Seq2[*ChangePage, error] {
	return func(yield func(*ChangePage, error) bool) {
		current := cursor
		for n := 1; ; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if n > f.maxPages {
				yield(nil, fmt.Errorf("%w: feed exceeded %d pages", ErrTransport, f.maxPages))
				return
			}

			f.logger.Debug("fetch changes", "page", n, "cursor", current)
			page, err := f.feed.FetchChanges(ctx, current)
			if err != nil {
				yield(nil, transportErr(err))
				return
			}
			if page == nil {
				yield(nil, fmt.Errorf("%w: feed returned no page", ErrTransport))
				return
			}
			if page.HasMore && (page.Cursor == "" || (page.Cursor == current && !page.Reset)) {
				yield(nil, fmt.Errorf("%w: feed reported more changes without advancing cursor %q", ErrTransport, current))
				return
			}

			if !yield(page, nil) || !page.HasMore {
				return
			}
			current = page.Cursor
		}
	}
}

// FetchAll drains Pages into a single batch. On any failure only the error is
// returned, so a caller can never persist a cursor from a partial fetch.
func (f *Fetcher) FetchAll(ctx context.Context, cursor string) (*ChangeBatch, error) {
	batch := &ChangeBatch{Cursor: cursor}

	for page, err := range f.Pages(ctx, cursor) {
		if err != nil {
			return nil, err
		}
		if page.Reset {
			// a reset invalidates whatever earlier pages said
			if batch.Pages > 0 {
				f.logger.Warn("feed reset mid-pagination, discarding earlier pages", "discarded", len(batch.Entries))
			}
			batch.Entries = batch.Entries[:0]
			batch.Reset = true
		}
		batch.Entries = append(batch.Entries, page.Entries...)
		batch.Cursor = page.Cursor
		batch.Pages++
	}

	f.logger.Info("fetched changes", "entries", len(batch.Entries), "pages", batch.Pages, "reset", batch.Reset)
	return batch, nil
}

func transportErr(err error) error {
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
