package mirror

import (
	"context"
	"io"
	"strings"
)

// EntryMetadata describes a live remote object.
type EntryMetadata struct {
	// Path is the case-preserving remote path, "/" separated and rooted ("/Bob/pic.jpg").
	Path     string
	IsDir    bool
	Revision string
	Size     int64
}

// ChangeEntry is one record of the remote change feed. A nil Metadata means
// the object identified by RemoteID was deleted.
type ChangeEntry struct {
	// RemoteID is stable for the life of the remote object and is the join key
	// into the local index. It is already case-normalized by the feed.
	RemoteID string
	Metadata *EntryMetadata
}

func (e ChangeEntry) IsDelete() bool {
	return e.Metadata == nil
}

// ChangePage is a single response of the remote change feed.
type ChangePage struct {
	Entries []ChangeEntry
	Cursor  string
	HasMore bool
	// Reset asks the consumer to discard local state and treat the feed as a fresh baseline.
	Reset bool
}

// ChangeBatch is the concatenation of every page since a cursor.
type ChangeBatch struct {
	Entries []ChangeEntry
	Cursor  string
	Reset   bool
	Pages   int
}

// Content is an open download stream for a remote file.
type Content struct {
	Body io.ReadCloser
	// URL and Size are informational, used for progress reporting only.
	URL  string
	Size int64
}

// Feed is the remote change feed. An empty cursor means "from the beginning".
type Feed interface {
	FetchChanges(ctx context.Context, cursor string) (*ChangePage, error)
}

// ContentFetcher opens the content of a remote file.
type ContentFetcher interface {
	FetchFileContent(ctx context.Context, remoteID string) (*Content, error)
}

// Record is the local index entry for a remote object.
type Record struct {
	RemoteID string `db:"remote_id"`
	// Path is the last known case-preserving remote path.
	Path string `db:"path"`
	// Revision is empty when the remote reports none (folders).
	Revision string `db:"revision"`
	IsDir    bool   `db:"is_dir"`
}

// Matches reports whether the record already reflects meta.
func (r *Record) Matches(meta *EntryMetadata) bool {
	return r.Path == meta.Path && r.Revision == meta.Revision && r.IsDir == meta.IsDir
}

// ConfirmFunc asks the operator a yes/no question. It is consulted before
// destructive bulk operations such as wiping the managed root on reset.
type ConfirmFunc func(prompt string) bool

// AlwaysConfirm answers yes without asking.
func AlwaysConfirm(string) bool { return true }

// NeverConfirm answers no without asking.
func NeverConfirm(string) bool { return false }

// foldKey is the case-insensitive identity of a remote path.
func foldKey(remotePath string) string {
	return "path:" + strings.ToLower(strings.TrimSuffix(remotePath, "/"))
}

// hasPathPrefix reports whether p lies strictly below dir.
func hasPathPrefix(p, dir string) bool {
	dir = strings.TrimSuffix(dir, "/")
	return len(p) > len(dir)+1 && p[len(dir)] == '/' && p[:len(dir)] == dir
}
