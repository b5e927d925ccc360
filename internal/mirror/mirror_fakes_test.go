package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeFeed serves pages keyed by the cursor that requests them.
type fakeFeed struct {
	mu    sync.Mutex
	pages map[string]*ChangePage
	errs  map[string]error
	calls []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{pages: map[string]*ChangePage{}, errs: map[string]error{}}
}

func (f *fakeFeed) on(cursor string, page *ChangePage) *fakeFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[cursor] = page
	return f
}

func (f *fakeFeed) failOn(cursor string, err error) *fakeFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[cursor] = err
	return f
}

func (f *fakeFeed) FetchChanges(_ context.Context, cursor string) (*ChangePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cursor)
	if err, ok := f.errs[cursor]; ok {
		return nil, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("no page for cursor %q", cursor)
	}
	return page, nil
}

// fakeContent serves file bodies by remote id.
type fakeContent struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]error
	calls map[string]int
	// gate, when set, blocks every fetch until it is closed
	gate chan struct{}
}

func newFakeContent() *fakeContent {
	return &fakeContent{files: map[string][]byte{}, fail: map[string]error{}, calls: map[string]int{}}
}

func (c *fakeContent) set(id, body string) *fakeContent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[id] = []byte(body)
	delete(c.fail, id)
	return c
}

func (c *fakeContent) failWith(id string, err error) *fakeContent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[id] = err
	return c
}

func (c *fakeContent) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *fakeContent) FetchFileContent(ctx context.Context, id string) (*Content, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[id]++
	if err, ok := c.fail[id]; ok {
		return nil, err
	}
	body, ok := c.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrTransport, id)
	}
	return &Content{
		Body: io.NopCloser(bytes.NewReader(body)),
		URL:  "fake://" + id,
		Size: int64(len(body)),
	}, nil
}

var errBoom = errors.New("boom")

type testEnv struct {
	ws      *Workspace
	index   *Index
	feed    *fakeFeed
	content *fakeContent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "Dropbox"))
	require.NoError(t, err)
	require.NoError(t, ws.Setup())

	index, err := OpenIndex(ws.Root)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	return &testEnv{ws: ws, index: index, feed: newFakeFeed(), content: newFakeContent()}
}

func (e *testEnv) reconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := NewReconciler(&ReconcilerOpts{
		Workspace: e.ws,
		Index:     e.index,
		Content:   e.content,
		Ignore:    NewIgnoreList(e.ws.IgnorePath),
		Workers:   4,
	})
	require.NoError(t, err)
	return r
}

func (e *testEnv) engine(t *testing.T, confirm ConfirmFunc) *Engine {
	t.Helper()
	eng, err := NewEngine(&EngineOpts{
		Workspace: e.ws,
		Index:     e.index,
		Feed:      e.feed,
		Content:   e.content,
		Confirm:   confirm,
		Ignore:    NewIgnoreList(e.ws.IgnorePath),
		Workers:   4,
	})
	require.NoError(t, err)
	return eng
}

func (e *testEnv) local(remotePath string) string {
	return e.ws.LocalPath(remotePath)
}

func (e *testEnv) readFile(t *testing.T, remotePath string) string {
	t.Helper()
	data, err := os.ReadFile(e.local(remotePath))
	require.NoError(t, err)
	return string(data)
}

func fileEntry(id, path, rev string) ChangeEntry {
	return ChangeEntry{RemoteID: id, Metadata: &EntryMetadata{Path: path, Revision: rev}}
}

func dirEntry(id, path string) ChangeEntry {
	return ChangeEntry{RemoteID: id, Metadata: &EntryMetadata{Path: path, IsDir: true}}
}

func deleteEntry(id string) ChangeEntry {
	return ChangeEntry{RemoteID: id}
}

func batchOf(entries ...ChangeEntry) *ChangeBatch {
	return &ChangeBatch{Entries: entries, Cursor: "c1", Pages: 1}
}
