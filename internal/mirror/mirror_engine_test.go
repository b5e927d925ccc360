package mirror

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_FirstRunThenIncremental(t *testing.T) {
	env := newTestEnv(t)
	env.content.set("id1", "r1")
	env.feed.
		on("", &ChangePage{Entries: []ChangeEntry{fileEntry("id1", "/Bob/pic.jpg", "r1")}, Cursor: "c1", Reset: true}).
		on("c1", &ChangePage{Entries: []ChangeEntry{deleteEntry("id1")}, Cursor: "c2"})

	eng := env.engine(t, NeverConfirm)

	res, err := eng.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Reset)
	assert.Equal(t, "c1", res.Cursor)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "r1", env.readFile(t, "/Bob/pic.jpg"))

	res, err = eng.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "c2", res.Cursor)
	assert.NoFileExists(t, env.local("/Bob/pic.jpg"))

	cursor, err := env.index.Checkpoints().Load()
	require.NoError(t, err)
	assert.Equal(t, "c2", cursor)
	assert.Equal(t, []string{"", "c1"}, env.feed.calls)
}

func TestEngine_ResetWipesAfterConfirmation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Put(&Record{RemoteID: "old", Path: "/old.txt", Revision: "1"}))
	require.NoError(t, env.index.Checkpoints().Save("stale"))
	require.NoError(t, os.WriteFile(env.local("/old.txt"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(env.local("/stray.txt"), []byte("stray"), 0o644))

	env.content.set("new", "fresh")
	env.feed.on("stale", &ChangePage{Entries: []ChangeEntry{fileEntry("new", "/new.txt", "1")}, Cursor: "n1", Reset: true})

	var prompts []string
	confirm := func(prompt string) bool {
		prompts = append(prompts, prompt)
		return true
	}

	res, err := env.engine(t, confirm).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], env.ws.Root)

	assert.ElementsMatch(t, []string{StateDirName, "new.txt"}, dirNames(t, env.ws.Root))
	rec, err := env.index.Get("old")
	require.NoError(t, err)
	assert.Nil(t, rec)

	history, err := env.index.Checkpoints().History(0)
	require.NoError(t, err)
	require.Len(t, history, 1, "reset drops the old checkpoint log")
	assert.Equal(t, "n1", history[0].Cursor)
}

func TestEngine_ResetDeclinedChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Put(&Record{RemoteID: "old", Path: "/old.txt", Revision: "1"}))
	require.NoError(t, env.index.Checkpoints().Save("stale"))
	require.NoError(t, os.WriteFile(env.local("/old.txt"), []byte("old"), 0o644))
	env.feed.on("stale", &ChangePage{Entries: []ChangeEntry{fileEntry("new", "/new.txt", "1")}, Cursor: "n1", Reset: true})

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	assert.ErrorIs(t, err, ErrResetDeclined)
	assert.Equal(t, StatusAborted, res.Status)

	assert.FileExists(t, env.local("/old.txt"))
	assert.NoFileExists(t, env.local("/new.txt"))
	cursor, err := env.index.Checkpoints().Load()
	require.NoError(t, err)
	assert.Equal(t, "stale", cursor)
	rec, err := env.index.Get("old")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestEngine_FetchFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Checkpoints().Save("c1"))
	env.feed.
		on("c1", &ChangePage{Entries: []ChangeEntry{fileEntry("a", "/a", "1")}, Cursor: "c2", HasMore: true}).
		failOn("c2", errBoom)

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StatusAborted, res.Status)
	assert.NoFileExists(t, env.local("/a"))

	cursor, err := env.index.Checkpoints().Load()
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor)
}

func TestEngine_ResumesAfterEntryFailure(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Checkpoints().Save("c1"))
	env.content.set("e1", "1").set("e3", "3").failWith("e2", errBoom)
	env.feed.on("c1", &ChangePage{Entries: []ChangeEntry{
		fileEntry("e1", "/1.txt", "1"),
		fileEntry("e2", "/2.txt", "1"),
		fileEntry("e3", "/3.txt", "1"),
	}, Cursor: "c2"})
	eng := env.engine(t, NeverConfirm)

	res, err := eng.Run(t.Context())
	require.NoError(t, err, "entry failures are not fatal")
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"e2"}, res.FailedIDs())
	assert.Empty(t, res.Cursor)

	cursor, err := env.index.Checkpoints().Load()
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor, "cursor must not pass a failed batch")

	env.content.set("e2", "2")
	res, err = eng.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"e2"}, res.Applied)
	assert.Equal(t, 2, res.Unchanged)
	assert.Equal(t, 1, env.content.count("e1"))
	assert.Equal(t, "2", env.readFile(t, "/2.txt"))
	assert.Equal(t, "c2", res.Cursor)
}

func TestEngine_RefusedEntryIsPartialButCheckpoints(t *testing.T) {
	env := newTestEnv(t)
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{fileEntry("x", "/.boxmirror/config.json", "1")}, Cursor: "c1"})

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"x"}, res.SkippedIDs())
	assert.Equal(t, "c1", res.Cursor)
}

func TestEngine_EntryWithoutIDIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.content.set("id1", "one")
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{
		fileEntry("id1", "/a.txt", "1"),
		fileEntry("", "/b.txt", "1"),
	}, Cursor: "c1"})

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"id1"}, res.Applied)
	assert.Equal(t, map[string]string{"#2": SkipInvalid}, res.Skipped)
	assert.Equal(t, "c1", res.Cursor, "a malformed entry cannot succeed on replay either")
	assert.NoFileExists(t, env.local("/b.txt"))
}

func TestEngine_WorkspaceLocked(t *testing.T) {
	env := newTestEnv(t)
	other, err := NewWorkspace(env.ws.Root)
	require.NoError(t, err)
	require.NoError(t, other.Lock())
	defer other.Unlock()

	partial := filepath.Join(env.ws.TempDir, "download-123")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	assert.ErrorIs(t, err, ErrWorkspaceLocked)
	assert.Equal(t, StatusAborted, res.Status)
	assert.Empty(t, env.feed.calls)
	assert.FileExists(t, partial, "a locked-out run must not touch the running pass's downloads")
}

func TestEngine_ClearsLeftoverDownloads(t *testing.T) {
	env := newTestEnv(t)
	partial := filepath.Join(env.ws.TempDir, "download-123")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))
	env.feed.on("", &ChangePage{Cursor: "c1"})

	_, err := env.engine(t, NeverConfirm).Run(t.Context())
	require.NoError(t, err)
	assert.NoFileExists(t, partial)
}

func TestEngine_RunsWithCallerHeldLock(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ws.Lock())
	defer env.ws.Unlock()
	env.feed.on("", &ChangePage{Cursor: "c1"})

	_, err := env.engine(t, NeverConfirm).Run(t.Context())
	require.NoError(t, err)
	assert.True(t, env.ws.Locked(), "a lock taken by the caller stays with the caller")
}

func TestEngine_PartialBaselineResumesWithoutWipe(t *testing.T) {
	env := newTestEnv(t)
	env.content.set("id1", "one").failWith("id2", errBoom)
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{
		fileEntry("id1", "/a.txt", "1"),
		fileEntry("id2", "/b.txt", "1"),
	}, Cursor: "c1", Reset: true})

	prompts := 0
	eng := env.engine(t, func(string) bool {
		prompts++
		return false
	})

	res, err := eng.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)

	env.content.set("id2", "two")
	res, err = eng.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "c1", res.Cursor)
	assert.Zero(t, prompts, "a baseline the index fully accounts for is resumed")
	assert.Equal(t, 1, env.content.count("id1"))
	assert.Equal(t, "one", env.readFile(t, "/a.txt"))
	assert.Equal(t, "two", env.readFile(t, "/b.txt"))
}

func TestEngine_ResumedBaselineSweepsUnlisted(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Put(&Record{RemoteID: "id1", Path: "/a.txt", Revision: "1"}))
	require.NoError(t, env.index.Put(&Record{RemoteID: "gone", Path: "/Old", IsDir: true}))
	require.NoError(t, env.index.Put(&Record{RemoteID: "gone-child", Path: "/Old/x.txt", Revision: "1"}))
	require.NoError(t, os.WriteFile(env.local("/a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.MkdirAll(env.local("/Old"), 0o755))
	require.NoError(t, os.WriteFile(env.local("/Old/x.txt"), []byte("x"), 0o644))
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{fileEntry("id1", "/a.txt", "1")}, Cursor: "c1", Reset: true})

	res, err := env.engine(t, NeverConfirm).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Unchanged)
	assert.ElementsMatch(t, []string{StateDirName, "a.txt"}, dirNames(t, env.ws.Root))

	n, err := env.index.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_UnclaimedEntryStillNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.index.Put(&Record{RemoteID: "id1", Path: "/a.txt", Revision: "1"}))
	require.NoError(t, os.WriteFile(env.local("/a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(env.local("/stray.txt"), []byte("stray"), 0o644))
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{fileEntry("id1", "/a.txt", "1")}, Cursor: "c1", Reset: true})

	_, err := env.engine(t, NeverConfirm).Run(t.Context())
	assert.ErrorIs(t, err, ErrResetDeclined)
	assert.FileExists(t, env.local("/stray.txt"))
}

func TestEngine_StorageLogsCarryRunID(t *testing.T) {
	env := newTestEnv(t)
	env.content.set("id1", "one")
	env.feed.on("", &ChangePage{Entries: []ChangeEntry{fileEntry("id1", "/a.txt", "1")}, Cursor: "c1"})

	var buf bytes.Buffer
	eng, err := NewEngine(&EngineOpts{
		Workspace: env.ws,
		Index:     env.index,
		Feed:      env.feed,
		Content:   env.content,
		Logger:    slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)

	res, err := eng.Run(t.Context())
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, line := range strings.Split(buf.String(), "\n") {
		for _, msg := range []string{"index put", "checkpoint saved"} {
			if strings.Contains(line, "msg=\""+msg+"\"") {
				seen[msg] = true
				assert.Contains(t, line, "run="+res.RunID, line)
			}
		}
	}
	assert.True(t, seen["index put"])
	assert.True(t, seen["checkpoint saved"])
}
