package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_FollowsPagination(t *testing.T) {
	feed := newFakeFeed().
		on("c0", &ChangePage{Entries: []ChangeEntry{fileEntry("a", "/a", "1")}, Cursor: "c1", HasMore: true}).
		on("c1", &ChangePage{Entries: []ChangeEntry{fileEntry("b", "/b", "1")}, Cursor: "c2", HasMore: true}).
		on("c2", &ChangePage{Entries: []ChangeEntry{deleteEntry("c")}, Cursor: "c3"})

	batch, err := NewFetcher(feed, nil).FetchAll(t.Context(), "c0")
	require.NoError(t, err)

	assert.Equal(t, "c3", batch.Cursor)
	assert.Equal(t, 3, batch.Pages)
	assert.False(t, batch.Reset)
	require.Len(t, batch.Entries, 3)
	assert.Equal(t, "a", batch.Entries[0].RemoteID)
	assert.Equal(t, "b", batch.Entries[1].RemoteID)
	assert.True(t, batch.Entries[2].IsDelete())
	assert.Equal(t, []string{"c0", "c1", "c2"}, feed.calls)
}

func TestFetcher_NoChanges(t *testing.T) {
	feed := newFakeFeed().on("c5", &ChangePage{Cursor: "c5"})

	batch, err := NewFetcher(feed, nil).FetchAll(t.Context(), "c5")
	require.NoError(t, err)
	assert.Empty(t, batch.Entries)
	assert.Equal(t, "c5", batch.Cursor)
}

func TestFetcher_FailureMidPaginationSurfacesNoCursor(t *testing.T) {
	feed := newFakeFeed().
		on("c0", &ChangePage{Entries: []ChangeEntry{fileEntry("a", "/a", "1")}, Cursor: "c1", HasMore: true}).
		failOn("c1", errBoom)

	batch, err := NewFetcher(feed, nil).FetchAll(t.Context(), "c0")
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, errBoom)
}

func TestFetcher_ConfigErrorsAreNotTransport(t *testing.T) {
	feed := newFakeFeed().failOn("", ErrConfigInvalid)

	_, err := NewFetcher(feed, nil).FetchAll(t.Context(), "")
	assert.ErrorIs(t, err, ErrConfigInvalid)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestFetcher_ResetDiscardsEarlierPages(t *testing.T) {
	feed := newFakeFeed().
		on("old", &ChangePage{Entries: []ChangeEntry{fileEntry("stale", "/stale", "1")}, Cursor: "r0", HasMore: true}).
		on("r0", &ChangePage{Entries: []ChangeEntry{fileEntry("a", "/a", "1")}, Cursor: "r1", HasMore: true, Reset: true}).
		on("r1", &ChangePage{Entries: []ChangeEntry{fileEntry("b", "/b", "1")}, Cursor: "r2"})

	batch, err := NewFetcher(feed, nil).FetchAll(t.Context(), "old")
	require.NoError(t, err)
	assert.True(t, batch.Reset)
	assert.Equal(t, "r2", batch.Cursor)
	require.Len(t, batch.Entries, 2)
	assert.Equal(t, "a", batch.Entries[0].RemoteID)
	assert.Equal(t, "b", batch.Entries[1].RemoteID)
}

func TestFetcher_StuckCursor(t *testing.T) {
	feed := newFakeFeed().on("c0", &ChangePage{Cursor: "c0", HasMore: true})

	_, err := NewFetcher(feed, nil).FetchAll(t.Context(), "c0")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, feed.calls, 1)
}

func TestFetcher_PageLimit(t *testing.T) {
	feed := newFakeFeed().
		on("a", &ChangePage{Cursor: "b", HasMore: true}).
		on("b", &ChangePage{Cursor: "a", HasMore: true})

	f := NewFetcher(feed, nil)
	f.maxPages = 5
	_, err := f.FetchAll(t.Context(), "a")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, feed.calls, 5)
}

func TestFetcher_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := NewFetcher(newFakeFeed(), nil).FetchAll(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetcher_PagesIsRestartable(t *testing.T) {
	feed := newFakeFeed().
		on("c0", &ChangePage{Entries: []ChangeEntry{fileEntry("a", "/a", "1")}, Cursor: "c1", HasMore: true}).
		on("c1", &ChangePage{Entries: []ChangeEntry{fileEntry("b", "/b", "1")}, Cursor: "c2"})

	f := NewFetcher(feed, nil)
	seq := f.Pages(t.Context(), "c0")

	// stop after the first page
	for page, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "c1", page.Cursor)
		break
	}

	var cursors []string
	for page, err := range seq {
		require.NoError(t, err)
		cursors = append(cursors, page.Cursor)
	}
	assert.Equal(t, []string{"c1", "c2"}, cursors)
}
