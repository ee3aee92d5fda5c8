package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomeshelf/tomeshelf/internal/offline"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testItem(id string, priority int, queuedAt time.Time) offline.QueuedDownload {
	return offline.QueuedDownload{
		ID:            id,
		ExtensionID:   "ext",
		MangaID:       "m1",
		MangaSlug:     "naruto",
		ChapterID:     "c-" + id,
		Status:        offline.StatusQueued,
		Priority:      priority,
		QueuedAt:      queuedAt,
		ProgressTotal: 10,
	}
}

func TestSQLiteStore_SaveAndList(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.SaveDownload(ctx, testItem("a", 0, base)))
	require.NoError(t, s.SaveDownload(ctx, testItem("b", 5, base.Add(time.Second))))
	require.NoError(t, s.SaveDownload(ctx, testItem("c", 5, base)))

	items, err := s.ListDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	// Priority descending, ties broken by queued_at ascending.
	require.Equal(t, []string{"c", "b", "a"}, []string{items[0].ID, items[1].ID, items[2].ID})
	require.Equal(t, base.UnixMilli(), items[2].QueuedAt.UnixMilli())
}

func TestSQLiteStore_UpdateAndIncomplete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	item := testItem("a", 0, time.Now())
	require.NoError(t, s.SaveDownload(ctx, item))

	started := time.Now()
	item.Status = offline.StatusDownloading
	item.StartedAt = &started
	item.ProgressCurrent = 4
	require.NoError(t, s.UpdateDownload(ctx, item))

	incomplete, err := s.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.Equal(t, offline.StatusDownloading, incomplete[0].Status)
	require.NotNil(t, incomplete[0].StartedAt)
	require.Equal(t, 4, incomplete[0].ProgressCurrent)

	done := time.Now()
	item.Status = offline.StatusCompleted
	item.CompletedAt = &done
	require.NoError(t, s.UpdateDownload(ctx, item))

	incomplete, err = s.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestSQLiteStore_History(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		item := testItem(id, 0, time.Now())
		item.Status = offline.StatusCompleted
		done := time.Now().Add(time.Duration(i) * time.Second)
		item.CompletedAt = &done
		require.NoError(t, s.RecordHistory(ctx, item))
	}

	items, err := s.ListHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "c", items[0].ID, "newest first")

	require.NoError(t, s.DeleteHistoryItem(ctx, "b"))
	require.Error(t, s.DeleteHistoryItem(ctx, "missing"))

	require.NoError(t, s.ClearHistory(ctx))
	items, err = s.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}
