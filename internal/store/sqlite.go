// Package store persists queue rows and download history in an embedded
// SQLite database beside the offline library.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomeshelf/tomeshelf/internal/offline"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id               TEXT PRIMARY KEY,
	extension_id     TEXT NOT NULL,
	manga_id         TEXT NOT NULL,
	manga_slug       TEXT NOT NULL,
	chapter_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	queued_at        INTEGER NOT NULL,
	started_at       INTEGER,
	completed_at     INTEGER,
	error_message    TEXT NOT NULL DEFAULT '',
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS download_history (
	id               TEXT PRIMARY KEY,
	extension_id     TEXT NOT NULL,
	manga_id         TEXT NOT NULL,
	manga_slug       TEXT NOT NULL,
	chapter_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	queued_at        INTEGER NOT NULL,
	completed_at     INTEGER,
	error_message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

// SQLiteStore implements offline.QueueStore on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates the database file, applies pragmas and the schema, and
// returns the store.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// WAL and a busy timeout keep the single-writer worker responsive while
	// the admin surface reads concurrently.
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveDownload inserts or replaces a queue row.
func (s *SQLiteStore) SaveDownload(ctx context.Context, item offline.QueuedDownload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads
		(id, extension_id, manga_id, manga_slug, chapter_id, status, priority,
		 queued_at, started_at, completed_at, error_message, progress_current, progress_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ExtensionID, item.MangaID, item.MangaSlug, item.ChapterID,
		string(item.Status), item.Priority, item.QueuedAt.UnixMilli(),
		timePtrMilli(item.StartedAt), timePtrMilli(item.CompletedAt),
		item.ErrorMessage, item.ProgressCurrent, item.ProgressTotal)
	if err != nil {
		return fmt.Errorf("save download %s: %w", item.ID, err)
	}
	return nil
}

// UpdateDownload rewrites the mutable columns of a queue row.
func (s *SQLiteStore) UpdateDownload(ctx context.Context, item offline.QueuedDownload) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, priority = ?, started_at = ?, completed_at = ?,
		 error_message = ?, progress_current = ?, progress_total = ?
		WHERE id = ?`,
		string(item.Status), item.Priority, timePtrMilli(item.StartedAt),
		timePtrMilli(item.CompletedAt), item.ErrorMessage,
		item.ProgressCurrent, item.ProgressTotal, item.ID)
	if err != nil {
		return fmt.Errorf("update download %s: %w", item.ID, err)
	}
	return nil
}

// ListDownloads returns every queue row in drain order.
func (s *SQLiteStore) ListDownloads(ctx context.Context) ([]offline.QueuedDownload, error) {
	return s.queryDownloads(ctx, `
		SELECT id, extension_id, manga_id, manga_slug, chapter_id, status, priority,
		 queued_at, started_at, completed_at, error_message, progress_current, progress_total
		FROM downloads ORDER BY priority DESC, queued_at ASC`)
}

// ListIncomplete returns rows not yet in a terminal state, used to reclaim
// work after a crash.
func (s *SQLiteStore) ListIncomplete(ctx context.Context) ([]offline.QueuedDownload, error) {
	return s.queryDownloads(ctx, `
		SELECT id, extension_id, manga_id, manga_slug, chapter_id, status, priority,
		 queued_at, started_at, completed_at, error_message, progress_current, progress_total
		FROM downloads WHERE status IN ('queued', 'downloading', 'paused')
		ORDER BY priority DESC, queued_at ASC`)
}

func (s *SQLiteStore) queryDownloads(ctx context.Context, query string, args ...any) ([]offline.QueuedDownload, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var items []offline.QueuedDownload
	for rows.Next() {
		var (
			item                 offline.QueuedDownload
			status               string
			queuedAt             int64
			startedAt, completed sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.ExtensionID, &item.MangaID, &item.MangaSlug,
			&item.ChapterID, &status, &item.Priority, &queuedAt, &startedAt, &completed,
			&item.ErrorMessage, &item.ProgressCurrent, &item.ProgressTotal); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		item.Status = offline.Status(status)
		item.QueuedAt = time.UnixMilli(queuedAt)
		item.StartedAt = milliPtr(startedAt)
		item.CompletedAt = milliPtr(completed)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downloads: %w", err)
	}
	return items, nil
}

// RecordHistory copies a terminal item into the history table.
func (s *SQLiteStore) RecordHistory(ctx context.Context, item offline.QueuedDownload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO download_history
		(id, extension_id, manga_id, manga_slug, chapter_id, status, queued_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ExtensionID, item.MangaID, item.MangaSlug, item.ChapterID,
		string(item.Status), item.QueuedAt.UnixMilli(), timePtrMilli(item.CompletedAt),
		item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("record history %s: %w", item.ID, err)
	}
	return nil
}

// ListHistory returns up to limit terminal items, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]offline.QueuedDownload, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, extension_id, manga_id, manga_slug, chapter_id, status, queued_at, completed_at, error_message
		FROM download_history ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var items []offline.QueuedDownload
	for rows.Next() {
		var (
			item      offline.QueuedDownload
			status    string
			queuedAt  int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.ExtensionID, &item.MangaID, &item.MangaSlug,
			&item.ChapterID, &status, &queuedAt, &completed, &item.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		item.Status = offline.Status(status)
		item.QueuedAt = time.UnixMilli(queuedAt)
		item.CompletedAt = milliPtr(completed)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// DeleteHistoryItem removes one history row.
func (s *SQLiteStore) DeleteHistoryItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history item %s not found", id)
	}
	return nil
}

// ClearHistory removes every history row.
func (s *SQLiteStore) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func timePtrMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func milliPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
