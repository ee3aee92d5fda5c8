// Package offline defines the core types shared across the download engine.
package offline

import (
	"time"
)

// Status represents the lifecycle state of a queued download.
type Status string

// Download status values persisted in the queue store.
const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPaused      Status = "paused"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueuedDownload is one unit of download work: a single chapter of a manga.
// Items are created on enqueue, mutated only by the worker, and retained
// after reaching a terminal state for history.
type QueuedDownload struct {
	ID              string     `json:"id"`
	ExtensionID     string     `json:"extension_id"`
	MangaID         string     `json:"manga_id"`
	MangaSlug       string     `json:"manga_slug"`
	ChapterID       string     `json:"chapter_id,omitempty"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
}

// ProgressUpdate carries a point-in-time progress observation for one queue
// item. Within a batch window the latest update per QueueID wins.
type ProgressUpdate struct {
	QueueID   string `json:"queue_id"`
	MangaID   string `json:"manga_id"`
	ChapterID string `json:"chapter_id,omitempty"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
}

// PageRef identifies one remote page image before it has been downloaded.
type PageRef struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// ChapterRef describes one chapter as listed by a catalog source.
type ChapterRef struct {
	ID     string  `json:"id"`
	Number float64 `json:"number"`
	Title  string  `json:"title,omitempty"`
}

// MangaDetails is the catalog-level description of a manga.
type MangaDetails struct {
	ID          string       `json:"id"`
	Slug        string       `json:"slug"`
	Title       string       `json:"title"`
	Author      string       `json:"author,omitempty"`
	Description string       `json:"description,omitempty"`
	CoverURL    string       `json:"cover_url,omitempty"`
	Chapters    []ChapterRef `json:"chapters"`
}

// StorageStats summarizes the on-disk footprint of the offline library.
type StorageStats struct {
	MangaCount   int   `json:"manga_count"`
	ChapterCount int   `json:"chapter_count"`
	PageCount    int   `json:"page_count"`
	TotalBytes   int64 `json:"total_bytes"`
}
