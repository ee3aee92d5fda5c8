package protocol

import (
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
)

// QueueChapterPayload requests the download of one chapter. Pages may carry
// the catalog listing inline; when empty the worker resolves it through its
// metadata source.
type QueueChapterPayload struct {
	ExtensionID string            `json:"extension_id"`
	MangaID     string            `json:"manga_id"`
	MangaSlug   string            `json:"manga_slug"`
	ChapterID   string            `json:"chapter_id"`
	Priority    int               `json:"priority"`
	Pages       []offline.PageRef `json:"pages,omitempty"`
}

// QueueChapterResult returns the assigned queue id.
type QueueChapterResult struct {
	ID string `json:"id"`
}

// QueueMangaPayload requests the download of every missing chapter of a
// manga.
type QueueMangaPayload struct {
	ExtensionID string `json:"extension_id"`
	MangaID     string `json:"manga_id"`
	MangaSlug   string `json:"manga_slug"`
	Priority    int    `json:"priority"`
}

// QueueMangaResult returns one queue id per enqueued chapter.
type QueueMangaResult struct {
	IDs []string `json:"ids"`
}

// DownloadIDPayload addresses one queue item by id.
type DownloadIDPayload struct {
	ID string `json:"id"`
}

// AckResult acknowledges a command with no other output.
type AckResult struct {
	OK bool `json:"ok"`
}

// RetryFrozenResult lists the queue ids that were requeued.
type RetryFrozenResult struct {
	IDs []string `json:"ids"`
}

// DownloadListResult returns queue items.
type DownloadListResult struct {
	Downloads []offline.QueuedDownload `json:"downloads"`
}

// ProgressResult reports progress for one queue item.
type ProgressResult struct {
	QueueID string `json:"queue_id"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

// MangaPayload addresses one manga of one extension.
type MangaPayload struct {
	ExtensionID string `json:"extension_id"`
	MangaSlug   string `json:"manga_slug"`
}

// ChapterPayload addresses one chapter of a downloaded manga, either by its
// folder index or by the catalog chapter id.
type ChapterPayload struct {
	ExtensionID  string `json:"extension_id"`
	MangaSlug    string `json:"manga_slug"`
	ChapterIndex int    `json:"chapter_index,omitempty"`
	ChapterID    string `json:"chapter_id,omitempty"`
}

// PagePathPayload resolves the on-disk path for one stored page.
type PagePathPayload struct {
	ExtensionID  string `json:"extension_id"`
	MangaSlug    string `json:"manga_slug"`
	ChapterIndex int    `json:"chapter_index"`
	PageIndex    int    `json:"page_index"`
}

// PagePathResult carries the resolved path.
type PagePathResult struct {
	Path string `json:"path"`
}

// BoolResult answers a yes/no query.
type BoolResult struct {
	Value bool `json:"value"`
}

// MangaListResult returns manga-level metadata documents.
type MangaListResult struct {
	Manga []offline.MangaMetadata `json:"manga"`
}

// MangaMetadataResult returns one manga document.
type MangaMetadataResult struct {
	Metadata offline.MangaMetadata `json:"metadata"`
}

// ChapterListResult returns chapter-level metadata documents.
type ChapterListResult struct {
	Chapters []offline.ChapterMetadata `json:"chapters"`
}

// ChapterPagesResult returns the page manifest of one chapter.
type ChapterPagesResult struct {
	Pages offline.ChapterPages `json:"pages"`
}

// StorageStatsResult summarizes on-disk usage.
type StorageStatsResult struct {
	Stats offline.StorageStats `json:"stats"`
}

// HistoryPayload bounds a history listing.
type HistoryPayload struct {
	Limit int `json:"limit"`
}

// ValidateChapterCountPayload compares the downloaded chapter count against
// an expected catalog count.
type ValidateChapterCountPayload struct {
	ExtensionID   string `json:"extension_id"`
	MangaID       string `json:"manga_id"`
	MangaSlug     string `json:"manga_slug"`
	ExpectedCount int    `json:"expected_count"`
}

// ValidateChapterCountResult reports the comparison.
type ValidateChapterCountResult struct {
	Downloaded int  `json:"downloaded"`
	Expected   int  `json:"expected"`
	Complete   bool `json:"complete"`
}

// MetricsResult carries a performance snapshot.
type MetricsResult struct {
	Metrics perf.Snapshot `json:"metrics"`
}
