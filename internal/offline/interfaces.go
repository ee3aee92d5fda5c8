package offline

import (
	"context"
)

// PageData is the raw image returned by a PageFetcher.
type PageData struct {
	Body     []byte
	MimeType string
}

// PageFetcher retrieves a single page image. Implementations own their retry
// and timeout behavior; a returned error is final for the attempt budget.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (PageData, error)
}

// MetadataSource lists manga details and chapter pages from an installed
// extension. The engine consults it only when a queue request does not carry
// the listing itself.
type MetadataSource interface {
	MangaDetails(ctx context.Context, extensionID, mangaID string) (MangaDetails, error)
	ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]PageRef, error)
}

// QueueStore persists queue rows and download history. The worker is the
// only writer.
type QueueStore interface {
	SaveDownload(ctx context.Context, item QueuedDownload) error
	UpdateDownload(ctx context.Context, item QueuedDownload) error
	ListDownloads(ctx context.Context) ([]QueuedDownload, error)
	ListIncomplete(ctx context.Context) ([]QueuedDownload, error)
	RecordHistory(ctx context.Context, item QueuedDownload) error
	ListHistory(ctx context.Context, limit int) ([]QueuedDownload, error)
	DeleteHistoryItem(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) error
	Close() error
}
