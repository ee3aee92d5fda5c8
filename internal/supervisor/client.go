package supervisor

import (
	"context"
	"encoding/json"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// Typed wrappers over Request, one per worker command.

func request[T any](ctx context.Context, h *Host, cmd protocol.Command, payload any) (T, error) {
	var out T
	raw, err := h.Request(ctx, cmd, payload)
	if err != nil {
		return out, err
	}
	if err := decodeResult(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeResult(raw json.RawMessage, out any) error {
	return protocol.Decode(raw, out)
}

// QueueChapter enqueues one chapter download.
func (h *Host) QueueChapter(ctx context.Context, p protocol.QueueChapterPayload) (string, error) {
	res, err := request[protocol.QueueChapterResult](ctx, h, protocol.CommandQueueChapter, p)
	return res.ID, err
}

// QueueManga enqueues every missing chapter of a manga.
func (h *Host) QueueManga(ctx context.Context, p protocol.QueueMangaPayload) ([]string, error) {
	res, err := request[protocol.QueueMangaResult](ctx, h, protocol.CommandQueueManga, p)
	return res.IDs, err
}

// CancelDownload cancels one queue item.
func (h *Host) CancelDownload(ctx context.Context, id string) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandCancelDownload, protocol.DownloadIDPayload{ID: id})
	return err
}

// RetryDownload requeues one failed item.
func (h *Host) RetryDownload(ctx context.Context, id string) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandRetryDownload, protocol.DownloadIDPayload{ID: id})
	return err
}

// RetryFrozenDownloads requeues items stalled mid-transfer.
func (h *Host) RetryFrozenDownloads(ctx context.Context) ([]string, error) {
	res, err := request[protocol.RetryFrozenResult](ctx, h, protocol.CommandRetryFrozen, nil)
	return res.IDs, err
}

// QueuedDownloads lists every known queue item in drain order.
func (h *Host) QueuedDownloads(ctx context.Context) ([]offline.QueuedDownload, error) {
	res, err := request[protocol.DownloadListResult](ctx, h, protocol.CommandGetQueuedDownloads, nil)
	return res.Downloads, err
}

// ActiveDownloads lists items currently transferring.
func (h *Host) ActiveDownloads(ctx context.Context) ([]offline.QueuedDownload, error) {
	res, err := request[protocol.DownloadListResult](ctx, h, protocol.CommandGetActiveDownloads, nil)
	return res.Downloads, err
}

// DownloadProgress reports progress for one item.
func (h *Host) DownloadProgress(ctx context.Context, id string) (protocol.ProgressResult, error) {
	return request[protocol.ProgressResult](ctx, h, protocol.CommandGetDownloadProgress, protocol.DownloadIDPayload{ID: id})
}

// IsActive reports whether any transfer is in flight.
func (h *Host) IsActive(ctx context.Context) (bool, error) {
	res, err := request[protocol.BoolResult](ctx, h, protocol.CommandIsActive, nil)
	return res.Value, err
}

// StorageStats summarizes the offline library's disk usage.
func (h *Host) StorageStats(ctx context.Context) (offline.StorageStats, error) {
	res, err := request[protocol.StorageStatsResult](ctx, h, protocol.CommandGetStorageStats, nil)
	return res.Stats, err
}

// DownloadedManga lists every downloaded manga document.
func (h *Host) DownloadedManga(ctx context.Context) ([]offline.MangaMetadata, error) {
	res, err := request[protocol.MangaListResult](ctx, h, protocol.CommandGetDownloadedManga, nil)
	return res.Manga, err
}

// MangaMetadata reads one manga document.
func (h *Host) MangaMetadata(ctx context.Context, p protocol.MangaPayload) (offline.MangaMetadata, error) {
	res, err := request[protocol.MangaMetadataResult](ctx, h, protocol.CommandGetMangaMetadata, p)
	return res.Metadata, err
}

// DownloadedChapters lists the chapter documents of one manga.
func (h *Host) DownloadedChapters(ctx context.Context, p protocol.MangaPayload) ([]offline.ChapterMetadata, error) {
	res, err := request[protocol.ChapterListResult](ctx, h, protocol.CommandGetDownloadedChaps, p)
	return res.Chapters, err
}

// ChapterPages reads the page manifest of one chapter.
func (h *Host) ChapterPages(ctx context.Context, p protocol.ChapterPayload) (offline.ChapterPages, error) {
	res, err := request[protocol.ChapterPagesResult](ctx, h, protocol.CommandGetChapterPages, p)
	return res.Pages, err
}

// IsChapterDownloaded reports whether a chapter exists on disk.
func (h *Host) IsChapterDownloaded(ctx context.Context, p protocol.ChapterPayload) (bool, error) {
	res, err := request[protocol.BoolResult](ctx, h, protocol.CommandIsChapterDownloaded, p)
	return res.Value, err
}

// DeleteChapter removes one downloaded chapter.
func (h *Host) DeleteChapter(ctx context.Context, p protocol.ChapterPayload) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandDeleteChapter, p)
	return err
}

// DeleteManga removes one downloaded manga.
func (h *Host) DeleteManga(ctx context.Context, p protocol.MangaPayload) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandDeleteManga, p)
	return err
}

// NukeOfflineData removes the whole offline library.
func (h *Host) NukeOfflineData(ctx context.Context) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandNukeOfflineData, nil)
	return err
}

// DownloadHistory lists finished downloads, newest first.
func (h *Host) DownloadHistory(ctx context.Context, limit int) ([]offline.QueuedDownload, error) {
	res, err := request[protocol.DownloadListResult](ctx, h, protocol.CommandGetDownloadHistory, protocol.HistoryPayload{Limit: limit})
	return res.Downloads, err
}

// DeleteHistoryItem removes one history row.
func (h *Host) DeleteHistoryItem(ctx context.Context, id string) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandDeleteHistoryItem, protocol.DownloadIDPayload{ID: id})
	return err
}

// ClearHistory removes all history rows.
func (h *Host) ClearHistory(ctx context.Context) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandClearHistory, nil)
	return err
}

// ValidateChapterCount compares downloaded chapters with the catalog count.
func (h *Host) ValidateChapterCount(ctx context.Context, p protocol.ValidateChapterCountPayload) (protocol.ValidateChapterCountResult, error) {
	return request[protocol.ValidateChapterCountResult](ctx, h, protocol.CommandValidateChapterCount, p)
}

// StartBackgroundSync asks the worker to enqueue missing chapters for every
// downloaded manga.
func (h *Host) StartBackgroundSync(ctx context.Context) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandStartBackgroundSync, nil)
	return err
}

// PagePath resolves the on-disk path of one stored page.
func (h *Host) PagePath(ctx context.Context, p protocol.PagePathPayload) (string, error) {
	res, err := request[protocol.PagePathResult](ctx, h, protocol.CommandGetPagePath, p)
	return res.Path, err
}

// Metrics fetches the worker's performance snapshot.
func (h *Host) Metrics(ctx context.Context) (perf.Snapshot, error) {
	res, err := request[protocol.MetricsResult](ctx, h, protocol.CommandGetMetrics, nil)
	return res.Metrics, err
}

// ResetMetrics clears the worker's performance counters.
func (h *Host) ResetMetrics(ctx context.Context) error {
	_, err := request[protocol.AckResult](ctx, h, protocol.CommandResetMetrics, nil)
	return err
}
