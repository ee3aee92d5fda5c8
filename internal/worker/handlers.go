package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// Handle executes one protocol command against the engine and returns the
// command's result value. Payload shapes are fixed per command; a payload
// that fails to decode rejects the request without touching engine state.
func (e *Engine) Handle(ctx context.Context, cmd protocol.Command, payload json.RawMessage) (any, error) {
	switch cmd {
	case protocol.CommandStart:
		e.Start()
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandStop:
		e.Stop()
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandQueueChapter:
		var p protocol.QueueChapterPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		id, err := e.QueueChapter(ctx, p)
		if err != nil {
			return nil, err
		}
		return protocol.QueueChapterResult{ID: id}, nil

	case protocol.CommandQueueManga:
		var p protocol.QueueMangaPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		ids, err := e.QueueManga(ctx, p)
		if err != nil {
			return nil, err
		}
		return protocol.QueueMangaResult{IDs: ids}, nil

	case protocol.CommandCancelDownload:
		var p protocol.DownloadIDPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := e.Cancel(ctx, p.ID); err != nil {
			return nil, err
		}
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandRetryDownload:
		var p protocol.DownloadIDPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := e.Retry(ctx, p.ID); err != nil {
			return nil, err
		}
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandRetryFrozen:
		ids, err := e.RetryFrozen(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.RetryFrozenResult{IDs: ids}, nil

	case protocol.CommandGetQueuedDownloads:
		return protocol.DownloadListResult{Downloads: e.Downloads()}, nil

	case protocol.CommandGetActiveDownloads:
		return protocol.DownloadListResult{Downloads: e.ActiveDownloads()}, nil

	case protocol.CommandGetDownloadProgress:
		var p protocol.DownloadIDPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		return e.Progress(p.ID)

	case protocol.CommandIsActive:
		return protocol.BoolResult{Value: e.IsActive()}, nil

	case protocol.CommandGetStorageStats:
		stats, err := e.StorageStats()
		if err != nil {
			return nil, err
		}
		return protocol.StorageStatsResult{Stats: stats}, nil

	case protocol.CommandGetDownloadedManga:
		manga, err := e.DownloadedManga()
		if err != nil {
			return nil, err
		}
		return protocol.MangaListResult{Manga: manga}, nil

	case protocol.CommandGetMangaMetadata:
		p, err := decodeManga(payload)
		if err != nil {
			return nil, err
		}
		doc, err := e.MangaMetadata(p.ExtensionID, p.MangaSlug)
		if err != nil {
			return nil, err
		}
		return protocol.MangaMetadataResult{Metadata: doc}, nil

	case protocol.CommandGetDownloadedChaps:
		p, err := decodeManga(payload)
		if err != nil {
			return nil, err
		}
		chapters, err := e.DownloadedChapters(p.ExtensionID, p.MangaSlug)
		if err != nil {
			return nil, err
		}
		return protocol.ChapterListResult{Chapters: chapters}, nil

	case protocol.CommandGetChapterPages:
		p, err := decodeChapter(payload)
		if err != nil {
			return nil, err
		}
		pages, err := e.ChapterPages(p.ExtensionID, p.MangaSlug, p)
		if err != nil {
			return nil, err
		}
		return protocol.ChapterPagesResult{Pages: pages}, nil

	case protocol.CommandIsChapterDownloaded:
		p, err := decodeChapter(payload)
		if err != nil {
			return nil, err
		}
		return protocol.BoolResult{Value: e.IsChapterDownloaded(p.ExtensionID, p.MangaSlug, p.ChapterID)}, nil

	case protocol.CommandDeleteChapter:
		p, err := decodeChapter(payload)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteChapter(p.ExtensionID, p.MangaSlug, p); err != nil {
			return nil, err
		}
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandDeleteManga:
		p, err := decodeManga(payload)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteManga(p.ExtensionID, p.MangaSlug); err != nil {
			return nil, err
		}
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandNukeOfflineData:
		if err := e.NukeOfflineData(); err != nil {
			return nil, err
		}
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandGetDownloadHistory:
		var p protocol.HistoryPayload
		if len(payload) > 0 {
			if err := decode(payload, &p); err != nil {
				return nil, err
			}
		}
		items, err := e.store.ListHistory(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.DownloadListResult{Downloads: items}, nil

	case protocol.CommandDeleteHistoryItem:
		var p protocol.DownloadIDPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := e.store.DeleteHistoryItem(ctx, p.ID); err != nil {
			return nil, err
		}
		e.tracker.RecordDirectWrite()
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandClearHistory:
		if err := e.store.ClearHistory(ctx); err != nil {
			return nil, err
		}
		e.tracker.RecordDirectWrite()
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandValidateChapterCount:
		var p protocol.ValidateChapterCountPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		slug, err := paths.SanitizeSlug(p.MangaSlug)
		if err != nil {
			return nil, err
		}
		p.MangaSlug = slug
		return e.ValidateChapterCount(ctx, p)

	case protocol.CommandStartBackgroundSync:
		e.StartBackgroundSync()
		return protocol.AckResult{OK: true}, nil

	case protocol.CommandGetPagePath:
		var p protocol.PagePathPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		slug, err := paths.SanitizeSlug(p.MangaSlug)
		if err != nil {
			return nil, err
		}
		p.MangaSlug = slug
		path, err := e.PagePath(p)
		if err != nil {
			return nil, err
		}
		return protocol.PagePathResult{Path: path}, nil

	case protocol.CommandGetMetrics:
		return protocol.MetricsResult{Metrics: e.tracker.Metrics()}, nil

	case protocol.CommandResetMetrics:
		e.tracker.Reset()
		return protocol.AckResult{OK: true}, nil
	}
	return nil, fmt.Errorf("unhandled command %q", cmd)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// decodeManga decodes a manga address, validates the extension id, and
// normalizes the slug so lookups hit the same directories the downloads
// wrote. Both components become filesystem path elements, so nothing past
// this point may carry separators or traversal sequences.
func decodeManga(raw json.RawMessage) (protocol.MangaPayload, error) {
	var p protocol.MangaPayload
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return p, err
	}
	slug, err := paths.SanitizeSlug(p.MangaSlug)
	if err != nil {
		return p, err
	}
	p.MangaSlug = slug
	return p, nil
}

func decodeChapter(raw json.RawMessage) (protocol.ChapterPayload, error) {
	var p protocol.ChapterPayload
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return p, err
	}
	slug, err := paths.SanitizeSlug(p.MangaSlug)
	if err != nil {
		return p, err
	}
	p.MangaSlug = slug
	return p, nil
}
