package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomeshelf/tomeshelf/internal/metrics"
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/metacache"
	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
	"go.uber.org/zap"
)

// runDownload transfers every page of one claimed chapter. It reports state
// changes back through Engine methods; the claim made by the scheduler is
// released on every exit path.
func (e *Engine) runDownload(ctx context.Context, item offline.QueuedDownload) {
	defer e.wg.Done()
	defer e.release(item.ID)

	e.tracker.StartDownload(item.ID)
	metrics.IncActiveDownloads()
	defer metrics.DecActiveDownloads()

	if err := e.store.UpdateDownload(ctx, item); err != nil {
		e.logger.Warn("persist download start failed", zap.String("queue_id", item.ID), zap.Error(err))
	}
	e.tracker.RecordDirectWrite()
	e.publish(protocol.Event{
		Kind: protocol.EventDownloadStarted, QueueID: item.ID,
		MangaID: item.MangaID, ChapterID: item.ChapterID,
	})

	err := e.transferChapter(ctx, item)
	switch {
	case err == nil:
		e.finish(item.ID, offline.StatusCompleted, "")
	case ctx.Err() != nil:
		// Cancel already recorded the terminal state; a worker shutdown
		// leaves the item for the paused/frozen paths instead.
		e.tracker.AbandonDownload(item.ID)
		e.batch.Remove(item.ID)
	default:
		e.logger.Error("chapter download failed",
			zap.String("queue_id", item.ID), zap.String("chapter_id", item.ChapterID), zap.Error(err))
		e.finish(item.ID, offline.StatusFailed, err.Error())
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	delete(e.lastProgress, id)
	e.activeCount--
	e.mu.Unlock()
	e.kick()
}

// finish moves an item to a terminal state and records history.
func (e *Engine) finish(id string, status offline.Status, errMsg string) {
	e.mu.Lock()
	item, ok := e.items[id]
	if !ok || item.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	item.Status = status
	item.ErrorMessage = errMsg
	item.CompletedAt = &now
	snapshot := *item
	delete(e.pageLists, id)
	e.mu.Unlock()

	ctx := context.Background()
	if err := e.store.UpdateDownload(ctx, snapshot); err != nil {
		e.logger.Warn("persist terminal state failed", zap.String("queue_id", id), zap.Error(err))
	}
	e.tracker.RecordDirectWrite()
	_ = e.store.RecordHistory(ctx, snapshot)

	if status == offline.StatusCompleted {
		e.tracker.EndDownload(id)
		metrics.ObserveDownload("completed")
		e.publish(protocol.Event{
			Kind: protocol.EventDownloadCompleted, QueueID: id,
			MangaID: snapshot.MangaID, ChapterID: snapshot.ChapterID,
			Current: snapshot.ProgressCurrent, Total: snapshot.ProgressTotal,
		})
	} else {
		e.tracker.AbandonDownload(id)
		e.batch.Remove(id)
		metrics.ObserveDownload("failed")
		e.publish(protocol.Event{
			Kind: protocol.EventDownloadFailed, QueueID: id,
			MangaID: snapshot.MangaID, ChapterID: snapshot.ChapterID, Error: errMsg,
		})
	}
	e.updateQueueDepth()
}

// transferChapter downloads every page of the chapter with bounded page
// concurrency and writes the metadata documents on success.
func (e *Engine) transferChapter(ctx context.Context, item offline.QueuedDownload) error {
	pages, err := e.pagesFor(ctx, item)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("chapter %s has no pages", item.ChapterID)
	}

	chapterIndex, err := e.chapterIndexFor(ctx, item)
	if err != nil {
		return err
	}
	pagesDir := e.paths.PagesDir(item.ExtensionID, item.MangaSlug, chapterIndex)
	if err := os.MkdirAll(pagesDir, 0o750); err != nil {
		return fmt.Errorf("create pages directory: %w", err)
	}

	e.setProgress(item, 0, len(pages))

	var (
		completed atomic.Int32
		firstErr  error
		errOnce   sync.Once
		wg        sync.WaitGroup
	)
	pageCtx, cancelPages := context.WithCancel(ctx)
	defer cancelPages()
	sem := make(chan struct{}, e.cfg.Tuning.PageConcurrency)

	stored := make([]offline.PageMetadata, len(pages))
	for i, page := range pages {
		select {
		case <-pageCtx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(i int, page offline.PageRef) {
				defer wg.Done()
				defer func() { <-sem }()
				meta, err := e.transferPage(pageCtx, item, chapterIndex, page)
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancelPages()
					})
					return
				}
				stored[i] = meta
				e.setProgress(item, int(completed.Add(1)), len(pages))
			}(i, page)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chapter transfer interrupted: %w", err)
	}

	return e.writeChapterDocuments(item, chapterIndex, stored)
}

// transferPage fetches and stores one page image.
func (e *Engine) transferPage(ctx context.Context, item offline.QueuedDownload, chapterIndex int, page offline.PageRef) (offline.PageMetadata, error) {
	timingKey := fmt.Sprintf("%s:%d", item.ID, page.Index)
	e.tracker.StartPage(timingKey)
	defer e.tracker.EndPage(timingKey)

	data, err := e.fetcher.FetchPage(ctx, page.URL)
	if err != nil {
		return offline.PageMetadata{}, fmt.Errorf("page %d: %w", page.Index, err)
	}

	ext := paths.ExtensionForMime(data.MimeType)
	path := e.paths.PagePath(item.ExtensionID, item.MangaSlug, chapterIndex, page.Index, ext)
	if err := os.WriteFile(path, data.Body, 0o600); err != nil {
		return offline.PageMetadata{}, fmt.Errorf("store page %d: %w", page.Index, err)
	}
	metrics.ObservePage()

	return offline.PageMetadata{
		Index:    page.Index,
		URL:      page.URL,
		Filename: paths.PageFileName(page.Index, ext),
		ByteSize: int64(len(data.Body)),
		MimeType: data.MimeType,
	}, nil
}

// writeChapterDocuments persists the chapter manifest, chapter metadata, and
// refreshes the manga-level document.
func (e *Engine) writeChapterDocuments(item offline.QueuedDownload, chapterIndex int, stored []offline.PageMetadata) error {
	manifest := offline.ChapterPages{
		Version:   offline.MetadataVersion,
		ChapterID: item.ChapterID,
		Pages:     stored,
	}
	if err := offline.WriteDocument(e.paths.ChapterPagesPath(item.ExtensionID, item.MangaSlug, chapterIndex), manifest); err != nil {
		return err
	}

	chapterMeta := offline.ChapterMetadata{
		Version:      offline.MetadataVersion,
		ChapterID:    item.ChapterID,
		MangaID:      item.MangaID,
		Number:       float64(chapterIndex),
		PageCount:    len(stored),
		DownloadedAt: time.Now(),
	}
	if details, err := e.mangaDetails(context.Background(), item.ExtensionID, item.MangaID); err == nil {
		for _, ch := range details.Chapters {
			if ch.ID == item.ChapterID {
				chapterMeta.Number = ch.Number
				chapterMeta.Title = ch.Title
				break
			}
		}
	}
	if err := offline.WriteDocument(e.paths.ChapterMetadataPath(item.ExtensionID, item.MangaSlug, chapterIndex), chapterMeta); err != nil {
		return err
	}

	return e.writeMangaDocument(item)
}

func (e *Engine) writeMangaDocument(item offline.QueuedDownload) error {
	doc := offline.MangaMetadata{
		Version:     offline.MetadataVersion,
		MangaID:     item.MangaID,
		ExtensionID: item.ExtensionID,
		Slug:        item.MangaSlug,
		Title:       item.MangaSlug,
		UpdatedAt:   time.Now(),
	}
	if details, err := e.mangaDetails(context.Background(), item.ExtensionID, item.MangaID); err == nil {
		doc.Title = details.Title
		doc.Author = details.Author
		doc.Description = details.Description
		doc.CoverURL = details.CoverURL
	}
	if err := offline.WriteDocument(e.paths.MangaMetadataPath(item.ExtensionID, item.MangaSlug), doc); err != nil {
		return err
	}
	e.ensureCover(item, doc.CoverURL)
	return nil
}

// ensureCover stores the cover image next to the manga document. Best
// effort; a missing cover never fails the chapter download.
func (e *Engine) ensureCover(item offline.QueuedDownload, coverURL string) {
	if coverURL == "" {
		return
	}
	path := e.paths.CoverPath(item.ExtensionID, item.MangaSlug)
	if _, err := os.Stat(path); err == nil {
		return
	}
	data, err := e.fetcher.FetchPage(e.baseCtx, coverURL)
	if err != nil {
		e.logger.Debug("cover fetch failed",
			zap.String("manga_id", item.MangaID), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data.Body, 0o600); err != nil {
		e.logger.Debug("cover store failed", zap.String("path", path), zap.Error(err))
	}
}

// setProgress records page completion, feeding the batcher rather than the
// store directly.
func (e *Engine) setProgress(item offline.QueuedDownload, current, total int) {
	e.mu.Lock()
	if live, ok := e.items[item.ID]; ok {
		live.ProgressCurrent = current
		live.ProgressTotal = total
	}
	e.lastProgress[item.ID] = time.Now()
	e.mu.Unlock()

	e.batch.Update(offline.ProgressUpdate{
		QueueID:   item.ID,
		MangaID:   item.MangaID,
		ChapterID: item.ChapterID,
		Current:   current,
		Total:     total,
	})
}

// flushProgress is the batcher sink: one persisted write plus one event per
// coalesced queue item.
func (e *Engine) flushProgress(u offline.ProgressUpdate) {
	e.mu.Lock()
	var snapshot *offline.QueuedDownload
	if item, ok := e.items[u.QueueID]; ok {
		cp := *item
		snapshot = &cp
	}
	e.mu.Unlock()

	if snapshot != nil && !snapshot.Status.Terminal() {
		if err := e.store.UpdateDownload(context.Background(), *snapshot); err != nil {
			e.logger.Warn("persist progress failed", zap.String("queue_id", u.QueueID), zap.Error(err))
		}
		e.tracker.RecordBatchedWrite(1)
	}
	e.publish(protocol.Event{
		Kind:      protocol.EventDownloadProgress,
		QueueID:   u.QueueID,
		MangaID:   u.MangaID,
		ChapterID: u.ChapterID,
		Current:   u.Current,
		Total:     u.Total,
	})
}

// pagesFor returns the page listing for an item: inline from the enqueue
// payload, from the metadata cache, or from the source.
func (e *Engine) pagesFor(ctx context.Context, item offline.QueuedDownload) ([]offline.PageRef, error) {
	e.mu.Lock()
	inline, ok := e.pageLists[item.ID]
	e.mu.Unlock()
	if ok {
		return inline, nil
	}

	key := metacache.PagesKey(item.ExtensionID, item.MangaID, item.ChapterID)
	if pages, ok := e.cache.Pages.Get(key); ok {
		e.tracker.RecordCacheHit()
		return pages, nil
	}
	if e.source == nil {
		return nil, fmt.Errorf("no page listing for chapter %s and no metadata source", item.ChapterID)
	}
	pages, err := e.source.ChapterPages(ctx, item.ExtensionID, item.MangaID, item.ChapterID)
	if err != nil {
		return nil, fmt.Errorf("resolve chapter pages: %w", err)
	}
	e.tracker.RecordNetworkRequest()
	e.cache.Pages.Set(key, pages)
	return pages, nil
}

// mangaDetails resolves catalog details through the cache.
func (e *Engine) mangaDetails(ctx context.Context, extensionID, mangaID string) (offline.MangaDetails, error) {
	key := metacache.MangaKey(extensionID, mangaID)
	if details, ok := e.cache.Manga.Get(key); ok {
		e.tracker.RecordCacheHit()
		return details, nil
	}
	if e.source == nil {
		return offline.MangaDetails{}, fmt.Errorf("no metadata source configured")
	}
	details, err := e.source.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		return offline.MangaDetails{}, fmt.Errorf("resolve manga details: %w", err)
	}
	e.tracker.RecordNetworkRequest()
	e.cache.Manga.Set(key, details)
	return details, nil
}

// chapterIndexFor maps a chapter id to its zero-padded folder index: the
// chapter's position in the catalog listing when known, otherwise the next
// free folder index.
func (e *Engine) chapterIndexFor(ctx context.Context, item offline.QueuedDownload) (int, error) {
	if details, err := e.mangaDetails(ctx, item.ExtensionID, item.MangaID); err == nil {
		for i, ch := range details.Chapters {
			if ch.ID == item.ChapterID {
				return i, nil
			}
		}
	}
	if idx, ok := e.findChapterIndex(item.ExtensionID, item.MangaSlug, item.ChapterID); ok {
		return idx, nil
	}
	return e.nextFreeChapterIndex(item.ExtensionID, item.MangaSlug)
}
