package worker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// DownloadedManga reads the metadata document of every downloaded manga.
func (e *Engine) DownloadedManga() ([]offline.MangaMetadata, error) {
	root := e.paths.OfflineRoot()
	extensions, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offline root: %w", err)
	}

	var out []offline.MangaMetadata
	for _, ext := range extensions {
		if !ext.IsDir() {
			continue
		}
		mangaDirs, err := os.ReadDir(filepath.Join(root, ext.Name()))
		if err != nil {
			continue
		}
		for _, m := range mangaDirs {
			if !m.IsDir() {
				continue
			}
			var doc offline.MangaMetadata
			if err := offline.ReadDocument(e.paths.MangaMetadataPath(ext.Name(), m.Name()), &doc); err != nil {
				e.logger.Debug("skipping manga without metadata",
					zap.String("extension", ext.Name()), zap.String("slug", m.Name()))
				continue
			}
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// MangaMetadata reads one manga document.
func (e *Engine) MangaMetadata(extensionID, slug string) (offline.MangaMetadata, error) {
	var doc offline.MangaMetadata
	if err := offline.ReadDocument(e.paths.MangaMetadataPath(extensionID, slug), &doc); err != nil {
		return offline.MangaMetadata{}, fmt.Errorf("manga %s: %w", slug, err)
	}
	return doc, nil
}

// DownloadedChapters reads every chapter document of one manga, sorted by
// folder index.
func (e *Engine) DownloadedChapters(extensionID, slug string) ([]offline.ChapterMetadata, error) {
	indexes, err := e.chapterIndexes(extensionID, slug)
	if err != nil {
		return nil, err
	}
	var out []offline.ChapterMetadata
	for _, idx := range indexes {
		var doc offline.ChapterMetadata
		if err := offline.ReadDocument(e.paths.ChapterMetadataPath(extensionID, slug, idx), &doc); err != nil {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// ChapterPages reads the page manifest of one chapter.
func (e *Engine) ChapterPages(extensionID, slug string, p protocol.ChapterPayload) (offline.ChapterPages, error) {
	idx := p.ChapterIndex
	if p.ChapterID != "" {
		found, ok := e.findChapterIndex(extensionID, slug, p.ChapterID)
		if !ok {
			return offline.ChapterPages{}, fmt.Errorf("chapter %s is not downloaded", p.ChapterID)
		}
		idx = found
	}
	var doc offline.ChapterPages
	if err := offline.ReadDocument(e.paths.ChapterPagesPath(extensionID, slug, idx), &doc); err != nil {
		return offline.ChapterPages{}, err
	}
	return doc, nil
}

// IsChapterDownloaded reports whether a chapter's documents exist on disk.
func (e *Engine) IsChapterDownloaded(extensionID, slug, chapterID string) bool {
	_, ok := e.findChapterIndex(extensionID, slug, chapterID)
	return ok
}

// DeleteChapter removes one chapter directory and its documents.
func (e *Engine) DeleteChapter(extensionID, slug string, p protocol.ChapterPayload) error {
	if err := paths.ValidateExtensionID(extensionID); err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	idx := p.ChapterIndex
	if p.ChapterID != "" {
		found, ok := e.findChapterIndex(extensionID, slug, p.ChapterID)
		if !ok {
			return fmt.Errorf("chapter %s is not downloaded", p.ChapterID)
		}
		idx = found
	}
	dir := e.paths.ChapterDir(extensionID, slug, idx)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	return nil
}

// DeleteManga removes a manga directory entirely.
func (e *Engine) DeleteManga(extensionID, slug string) error {
	if err := paths.ValidateExtensionID(extensionID); err != nil {
		return fmt.Errorf("delete manga: %w", err)
	}
	if _, err := paths.SanitizeSlug(slug); err != nil {
		return fmt.Errorf("delete manga: %w", err)
	}
	if err := os.RemoveAll(e.paths.MangaDir(extensionID, slug)); err != nil {
		return fmt.Errorf("delete manga: %w", err)
	}
	return nil
}

// NukeOfflineData removes the whole offline library and clears the caches.
func (e *Engine) NukeOfflineData() error {
	if err := os.RemoveAll(e.paths.OfflineRoot()); err != nil {
		return fmt.Errorf("nuke offline data: %w", err)
	}
	e.cache.Manga.Clear()
	e.cache.Pages.Clear()
	return nil
}

// StorageStats walks the offline tree summing counts and bytes.
func (e *Engine) StorageStats() (offline.StorageStats, error) {
	var stats offline.StorageStats
	root := e.paths.OfflineRoot()
	extensions, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("read offline root: %w", err)
	}
	for _, ext := range extensions {
		if !ext.IsDir() {
			continue
		}
		mangaDirs, err := os.ReadDir(filepath.Join(root, ext.Name()))
		if err != nil {
			continue
		}
		for _, m := range mangaDirs {
			if !m.IsDir() {
				continue
			}
			stats.MangaCount++
			_ = filepath.WalkDir(filepath.Join(root, ext.Name(), m.Name()), func(_ string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if _, ok := parseChapterDirName(d.Name()); ok {
						stats.ChapterCount++
					}
					return nil
				}
				if info, err := d.Info(); err == nil {
					stats.TotalBytes += info.Size()
				}
				if strings.HasPrefix(d.Name(), "page-") {
					stats.PageCount++
				}
				return nil
			})
		}
	}
	return stats, nil
}

// PagePath resolves the stored path of one page and verifies it exists.
func (e *Engine) PagePath(p protocol.PagePathPayload) (string, error) {
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return "", fmt.Errorf("page path: %w", err)
	}
	dir := e.paths.PagesDir(p.ExtensionID, p.MangaSlug, p.ChapterIndex)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("page path: %w", err)
	}
	prefix := fmt.Sprintf("page-%04d.", p.PageIndex)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("page %d of chapter %d not found", p.PageIndex, p.ChapterIndex)
}

// ValidateChapterCount compares downloaded chapters against the expected
// catalog count. A zero expected count resolves the catalog listing instead.
func (e *Engine) ValidateChapterCount(ctx context.Context, p protocol.ValidateChapterCountPayload) (protocol.ValidateChapterCountResult, error) {
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return protocol.ValidateChapterCountResult{}, err
	}
	indexes, err := e.chapterIndexes(p.ExtensionID, p.MangaSlug)
	if err != nil {
		return protocol.ValidateChapterCountResult{}, err
	}
	expected := p.ExpectedCount
	if expected == 0 {
		details, err := e.mangaDetails(ctx, p.ExtensionID, p.MangaID)
		if err != nil {
			return protocol.ValidateChapterCountResult{}, err
		}
		expected = len(details.Chapters)
	}
	return protocol.ValidateChapterCountResult{
		Downloaded: len(indexes),
		Expected:   expected,
		Complete:   len(indexes) >= expected,
	}, nil
}

// StartBackgroundSync enqueues missing chapters for every downloaded manga
// asynchronously, emitting a sync-completed event when done.
func (e *Engine) StartBackgroundSync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.baseCtx
		manga, err := e.DownloadedManga()
		if err != nil {
			e.logger.Warn("background sync listing failed", zap.Error(err))
			return
		}
		queued := 0
		for _, m := range manga {
			ids, err := e.QueueManga(ctx, protocol.QueueMangaPayload{
				ExtensionID: m.ExtensionID,
				MangaID:     m.MangaID,
				MangaSlug:   m.Slug,
			})
			if err != nil {
				e.logger.Warn("background sync enqueue failed",
					zap.String("manga_id", m.MangaID), zap.Error(err))
				continue
			}
			queued += len(ids)
		}
		e.publish(protocol.Event{Kind: protocol.EventSyncCompleted, Total: queued})
	}()
}

// chapterIndexes lists the folder indexes present for one manga, sorted.
func (e *Engine) chapterIndexes(extensionID, slug string) ([]int, error) {
	entries, err := os.ReadDir(e.paths.ChaptersDir(extensionID, slug))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chapters directory: %w", err)
	}
	var out []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, ok := parseChapterDirName(entry.Name())
		if !ok {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// findChapterIndex locates the folder of a chapter id by reading the chapter
// documents.
func (e *Engine) findChapterIndex(extensionID, slug, chapterID string) (int, bool) {
	indexes, err := e.chapterIndexes(extensionID, slug)
	if err != nil {
		return 0, false
	}
	for _, idx := range indexes {
		var doc offline.ChapterMetadata
		if err := offline.ReadDocument(e.paths.ChapterMetadataPath(extensionID, slug, idx), &doc); err != nil {
			continue
		}
		if doc.ChapterID == chapterID {
			return idx, true
		}
	}
	return 0, false
}

func (e *Engine) nextFreeChapterIndex(extensionID, slug string) (int, error) {
	indexes, err := e.chapterIndexes(extensionID, slug)
	if err != nil {
		return 0, err
	}
	if len(indexes) == 0 {
		return 0, nil
	}
	return indexes[len(indexes)-1] + 1, nil
}

// downloadedChapterIDs maps chapter ids already present on disk.
func (e *Engine) downloadedChapterIDs(extensionID, slug string) (map[string]struct{}, error) {
	indexes, err := e.chapterIndexes(extensionID, slug)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		var doc offline.ChapterMetadata
		if err := offline.ReadDocument(e.paths.ChapterMetadataPath(extensionID, slug, idx), &doc); err != nil {
			continue
		}
		out[doc.ChapterID] = struct{}{}
	}
	return out, nil
}

func parseChapterDirName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "chapter-")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
