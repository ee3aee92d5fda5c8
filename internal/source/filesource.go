// Package source resolves catalog metadata from installed extension bundles.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline"
)

// catalogDocument is the on-disk shape of one manga's catalog entry inside an
// extension bundle: the manga details plus a page listing per chapter id.
type catalogDocument struct {
	offline.MangaDetails
	Pages map[string][]offline.PageRef `json:"pages"`
}

// FileSource implements offline.MetadataSource over extension bundles laid
// out as <extensionDir>/<extensionId>/manga/<mangaId>.json. Bundles are read
// per lookup; callers front this with the metadata cache.
type FileSource struct {
	extensionDir string
	logger       *zap.Logger
}

// NewFileSource returns a FileSource rooted at extensionDir.
func NewFileSource(extensionDir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{extensionDir: extensionDir, logger: logger}
}

// MangaDetails loads the catalog entry for one manga.
func (s *FileSource) MangaDetails(ctx context.Context, extensionID, mangaID string) (offline.MangaDetails, error) {
	doc, err := s.load(ctx, extensionID, mangaID)
	if err != nil {
		return offline.MangaDetails{}, err
	}
	return doc.MangaDetails, nil
}

// ChapterPages loads the page listing for one chapter.
func (s *FileSource) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]offline.PageRef, error) {
	doc, err := s.load(ctx, extensionID, mangaID)
	if err != nil {
		return nil, err
	}
	pages, ok := doc.Pages[chapterID]
	if !ok {
		return nil, fmt.Errorf("extension %s: manga %s has no chapter %s", extensionID, mangaID, chapterID)
	}
	return pages, nil
}

func (s *FileSource) load(ctx context.Context, extensionID, mangaID string) (catalogDocument, error) {
	if err := ctx.Err(); err != nil {
		return catalogDocument{}, err
	}
	if !safeComponent(extensionID) || !safeComponent(mangaID) {
		return catalogDocument{}, fmt.Errorf("unsafe catalog identifier %q/%q", extensionID, mangaID)
	}
	path := filepath.Join(s.extensionDir, extensionID, "manga", mangaID+".json")
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return catalogDocument{}, fmt.Errorf("read catalog entry: %w", err)
	}
	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return catalogDocument{}, fmt.Errorf("parse catalog entry %s: %w", filepath.Base(path), err)
	}
	s.logger.Debug("catalog entry loaded",
		zap.String("extension_id", extensionID),
		zap.String("manga_id", mangaID),
		zap.Int("chapters", len(doc.Chapters)))
	return doc, nil
}

// safeComponent rejects identifiers that could escape the extension
// directory when joined into a path.
func safeComponent(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '\\' {
			return false
		}
	}
	return true
}
