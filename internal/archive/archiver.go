// Package archive exports downloaded manga as ZIP files.
package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
)

// estimateRatio approximates deflate savings on already-compressed page
// images. Image payloads barely shrink, so the estimate stays close to the
// raw byte size.
const estimateRatio = 0.97

// ProgressFunc observes archive progress as entries written out of total.
type ProgressFunc func(current, total int)

// Config tunes the archiver.
type Config struct {
	// CompressionLevel is the flate level used for every entry. Out-of-range
	// values fall back to flate.DefaultCompression.
	CompressionLevel int
	Logger           *zap.Logger
}

// Archiver packs downloaded chapters and manga into ZIP files. It reads the
// same directory layout the worker writes; a download completing mid-archive
// simply is not included.
type Archiver struct {
	paths  paths.Builder
	level  int
	logger *zap.Logger
}

// New builds an Archiver over the offline library rooted at dataDir.
func New(dataDir string, cfg Config) *Archiver {
	level := cfg.CompressionLevel
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{paths: paths.NewBuilder(dataDir), level: level, logger: logger}
}

// ArchiveChapter writes one chapter directory into the ZIP at destPath.
func (a *Archiver) ArchiveChapter(ctx context.Context, extensionID, slug string, chapterIndex int, destPath string, progress ProgressFunc) error {
	dir := a.paths.ChapterDir(extensionID, slug, chapterIndex)
	return a.archiveDir(ctx, dir, paths.ChapterDirName(chapterIndex), destPath, progress)
}

// ArchiveManga writes a whole manga directory, metadata included, into the
// ZIP at destPath.
func (a *Archiver) ArchiveManga(ctx context.Context, extensionID, slug, destPath string, progress ProgressFunc) error {
	dir := a.paths.MangaDir(extensionID, slug)
	return a.archiveDir(ctx, dir, slug, destPath, progress)
}

// BulkItem names one manga to archive.
type BulkItem struct {
	ExtensionID string
	MangaSlug   string
}

// Result reports the outcome of one bulk archive item.
type Result struct {
	MangaSlug string
	Path      string
	Err       error
}

// ArchiveBulk archives every item sequentially into destDir, one ZIP per
// manga. A failing item yields an error Result; the remaining items still
// run. progress observes aggregate completion across all items.
func (a *Archiver) ArchiveBulk(ctx context.Context, items []BulkItem, destDir string, progress ProgressFunc) []Result {
	results := make([]Result, 0, len(items))
	for i, item := range items {
		dest := filepath.Join(destDir, item.MangaSlug+".zip")
		err := a.ArchiveManga(ctx, item.ExtensionID, item.MangaSlug, dest, nil)
		if err != nil {
			a.logger.Warn("bulk archive item failed",
				zap.String("manga_slug", item.MangaSlug), zap.Error(err))
			results = append(results, Result{MangaSlug: item.MangaSlug, Err: err})
		} else {
			results = append(results, Result{MangaSlug: item.MangaSlug, Path: dest})
		}
		if progress != nil {
			progress(i+1, len(items))
		}
	}
	return results
}

// EstimateArchiveSize predicts the ZIP size for one manga from its on-disk
// bytes.
func (a *Archiver) EstimateArchiveSize(extensionID, slug string) (int64, error) {
	var total int64
	dir := a.paths.MangaDir(extensionID, slug)
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("estimate archive size: %w", err)
	}
	return int64(float64(total) * estimateRatio), nil
}

// archiveDir zips dir under the top-level entry prefix into destPath. The
// file is complete only once the final Close succeeds; a partial file is
// removed on failure.
func (a *Archiver) archiveDir(ctx context.Context, dir, prefix, destPath string, progress ProgressFunc) error {
	files, err := listFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("archive %s: nothing to archive", dir)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	out, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, a.level)
	})

	fail := func(err error) error {
		zw.Close()
		out.Close()
		os.Remove(destPath)
		return err
	}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("archive interrupted: %w", err))
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return fail(fmt.Errorf("archive entry name: %w", err))
		}
		name := prefix + "/" + filepath.ToSlash(rel)
		if err := a.addEntry(zw, file, name); err != nil {
			return fail(err)
		}
		if progress != nil {
			progress(i+1, len(files))
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("close archive: %w", err)
	}
	a.logger.Info("archive written",
		zap.String("path", destPath), zap.Int("entries", len(files)))
	return nil
}

func (a *Archiver) addEntry(zw *zip.Writer, path, name string) error {
	in, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open archive entry: %w", err)
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write archive entry %s: %w", name, err)
	}
	return nil
}

// listFiles collects every regular file under dir in a stable order.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
