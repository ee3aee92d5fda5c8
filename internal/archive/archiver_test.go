package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
)

// seedChapter writes a minimal downloaded chapter under dataDir.
func seedChapter(t *testing.T, dataDir, extensionID, slug string, chapterIndex, pageCount int) {
	t.Helper()
	b := paths.NewBuilder(dataDir)
	require.NoError(t, os.MkdirAll(b.PagesDir(extensionID, slug, chapterIndex), 0o750))
	for i := 0; i < pageCount; i++ {
		path := b.PagePath(extensionID, slug, chapterIndex, i, "jpg")
		require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o600))
	}
	require.NoError(t, offline.WriteDocument(b.ChapterMetadataPath(extensionID, slug, chapterIndex), offline.ChapterMetadata{
		Version: offline.MetadataVersion, ChapterID: "c1", MangaID: "m1", PageCount: pageCount,
	}))
	require.NoError(t, offline.WriteDocument(b.MangaMetadataPath(extensionID, slug), offline.MangaMetadata{
		Version: offline.MetadataVersion, MangaID: "m1", ExtensionID: extensionID, Slug: slug, Title: slug,
	}))
}

func zipEntryNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestArchiveChapterWritesEveryPage(t *testing.T) {
	dataDir := t.TempDir()
	seedChapter(t, dataDir, "ext", "akira", 0, 3)
	a := New(dataDir, Config{})

	dest := filepath.Join(t.TempDir(), "akira-chapter-0000.zip")
	var calls []int
	err := a.ArchiveChapter(context.Background(), "ext", "akira", 0, dest, func(current, total int) {
		require.Equal(t, 4, total, "3 pages plus the chapter document")
		calls = append(calls, current)
	})
	require.NoError(t, err)

	names := zipEntryNames(t, dest)
	require.Contains(t, names, "chapter-0000/metadata.json")
	require.Contains(t, names, "chapter-0000/pages/page-0000.jpg")
	require.Contains(t, names, "chapter-0000/pages/page-0002.jpg")
	require.Equal(t, []int{1, 2, 3, 4}, calls, "progress advances per entry")
}

func TestArchiveMangaIncludesMetadata(t *testing.T) {
	dataDir := t.TempDir()
	seedChapter(t, dataDir, "ext", "akira", 0, 1)
	seedChapter(t, dataDir, "ext", "akira", 1, 1)
	a := New(dataDir, Config{})

	dest := filepath.Join(t.TempDir(), "akira.zip")
	require.NoError(t, a.ArchiveManga(context.Background(), "ext", "akira", dest, nil))

	names := zipEntryNames(t, dest)
	require.Contains(t, names, "akira/metadata.json")
	require.Contains(t, names, "akira/chapters/chapter-0000/pages/page-0000.jpg")
	require.Contains(t, names, "akira/chapters/chapter-0001/pages/page-0000.jpg")
}

func TestArchiveMissingMangaFails(t *testing.T) {
	a := New(t.TempDir(), Config{})
	dest := filepath.Join(t.TempDir(), "none.zip")
	err := a.ArchiveManga(context.Background(), "ext", "none", dest, nil)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr), "no partial archive is left behind")
}

func TestArchiveBulkContinuesPastFailures(t *testing.T) {
	dataDir := t.TempDir()
	seedChapter(t, dataDir, "ext", "akira", 0, 1)
	seedChapter(t, dataDir, "ext", "monster", 0, 1)
	a := New(dataDir, Config{})

	destDir := t.TempDir()
	var progress []int
	results := a.ArchiveBulk(context.Background(), []BulkItem{
		{ExtensionID: "ext", MangaSlug: "akira"},
		{ExtensionID: "ext", MangaSlug: "missing"},
		{ExtensionID: "ext", MangaSlug: "monster"},
	}, destDir, func(current, total int) {
		require.Equal(t, 3, total)
		progress = append(progress, current)
	})

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err, "missing manga fails its own item only")
	require.NoError(t, results[2].Err)
	require.FileExists(t, results[0].Path)
	require.FileExists(t, results[2].Path)
	require.Equal(t, []int{1, 2, 3}, progress)
}

func TestArchiveCanceledContext(t *testing.T) {
	dataDir := t.TempDir()
	seedChapter(t, dataDir, "ext", "akira", 0, 2)
	a := New(dataDir, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(t.TempDir(), "akira.zip")
	err := a.ArchiveManga(ctx, "ext", "akira", dest, nil)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func TestEstimateArchiveSize(t *testing.T) {
	dataDir := t.TempDir()
	seedChapter(t, dataDir, "ext", "akira", 0, 4)
	a := New(dataDir, Config{})

	var raw int64
	require.NoError(t, filepath.Walk(paths.NewBuilder(dataDir).MangaDir("ext", "akira"), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			raw += info.Size()
		}
		return nil
	}))

	est, err := a.EstimateArchiveSize("ext", "akira")
	require.NoError(t, err)
	require.Equal(t, int64(float64(raw)*estimateRatio), est)
	require.Less(t, est, raw)
}
