package paths

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSlug_Normalizes(t *testing.T) {
	t.Parallel()

	slug, err := SanitizeSlug("Naruto: Shippuden!")
	require.NoError(t, err)
	require.Equal(t, "naruto-shippuden", slug)

	slug, err = SanitizeSlug("  One--Piece  ")
	require.NoError(t, err)
	require.Equal(t, "one-piece", slug)

	slug, err = SanitizeSlug("ベルセルク (Berserk)")
	require.NoError(t, err)
	require.Equal(t, "berserk", slug)
}

func TestSanitizeSlug_RejectsTraversal(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"../../etc/passwd", "a/b\\c", "..", "foo/bar", `foo\bar`} {
		_, err := SanitizeSlug(raw)
		require.ErrorIs(t, err, ErrUnsafeSlug, "input %q", raw)
	}
}

func TestSanitizeSlug_RejectsEmpty(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "!!!", "---", "   "} {
		_, err := SanitizeSlug(raw)
		require.ErrorIs(t, err, ErrUnsafeSlug, "input %q", raw)
	}
}

func TestSanitizeSlug_CapsLength(t *testing.T) {
	t.Parallel()

	slug, err := SanitizeSlug(strings.Repeat("a", 500))
	require.NoError(t, err)
	require.Len(t, slug, 200)
}

func TestValidateExtensionID_RejectsTraversal(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", ".", "..", "../sibling", "a/b", `a\b`, "ext/..", "..hidden"} {
		require.ErrorIs(t, ValidateExtensionID(id), ErrUnsafeExtensionID, "input %q", id)
	}

	for _, id := range []string{"mangadex", "ext.en", "tachiyomi-en-v2"} {
		require.NoError(t, ValidateExtensionID(id), "input %q", id)
	}
}

func TestBuilder_Layout(t *testing.T) {
	t.Parallel()

	b := NewBuilder("/data")
	require.Equal(t, filepath.Join("/data", "offline", "ext", "naruto"), b.MangaDir("ext", "naruto"))
	require.Equal(t,
		filepath.Join("/data", "offline", "ext", "naruto", "chapters", "chapter-0012", "pages", "page-0003.png"),
		b.PagePath("ext", "naruto", 12, 3, "png"))
	require.Equal(t,
		filepath.Join("/data", "offline", "ext", "naruto", "metadata.json"),
		b.MangaMetadataPath("ext", "naruto"))
	require.Equal(t,
		filepath.Join("/data", "offline", "ext", "naruto", "cover.jpg"),
		b.CoverPath("ext", "naruto"))
}

func TestPageFileName_ZeroPadded(t *testing.T) {
	t.Parallel()

	require.Equal(t, "page-0000.jpg", PageFileName(0, ""))
	require.Equal(t, "page-0042.webp", PageFileName(42, "webp"))
	require.Equal(t, "chapter-0007", ChapterDirName(7))
}
