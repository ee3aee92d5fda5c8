// Package paths builds the canonical offline directory layout and guards the
// slug values that compose into filesystem paths.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Layout:
//
//	<dataDir>/offline/<extensionId>/<mangaSlug>/
//	    metadata.json
//	    cover.jpg
//	    chapters/chapter-NNNN/
//	        metadata.json
//	        pages/page-NNNN.<ext>
const (
	offlineDirName  = "offline"
	mangaMetaFile   = "metadata.json"
	coverFile       = "cover.jpg"
	chaptersDirName = "chapters"
	pagesDirName    = "pages"
	pagesManifest   = "pages.json"
)

// ErrUnsafeSlug is returned when an input cannot be reduced to a safe slug.
var ErrUnsafeSlug = errors.New("unsafe slug")

// ErrUnsafeExtensionID is returned when an extension id cannot be used as a
// directory component.
var ErrUnsafeExtensionID = errors.New("unsafe extension id")

const maxSlugLen = 200

var (
	unsafeRunes    = regexp.MustCompile(`[^a-z0-9-]+`)
	repeatedHyphen = regexp.MustCompile(`-{2,}`)
)

// SanitizeSlug lowercases the input, replaces every run of characters outside
// [a-z0-9-] with a single hyphen, collapses and trims hyphens, and caps the
// length at 200. Inputs containing path separators or traversal sequences are
// rejected outright, as is anything that collapses to an empty slug; slugs
// become directory names, so repair is not attempted.
func SanitizeSlug(raw string) (string, error) {
	if strings.ContainsAny(raw, "/\\") || strings.Contains(raw, "..") {
		return "", fmt.Errorf("%w: %q contains path separators or traversal", ErrUnsafeSlug, raw)
	}
	slug := strings.ToLower(raw)
	slug = unsafeRunes.ReplaceAllString(slug, "-")
	slug = repeatedHyphen.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "", fmt.Errorf("%w: %q collapses to empty", ErrUnsafeSlug, raw)
	}
	return slug, nil
}

// ValidateExtensionID rejects extension ids that cannot serve as a single
// directory component. Extension ids are opaque identifiers, not display
// strings, so unlike slugs they are validated rather than repaired.
func ValidateExtensionID(id string) error {
	if id == "" || id == "." {
		return fmt.Errorf("%w: %q", ErrUnsafeExtensionID, id)
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q contains path separators or traversal", ErrUnsafeExtensionID, id)
	}
	return nil
}

// Builder derives every path in the offline layout from a single data
// directory root.
type Builder struct {
	dataDir string
}

// NewBuilder returns a Builder rooted at dataDir.
func NewBuilder(dataDir string) Builder {
	return Builder{dataDir: dataDir}
}

// OfflineRoot returns the top-level offline directory.
func (b Builder) OfflineRoot() string {
	return filepath.Join(b.dataDir, offlineDirName)
}

// ExtensionDir returns the directory holding every manga of one extension.
func (b Builder) ExtensionDir(extensionID string) string {
	return filepath.Join(b.OfflineRoot(), extensionID)
}

// MangaDir returns the directory of one downloaded manga.
func (b Builder) MangaDir(extensionID, slug string) string {
	return filepath.Join(b.ExtensionDir(extensionID), slug)
}

// MangaMetadataPath returns the manga-level metadata document path.
func (b Builder) MangaMetadataPath(extensionID, slug string) string {
	return filepath.Join(b.MangaDir(extensionID, slug), mangaMetaFile)
}

// CoverPath returns the cover image path.
func (b Builder) CoverPath(extensionID, slug string) string {
	return filepath.Join(b.MangaDir(extensionID, slug), coverFile)
}

// ChaptersDir returns the directory holding all chapter folders of a manga.
func (b Builder) ChaptersDir(extensionID, slug string) string {
	return filepath.Join(b.MangaDir(extensionID, slug), chaptersDirName)
}

// ChapterDir returns the zero-padded folder for one chapter index. The index
// comes from the chapter's position in the catalog listing, never from JSON
// ordering, so directory listings stay stable and sortable.
func (b Builder) ChapterDir(extensionID, slug string, chapterIndex int) string {
	return filepath.Join(b.ChaptersDir(extensionID, slug), ChapterDirName(chapterIndex))
}

// ChapterMetadataPath returns the chapter-level metadata document path.
func (b Builder) ChapterMetadataPath(extensionID, slug string, chapterIndex int) string {
	return filepath.Join(b.ChapterDir(extensionID, slug, chapterIndex), mangaMetaFile)
}

// ChapterPagesPath returns the page manifest path of one chapter.
func (b Builder) ChapterPagesPath(extensionID, slug string, chapterIndex int) string {
	return filepath.Join(b.ChapterDir(extensionID, slug, chapterIndex), pagesManifest)
}

// PagesDir returns the pages directory of one chapter.
func (b Builder) PagesDir(extensionID, slug string, chapterIndex int) string {
	return filepath.Join(b.ChapterDir(extensionID, slug, chapterIndex), pagesDirName)
}

// PagePath returns the zero-padded filename for one page.
func (b Builder) PagePath(extensionID, slug string, chapterIndex, pageIndex int, ext string) string {
	return filepath.Join(b.PagesDir(extensionID, slug, chapterIndex), PageFileName(pageIndex, ext))
}

// ChapterDirName formats the canonical chapter folder name.
func ChapterDirName(index int) string {
	return fmt.Sprintf("chapter-%04d", index)
}

// PageFileName formats the canonical page filename. ext must not include the
// leading dot; an empty ext defaults to jpg.
func PageFileName(index int, ext string) string {
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("page-%04d.%s", index, ext)
}

// ExtensionForMime maps common image mime types to a file extension.
func ExtensionForMime(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/avif":
		return "avif"
	default:
		return "jpg"
	}
}
