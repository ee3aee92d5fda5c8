package offline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetadataVersion is the current schema version written into every persisted
// metadata document. Readers tolerate unknown fields from future versions.
const MetadataVersion = 1

// MangaMetadata is the versioned document persisted at the root of a
// downloaded manga directory.
type MangaMetadata struct {
	Version     int       `json:"version"`
	MangaID     string    `json:"manga_id"`
	ExtensionID string    `json:"extension_id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChapterMetadata describes one downloaded chapter.
type ChapterMetadata struct {
	Version      int       `json:"version"`
	ChapterID    string    `json:"chapter_id"`
	MangaID      string    `json:"manga_id"`
	Number       float64   `json:"number"`
	Title        string    `json:"title,omitempty"`
	PageCount    int       `json:"page_count"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// PageMetadata describes one stored page image.
type PageMetadata struct {
	Index    int    `json:"index"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	ByteSize int64  `json:"byte_size"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChapterPages is the versioned per-chapter page manifest.
type ChapterPages struct {
	Version   int            `json:"version"`
	ChapterID string         `json:"chapter_id"`
	Pages     []PageMetadata `json:"pages"`
}

// WriteDocument marshals doc to indented JSON and writes it atomically via a
// temp file rename, so readers never observe a partial document.
func WriteDocument(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

// ReadDocument unmarshals the JSON document at path into out. Unknown fields
// are ignored to stay forward compatible with newer schema versions.
func ReadDocument(path string, out any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal document %s: %w", filepath.Base(path), err)
	}
	return nil
}
