// Package protocol defines the typed envelopes exchanged between the
// supervisor and the worker process, and the JSON-lines codec that carries
// them over the child's stdin/stdout.
//
// The channel delivers envelopes in send order, but responses to concurrent
// requests may complete out of order; correlation relies solely on the
// request id, never on arrival order.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates envelope variants.
type MessageType string

// Envelope variants.
const (
	// Host to worker.
	MessageInit    MessageType = "init"
	MessageCommand MessageType = "command"

	// Worker to host.
	MessageReady      MessageType = "ready"
	MessageStarted    MessageType = "started"
	MessageStopped    MessageType = "stopped"
	MessageResult     MessageType = "result"
	MessageError      MessageType = "error"
	MessageFatalError MessageType = "fatal-error"
	MessageEvent      MessageType = "event"
)

// Command names every operation the worker understands.
type Command string

// Worker commands. Each has exactly one payload shape and one result shape.
const (
	CommandStart                Command = "start"
	CommandStop                 Command = "stop"
	CommandQueueChapter         Command = "queue-chapter"
	CommandQueueManga           Command = "queue-manga"
	CommandCancelDownload       Command = "cancel-download"
	CommandRetryDownload        Command = "retry-download"
	CommandRetryFrozen          Command = "retry-frozen-downloads"
	CommandGetQueuedDownloads   Command = "get-queued-downloads"
	CommandGetDownloadProgress  Command = "get-download-progress"
	CommandGetStorageStats      Command = "get-storage-stats"
	CommandGetDownloadedManga   Command = "get-downloaded-manga"
	CommandGetMangaMetadata     Command = "get-manga-metadata"
	CommandGetDownloadedChaps   Command = "get-downloaded-chapters"
	CommandGetChapterPages      Command = "get-chapter-pages"
	CommandIsChapterDownloaded  Command = "is-chapter-downloaded"
	CommandDeleteChapter        Command = "delete-chapter"
	CommandDeleteManga          Command = "delete-manga"
	CommandNukeOfflineData      Command = "nuke-offline-data"
	CommandGetDownloadHistory   Command = "get-download-history"
	CommandDeleteHistoryItem    Command = "delete-history-item"
	CommandClearHistory         Command = "clear-download-history"
	CommandValidateChapterCount Command = "validate-manga-chapter-count"
	CommandStartBackgroundSync  Command = "start-background-sync"
	CommandGetPagePath          Command = "get-page-path"
	CommandGetMetrics           Command = "get-metrics"
	CommandResetMetrics         Command = "reset-metrics"
	CommandIsActive             Command = "is-active"
	CommandGetActiveDownloads   Command = "get-active-downloads"
)

// commands is the closed set accepted at the protocol boundary.
var commands = map[Command]struct{}{
	CommandStart:                {},
	CommandStop:                 {},
	CommandQueueChapter:         {},
	CommandQueueManga:           {},
	CommandCancelDownload:       {},
	CommandRetryDownload:        {},
	CommandRetryFrozen:          {},
	CommandGetQueuedDownloads:   {},
	CommandGetDownloadProgress:  {},
	CommandGetStorageStats:      {},
	CommandGetDownloadedManga:   {},
	CommandGetMangaMetadata:     {},
	CommandGetDownloadedChaps:   {},
	CommandGetChapterPages:      {},
	CommandIsChapterDownloaded:  {},
	CommandDeleteChapter:        {},
	CommandDeleteManga:          {},
	CommandNukeOfflineData:      {},
	CommandGetDownloadHistory:   {},
	CommandDeleteHistoryItem:    {},
	CommandClearHistory:         {},
	CommandValidateChapterCount: {},
	CommandStartBackgroundSync:  {},
	CommandGetPagePath:          {},
	CommandGetMetrics:           {},
	CommandResetMetrics:         {},
	CommandIsActive:             {},
	CommandGetActiveDownloads:   {},
}

// KnownCommand reports whether cmd is part of the protocol.
func KnownCommand(cmd Command) bool {
	_, ok := commands[cmd]
	return ok
}

// Tuning carries the worker's runtime knobs, sent once inside InitConfig.
type Tuning struct {
	DownloadConcurrency int           `json:"download_concurrency"`
	PageConcurrency     int           `json:"page_concurrency"`
	MaxPageRetries      int           `json:"max_page_retries"`
	PageTimeout         time.Duration `json:"page_timeout"`
	RetryBackoffBase    time.Duration `json:"retry_backoff_base"`
	FrozenTimeout       time.Duration `json:"frozen_timeout"`
	CacheTTL            time.Duration `json:"cache_ttl"`
	CacheCapacity       int           `json:"cache_capacity"`
	BatchInterval       time.Duration `json:"batch_interval"`
}

// InitConfig is the immutable configuration sent exactly once when the
// worker process starts.
type InitConfig struct {
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
	ExtensionDir string `json:"extension_dir"`
	ExtensionID  string `json:"extension_id"`
	Tuning       Tuning `json:"tuning"`
}

// EventKind labels worker events fanned out to host listeners.
type EventKind string

// Worker event kinds.
const (
	EventDownloadQueued    EventKind = "download-queued"
	EventDownloadStarted   EventKind = "download-started"
	EventDownloadProgress  EventKind = "download-progress"
	EventDownloadCompleted EventKind = "download-completed"
	EventDownloadFailed    EventKind = "download-failed"
	EventDownloadCancelled EventKind = "download-cancelled"
	EventSyncCompleted     EventKind = "sync-completed"
)

// Event is a worker-originated notification, not tied to any request.
type Event struct {
	Kind      EventKind `json:"kind"`
	QueueID   string    `json:"queue_id,omitempty"`
	MangaID   string    `json:"manga_id,omitempty"`
	ChapterID string    `json:"chapter_id,omitempty"`
	Current   int       `json:"current,omitempty"`
	Total     int       `json:"total,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Envelope is the single wire frame for both directions. Exactly one variant
// is populated, discriminated by Type.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID uint64          `json:"request_id,omitempty"`
	Command   Command         `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stack     string          `json:"stack,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Init      *InitConfig     `json:"init,omitempty"`
}

// Validate checks that the envelope is a recognized frame. Payload shapes are
// fixed per command and decoded by the handler; only the envelope itself is
// validated here.
func (e Envelope) Validate() error {
	switch e.Type {
	case MessageInit:
		if e.Init == nil {
			return fmt.Errorf("init envelope missing config")
		}
	case MessageCommand:
		if e.RequestID == 0 {
			return fmt.Errorf("command envelope missing request id")
		}
		if !KnownCommand(e.Command) {
			return fmt.Errorf("unknown command %q", e.Command)
		}
	case MessageResult:
		if e.RequestID == 0 {
			return fmt.Errorf("result envelope missing request id")
		}
	case MessageReady, MessageStarted, MessageStopped, MessageError, MessageFatalError:
	case MessageEvent:
		if e.Event == nil {
			return fmt.Errorf("event envelope missing event")
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}
