// Package batcher coalesces rapid progress updates into fewer emissions.
package batcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/offline"
)

// DefaultFlushInterval is the delay before buffered updates are emitted.
const DefaultFlushInterval = 1500 * time.Millisecond

// FlushFunc receives one coalesced update per queue item at flush time.
type FlushFunc func(offline.ProgressUpdate)

// Config controls Batcher behavior.
type Config struct {
	// FlushInterval is the coalescing window; zero selects the default.
	FlushInterval time.Duration
	// FlushOnComplete flushes immediately when an update reaches its total.
	FlushOnComplete bool
	Logger          *zap.Logger
}

// Batcher buffers the latest progress update per queue item and emits the
// whole buffer at most once per flush interval. Callers never block on the
// downstream callback.
type Batcher struct {
	cfg   Config
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]offline.ProgressUpdate
	timer   *time.Timer
	closed  bool
}

// New builds a Batcher delivering to flush.
func New(cfg Config, flush FlushFunc) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Batcher{
		cfg:     cfg,
		flush:   flush,
		pending: make(map[string]offline.ProgressUpdate),
	}
}

// Update buffers the latest value for the update's queue item, overwriting
// any prior buffered value. An update that reaches its total flushes
// immediately when FlushOnComplete is set; otherwise a single delayed flush
// is scheduled if none is pending.
func (b *Batcher) Update(u offline.ProgressUpdate) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending[u.QueueID] = u

	if b.cfg.FlushOnComplete && u.Total > 0 && u.Current >= u.Total {
		b.mu.Unlock()
		b.Flush()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.FlushInterval, b.Flush)
	}
	b.mu.Unlock()
}

// Remove drops a buffered update without emitting it. Used on failure or
// cancellation so a stale progress value is never delivered.
func (b *Batcher) Remove(queueID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, queueID)
}

// Flush emits every buffered update exactly once and clears the buffer. A
// panicking callback is recovered and logged without aborting delivery to
// the remaining items.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]offline.ProgressUpdate, 0, len(b.pending))
	for _, u := range b.pending {
		batch = append(batch, u)
	}
	b.pending = make(map[string]offline.ProgressUpdate)
	b.mu.Unlock()

	for _, u := range batch {
		b.deliver(u)
	}
}

// Close flushes any buffered updates and rejects further ones.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

func (b *Batcher) deliver(u offline.ProgressUpdate) {
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Warn("progress callback panicked",
				zap.String("queue_id", u.QueueID), zap.Any("panic", r))
		}
	}()
	if b.flush != nil {
		b.flush(u)
	}
}
