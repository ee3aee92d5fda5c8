// Package worker implements the download worker process: the command
// dispatcher and the queue that executes chapter downloads.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/metrics"
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/batcher"
	"github.com/tomeshelf/tomeshelf/internal/offline/metacache"
	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
)

// EmitFunc delivers a worker event to the host.
type EmitFunc func(protocol.Event)

// Engine owns the download queue and every piece of worker-side state. All
// state mutation happens through Engine methods under one mutex; download
// transfers run in goroutines but report back through the same methods, so
// the single-writer invariant holds.
type Engine struct {
	cfg     protocol.InitConfig
	logger  *zap.Logger
	paths   paths.Builder
	store   offline.QueueStore
	fetcher offline.PageFetcher
	source  offline.MetadataSource
	cache   *metacache.Store
	batch   *batcher.Batcher
	tracker *perf.Tracker
	emit    EmitFunc

	mu           sync.Mutex
	items        map[string]*offline.QueuedDownload
	pageLists    map[string][]offline.PageRef
	cancels      map[string]context.CancelFunc
	lastProgress map[string]time.Time
	running      bool
	activeCount  int

	baseCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine assembles an Engine from the init config and its collaborators.
func NewEngine(
	cfg protocol.InitConfig,
	store offline.QueueStore,
	fetcher offline.PageFetcher,
	source offline.MetadataSource,
	emit EmitFunc,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(protocol.Event) {}
	}
	tuning := cfg.Tuning
	if tuning.DownloadConcurrency <= 0 {
		tuning.DownloadConcurrency = 2
	}
	if tuning.PageConcurrency <= 0 {
		tuning.PageConcurrency = 4
	}
	if tuning.FrozenTimeout <= 0 {
		tuning.FrozenTimeout = 2 * time.Minute
	}
	cfg.Tuning = tuning

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		paths:        paths.NewBuilder(cfg.DataDir),
		store:        store,
		fetcher:      fetcher,
		source:       source,
		cache:        metacache.NewStore(tuning.CacheTTL, tuning.CacheCapacity),
		tracker:      perf.NewTracker(),
		emit:         emit,
		items:        make(map[string]*offline.QueuedDownload),
		pageLists:    make(map[string][]offline.PageRef),
		cancels:      make(map[string]context.CancelFunc),
		lastProgress: make(map[string]time.Time),
		baseCtx:      ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
	}
	e.batch = batcher.New(batcher.Config{
		FlushInterval:   tuning.BatchInterval,
		FlushOnComplete: true,
		Logger:          logger,
	}, e.flushProgress)

	e.wg.Add(1)
	go e.schedule()
	return e
}

// Restore loads non-terminal rows persisted by a previous worker run so the
// frozen-download sweep can reclaim them.
func (e *Engine) Restore(ctx context.Context) error {
	rows, err := e.store.ListIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rows {
		item := rows[i]
		e.items[item.ID] = &item
		if item.StartedAt != nil {
			e.lastProgress[item.ID] = *item.StartedAt
		}
	}
	return nil
}

// Start begins draining the queue. Items paused by a previous Stop are
// requeued.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	for _, item := range e.items {
		if item.Status == offline.StatusPaused {
			item.Status = offline.StatusQueued
		}
	}
	e.mu.Unlock()
	e.kick()
}

// Stop pauses draining, cancels in-flight transfers, and requeues them.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	cancels := make(map[string]context.CancelFunc, len(e.cancels))
	for id, c := range e.cancels {
		cancels[id] = c
	}
	for _, item := range e.items {
		if item.Status == offline.StatusDownloading {
			item.Status = offline.StatusPaused
		}
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Shutdown stops everything and waits for in-flight work to finish.
func (e *Engine) Shutdown() {
	e.Stop()
	e.cancel()
	e.wg.Wait()
	e.batch.Close()
}

// Tracker exposes the performance tracker for handlers.
func (e *Engine) Tracker() *perf.Tracker {
	return e.tracker
}

// QueueChapter enqueues one chapter download and returns its queue id.
func (e *Engine) QueueChapter(ctx context.Context, p protocol.QueueChapterPayload) (string, error) {
	slug, err := paths.SanitizeSlug(p.MangaSlug)
	if err != nil {
		return "", fmt.Errorf("queue chapter: %w", err)
	}
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return "", fmt.Errorf("queue chapter: %w", err)
	}
	item := offline.QueuedDownload{
		ID:          uuid.NewString(),
		ExtensionID: p.ExtensionID,
		MangaID:     p.MangaID,
		MangaSlug:   slug,
		ChapterID:   p.ChapterID,
		Status:      offline.StatusQueued,
		Priority:    p.Priority,
		QueuedAt:    time.Now(),
	}
	if err := e.store.SaveDownload(ctx, item); err != nil {
		return "", err
	}
	e.tracker.RecordDirectWrite()

	e.mu.Lock()
	e.items[item.ID] = &item
	if len(p.Pages) > 0 {
		e.pageLists[item.ID] = p.Pages
	}
	e.mu.Unlock()

	e.publish(protocol.Event{
		Kind: protocol.EventDownloadQueued, QueueID: item.ID,
		MangaID: item.MangaID, ChapterID: item.ChapterID,
	})
	e.updateQueueDepth()
	e.kick()
	return item.ID, nil
}

// QueueManga enqueues every chapter of a manga that is not yet downloaded
// and returns the assigned queue ids.
func (e *Engine) QueueManga(ctx context.Context, p protocol.QueueMangaPayload) ([]string, error) {
	slug, err := paths.SanitizeSlug(p.MangaSlug)
	if err != nil {
		return nil, fmt.Errorf("queue manga: %w", err)
	}
	if err := paths.ValidateExtensionID(p.ExtensionID); err != nil {
		return nil, fmt.Errorf("queue manga: %w", err)
	}
	details, err := e.mangaDetails(ctx, p.ExtensionID, p.MangaID)
	if err != nil {
		return nil, fmt.Errorf("queue manga: %w", err)
	}

	downloaded, err := e.downloadedChapterIDs(p.ExtensionID, slug)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(details.Chapters))
	for _, ch := range details.Chapters {
		if _, ok := downloaded[ch.ID]; ok {
			continue
		}
		id, err := e.QueueChapter(ctx, protocol.QueueChapterPayload{
			ExtensionID: p.ExtensionID,
			MangaID:     p.MangaID,
			MangaSlug:   slug,
			ChapterID:   ch.ID,
			Priority:    p.Priority,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel transitions a queued or active item to a terminal non-success
// state. Canceling an already-terminal item is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	item, ok := e.items[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("cancel: unknown download %s", id)
	}
	if item.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancels[id]
	now := time.Now()
	item.Status = offline.StatusFailed
	item.ErrorMessage = "canceled"
	item.CompletedAt = &now
	snapshot := *item
	delete(e.pageLists, id)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.batch.Remove(id)
	e.tracker.AbandonDownload(id)
	if err := e.store.UpdateDownload(ctx, snapshot); err != nil {
		return err
	}
	e.tracker.RecordDirectWrite()
	_ = e.store.RecordHistory(ctx, snapshot)
	e.publish(protocol.Event{
		Kind: protocol.EventDownloadCancelled, QueueID: id,
		MangaID: snapshot.MangaID, ChapterID: snapshot.ChapterID,
	})
	metrics.ObserveDownload("cancelled")
	e.updateQueueDepth()
	return nil
}

// Retry resets a failed item back to queued, keeping its priority.
func (e *Engine) Retry(ctx context.Context, id string) error {
	e.mu.Lock()
	item, ok := e.items[id]
	if !ok || item.Status != offline.StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("retry: download %s is not in a failed state", id)
	}
	item.Status = offline.StatusQueued
	item.ErrorMessage = ""
	item.StartedAt = nil
	item.CompletedAt = nil
	item.ProgressCurrent = 0
	snapshot := *item
	e.mu.Unlock()

	if err := e.store.UpdateDownload(ctx, snapshot); err != nil {
		return err
	}
	e.tracker.RecordDirectWrite()
	e.updateQueueDepth()
	e.kick()
	return nil
}

// RetryFrozen requeues items stuck in downloading with no progress for the
// frozen window, typically left behind by a crash mid-transfer.
func (e *Engine) RetryFrozen(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-e.cfg.Tuning.FrozenTimeout)

	e.mu.Lock()
	var frozen []offline.QueuedDownload
	for id, item := range e.items {
		if item.Status != offline.StatusDownloading {
			continue
		}
		last, ok := e.lastProgress[id]
		if ok && last.After(cutoff) {
			continue
		}
		if _, active := e.cancels[id]; active {
			continue
		}
		item.Status = offline.StatusQueued
		item.ErrorMessage = ""
		item.StartedAt = nil
		frozen = append(frozen, *item)
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(frozen))
	for _, item := range frozen {
		if err := e.store.UpdateDownload(ctx, item); err != nil {
			return ids, err
		}
		e.tracker.RecordDirectWrite()
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)
	e.updateQueueDepth()
	e.kick()
	return ids, nil
}

// Downloads returns every known queue item in drain order.
func (e *Engine) Downloads() []offline.QueuedDownload {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]offline.QueuedDownload, 0, len(e.items))
	for _, item := range e.items {
		out = append(out, *item)
	}
	sortDownloads(out)
	return out
}

// ActiveDownloads returns items currently transferring.
func (e *Engine) ActiveDownloads() []offline.QueuedDownload {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []offline.QueuedDownload
	for id, item := range e.items {
		if _, ok := e.cancels[id]; ok {
			out = append(out, *item)
		}
	}
	sortDownloads(out)
	return out
}

// IsActive reports whether any transfer is in flight.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCount > 0
}

// Progress returns the current progress of one item.
func (e *Engine) Progress(id string) (protocol.ProgressResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.items[id]
	if !ok {
		return protocol.ProgressResult{}, fmt.Errorf("progress: unknown download %s", id)
	}
	return protocol.ProgressResult{
		QueueID: id,
		Current: item.ProgressCurrent,
		Total:   item.ProgressTotal,
		Status:  string(item.Status),
	}, nil
}

func sortDownloads(items []offline.QueuedDownload) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) publish(evt protocol.Event) {
	e.tracker.RecordEvent()
	e.emit(evt)
}

func (e *Engine) updateQueueDepth() {
	e.mu.Lock()
	n := 0
	for _, item := range e.items {
		if !item.Status.Terminal() {
			n++
		}
	}
	e.mu.Unlock()
	metrics.SetQueueDepth(n)
}

// schedule drains the queue whenever capacity frees up or new work arrives.
func (e *Engine) schedule() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-e.wake:
		}
		for {
			next := e.claimNext()
			if next == nil {
				break
			}
			e.wg.Add(1)
			go e.runDownload(next.ctx, next.item)
		}
	}
}

type claimed struct {
	ctx  context.Context
	item offline.QueuedDownload
}

// claimNext picks the highest-priority queued item if a download slot is
// free, marking it downloading before release of the lock.
func (e *Engine) claimNext() *claimed {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.activeCount >= e.cfg.Tuning.DownloadConcurrency {
		return nil
	}
	var best *offline.QueuedDownload
	for _, item := range e.items {
		if item.Status != offline.StatusQueued {
			continue
		}
		if best == nil ||
			item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.QueuedAt.Before(best.QueuedAt)) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	now := time.Now()
	best.Status = offline.StatusDownloading
	best.StartedAt = &now
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.cancels[best.ID] = cancel
	e.lastProgress[best.ID] = now
	e.activeCount++
	return &claimed{ctx: ctx, item: *best}
}
