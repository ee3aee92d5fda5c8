// Package perf tracks rolling counters and rates for the download engine.
package perf

import (
	"sync"
	"time"
)

const (
	windowSize = 10 * time.Second
	rateWindow = time.Second
)

// Snapshot is a read-only view of the tracker, recomputed on demand.
type Snapshot struct {
	UptimeMs            int64   `json:"uptime_ms"`
	EventsTotal         int64   `json:"events_total"`
	EventsPerSecond     int     `json:"events_per_second"`
	DirectWrites        int64   `json:"direct_writes"`
	BatchedWrites       int64   `json:"batched_writes"`
	WritesPerSecond     int     `json:"writes_per_second"`
	BatchSavingsPercent float64 `json:"batch_savings_percent"`
	NetworkRequests     int64   `json:"network_requests"`
	NetworkPerSecond    int     `json:"network_per_second"`
	CacheHits           int64   `json:"cache_hits"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	DownloadsCompleted  int64   `json:"downloads_completed"`
	AvgDownloadMs       float64 `json:"avg_download_ms"`
	PagesCompleted      int64   `json:"pages_completed"`
	AvgPageMs           float64 `json:"avg_page_ms"`
}

// window keeps the timestamps of the last ~10 seconds for one category.
// Pruning happens lazily on each record so memory stays bounded.
type window struct {
	stamps []time.Time
}

func (w *window) record(now time.Time) {
	w.prune(now)
	w.stamps = append(w.stamps, now)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-windowSize)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// perSecond counts timestamps within the trailing 1000ms.
func (w *window) perSecond(now time.Time) int {
	cutoff := now.Add(-rateWindow)
	n := 0
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// Tracker accumulates counters and timing pairs. Timings are keyed by queue
// id so concurrent downloads never mis-attribute a completion to the wrong
// start.
type Tracker struct {
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time

	events  window
	writes  window
	network window

	eventsTotal   int64
	directWrites  int64
	batchedWrites int64
	networkTotal  int64
	cacheHits     int64

	downloadStart map[string]time.Time
	pageStart     map[string]time.Time
	downloadDone  int64
	downloadSumMs float64
	pagesDone     int64
	pageSumMs     float64
}

// NewTracker returns a Tracker with the uptime clock started.
func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.resetLocked()
	return t
}

// RecordEvent counts one emitted event.
func (t *Tracker) RecordEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventsTotal++
	t.events.record(t.now())
}

// RecordDirectWrite counts one unbatched database write.
func (t *Tracker) RecordDirectWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.directWrites++
	t.writes.record(t.now())
}

// RecordBatchedWrite counts writes that were coalesced into one emission.
func (t *Tracker) RecordBatchedWrite(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchedWrites += int64(n)
	t.writes.record(t.now())
}

// RecordNetworkRequest counts one network fetch.
func (t *Tracker) RecordNetworkRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.networkTotal++
	t.network.record(t.now())
}

// RecordCacheHit counts one metadata cache hit.
func (t *Tracker) RecordCacheHit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cacheHits++
}

// StartDownload opens a timing pair for the queue item.
func (t *Tracker) StartDownload(queueID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloadStart[queueID] = t.now()
}

// EndDownload closes the timing pair for the queue item. Unmatched ends are
// ignored.
func (t *Tracker) EndDownload(queueID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.downloadStart[queueID]
	if !ok {
		return
	}
	delete(t.downloadStart, queueID)
	t.downloadDone++
	t.downloadSumMs += float64(t.now().Sub(start).Milliseconds())
}

// AbandonDownload discards an open timing pair, keeping averages to
// completed downloads only.
func (t *Tracker) AbandonDownload(queueID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.downloadStart, queueID)
}

// StartPage opens a per-page timing keyed by queue id and page index.
func (t *Tracker) StartPage(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pageStart[key] = t.now()
}

// EndPage closes a per-page timing.
func (t *Tracker) EndPage(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.pageStart[key]
	if !ok {
		return
	}
	delete(t.pageStart, key)
	t.pagesDone++
	t.pageSumMs += float64(t.now().Sub(start).Milliseconds())
}

// Reset zeroes every counter and restarts the uptime clock.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) resetLocked() {
	if t.now == nil {
		t.now = time.Now
	}
	t.startedAt = t.now()
	t.events = window{}
	t.writes = window{}
	t.network = window{}
	t.eventsTotal = 0
	t.directWrites = 0
	t.batchedWrites = 0
	t.networkTotal = 0
	t.cacheHits = 0
	t.downloadStart = make(map[string]time.Time)
	t.pageStart = make(map[string]time.Time)
	t.downloadDone = 0
	t.downloadSumMs = 0
	t.pagesDone = 0
	t.pageSumMs = 0
}

// Metrics computes a Snapshot from the current counters.
func (t *Tracker) Metrics() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	s := Snapshot{
		UptimeMs:           now.Sub(t.startedAt).Milliseconds(),
		EventsTotal:        t.eventsTotal,
		EventsPerSecond:    t.events.perSecond(now),
		DirectWrites:       t.directWrites,
		BatchedWrites:      t.batchedWrites,
		WritesPerSecond:    t.writes.perSecond(now),
		NetworkRequests:    t.networkTotal,
		NetworkPerSecond:   t.network.perSecond(now),
		CacheHits:          t.cacheHits,
		DownloadsCompleted: t.downloadDone,
		PagesCompleted:     t.pagesDone,
	}
	if total := t.directWrites + t.batchedWrites; total > 0 {
		s.BatchSavingsPercent = 100 * float64(t.batchedWrites) / float64(total)
	}
	if total := t.networkTotal + t.cacheHits; total > 0 {
		s.CacheHitRate = float64(t.cacheHits) / float64(total)
	}
	if t.downloadDone > 0 {
		s.AvgDownloadMs = t.downloadSumMs / float64(t.downloadDone)
	}
	if t.pagesDone > 0 {
		s.AvgPageMs = t.pageSumMs / float64(t.pagesDone)
	}
	return s
}
