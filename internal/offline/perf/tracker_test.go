package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newClockedTracker(start time.Time) (*Tracker, *time.Time) {
	now := start
	t := NewTracker()
	t.now = func() time.Time { return now }
	t.Reset()
	return t, &now
}

func TestTracker_ResetZeroesEverything(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordEvent()
	tr.RecordNetworkRequest()
	tr.RecordCacheHit()
	tr.RecordDirectWrite()
	tr.RecordBatchedWrite(3)
	tr.StartDownload("q1")
	tr.EndDownload("q1")

	tr.Reset()
	s := tr.Metrics()
	require.Zero(t, s.EventsTotal)
	require.Zero(t, s.NetworkRequests)
	require.Zero(t, s.CacheHits)
	require.Zero(t, s.DirectWrites)
	require.Zero(t, s.BatchedWrites)
	require.Zero(t, s.DownloadsCompleted)
	require.Zero(t, s.AvgDownloadMs)
	require.Less(t, s.UptimeMs, int64(1000))
}

func TestTracker_PerSecondRates(t *testing.T) {
	t.Parallel()

	tr, now := newClockedTracker(time.Unix(1000, 0))

	tr.RecordEvent()
	tr.RecordEvent()
	*now = now.Add(500 * time.Millisecond)
	tr.RecordEvent()

	s := tr.Metrics()
	require.Equal(t, int64(3), s.EventsTotal)
	require.Equal(t, 3, s.EventsPerSecond)

	// Two of the three fall outside the trailing second.
	*now = now.Add(700 * time.Millisecond)
	s = tr.Metrics()
	require.Equal(t, 1, s.EventsPerSecond)
	require.Equal(t, int64(3), s.EventsTotal, "totals are not windowed")
}

func TestTracker_TimingsKeyedByQueueID(t *testing.T) {
	t.Parallel()

	tr, now := newClockedTracker(time.Unix(2000, 0))

	// Two overlapping downloads finishing out of start order.
	tr.StartDownload("slow")
	*now = now.Add(100 * time.Millisecond)
	tr.StartDownload("fast")
	*now = now.Add(200 * time.Millisecond)
	tr.EndDownload("fast") // 200ms
	*now = now.Add(700 * time.Millisecond)
	tr.EndDownload("slow") // 1000ms

	s := tr.Metrics()
	require.Equal(t, int64(2), s.DownloadsCompleted)
	require.InDelta(t, 600, s.AvgDownloadMs, 1)
}

func TestTracker_AbandonedDownloadExcludedFromAverage(t *testing.T) {
	t.Parallel()

	tr, now := newClockedTracker(time.Unix(3000, 0))

	tr.StartDownload("done")
	tr.StartDownload("canceled")
	*now = now.Add(100 * time.Millisecond)
	tr.EndDownload("done")
	tr.AbandonDownload("canceled")
	tr.EndDownload("canceled") // no-op: timing was abandoned

	s := tr.Metrics()
	require.Equal(t, int64(1), s.DownloadsCompleted)
	require.InDelta(t, 100, s.AvgDownloadMs, 1)
}

func TestTracker_DerivedRatios(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.RecordDirectWrite()
	tr.RecordBatchedWrite(3)
	tr.RecordNetworkRequest()
	tr.RecordCacheHit()
	tr.RecordCacheHit()
	tr.RecordCacheHit()

	s := tr.Metrics()
	require.InDelta(t, 75.0, s.BatchSavingsPercent, 0.01)
	require.InDelta(t, 0.75, s.CacheHitRate, 0.01)
}

func TestTracker_WindowPrunesLazily(t *testing.T) {
	t.Parallel()

	tr, now := newClockedTracker(time.Unix(4000, 0))
	for i := 0; i < 50; i++ {
		tr.RecordNetworkRequest()
		*now = now.Add(time.Second)
	}
	tr.mu.Lock()
	stamps := len(tr.network.stamps)
	tr.mu.Unlock()
	require.LessOrEqual(t, stamps, 11, "window should hold at most ~10s of stamps")
}
