// Package metrics exposes Prometheus collectors for the download engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal  *prometheus.CounterVec
	pagesTotal      prometheus.Counter
	bytesTotal      prometheus.Counter
	fetchRetries    prometheus.Counter
	queueDepth      prometheus.Gauge
	activeDownloads prometheus.Gauge
	workerRestarts  prometheus.Counter

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tomeshelf_downloads_total",
				Help: "Total chapter downloads reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		pagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tomeshelf_pages_total",
				Help: "Total page images stored.",
			},
		)

		bytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tomeshelf_bytes_total",
				Help: "Total page bytes fetched.",
			},
		)

		fetchRetries = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tomeshelf_fetch_retries_total",
				Help: "Total page fetch retry attempts.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tomeshelf_queue_depth",
				Help: "Queue items not yet in a terminal state.",
			},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tomeshelf_active_downloads",
				Help: "Chapter downloads currently transferring.",
			},
		)

		workerRestarts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tomeshelf_worker_restarts_total",
				Help: "Times the supervisor restarted the worker process after a crash.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveDownload counts one terminal download by status.
func ObserveDownload(status string) {
	Init()
	downloadsTotal.WithLabelValues(status).Inc()
}

// ObservePage counts one stored page.
func ObservePage() {
	Init()
	pagesTotal.Inc()
}

// ObserveBytes adds fetched page bytes.
func ObserveBytes(n int) {
	Init()
	if n > 0 {
		bytesTotal.Add(float64(n))
	}
}

// ObserveFetchRetry counts one retry attempt.
func ObserveFetchRetry() {
	Init()
	fetchRetries.Inc()
}

// SetQueueDepth records the current non-terminal queue size.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// IncActiveDownloads increments the active transfer gauge.
func IncActiveDownloads() {
	Init()
	activeDownloads.Inc()
}

// DecActiveDownloads decrements the active transfer gauge.
func DecActiveDownloads() {
	Init()
	activeDownloads.Dec()
}

// ObserveWorkerRestart counts one crash-restart.
func ObserveWorkerRestart() {
	Init()
	workerRestarts.Inc()
}
