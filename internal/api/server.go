// Package api exposes the admin HTTP interface over the download supervisor.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/metrics"
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/supervisor"
)

// Downloader is the slice of the supervisor the API needs.
type Downloader interface {
	QueuedDownloads(ctx context.Context) ([]offline.QueuedDownload, error)
	ActiveDownloads(ctx context.Context) ([]offline.QueuedDownload, error)
	CancelDownload(ctx context.Context, id string) error
	RetryDownload(ctx context.Context, id string) error
	RetryFrozenDownloads(ctx context.Context) ([]string, error)
	DownloadHistory(ctx context.Context, limit int) ([]offline.QueuedDownload, error)
	StorageStats(ctx context.Context) (offline.StorageStats, error)
}

// Server wires HTTP handlers to the supervisor.
type Server struct {
	router     chi.Router
	downloader Downloader
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(downloader Downloader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{downloader: downloader, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", s.listDownloads)
			r.Get("/active", s.listActiveDownloads)
			r.Get("/history", s.listHistory)
			r.Post("/retry-frozen", s.retryFrozen)
			r.Route("/{download_id}", func(r chi.Router) {
				r.Post("/cancel", s.cancelDownload)
				r.Post("/retry", s.retryDownload)
			})
		})
		r.Get("/storage/stats", s.storageStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	downloads, err := s.downloader.QueuedDownloads(r.Context())
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"downloads": downloads})
}

func (s *Server) listActiveDownloads(w http.ResponseWriter, r *http.Request) {
	downloads, err := s.downloader.ActiveDownloads(r.Context())
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"downloads": downloads})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(s.logger, w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	history, err := s.downloader.DownloadHistory(r.Context(), limit)
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "download_id")
	if err := s.downloader.CancelDownload(r.Context(), id); err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) retryDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "download_id")
	if err := s.downloader.RetryDownload(r.Context(), id); err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"id": id, "status": "queued"})
}

func (s *Server) retryFrozen(w http.ResponseWriter, r *http.Request) {
	ids, err := s.downloader.RetryFrozenDownloads(r.Context())
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"requeued": ids})
}

func (s *Server) storageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.downloader.StorageStats(r.Context())
	if err != nil {
		s.writeSupervisorError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, stats)
}

// writeSupervisorError maps supervisor failures onto HTTP statuses.
func (s *Server) writeSupervisorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrRequestTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrHostDestroyed),
		errors.Is(err, supervisor.ErrWorkerExited),
		errors.Is(err, supervisor.ErrRestartBudget):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		// Worker-side rejections (unknown id, bad state) surface here.
		status = http.StatusBadRequest
	}
	writeError(s.logger, w, status, err.Error())
}
