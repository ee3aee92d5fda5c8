package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/supervisor"
)

type fakeDownloader struct {
	queued    []offline.QueuedDownload
	active    []offline.QueuedDownload
	history   []offline.QueuedDownload
	stats     offline.StorageStats
	cancelled []string
	retried   []string
	err       error
}

func (f *fakeDownloader) QueuedDownloads(context.Context) ([]offline.QueuedDownload, error) {
	return f.queued, f.err
}

func (f *fakeDownloader) ActiveDownloads(context.Context) ([]offline.QueuedDownload, error) {
	return f.active, f.err
}

func (f *fakeDownloader) CancelDownload(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeDownloader) RetryDownload(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeDownloader) RetryFrozenDownloads(context.Context) ([]string, error) {
	return []string{"frozen-1"}, f.err
}

func (f *fakeDownloader) DownloadHistory(_ context.Context, limit int) ([]offline.QueuedDownload, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeDownloader) StorageStats(context.Context) (offline.StorageStats, error) {
	return f.stats, f.err
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := NewServer(&fakeDownloader{}, nil)
	rec := doRequest(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListDownloads(t *testing.T) {
	fake := &fakeDownloader{queued: []offline.QueuedDownload{
		{ID: "d1", MangaSlug: "akira", Status: offline.StatusQueued, QueuedAt: time.Now()},
		{ID: "d2", MangaSlug: "akira", Status: offline.StatusDownloading, QueuedAt: time.Now()},
	}}
	s := NewServer(fake, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/downloads")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Downloads []offline.QueuedDownload `json:"downloads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Downloads, 2)
	require.Equal(t, "d1", body.Downloads[0].ID)
}

func TestCancelAndRetry(t *testing.T) {
	fake := &fakeDownloader{}
	s := NewServer(fake, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/downloads/d1/cancel")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"d1"}, fake.cancelled)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/downloads/d2/retry")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"d2"}, fake.retried)
}

func TestHistoryLimitValidation(t *testing.T) {
	fake := &fakeDownloader{history: []offline.QueuedDownload{{ID: "h1"}, {ID: "h2"}}}
	s := NewServer(fake, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/downloads/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		History []offline.QueuedDownload `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/downloads/history?limit=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageStats(t *testing.T) {
	fake := &fakeDownloader{stats: offline.StorageStats{MangaCount: 2, ChapterCount: 10, PageCount: 180, TotalBytes: 1 << 20}}
	s := NewServer(fake, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/storage/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats offline.StorageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 2, stats.MangaCount)
	require.Equal(t, int64(1<<20), stats.TotalBytes)
}

func TestSupervisorErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", supervisor.ErrRequestTimeout), http.StatusGatewayTimeout},
		{supervisor.ErrHostDestroyed, http.StatusServiceUnavailable},
		{supervisor.ErrWorkerExited, http.StatusServiceUnavailable},
		{fmt.Errorf("cancel: unknown download d9"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		s := NewServer(&fakeDownloader{err: tc.err}, nil)
		rec := doRequest(t, s, http.MethodGet, "/api/v1/downloads")
		require.Equal(t, tc.code, rec.Code, "error %v", tc.err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(&fakeDownloader{}, nil)
	rec := doRequest(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tomeshelf_")
}
