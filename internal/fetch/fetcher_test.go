package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRetries:     3,
		AttemptTimeout: time.Second,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestFetcher_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := New(testConfig(), nil, nil)
	data, err := f.FetchPage(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), data.Body)
	require.Equal(t, "image/png", data.MimeType)
	require.Equal(t, int32(3), calls.Load())
}

func TestFetcher_DoesNotRetry4xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(testConfig(), nil, nil)
	_, err := f.FetchPage(context.Background(), srv.URL)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.True(t, statusErr.Permanent())
	require.Equal(t, int32(1), calls.Load(), "4xx must fail immediately")
}

func TestFetcher_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(testConfig(), nil, nil)
	_, err := f.FetchPage(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
}

func TestFetcher_CancellationStopsRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.BackoffBase = time.Minute
	f := New(cfg, nil, nil)
	_, err := f.FetchPage(ctx, srv.URL)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
