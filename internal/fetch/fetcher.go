// Package fetch retrieves page images over HTTP with bounded retries.
package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/metrics"
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
)

const defaultUserAgent = "tomeshelf/0.1"

// Config controls retry and timeout behavior for page fetches.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// AttemptTimeout bounds each attempt via context cancellation.
	AttemptTimeout time.Duration
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration
	UserAgent  string
}

// HTTPStatusError reports a non-success response. 4xx-class statuses are
// permanent and never retried.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Permanent reports whether the status is a 4xx-class failure.
func (e *HTTPStatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Fetcher implements offline.PageFetcher on a shared resty client. Retries
// are handled here rather than in resty's own retry loop so the backoff and
// the per-attempt timeout stay under one budget.
type Fetcher struct {
	client  *resty.Client
	cfg     Config
	tracker *perf.Tracker
	logger  *zap.Logger
}

// New builds a Fetcher. tracker may be nil.
func New(cfg Config, tracker *perf.Tracker, logger *zap.Logger) *Fetcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Fetcher{client: client, cfg: cfg, tracker: tracker, logger: logger}
}

// FetchPage downloads one page image, retrying transient failures with
// jittered exponential backoff. 4xx responses and context cancellation fail
// immediately.
func (f *Fetcher) FetchPage(ctx context.Context, url string) (offline.PageData, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return offline.PageData{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
			case <-time.After(f.backoff(attempt - 1)):
			}
			metrics.ObserveFetchRetry()
		}

		data, err := f.attempt(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return offline.PageData{}, err
		}
		f.logger.Debug("page fetch attempt failed",
			zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
	}
	return offline.PageData{}, fmt.Errorf("fetch %s: attempts exhausted: %w", url, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url string) (offline.PageData, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	if f.tracker != nil {
		f.tracker.RecordNetworkRequest()
	}
	resp, err := f.client.R().SetContext(attemptCtx).Get(url)
	if err != nil {
		return offline.PageData{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return offline.PageData{}, &HTTPStatusError{StatusCode: resp.StatusCode(), URL: url}
	}
	body := resp.Body()
	if len(body) == 0 {
		return offline.PageData{}, fmt.Errorf("fetch %s: empty body", url)
	}
	metrics.ObserveBytes(len(body))
	return offline.PageData{
		Body:     body,
		MimeType: resp.Header().Get("Content-Type"),
	}, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(f.cfg.BackoffMax) {
		delay = float64(f.cfg.BackoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Permanent()
	}
	return true
}
