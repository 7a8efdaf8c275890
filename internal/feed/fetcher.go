package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"buspositions/internal/metrics"
)

var (
	ErrFetch = errors.New("feed fetch failed")
	ErrParse = errors.New("feed is not a valid GeoJSON FeatureCollection")
)

const (
	DefaultAttempts       = 20
	DefaultRetryDelay     = 30 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
)

// Fetcher downloads the upstream feed. Network errors, every non-2xx status
// and HTTP 202 (upstream still preparing data) are retried with a fixed delay.
type Fetcher struct {
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithRetry(attempts int, delay time.Duration) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.attempts = attempts
		}
		if delay >= 0 {
			f.retryDelay = delay
		}
	}
}

// WithAttemptTimeout bounds a single HTTP attempt. Zero disables the bound.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = timeout
	}
}

func NewFetcher(logger *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{},
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultAttemptTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load fetches, parses and normalizes the feed at url.
func (f *Fetcher) Load(ctx context.Context, url string) (*geojson.FeatureCollection, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	fc, err := Parse(body)
	if err != nil {
		f.logger.Error("Feed is not valid GeoJSON",
			zap.String("url", url),
			zap.Int("bytes", len(body)),
			zap.Error(err),
		)
		return nil, err
	}

	return Normalize(fc), nil
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		body, err := f.fetchOnce(ctx, url)
		if err != nil {
			metrics.FeedFetchAttempts.WithLabelValues("failure").Inc()
			return nil, err
		}
		metrics.FeedFetchAttempts.WithLabelValues("success").Inc()
		return body, nil
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.retryDelay)),
		backoff.WithMaxTries(uint(f.attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("Feed fetch attempt failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		f.logger.Error("Error when downloading GeoJSON data",
			zap.String("url", url),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrFetch, url, attempt, err)
	}

	f.logger.Debug("Fetched feed", zap.String("url", url), zap.Int("attempts", attempt), zap.Int("bytes", len(body)))
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusAccepted {
		drain(resp.Body)
		return nil, errors.New("upstream is still preparing data (HTTP 202)")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// drain lets the transport reuse the connection.
func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
}
