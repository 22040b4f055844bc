package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// RetryingFetcher issues one logical request, hiding transient failures
// behind a RetryPolicy. It is safe for concurrent use.
type RetryingFetcher struct {
	client   Client
	policy   RetryPolicy
	throttle Throttle
	inflight *semaphore.Weighted
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	attempts atomic.Int64
}

// FetcherOption customizes a RetryingFetcher.
type FetcherOption func(*RetryingFetcher)

// WithThrottle delays every attempt through t.
func WithThrottle(t Throttle) FetcherOption {
	return func(f *RetryingFetcher) {
		f.throttle = t
	}
}

// WithMaxInFlight caps simultaneous attempts across all callers.
func WithMaxInFlight(n int) FetcherOption {
	return func(f *RetryingFetcher) {
		if n > 0 {
			f.inflight = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger *zap.Logger) FetcherOption {
	return func(f *RetryingFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewRetryingFetcher wraps client with policy.
func NewRetryingFetcher(client Client, policy RetryPolicy, opts ...FetcherOption) (*RetryingFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	f := &RetryingFetcher{
		client: client,
		policy: policy,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Attempts reports the number of attempts issued so far.
func (f *RetryingFetcher) Attempts() int64 {
	return f.attempts.Load()
}

// Fetch returns the first 2xx response for url.
func (f *RetryingFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	var resp *Response
	err := f.retry(ctx, url, func(ctx context.Context) error {
		r, err := f.client.Get(ctx, url)
		if err != nil {
			return err
		}
		if !isSuccess(r.StatusCode) {
			return &StatusError{URL: url, StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Download streams the first 2xx response body for url into dst, resetting
// dst before every attempt, and returns the number of bytes written.
func (f *RetryingFetcher) Download(ctx context.Context, url string, dst ResettableWriter) (int64, error) {
	var written int64
	err := f.retry(ctx, url, func(ctx context.Context) error {
		if err := dst.Reset(); err != nil {
			return Permanent(fmt.Errorf("reset download target: %w", err))
		}
		status, n, err := f.client.Stream(ctx, url, dst)
		if err != nil {
			return err
		}
		if !isSuccess(status) {
			return &StatusError{URL: url, StatusCode: status}
		}
		written = n
		return nil
	})
	return written, err
}

func (f *RetryingFetcher) retry(ctx context.Context, url string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		err := f.attempt(ctx, url, fn)
		if err == nil {
			metrics.ObserveFetchAttempt(metrics.AttemptOK)
			if attempt > 1 {
				f.logger.Debug("fetch succeeded after retry", zap.String("url", url), zap.Int("attempt", attempt))
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch %s: %w", url, ctxErr)
		}
		metrics.ObserveFetchAttempt(attemptOutcome(err))
		if !Retryable(err) {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		if !f.policy.ShouldRetry(err, attempt) {
			metrics.ObserveRetryExhausted()
			return &RetryExhaustedError{URL: url, Attempts: attempt, Cause: err}
		}
		delay := f.policy.Backoff(attempt)
		f.logger.Warn("fetch attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
	}
}

func (f *RetryingFetcher) attempt(ctx context.Context, url string, fn func(context.Context) error) error {
	if f.throttle != nil {
		if err := f.throttle.Wait(ctx, url); err != nil {
			return err
		}
	}
	if f.inflight != nil {
		if err := f.inflight.Acquire(ctx, 1); err != nil {
			return err
		}
		defer f.inflight.Release(1)
	}
	f.attempts.Add(1)
	return fn(ctx)
}

func attemptOutcome(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return metrics.AttemptStatus
	}
	return metrics.AttemptError
}

func isSuccess(code int) bool {
	return code >= 200 && code <= 299
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
