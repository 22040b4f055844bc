package harvest

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Backoff strategy names.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy decides how often and how patiently a fetch is retried.
// Attempts are numbered from 1.
type RetryPolicy interface {
	MaxAttempts() int
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// NewRetryPolicy builds the named policy.
func NewRetryPolicy(backoff string, maxAttempts int, delay, maxDelay time.Duration) (RetryPolicy, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0, got %d", maxAttempts)
	}
	if delay < 0 {
		return nil, fmt.Errorf("retry delay must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(backoff)) {
	case "", BackoffFixed:
		return NewFixedRetryPolicy(maxAttempts, delay), nil
	case BackoffExponential:
		return NewExponentialRetryPolicy(maxAttempts, delay, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff %q", backoff)
	}
}

// FixedRetryPolicy waits the same delay between attempts.
type FixedRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedRetryPolicy returns a fixed-delay policy.
func NewFixedRetryPolicy(maxAttempts int, delay time.Duration) *FixedRetryPolicy {
	return &FixedRetryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// MaxAttempts implements RetryPolicy.
func (p *FixedRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry implements RetryPolicy.
func (p *FixedRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.maxAttempts && Retryable(err)
}

// Backoff implements RetryPolicy.
func (p *FixedRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy returns a doubling policy capped at maxDelay.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts implements RetryPolicy.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry implements RetryPolicy.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.maxAttempts && Retryable(err)
}

// Backoff returns half the capped exponential delay plus up to half again as jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	exp := max(attempt-1, 0)
	delay := float64(p.baseDelay) * math.Pow(2, float64(exp))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
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
