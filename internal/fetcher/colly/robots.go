package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsAwareTransport retries robots.txt fetches that hit transient TLS or
// timeout errors and, once those retries are spent, answers with an allow-all
// file so a flaky robots endpoint does not block the harvest.
type robotsAwareTransport struct {
	base      http.RoundTripper
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	fallbacks atomic.Int64
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		return t.base.RoundTrip(req)
	}
	return t.roundTripWithRetry(req)
}

func (t *robotsAwareTransport) roundTripWithRetry(req *http.Request) (*http.Response, error) {
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			t.fallbacks.Add(1)
			if t.logger != nil {
				t.logger.Warn("robots.txt unreachable, allowing all", zap.String("host", req.URL.Host), zap.Error(err))
			}
			return syntheticRobotsAllowAllResponse(req), nil
		}
		if err := sleep(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots roundtrip backoff sleep: %w", err)
		}
	}
	return nil, fmt.Errorf("robots roundtrip exhausted retries")
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

// robotsRules caches each host's robots.txt for requests that bypass the
// collector. Fetch failures are not cached.
type robotsRules struct {
	client *http.Client
	agent  string
	logger *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData
	group singleflight.Group
}

func newRobotsRules(client *http.Client, agent string, logger *zap.Logger) *robotsRules {
	return &robotsRules{
		client: client,
		agent:  agent,
		logger: logger,
		hosts:  make(map[string]*robotstxt.RobotsData),
	}
}

// allowed reports whether u may be fetched under its host's robots.txt.
func (r *robotsRules) allowed(ctx context.Context, u *url.URL) (bool, error) {
	data, err := r.rulesFor(ctx, u)
	if err != nil {
		return false, err
	}
	return data.FindGroup(r.agent).Test(u.EscapedPath()), nil
}

func (r *robotsRules) rulesFor(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	key := u.Scheme + "://" + u.Host
	r.mu.Lock()
	data, ok := r.hosts[key]
	r.mu.Unlock()
	if ok {
		return data, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		data, err := r.fetch(ctx, key+"/robots.txt")
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.hosts[key] = data
		r.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (r *robotsRules) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.agent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", robotsURL, err)
	}
	r.logger.Debug("robots.txt loaded", zap.String("url", robotsURL), zap.Int("status", resp.StatusCode))
	return data, nil
}
