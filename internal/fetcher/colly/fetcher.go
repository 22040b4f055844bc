// Package collyfetcher implements the harvester's HTTP capability: buffered
// HTML GETs through a Colly collector and streamed payload downloads through
// a plain http.Client sharing the same transport.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds one attempt, body included.
	Timeout time.Duration
	// MaxBodyBytes caps buffered HTML bodies. Zero means unlimited.
	MaxBodyBytes int
}

// ErrBodyTooLarge reports a buffered body that reached Config.MaxBodyBytes
// and was truncated.
var ErrBodyTooLarge = errors.New("response body reached size limit")

// Fetcher implements harvest.Client.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	stream        *http.Client
	// robots is nil unless Config.RespectRobots is set.
	robots *robotsRules
	logger *zap.Logger
}

var _ harvest.Client = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport, logger: logger.Named("robots")}
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	stream := &http.Client{Transport: transport, Timeout: cfg.Timeout}
	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		stream:        stream,
		logger:        logger,
	}
	if cfg.RespectRobots {
		f.robots = newRobotsRules(stream, c.UserAgent, logger.Named("robots"))
	}
	return f
}

// Get executes a single HTTP GET using Colly. Non-2xx responses are returned
// with their status, not as errors.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*harvest.Response, error) {
	if err := checkURL(rawURL); err != nil {
		return nil, err
	}
	var (
		result   *harvest.Response
		fetchErr error
	)
	collector := f.buildCollector()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("colly returned no response for %s", rawURL)
	}
	return result, nil
}

// Stream copies a 2xx body into w without buffering or charset conversion.
// With RespectRobots set, a path disallowed by the host's robots.txt fails
// permanently with colly.ErrRobotsTxtBlocked before any request is sent.
func (f *Fetcher) Stream(ctx context.Context, rawURL string, w io.Writer) (int, int64, error) {
	if err := checkURL(rawURL); err != nil {
		return 0, 0, err
	}
	if err := f.checkRobots(ctx, rawURL); err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, harvest.Permanent(fmt.Errorf("build request: %w", err))
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.stream.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("stream %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.String("url", rawURL), zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, 0, nil
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return resp.StatusCode, n, fmt.Errorf("stream %s body: %w", rawURL, err)
	}
	return resp.StatusCode, n, nil
}

func (f *Fetcher) checkRobots(ctx context.Context, rawURL string) error {
	if f.robots == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return harvest.Permanent(err)
	}
	ok, err := f.robots.allowed(ctx, u)
	if err != nil {
		return fmt.Errorf("stream %s: robots: %w", rawURL, err)
	}
	if !ok {
		return harvest.Permanent(fmt.Errorf("stream %s: %w", rawURL, colly.ErrRobotsTxtBlocked))
	}
	return nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	return f.baseCollector.Clone()
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result **harvest.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.logger.Debug("requesting", zap.String("url", r.URL.String()))
	})

	hooks.OnResponse(func(r *colly.Response) {
		if limit := f.cfg.MaxBodyBytes; limit > 0 && len(r.Body) >= limit {
			f.logger.Warn("response body truncated",
				zap.String("url", r.Request.URL.String()),
				zap.Int("limit", limit),
			)
			*fetchErr = harvest.Permanent(fmt.Errorf("%w: %s reached %d bytes", ErrBodyTooLarge, r.Request.URL, limit))
			return
		}
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = &harvest.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyVisitError(err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func classifyVisitError(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrMaxDepth):
		return harvest.Permanent(fmt.Errorf("colly visit refused: %w", err))
	default:
		return fmt.Errorf("colly visit failed: %w", err)
	}
}

func checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return harvest.Permanent(err)
	}
	if !u.IsAbs() || u.Host == "" {
		return harvest.Permanent(fmt.Errorf("url %q is not absolute", rawURL))
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
