// Package app builds the harvest pipeline from configuration and holds the
// long-lived services it depends on, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
	"github.com/JakeFAU/catalog-harvester/internal/storage/memory"
	"github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/strategy"
)

const (
	eventLogCapacity  = 1024
	readHeaderTimeout = 5 * time.Second
)

// JobLedger records finalized items and the summary of each job.
type JobLedger interface {
	harvest.Ledger
	RecordJob(ctx context.Context, summary harvest.Summary) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the root logger every component derives from.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer = reg
		}
	}
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared services of one harvester process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	client    *collyfetcher.Fetcher
	fetcher   *harvest.RetryingFetcher
	extractor *extract.GoqueryExtractor
	fs        local.FileSystem
	strategy  strategy.Strategy
	ledger    JobLedger
	mirror    harvest.BlobStore
	publisher harvest.Publisher
	events    *api.EventLog
	hub       *progress.Hub
	closers   []closer
}

// New wires every service named by cfg. Optional backends stay disabled when
// their settings are empty; a backend that is configured but fails to open
// fails New, and whatever was opened before it is closed again.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{logger: zap.NewNop(), registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: o.logger}
	a.logger.Info("initializing harvester services")

	var err error
	defer func() {
		if err != nil {
			if cerr := a.Close(context.Background()); cerr != nil {
				a.logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()

	if err = a.initFetching(cfg); err != nil {
		return nil, err
	}
	if err = a.openLedger(ctx); err != nil {
		return nil, err
	}
	if err = a.openMirror(ctx); err != nil {
		return nil, err
	}
	if err = a.openPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.startProgress(o.registerer); err != nil {
		return nil, err
	}

	a.logger.Info("harvester services initialized",
		zap.String("strategy", a.strategy.Name()),
		zap.Bool("mirror", a.mirror != nil),
		zap.Bool("notify", a.publisher != nil),
	)
	return a, nil
}

func (a *App) initFetching(cfg config.Config) error {
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	a.client = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTP.RequestTimeout,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	}, a.logger.Named("http"))

	fetcherOpts := []harvest.FetcherOption{
		harvest.WithMaxInFlight(cfg.Harvest.MaxConcurrency),
		harvest.WithFetcherLogger(a.logger.Named("fetcher")),
	}
	if cfg.HTTP.RequestsPerSecond > 0 {
		fetcherOpts = append(fetcherOpts, harvest.WithThrottle(ratelimit.New(ratelimit.Config{
			RPS:   cfg.HTTP.RequestsPerSecond,
			Burst: cfg.HTTP.Burst,
		})))
	}
	if a.fetcher, err = harvest.NewRetryingFetcher(a.client, policy, fetcherOpts...); err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	if a.strategy, err = strategy.New(cfg.Harvest.Strategy, cfg.Harvest.MaxConcurrency, cfg.Harvest.CPUWorkers, a.logger.Named("strategy")); err != nil {
		return fmt.Errorf("init strategy: %w", err)
	}
	a.extractor = extract.New(cfg.Selectors)
	a.fs = local.NewFileSystem()
	return nil
}

func (a *App) openLedger(ctx context.Context) error {
	if a.cfg.Ledger.DSN == "" {
		a.logger.Info("using in-memory ledger")
		a.ledger = memory.NewLedger()
		return nil
	}
	a.logger.Info("connecting to postgres ledger", zap.String("table", a.cfg.Ledger.Table))
	ledger, err := postgres.New(ctx, postgres.Config{
		DSN:      a.cfg.Ledger.DSN,
		Table:    a.cfg.Ledger.Table,
		MaxConns: a.cfg.Ledger.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.addCloser("ledger", func(context.Context) error {
		ledger.Close()
		return nil
	})
	if a.cfg.Ledger.EnsureSchema {
		if err := ledger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	a.ledger = ledger
	return nil
}

func (a *App) openMirror(ctx context.Context) error {
	switch {
	case a.cfg.Mirror.GCSBucket != "":
		a.logger.Info("mirroring to gcs", zap.String("bucket", a.cfg.Mirror.GCSBucket))
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Mirror.GCSBucket, Endpoint: a.cfg.Mirror.GCSEndpoint})
		if err != nil {
			return fmt.Errorf("open gcs mirror: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return store.Close() })
		a.mirror = store
	case a.cfg.Mirror.LocalDir != "":
		a.logger.Info("mirroring to local directory", zap.String("dir", a.cfg.Mirror.LocalDir))
		m, err := local.NewMirror(local.Config{BaseDir: a.cfg.Mirror.LocalDir})
		if err != nil {
			return fmt.Errorf("open local mirror: %w", err)
		}
		a.mirror = m
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	if a.cfg.Notify.Topic == "" {
		return nil
	}
	a.logger.Info("connecting to pub/sub", zap.String("topic", a.cfg.Notify.Topic))
	pub, err := pubsubpublisher.Open(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.publisher = pub
	return nil
}

func (a *App) startProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	a.events = api.NewEventLog(eventLogCapacity)
	a.hub = progress.NewHub(
		progress.Config{Logger: a.logger.Named("progress")},
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.events,
	)
	a.addCloser("progress", a.hub.Close)
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ledger returns the configured ledger.
func (a *App) Ledger() JobLedger {
	return a.ledger
}

// Events returns the in-process event log fed by the progress hub.
func (a *App) Events() *api.EventLog {
	return a.events
}

// NewOrchestrator wires one job onto the shared services.
func (a *App) NewOrchestrator(job harvest.Job) (*harvest.Orchestrator, error) {
	opts := []harvest.Option{
		harvest.WithLogger(a.logger.Named("harvest")),
		harvest.WithClock(system.New()),
		harvest.WithLedger(a.ledger),
		harvest.WithProgress(a.hub),
	}
	if a.mirror != nil {
		opts = append(opts, harvest.WithMirror(a.mirror, a.cfg.Mirror.Prefix))
	}
	if a.publisher != nil {
		opts = append(opts, harvest.WithPublisher(a.publisher, a.cfg.Notify.Topic))
	}
	return harvest.NewOrchestrator(job, a.strategy, harvest.Dependencies{
		Client:    a.client,
		Fetcher:   a.fetcher,
		Extractor: a.extractor,
		FS:        a.fs,
	}, opts...)
}

// RecordJob stores the summary of a finished job in the ledger.
func (a *App) RecordJob(ctx context.Context, summary harvest.Summary) error {
	return a.ledger.RecordJob(ctx, summary)
}

// StatusServer is the running operator HTTP endpoint.
type StatusServer struct {
	srv  *http.Server
	addr string
	done chan struct{}
}

// Addr returns the bound listen address.
func (s *StatusServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Shutdown stops the server gracefully. It is safe on a nil server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// StartStatusServer serves the operator API for status on the configured
// address. It returns nil when no address is configured.
func (a *App) StartStatusServer(status api.StatusSource, cancel context.CancelFunc) (*StatusServer, error) {
	if a.cfg.Status.Addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", a.cfg.Status.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Status.Addr, err)
	}
	handler := api.NewServer(status, a.events, cancel, api.Config{APIKey: a.cfg.Status.APIKey}, a.logger.Named("api"))
	s := &StatusServer{
		srv: &http.Server{
			Handler:           handler.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		a.logger.Info("status server started", zap.String("addr", s.addr))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	return s, nil
}

// Close shuts services down in reverse order of initialization.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down harvester services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
