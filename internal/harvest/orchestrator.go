package harvest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/strategy"
)

// State is a step of the harvest state machine.
type State string

// Orchestrator states. Summarized and Aborted are terminal.
const (
	StateIdle            State = "idle"
	StateChecking        State = "checking"
	StateRootCreated     State = "root_created"
	StatePagesEnumerated State = "pages_enumerated"
	StateItemsEnumerated State = "items_enumerated"
	StateHarvesting      State = "harvesting"
	StateSummarized      State = "summarized"
	StateAborted         State = "aborted"
)

const (
	defaultSinkTimeout    = 30 * time.Second
	notificationSchemaVer = 1
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSummarized || s == StateAborted
}

// ItemFailure describes one failed item in a Summary.
type ItemFailure struct {
	Name string
	Dir  string
	Kind Kind
	Err  error
}

// Summary is the outcome of a run. An aborted run carries the counts reached
// before the abort.
type Summary struct {
	JobID      string
	State      State
	Pages      int
	Discovered int
	Succeeded  int
	Failed     int
	Skipped    int // never started because the run was canceled
	Failures   []ItemFailure
	Records    []ItemRecord // in page order, then in-page order
	AbortKind  Kind
	AbortCause error
	StartedAt  time.Time
	FinishedAt time.Time
	Elapsed    time.Duration
}

// Snapshot is a point-in-time view of a running job.
type Snapshot struct {
	JobID      string        `json:"job_id"`
	State      State         `json:"state"`
	Strategy   string        `json:"strategy"`
	Root       string        `json:"root"`
	Pages      int64         `json:"pages"`
	Discovered int64         `json:"discovered"`
	Completed  int64         `json:"completed"`
	Succeeded  int64         `json:"succeeded"`
	Failed     int64         `json:"failed"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// ItemNotification is the message published for every finalized item.
type ItemNotification struct {
	SchemaVersion int       `json:"schema_version"`
	JobID         string    `json:"job_id"`
	Item          string    `json:"item"`
	BaseURL       string    `json:"base_url"`
	Dir           string    `json:"dir"`
	Status        string    `json:"status"`
	Kind          string    `json:"kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	PayloadBytes  int64     `json:"payload_bytes"`
	PayloadSHA256 string    `json:"payload_sha256,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Dependencies are the capabilities an Orchestrator drives.
type Dependencies struct {
	// Client performs the single unretried reachability check.
	Client    Client
	Fetcher   ResourceFetcher
	Extractor Extractor
	FS        FileSystem
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLedger records every finalized item in l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithMirror uploads the files of every succeeded item to b under prefix.
func WithMirror(b BlobStore, prefix string) Option {
	return func(o *Orchestrator) {
		o.mirror = b
		o.mirrorPrefix = prefix
	}
}

// WithPublisher publishes an ItemNotification per finalized item to topic.
func WithPublisher(p Publisher, topic string) Option {
	return func(o *Orchestrator) {
		o.publisher = p
		o.topic = topic
	}
}

// WithProgress emits lifecycle events to e.
func WithProgress(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.progress = e }
}

// WithSinkTimeout bounds each ledger, mirror and publish call.
func WithSinkTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sinkTimeout = d
		}
	}
}

// Orchestrator runs one harvest job through its state machine. Run may be
// called once; State and Snapshot are safe to call from other goroutines.
type Orchestrator struct {
	job        Job
	strategy   strategy.Strategy
	client     Client
	fs         FileSystem
	enumerator *Enumerator
	harvester  *ItemHarvester
	clock      Clock
	logger     *zap.Logger

	ledger       Ledger
	mirror       BlobStore
	mirrorPrefix string
	publisher    Publisher
	topic        string
	progress     progress.Emitter
	sinkTimeout  time.Duration

	mu        sync.RWMutex
	state     State
	startedAt time.Time
	started   atomic.Bool

	pages      atomic.Int64
	discovered atomic.Int64
	completed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
}

// NewOrchestrator validates job and wires the pipeline.
func NewOrchestrator(job Job, strat strategy.Strategy, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if strat.IO == nil {
		return nil, errors.New("execution strategy is required")
	}
	if deps.Client == nil {
		return nil, errors.New("http client is required")
	}
	if job.ID == "" {
		job.ID = filepath.Base(job.RootPath)
	}
	o := &Orchestrator{
		job:         job,
		strategy:    strat,
		client:      deps.Client,
		fs:          deps.FS,
		clock:       systemClock{},
		logger:      zap.NewNop(),
		state:       StateIdle,
		sinkTimeout: defaultSinkTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	enumerator, err := NewEnumerator(deps.Fetcher, deps.Extractor, job.SiteBase, job.PageParam, o.logger.Named("enumerator"))
	if err != nil {
		return nil, err
	}
	harvester, err := NewItemHarvester(ItemHarvesterConfig{
		RootPath:       job.RootPath,
		MetadataSuffix: job.MetadataSuffix,
		PayloadSuffix:  job.PayloadSuffix,
		Parser:         strat.CPU,
	}, deps.Fetcher, deps.Extractor, deps.FS, o.clock, o.logger.Named("item"))
	if err != nil {
		return nil, err
	}
	o.enumerator = enumerator
	o.harvester = harvester
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns the current progress counters.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	state, startedAt := o.state, o.startedAt
	o.mu.RUnlock()
	snap := Snapshot{
		JobID:      o.job.ID,
		State:      state,
		Strategy:   o.strategy.Name(),
		Root:       o.job.RootPath,
		Pages:      o.pages.Load(),
		Discovered: o.discovered.Load(),
		Completed:  o.completed.Load(),
		Succeeded:  o.succeeded.Load(),
		Failed:     o.failed.Load(),
		StartedAt:  startedAt,
	}
	if !startedAt.IsZero() {
		snap.Elapsed = o.clock.Now().Sub(startedAt)
	}
	return snap
}

// Run executes the job. The returned error is non-nil exactly when the run
// ends Aborted; the Summary is always populated.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if !o.started.CompareAndSwap(false, true) {
		return Summary{JobID: o.job.ID, State: o.State()}, errors.New("orchestrator already ran")
	}
	start := o.clock.Now()
	o.mu.Lock()
	o.startedAt = start
	o.mu.Unlock()
	o.emit(progress.Event{Stage: progress.StageJobStart, URL: o.job.SiteBase})
	o.logger.Info("harvest started",
		zap.String("job_id", o.job.ID),
		zap.String("root", o.job.RootPath),
		zap.String("strategy", o.strategy.Name()),
	)

	records, errs, err := o.run(ctx)
	summary := o.summarize(start, records, errs)
	if err != nil {
		summary.State = StateAborted
		summary.AbortKind = KindOf(err)
		summary.AbortCause = err
		o.setState(StateAborted)
		o.emit(progress.Event{Stage: progress.StageJobAbort, Kind: string(summary.AbortKind), Dur: summary.Elapsed, Note: err.Error()})
		o.logger.Error("harvest aborted", append(summary.Fields(), zap.Error(err))...)
	} else {
		summary.State = StateSummarized
		o.setState(StateSummarized)
		o.emit(progress.Event{Stage: progress.StageJobDone, Total: int64(summary.Discovered), Dur: summary.Elapsed})
		o.logger.Info("harvest done", summary.Fields()...)
	}
	metrics.ObserveJob(string(summary.State), summary.Elapsed)
	return summary, err
}

func (o *Orchestrator) run(ctx context.Context) ([]ItemRecord, []error, error) {
	o.setState(StateChecking)
	if err := o.check(ctx); err != nil {
		return nil, nil, err
	}

	if err := o.fs.CreateDirExclusive(o.job.RootPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrRootAlreadyExists, o.job.RootPath)
		}
		return nil, nil, fmt.Errorf("create root: %w", err)
	}
	o.setState(StateRootCreated)

	tagURL, err := o.job.TagURL()
	if err != nil {
		return nil, nil, err
	}
	pages, err := o.enumerator.DiscoverPages(ctx, tagURL)
	if err != nil {
		return nil, nil, fmt.Errorf("discover pages: %w", err)
	}
	o.pages.Store(int64(len(pages)))
	o.setState(StatePagesEnumerated)
	o.logger.Debug("found pages", zap.Int("pages", len(pages)))

	refs, err := o.listItems(ctx, pages)
	if err != nil {
		return nil, nil, err
	}
	o.discovered.Store(int64(len(refs)))
	o.setState(StateItemsEnumerated)
	o.logger.Debug("found items", zap.Int("items", len(refs)))

	o.setState(StateHarvesting)
	records := make([]ItemRecord, len(refs))
	tasks := make([]strategy.Task, len(refs))
	for i, ref := range refs {
		tasks[i] = func(ctx context.Context) error {
			rec := o.harvester.Harvest(ctx, ref)
			records[i] = rec
			o.afterItem(ctx, rec)
			return rec.Err
		}
	}
	errs := o.strategy.IO.Run(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return records, errs, fmt.Errorf("harvest items: %w", err)
	}
	return records, errs, nil
}

// check requests the site once, without retries, then verifies the root is
// absent. It has no side effects.
func (o *Orchestrator) check(ctx context.Context) error {
	resp, err := o.client.Get(ctx, o.job.SiteBase)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("site check: %w", ctxErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrSiteUnavailable, o.job.SiteBase, err)
	}
	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("%w: %w", ErrSiteUnavailable, &StatusError{URL: o.job.SiteBase, StatusCode: resp.StatusCode})
	}
	exists, err := o.fs.Exists(o.job.RootPath)
	if err != nil {
		return fmt.Errorf("root check: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRootAlreadyExists, o.job.RootPath)
	}
	o.logger.Debug("checks passed")
	return nil
}

// listItems lists every page and concatenates the items in page order. With a
// CPU runner, pages are fetched on the I/O runner and parsed on the CPU runner.
func (o *Orchestrator) listItems(ctx context.Context, pages []IndexPage) ([]ItemReference, error) {
	var perPage []strategy.Result[[]ItemReference]
	if o.strategy.CPU == nil {
		fns := make([]func(context.Context) ([]ItemReference, error), len(pages))
		for i, p := range pages {
			fns[i] = func(ctx context.Context) ([]ItemReference, error) {
				return o.enumerator.ListItems(ctx, p)
			}
		}
		perPage = strategy.RunAll(ctx, o.strategy.IO, fns)
	} else {
		fetchFns := make([]func(context.Context) (*Response, error), len(pages))
		for i, p := range pages {
			fetchFns[i] = func(ctx context.Context) (*Response, error) {
				return o.enumerator.fetcher.Fetch(ctx, p.URL)
			}
		}
		fetched := strategy.RunAll(ctx, o.strategy.IO, fetchFns)
		for i, r := range fetched {
			if r.Err != nil {
				return nil, fmt.Errorf("list page %d: %w", pages[i].Number, r.Err)
			}
		}
		parseFns := make([]func(context.Context) ([]ItemReference, error), len(pages))
		for i, p := range pages {
			resp := fetched[i].Value
			parseFns[i] = func(context.Context) ([]ItemReference, error) {
				return o.enumerator.ParseItems(p, resp)
			}
		}
		perPage = strategy.RunAll(ctx, o.strategy.CPU, parseFns)
	}

	var refs []ItemReference
	for i, r := range perPage {
		if r.Err != nil {
			return nil, fmt.Errorf("list page %d: %w", pages[i].Number, r.Err)
		}
		refs = append(refs, r.Value...)
	}
	return refs, nil
}

// afterItem updates counters and feeds the optional sinks. Sink failures are
// logged and never change the item's outcome.
func (o *Orchestrator) afterItem(ctx context.Context, rec ItemRecord) {
	o.completed.Add(1)
	dur := rec.FinishedAt.Sub(rec.StartedAt)
	if rec.Succeeded() {
		o.succeeded.Add(1)
		o.emit(progress.Event{Stage: progress.StageItemDone, Item: rec.Ref.Name, URL: rec.Ref.BaseURL, Bytes: rec.PayloadBytes, Dur: dur})
	} else {
		o.failed.Add(1)
		o.emit(progress.Event{Stage: progress.StageItemError, Item: rec.Ref.Name, URL: rec.Ref.BaseURL, Kind: string(rec.Kind), Dur: dur, Note: errString(rec.Err)})
	}

	if ctx.Err() != nil {
		return
	}
	if o.ledger != nil {
		sctx, cancel := context.WithTimeout(ctx, o.sinkTimeout)
		if err := o.ledger.RecordItem(sctx, o.job.ID, rec); err != nil {
			o.logger.Warn("ledger record failed", zap.String("item", rec.Ref.Name), zap.Error(err))
		}
		cancel()
	}
	if o.mirror != nil && rec.Succeeded() {
		o.mirrorItem(ctx, rec)
	}
	if o.publisher != nil {
		sctx, cancel := context.WithTimeout(ctx, o.sinkTimeout)
		if _, err := o.publisher.Publish(sctx, o.topic, o.notification(rec)); err != nil {
			o.logger.Warn("publish failed", zap.String("item", rec.Ref.Name), zap.Error(err))
		}
		cancel()
	}
}

func (o *Orchestrator) mirrorItem(ctx context.Context, rec ItemRecord) {
	for _, name := range []string{AboutFileName, ResultFileName} {
		key := path.Join(o.mirrorPrefix, filepath.Base(o.job.RootPath), filepath.Base(rec.Dir), name)
		if err := o.putFile(ctx, filepath.Join(rec.Dir, name), key); err != nil {
			o.logger.Warn("mirror upload failed", zap.String("item", rec.Ref.Name), zap.String("key", key), zap.Error(err))
			return
		}
	}
}

func (o *Orchestrator) putFile(ctx context.Context, src, key string) error {
	f, err := o.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sctx, cancel := context.WithTimeout(ctx, o.sinkTimeout)
	defer cancel()
	_, err = o.mirror.PutObject(sctx, key, "text/plain; charset=utf-8", f)
	return err
}

func (o *Orchestrator) notification(rec ItemRecord) ItemNotification {
	return ItemNotification{
		SchemaVersion: notificationSchemaVer,
		JobID:         o.job.ID,
		Item:          rec.Ref.Name,
		BaseURL:       rec.Ref.BaseURL,
		Dir:           rec.Dir,
		Status:        string(rec.Status),
		Kind:          string(rec.Kind),
		Error:         errString(rec.Err),
		PayloadBytes:  rec.PayloadBytes,
		PayloadSHA256: rec.PayloadSHA256,
		FinishedAt:    rec.FinishedAt,
	}
}

func (o *Orchestrator) summarize(start time.Time, records []ItemRecord, errs []error) Summary {
	finished := o.clock.Now()
	s := Summary{
		JobID:      o.job.ID,
		Pages:      int(o.pages.Load()),
		Discovered: len(records),
		Records:    records,
		StartedAt:  start,
		FinishedAt: finished,
		Elapsed:    finished.Sub(start),
	}
	for i, rec := range records {
		switch {
		case rec.Succeeded():
			s.Succeeded++
		case rec.Status == StatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, ItemFailure{Name: rec.Ref.Name, Dir: rec.Dir, Kind: rec.Kind, Err: rec.Err})
		case errs != nil && errs[i] != nil && !errors.Is(errs[i], context.Canceled) && !errors.Is(errs[i], context.DeadlineExceeded):
			// The task died before producing a record.
			s.Failed++
			s.Failures = append(s.Failures, ItemFailure{Kind: KindOf(errs[i]), Err: errs[i]})
		default:
			s.Skipped++
		}
	}
	return s
}

// Fields renders the summary for structured logging.
func (s Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", s.JobID),
		zap.String("state", string(s.State)),
		zap.Int("pages", s.Pages),
		zap.Int("discovered", s.Discovered),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Duration("elapsed", s.Elapsed),
	}
	if s.Skipped > 0 {
		fields = append(fields, zap.Int("skipped", s.Skipped))
	}
	if s.AbortKind != KindNone {
		fields = append(fields, zap.String("abort_kind", string(s.AbortKind)))
	}
	return fields
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	if !s.Terminal() {
		o.emit(progress.Event{Stage: progress.StagePhase, State: string(s), Total: o.discovered.Load()})
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.progress == nil {
		return
	}
	evt.JobID = o.job.ID
	evt.TS = o.clock.Now()
	o.progress.Emit(evt)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
