package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	"github.com/JakeFAU/catalog-harvester/internal/strategy"
)

const (
	defaultMetadataSuffix = "stats/"
	defaultPayloadSuffix  = ".txt"
)

// ItemHarvesterConfig configures an ItemHarvester.
type ItemHarvesterConfig struct {
	RootPath       string
	MetadataSuffix string
	PayloadSuffix  string
	// Parser runs description extraction when set. Nil parses inline.
	Parser strategy.Runner
}

// ItemHarvester fetches and persists one item at a time. It holds no per-item
// state and is safe for concurrent use.
type ItemHarvester struct {
	fetcher   ResourceFetcher
	extractor Extractor
	fs        FileSystem
	clock     Clock
	cfg       ItemHarvesterConfig
	logger    *zap.Logger
}

// NewItemHarvester wires an ItemHarvester.
func NewItemHarvester(
	cfg ItemHarvesterConfig,
	fetcher ResourceFetcher,
	extractor Extractor,
	fsys FileSystem,
	clock Clock,
	logger *zap.Logger,
) (*ItemHarvester, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case extractor == nil:
		return nil, errors.New("extractor is required")
	case fsys == nil:
		return nil, errors.New("filesystem is required")
	case cfg.RootPath == "":
		return nil, errors.New("root path is required")
	}
	if cfg.MetadataSuffix == "" {
		cfg.MetadataSuffix = defaultMetadataSuffix
	}
	if cfg.PayloadSuffix == "" {
		cfg.PayloadSuffix = defaultPayloadSuffix
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemHarvester{
		fetcher:   fetcher,
		extractor: extractor,
		fs:        fsys,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Harvest fetches the metadata page and payload of ref and commits
// about.txt and result.txt into the item directory. Failures are reported
// in the returned record and never as a panic or a partial file.
func (h *ItemHarvester) Harvest(ctx context.Context, ref ItemReference) ItemRecord {
	rec := ItemRecord{
		Ref:       ref,
		Dir:       filepath.Join(h.cfg.RootPath, DirName(ref.Name)),
		Status:    StatusPending,
		StartedAt: h.clock.Now(),
	}
	err := h.harvest(ctx, &rec)
	rec.FinishedAt = h.clock.Now()
	if err != nil {
		rec.Status = StatusFailed
		rec.Kind = KindOf(err)
		rec.Err = err
		h.logger.Warn("item failed",
			zap.String("item", ref.Name),
			zap.String("kind", string(rec.Kind)),
			zap.Error(err),
		)
		return rec
	}
	rec.Status = StatusSucceeded
	h.logger.Debug("item dumped",
		zap.String("item", ref.Name),
		zap.Int64("bytes", rec.PayloadBytes),
		zap.Duration("elapsed", rec.FinishedAt.Sub(rec.StartedAt)),
	)
	return rec
}

func (h *ItemHarvester) harvest(ctx context.Context, rec *ItemRecord) error {
	var err error
	if rec.MetadataURL, err = ResolveURL(rec.Ref.BaseURL, h.cfg.MetadataSuffix); err != nil {
		return err
	}
	if rec.PayloadURL, err = ResolveURL(rec.Ref.BaseURL, h.cfg.PayloadSuffix); err != nil {
		return err
	}

	if err := h.fs.CreateDirExclusive(rec.Dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &DuplicateItemError{Name: rec.Ref.Name, Dir: rec.Dir}
		}
		return fmt.Errorf("create item directory: %w", err)
	}

	result, err := h.fs.Stage(rec.Dir, ResultFileName)
	if err != nil {
		return err
	}
	defer discard(result, h.logger)
	payload := sha256.NewWriter(result)

	var meta *Response
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := h.fetcher.Fetch(gctx, rec.MetadataURL)
		if err != nil {
			return err
		}
		meta = resp
		return nil
	})
	g.Go(func() error {
		_, err := h.fetcher.Download(gctx, rec.PayloadURL, payload)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	rec.PayloadBytes = payload.Len()
	rec.PayloadSHA256 = payload.Sum()

	description, err := h.describe(ctx, meta.Body)
	if err != nil {
		return fmt.Errorf("extract description: %w", err)
	}
	rec.Description = description

	about, err := h.fs.Stage(rec.Dir, AboutFileName)
	if err != nil {
		return err
	}
	defer discard(about, h.logger)
	if _, err := io.WriteString(about, AboutText(rec.Ref.BaseURL, description)); err != nil {
		return fmt.Errorf("write %s: %w", AboutFileName, err)
	}

	if err := result.Commit(); err != nil {
		return err
	}
	if err := about.Commit(); err != nil {
		if rmErr := h.fs.Remove(result.Path()); rmErr != nil {
			h.logger.Error("remove orphaned payload", zap.String("path", result.Path()), zap.Error(rmErr))
		}
		return err
	}
	return nil
}

func (h *ItemHarvester) describe(ctx context.Context, body []byte) (string, error) {
	parse := func(context.Context) (string, error) {
		description, _, err := h.extractor.AboutExcerpt(body)
		return description, err
	}
	if h.cfg.Parser == nil {
		return parse(ctx)
	}
	res := strategy.RunAll(ctx, h.cfg.Parser, []func(context.Context) (string, error){parse})[0]
	return res.Value, res.Err
}

// AboutText renders the about.txt content.
func AboutText(baseURL, description string) string {
	return "URL - " + baseURL + "\n" + description
}

func discard(f StagedFile, logger *zap.Logger) {
	if err := f.Discard(); err != nil {
		logger.Warn("discard staged file", zap.String("path", f.Path()), zap.Error(err))
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
