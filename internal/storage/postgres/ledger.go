// Package postgres records harvest outcomes in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const defaultTable = "harvest_items"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes one row per finalized item and one row per finished job.
// Item rows are keyed by (job_id, dir), so re-recording an item updates it.
type Ledger struct {
	pool  execCloser
	table string
}

var _ harvest.Ledger = (*Ledger)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the item and job tables if they are missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id         TEXT        NOT NULL,
	dir            TEXT        NOT NULL,
	item_name      TEXT        NOT NULL,
	base_url       TEXT        NOT NULL,
	metadata_url   TEXT        NOT NULL,
	payload_url    TEXT        NOT NULL,
	status         TEXT        NOT NULL,
	kind           TEXT        NOT NULL DEFAULT '',
	error          TEXT        NOT NULL DEFAULT '',
	description    TEXT        NOT NULL DEFAULT '',
	payload_bytes  BIGINT      NOT NULL DEFAULT 0,
	payload_sha256 TEXT        NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, dir)
)`, l.table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_jobs (
	job_id      TEXT        PRIMARY KEY,
	state       TEXT        NOT NULL,
	pages       INTEGER     NOT NULL,
	discovered  INTEGER     NOT NULL,
	succeeded   INTEGER     NOT NULL,
	failed      INTEGER     NOT NULL,
	abort_kind  TEXT        NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`, l.table),
	}
	for _, stmt := range stmts {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// RecordItem upserts the row for rec.
func (l *Ledger) RecordItem(ctx context.Context, jobID string, rec harvest.ItemRecord) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	dir,
	item_name,
	base_url,
	metadata_url,
	payload_url,
	status,
	kind,
	error,
	description,
	payload_bytes,
	payload_sha256,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (job_id, dir) DO UPDATE SET
	status = EXCLUDED.status,
	kind = EXCLUDED.kind,
	error = EXCLUDED.error,
	description = EXCLUDED.description,
	payload_bytes = EXCLUDED.payload_bytes,
	payload_sha256 = EXCLUDED.payload_sha256,
	finished_at = EXCLUDED.finished_at`, l.table)

	errText := ""
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	args := []any{
		jobID,
		rec.Dir,
		rec.Ref.Name,
		rec.Ref.BaseURL,
		rec.MetadataURL,
		rec.PayloadURL,
		string(rec.Status),
		string(rec.Kind),
		errText,
		rec.Description,
		rec.PayloadBytes,
		rec.PayloadSHA256,
		rec.StartedAt,
		rec.FinishedAt,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert ledger item: %w", err)
	}
	return nil
}

// RecordJob upserts the job row for summary.
func (l *Ledger) RecordJob(ctx context.Context, summary harvest.Summary) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s_jobs (job_id, state, pages, discovered, succeeded, failed, abort_kind, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (job_id) DO UPDATE SET
	state = EXCLUDED.state,
	pages = EXCLUDED.pages,
	discovered = EXCLUDED.discovered,
	succeeded = EXCLUDED.succeeded,
	failed = EXCLUDED.failed,
	abort_kind = EXCLUDED.abort_kind,
	finished_at = EXCLUDED.finished_at`, l.table)
	args := []any{
		summary.JobID,
		string(summary.State),
		summary.Pages,
		summary.Discovered,
		summary.Succeeded,
		summary.Failed,
		string(summary.AbortKind),
		summary.StartedAt,
		summary.FinishedAt,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert ledger job: %w", err)
	}
	return nil
}
