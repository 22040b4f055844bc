package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
harvest:
  site_base: https://mirror.example.com/
  tag: GURPS
  root_path: /data/gurps
  max_concurrency: 16
  strategy: Hybrid
  cpu_workers: 3
retry:
  max_attempts: 7
  delay: 250ms
  backoff: exponential
  max_delay: 4s
http:
  user_agent: test-agent
  request_timeout: 12s
  requests_per_second: 2.5
  burst: 3
  respect_robots: true
selectors:
  about_excerpt: p.summary
ledger:
  dsn: postgres://localhost/harvest
mirror:
  gcs_bucket: harvest-bucket
notify:
  project_id: proj
  topic: items
status:
  addr: ":9090"
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Harvest.SiteBase != "https://mirror.example.com/" || cfg.Harvest.Tag != "GURPS" {
		t.Fatalf("expected harvest overrides to apply: %+v", cfg.Harvest)
	}
	if cfg.Harvest.Strategy != "hybrid" || cfg.Harvest.CPUWorkers != 3 {
		t.Fatalf("expected normalized hybrid strategy, got %+v", cfg.Harvest)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.Delay != 250*time.Millisecond || cfg.Retry.MaxDelay != 4*time.Second {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if cfg.HTTP.RequestTimeout != 12*time.Second || cfg.HTTP.RequestsPerSecond != 2.5 || !cfg.HTTP.RespectRobots {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Selectors.AboutExcerpt != "p.summary" || cfg.Selectors.ItemList != extract.DefaultSelectors().ItemList {
		t.Fatalf("expected selectors merged with defaults: %+v", cfg.Selectors)
	}
	if cfg.Ledger.Table != "harvest_items" || !cfg.Ledger.EnsureSchema {
		t.Fatalf("expected ledger defaults to survive: %+v", cfg.Ledger)
	}
	if cfg.Mirror.Prefix != "harvests" || cfg.Status.Addr != ":9090" || cfg.Logging.Development {
		t.Fatalf("unexpected mirror/status/logging: %+v %+v %+v", cfg.Mirror, cfg.Status, cfg.Logging)
	}
	if got := cfg.RootPath(time.Now()); got != "/data/gurps" {
		t.Fatalf("expected configured root path, got %q", got)
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy() error = %v", err)
	}
	if _, ok := policy.(*harvest.ExponentialRetryPolicy); !ok || policy.MaxAttempts() != 7 {
		t.Fatalf("expected exponential policy with 7 attempts, got %T", policy)
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("HARVESTER_HARVEST_TAG", "Call of Cthulhu")
	t.Setenv("HARVESTER_HARVEST_STRATEGY", "cooperative")
	t.Setenv("HARVESTER_RETRY_MAX_ATTEMPTS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Harvest.Tag != "Call of Cthulhu" || cfg.Retry.MaxAttempts != 2 {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Harvest, cfg.Retry)
	}
	if cfg.Harvest.SiteBase != "https://translatedby.com/" || cfg.Harvest.MaxConcurrency != 8 {
		t.Fatalf("expected defaults, got %+v", cfg.Harvest)
	}
	if cfg.Retry.Delay != time.Second || cfg.HTTP.RequestTimeout != 30*time.Second {
		t.Fatalf("expected duration defaults, got %+v %+v", cfg.Retry, cfg.HTTP)
	}

	now := time.Date(2024, 3, 9, 15, 4, 5, 0, time.UTC)
	if got := cfg.RootPath(now); got != "Call of Cthulhu_2024-03-09_cooperative" {
		t.Fatalf("unexpected default root %q", got)
	}
	job := cfg.Job("job-1", now)
	if job.ID != "job-1" || job.RootPath != "Call of Cthulhu_2024-03-09_cooperative" || job.MaxConcurrency != 8 {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("job.Validate() error = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Harvest: HarvestConfig{
			SiteBase:       "https://translatedby.com/",
			Tag:            "GURPS",
			MaxConcurrency: 4,
			Strategy:       "pool",
		},
		Retry:     RetryConfig{MaxAttempts: 5},
		HTTP:      HTTPConfig{RequestTimeout: time.Second},
		Selectors: extract.DefaultSelectors(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config must be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing tag", func(c *Config) { c.Harvest.Tag = " " }, "harvest.tag"},
		{"relative site", func(c *Config) { c.Harvest.SiteBase = "/you/" }, "harvest.site_base"},
		{"unbounded concurrency", func(c *Config) { c.Harvest.MaxConcurrency = 0 }, "harvest.max_concurrency"},
		{"unknown strategy", func(c *Config) { c.Harvest.Strategy = "processes" }, "harvest.strategy"},
		{"negative cpu workers", func(c *Config) { c.Harvest.CPUWorkers = -1 }, "harvest.cpu_workers"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"negative delay", func(c *Config) { c.Retry.Delay = -time.Second }, "retry.delay"},
		{"no timeout", func(c *Config) { c.HTTP.RequestTimeout = 0 }, "http.request_timeout"},
		{"negative rps", func(c *Config) { c.HTTP.RequestsPerSecond = -1 }, "http.requests_per_second"},
		{"empty selector", func(c *Config) { c.Selectors.ItemLink = "" }, "item_link"},
		{"empty entry selector", func(c *Config) { c.Selectors.ItemEntry = "" }, "item_entry"},
		{"two mirrors", func(c *Config) { c.Mirror.GCSBucket, c.Mirror.LocalDir = "b", "/tmp/m" }, "mutually exclusive"},
		{"topic without project", func(c *Config) { c.Notify.Topic = "items" }, "notify.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
