// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/strategy"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_HARVEST_TAG.
const EnvPrefix = "HARVESTER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Harvest   HarvestConfig     `mapstructure:"harvest"`
	Retry     RetryConfig       `mapstructure:"retry"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Selectors extract.Selectors `mapstructure:"selectors"`
	Ledger    LedgerConfig      `mapstructure:"ledger"`
	Mirror    MirrorConfig      `mapstructure:"mirror"`
	Notify    NotifyConfig      `mapstructure:"notify"`
	Status    StatusConfig      `mapstructure:"status"`
	Logging   LoggingConfig     `mapstructure:"logging"`
}

// HarvestConfig describes the job itself.
type HarvestConfig struct {
	SiteBase       string `mapstructure:"site_base"`
	Tag            string `mapstructure:"tag"`
	TagPath        string `mapstructure:"tag_path"`
	PageParam      string `mapstructure:"page_param"`
	RootPath       string `mapstructure:"root_path"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	Strategy       string `mapstructure:"strategy"`
	CPUWorkers     int    `mapstructure:"cpu_workers"`
	MetadataSuffix string `mapstructure:"metadata_suffix"`
	PayloadSuffix  string `mapstructure:"payload_suffix"`
}

// RetryConfig configures the retry budget of every fetch.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Backoff     string        `mapstructure:"backoff"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig configures the HTTP client and politeness.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// LedgerConfig controls the optional Postgres ledger. An empty DSN disables it.
type LedgerConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// MirrorConfig selects where committed item files are copied. At most one of
// GCSBucket and LocalDir may be set; neither disables mirroring.
type MirrorConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
}

// NotifyConfig holds Pub/Sub settings. An empty topic disables notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StatusConfig controls the operator HTTP server. An empty Addr disables it.
type StatusConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment using a fresh Viper instance.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith builds a Config from v, which may already carry bound flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Harvest.Strategy = strings.ToLower(strings.TrimSpace(cfg.Harvest.Strategy))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := extract.DefaultSelectors()
	v.SetDefault("harvest.site_base", "https://translatedby.com/")
	v.SetDefault("harvest.tag", "")
	v.SetDefault("harvest.tag_path", "you/tags/%s/")
	v.SetDefault("harvest.page_param", "page")
	v.SetDefault("harvest.root_path", "")
	v.SetDefault("harvest.max_concurrency", 8)
	v.SetDefault("harvest.strategy", strategy.NamePool)
	v.SetDefault("harvest.cpu_workers", 0)
	v.SetDefault("harvest.metadata_suffix", "stats/")
	v.SetDefault("harvest.payload_suffix", ".txt")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.backoff", harvest.BackoffFixed)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("http.user_agent", "catalog-harvester/0.1")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("selectors.pagination", def.Pagination)
	v.SetDefault("selectors.item_list", def.ItemList)
	v.SetDefault("selectors.item_entry", def.ItemEntry)
	v.SetDefault("selectors.item_link", def.ItemLink)
	v.SetDefault("selectors.about_block", def.AboutBlock)
	v.SetDefault("selectors.about_excerpt", def.AboutExcerpt)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "harvest_items")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.ensure_schema", true)
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.gcs_endpoint", "")
	v.SetDefault("mirror.local_dir", "")
	v.SetDefault("mirror.prefix", "harvests")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("status.addr", "")
	v.SetDefault("status.api_key", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Harvest.Tag) == "" {
		return fmt.Errorf("harvest.tag is required")
	}
	base, err := url.Parse(c.Harvest.SiteBase)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return fmt.Errorf("harvest.site_base must be an absolute URL, got %q", c.Harvest.SiteBase)
	}
	if c.Harvest.MaxConcurrency <= 0 {
		return fmt.Errorf("harvest.max_concurrency must be > 0")
	}
	switch c.Harvest.Strategy {
	case strategy.NameSequential, strategy.NameCooperative, strategy.NamePool, strategy.NameHybrid:
	default:
		return fmt.Errorf("harvest.strategy %q is not one of sequential, cooperative, pool, hybrid", c.Harvest.Strategy)
	}
	if c.Harvest.CPUWorkers < 0 {
		return fmt.Errorf("harvest.cpu_workers must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must be >= 0")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if err := c.Selectors.Validate(); err != nil {
		return fmt.Errorf("selectors: %w", err)
	}
	if c.Mirror.GCSBucket != "" && c.Mirror.LocalDir != "" {
		return fmt.Errorf("mirror.gcs_bucket and mirror.local_dir are mutually exclusive")
	}
	if c.Notify.Topic != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id is required when notify.topic is set")
	}
	return nil
}

// RootPath returns the configured root path or the default
// <tag>_<YYYY-MM-DD>_<strategy> name for the day of now.
func (c Config) RootPath(now time.Time) string {
	if p := strings.TrimSpace(c.Harvest.RootPath); p != "" {
		return p
	}
	return fmt.Sprintf("%s_%s_%s", harvest.DirName(c.Harvest.Tag), now.Format(time.DateOnly), c.Harvest.Strategy)
}

// Job converts the configuration into the job description for now.
func (c Config) Job(id string, now time.Time) harvest.Job {
	return harvest.Job{
		ID:             id,
		RootPath:       c.RootPath(now),
		SiteBase:       c.Harvest.SiteBase,
		Tag:            c.Harvest.Tag,
		TagPath:        c.Harvest.TagPath,
		PageParam:      c.Harvest.PageParam,
		MetadataSuffix: c.Harvest.MetadataSuffix,
		PayloadSuffix:  c.Harvest.PayloadSuffix,
		MaxConcurrency: c.Harvest.MaxConcurrency,
	}
}

// RetryPolicy builds the configured policy.
func (c Config) RetryPolicy() (harvest.RetryPolicy, error) {
	return harvest.NewRetryPolicy(c.Retry.Backoff, c.Retry.MaxAttempts, c.Retry.Delay, c.Retry.MaxDelay)
}
