// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Browser BrowserConfig `mapstructure:"browser"`
	Feed    FeedConfig    `mapstructure:"feed"`
	DB      DBConfig      `mapstructure:"db"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// IngestConfig describes what to ingest and how to partition it.
type IngestConfig struct {
	Keyword           string `mapstructure:"keyword"`
	Subreddit         string `mapstructure:"subreddit"`
	Start             string `mapstructure:"start"`
	End               string `mapstructure:"end"`
	WindowDays        int    `mapstructure:"window_days"`
	Concurrency       int    `mapstructure:"concurrency"`
	Reset             bool   `mapstructure:"reset"`
	MaxBodyLength     int    `mapstructure:"max_body_length"`
	MaxDiscoveryPages int    `mapstructure:"max_discovery_pages"`
	PageSize          int    `mapstructure:"page_size"`
	DryRun            bool   `mapstructure:"dry_run"`
}

// BrowserConfig controls browsing sessions.
type BrowserConfig struct {
	// Mode is "headless" (chromedp) or "static" (plain HTTP).
	Mode              string  `mapstructure:"mode"`
	UserAgent         string  `mapstructure:"user_agent"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	AuthorWaitSeconds int     `mapstructure:"author_wait_seconds"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
	Headless          bool    `mapstructure:"headless"`
	ExecPath          string  `mapstructure:"exec_path"`
}

// FeedConfig controls the syndication request.
type FeedConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ArchiveConfig selects where page snapshots go.
type ArchiveConfig struct {
	// Backend is "none", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for partition notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Option adjusts the Viper instance before unmarshalling.
type Option func(*viper.Viper) error

// WithFlags binds command-line flags onto config keys. Flags only override
// the file and environment when explicitly set.
func WithFlags(fs *pflag.FlagSet, bindings map[string]string) Option {
	return func(v *viper.Viper) error {
		for key, name := range bindings {
			flag := fs.Lookup(name)
			if flag == nil {
				return fmt.Errorf("bind %s: unknown flag --%s", key, name)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("bind %s: %w", key, err)
			}
		}
		return nil
	}
}

// Load builds a validated Config from disk/environment.
func Load(path string, opts ...Option) (Config, error) {
	cfg, err := Read(path, opts...)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read builds a Config without validating it, for commands that need only a
// subset of the settings.
func Read(path string, opts ...Option) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.start", "2005-05-23")
	v.SetDefault("ingest.end", "2024-11-07")
	v.SetDefault("ingest.window_days", 365)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.reset", false)
	v.SetDefault("ingest.max_body_length", 200)
	v.SetDefault("ingest.max_discovery_pages", 100)
	v.SetDefault("ingest.page_size", 10)
	v.SetDefault("ingest.dry_run", false)
	v.SetDefault("browser.mode", "headless")
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.author_wait_seconds", 5)
	v.SetDefault("browser.domain_qps", 0.5)
	v.SetDefault("browser.headless", true)
	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.endpoint", "https://news.google.com/rss/search")
	v.SetDefault("feed.timeout_seconds", 15)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.migrate", true)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Ingest.Keyword) == "" {
		return fmt.Errorf("ingest.keyword is required")
	}
	start, end, err := c.Range()
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("ingest.end must be after ingest.start")
	}
	if c.Ingest.WindowDays <= 0 {
		return fmt.Errorf("ingest.window_days must be > 0")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.Ingest.MaxDiscoveryPages <= 0 {
		return fmt.Errorf("ingest.max_discovery_pages must be > 0")
	}
	switch c.Browser.Mode {
	case "headless", "static":
	default:
		return fmt.Errorf("browser.mode must be headless or static, got %q", c.Browser.Mode)
	}
	if c.Browser.DomainQPS < 0 {
		return fmt.Errorf("browser.domain_qps must be >= 0")
	}
	if !c.Ingest.DryRun && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required unless ingest.dry_run is set")
	}
	switch c.Archive.Backend {
	case "none", "":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, local or gcs, got %q", c.Archive.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// Range parses the configured start and end dates.
func (c Config) Range() (time.Time, time.Time, error) {
	start, err := time.Parse(ingest.DateLayout, c.Ingest.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("ingest.start: %w", err)
	}
	end, err := time.Parse(ingest.DateLayout, c.Ingest.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("ingest.end: %w", err)
	}
	return start, end, nil
}

// Window returns the partition length.
func (c Config) Window() time.Duration {
	return time.Duration(c.Ingest.WindowDays) * 24 * time.Hour
}

// MinDelay converts the per-session QPS into the spacing between navigations.
func (c Config) MinDelay() time.Duration {
	if c.Browser.DomainQPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Browser.DomainQPS)
}

// NavTimeout returns the browser navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// AuthorWait returns the bounded wait for the author element.
func (c Config) AuthorWait() time.Duration {
	return time.Duration(c.Browser.AuthorWaitSeconds) * time.Second
}

// FeedTimeout returns the syndication request timeout.
func (c Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutSeconds) * time.Second
}
