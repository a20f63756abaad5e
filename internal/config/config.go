// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	AI       AIConfig       `mapstructure:"ai"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Export   ExportConfig   `mapstructure:"export"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// CrawlerConfig governs orchestration and the HTTP fetcher.
type CrawlerConfig struct {
	Tier                  string   `mapstructure:"tier"`
	AdapterTimeoutSeconds int      `mapstructure:"adapter_timeout_seconds"`
	DelaySeconds          float64  `mapstructure:"delay_seconds"`
	Concurrency           int      `mapstructure:"concurrency"`
	UserAgent             string   `mapstructure:"user_agent"`
	HTTPTimeoutSeconds    int      `mapstructure:"http_timeout_seconds"`
	MaxRetries            int      `mapstructure:"max_retries"`
	IgnoreRobots          bool     `mapstructure:"ignore_robots"`
	DisabledSources       []string `mapstructure:"disabled_sources"`
}

// HeadlessConfig configures the browser launcher.
type HeadlessConfig struct {
	Enabled                  bool    `mapstructure:"enabled"`
	Headful                  bool    `mapstructure:"headful"`
	ManualVerify             bool    `mapstructure:"manual_verify"`
	StateDir                 string  `mapstructure:"state_dir"`
	NavTimeoutSeconds        int     `mapstructure:"nav_timeout_seconds"`
	QuiescenceTimeoutSeconds int     `mapstructure:"quiescence_timeout_seconds"`
	GraceDelaySeconds        int     `mapstructure:"grace_delay_seconds"`
	RenderQPS                float64 `mapstructure:"render_qps"`
}

// AIConfig selects the AI-assisted extraction backend.
type AIConfig struct {
	Provider       string `mapstructure:"provider"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	MaxMarkupBytes int    `mapstructure:"max_markup_bytes"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CatalogConfig points the resolver at its candidate sources.
type CatalogConfig struct {
	SnapshotPath   string   `mapstructure:"snapshot_path"`
	SecondaryPath  string   `mapstructure:"secondary_path"`
	ExportDir      string   `mapstructure:"export_dir"`
	ExportPatterns []string `mapstructure:"export_patterns"`
}

// ExportConfig controls the timestamped export artifacts.
type ExportConfig struct {
	Format string `mapstructure:"format"`
	Merge  bool   `mapstructure:"merge"`
	Prune  bool   `mapstructure:"prune"`
}

// StoreConfig selects the relational sink.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ArchiveConfig sets where snapshot copies are archived.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	Bucket string `mapstructure:"bucket"`
	Dir    string `mapstructure:"dir"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// LoadOption adjusts the Viper instance before the config is read.
type LoadOption func(*viper.Viper) error

// WithFlags binds command-line flags to config keys. Flags absent from fs
// are ignored; a flag set on the command line beats env, file and defaults.
func WithFlags(fs *pflag.FlagSet, keys map[string]string) LoadOption {
	return func(v *viper.Viper) error {
		for name, key := range keys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		return nil
	}
}

// Load builds a Config from disk/environment.
func Load(path string, opts ...LoadOption) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONCERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, err
		}
	}

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("crawler.tier", "all")
	v.SetDefault("crawler.adapter_timeout_seconds", 120)
	v.SetDefault("crawler.delay_seconds", 2)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("crawler.http_timeout_seconds", 15)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.ignore_robots", true)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.headful", false)
	v.SetDefault("headless.manual_verify", false)
	v.SetDefault("headless.state_dir", "state")
	v.SetDefault("headless.nav_timeout_seconds", 60)
	v.SetDefault("headless.quiescence_timeout_seconds", 10)
	v.SetDefault("headless.grace_delay_seconds", 5)
	v.SetDefault("headless.render_qps", 0.5)
	v.SetDefault("ai.provider", "none")
	v.SetDefault("ai.max_markup_bytes", 30000)
	v.SetDefault("ai.timeout_seconds", 60)
	v.SetDefault("catalog.snapshot_path", "concerts.json")
	v.SetDefault("catalog.secondary_path", "state/kktix_state.json")
	v.SetDefault("catalog.export_dir", "exports")
	v.SetDefault("catalog.export_patterns", []string{"concerts_*.json", "演唱會資訊彙整_*.json"})
	v.SetDefault("export.format", "json")
	v.SetDefault("export.merge", false)
	v.SetDefault("export.prune", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "data/concerts.db")
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Crawler.Tier {
	case "1", "2", "3", "all":
	default:
		return fmt.Errorf("crawler.tier must be one of 1, 2, 3, all")
	}
	if c.Crawler.AdapterTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.adapter_timeout_seconds must be > 0")
	}
	if c.Crawler.DelaySeconds < 0 {
		return fmt.Errorf("crawler.delay_seconds must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.http_timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.StateDir == "" {
		return fmt.Errorf("headless.state_dir must be set when headless is enabled")
	}
	switch c.AI.Provider {
	case "none", "":
	case "gemini", "anthropic":
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key must be set when ai.provider is %s", c.AI.Provider)
		}
	default:
		return fmt.Errorf("ai.provider must be one of gemini, anthropic, none")
	}
	if c.AI.MaxMarkupBytes <= 0 {
		return fmt.Errorf("ai.max_markup_bytes must be > 0")
	}
	switch c.Export.Format {
	case "json", "excel", "both", "none":
	default:
		return fmt.Errorf("export.format must be one of json, excel, both, none")
	}
	switch c.Store.Driver {
	case "none", "":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set when store.driver is sqlite")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver must be one of sqlite, postgres, none")
	}
	switch c.Archive.Driver {
	case "none", "":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.driver is gcs")
		}
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.driver is local")
		}
	default:
		return fmt.Errorf("archive.driver must be one of gcs, local, none")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Interactive reports whether renders wait on an operator in a visible window.
func (h HeadlessConfig) Interactive() bool {
	return h.Enabled && h.Headful && h.ManualVerify
}

// AdapterTimeout returns the per-adapter wall-clock bound.
func (c Config) AdapterTimeout() time.Duration {
	return time.Duration(c.Crawler.AdapterTimeoutSeconds) * time.Second
}

// Delay returns the pause between adapters.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds * float64(time.Second))
}

// HTTPTimeout returns the per-request budget for the HTTP fetcher.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Crawler.HTTPTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
