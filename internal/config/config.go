// Package config initializes the application's configuration. It uses
// Viper to read settings from a config file and environment variables,
// providing a unified configuration system.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed view of everything the leecher reads from Viper.
type Config struct {
	Development bool `mapstructure:"development"`

	Leech      LeechConfig      `mapstructure:"leech"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	API        APIConfig        `mapstructure:"api"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// SourceConfig registers one upstream source and the series to mirror
// from it. Sources and series are upserted into the progress store at
// startup.
type SourceConfig struct {
	Name          string         `mapstructure:"name"`
	BaseURL       string         `mapstructure:"base_url"`
	RatePerMinute int            `mapstructure:"rate_per_minute"`
	Series        []SeriesConfig `mapstructure:"series"`
}

// SeriesConfig is one tracked series.
type SeriesConfig struct {
	Title string `mapstructure:"title"`
	URL   string `mapstructure:"url"`
}

// LeechConfig controls the orchestrator's concurrency and policy knobs.
type LeechConfig struct {
	ChapterConcurrency int `mapstructure:"chapter_concurrency"`
	ImageConcurrency   int `mapstructure:"image_concurrency"`
	// DefaultRatePerMinute applies when a source row carries no rate budget.
	DefaultRatePerMinute int  `mapstructure:"default_rate_per_minute"`
	RevalidateCompleted  bool `mapstructure:"revalidate_completed"`
	Normalize            bool `mapstructure:"normalize"`
	RetryPending         bool `mapstructure:"retry_pending"`
}

// HTTPConfig controls the pooled per-source clients and retry policy.
type HTTPConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// NormalizerConfig controls the canonical image encoding.
type NormalizerConfig struct {
	Quality      int `mapstructure:"quality"`
	MaxDimension int `mapstructure:"max_dimension"`
}

// ExtractorConfig controls the headless fallback for JS-heavy sources.
type ExtractorConfig struct {
	HeadlessEnabled     bool          `mapstructure:"headless_enabled"`
	HeadlessTimeout     time.Duration `mapstructure:"headless_timeout"`
	HeadlessConcurrency int           `mapstructure:"headless_concurrency"`
	HeadlessDomainQPS   float64       `mapstructure:"headless_domain_qps"`
}

// StorageConfig selects and configures the blob sink.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	Local    struct {
		BaseDir string `mapstructure:"base_dir"`
	} `mapstructure:"local"`
	GCS struct {
		Bucket    string `mapstructure:"bucket"`
		PublicURL string `mapstructure:"public_url"`
	} `mapstructure:"gcs"`
}

// DatabaseConfig selects and configures the progress store.
type DatabaseConfig struct {
	Provider string `mapstructure:"provider"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
}

// PublisherConfig selects and configures the completion event publisher.
type PublisherConfig struct {
	Provider string `mapstructure:"provider"`
	Topic    string `mapstructure:"topic"`
	PubSub   struct {
		ProjectID string `mapstructure:"project_id"`
	} `mapstructure:"pubsub"`
}

// APIConfig controls the admin/trigger HTTP surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Init sets defaults, search paths, and environment binding. Call once
// at startup before Load.
func Init(v *viper.Viper) {
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mangaleech/")
	v.AddConfigPath("$HOME/.mangaleech")

	v.SetDefault("development", false)

	v.SetDefault("leech.chapter_concurrency", 2)
	v.SetDefault("leech.image_concurrency", 15)
	v.SetDefault("leech.default_rate_per_minute", 20)
	v.SetDefault("leech.revalidate_completed", false)
	v.SetDefault("leech.normalize", true)
	v.SetDefault("leech.retry_pending", false)

	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_base", "500ms")
	v.SetDefault("http.backoff_max", "10s")
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	v.SetDefault("normalizer.quality", 85)
	v.SetDefault("normalizer.max_dimension", 16383)

	v.SetDefault("extractor.headless_enabled", false)
	v.SetDefault("extractor.headless_timeout", "15s")
	v.SetDefault("extractor.headless_concurrency", 1)
	v.SetDefault("extractor.headless_domain_qps", 0.5)

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local.base_dir", "manga_storage")

	v.SetDefault("database.provider", "memory")

	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("publisher.topic", "chapter-events")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetEnvPrefix("MANGALEECH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file (if any) and unmarshals the typed Config.
// A missing config file is not an error; defaults and environment
// variables still apply.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Leech.ChapterConcurrency <= 0 {
		return fmt.Errorf("leech.chapter_concurrency must be positive")
	}
	if c.Leech.ImageConcurrency <= 0 {
		return fmt.Errorf("leech.image_concurrency must be positive")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be positive")
	}
	if c.Normalizer.Quality < 1 || c.Normalizer.Quality > 100 {
		return fmt.Errorf("normalizer.quality must be in 1..100")
	}
	switch c.Storage.Provider {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	switch c.Database.Provider {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database provider: %s", c.Database.Provider)
	}
	switch c.Publisher.Provider {
	case "pubsub", "memory", "noop":
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[].name is required")
		}
		for _, sr := range src.Series {
			if sr.URL == "" {
				return fmt.Errorf("sources[%s].series[].url is required", src.Name)
			}
		}
	}
	return nil
}
