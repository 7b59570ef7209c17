// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultListingURL is the advanced search listing of freely licensed photos.
const DefaultListingURL = "https://indafoto.hu/search/list?profile=main&sphinx=1&search=advanced" +
	"&textsearch=fulltext&textuser=&textmap=&textcompilation=&photo=&datefrom=&dateto=" +
	"&licence%5B1%5D=I1%3BI2%3BII1%3BII2&licence%5B2%5D=I1%3BI2%3BI3&page_offset={offset}"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CrawlConfig governs the page frontier and retry bound.
type CrawlConfig struct {
	ListingURL  string `mapstructure:"listing_url"`
	StartOffset int    `mapstructure:"start_offset"`
	Retry       bool   `mapstructure:"retry"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	LastPage    int    `mapstructure:"last_page"`

	// AuthorDetails reads each new author's profile page once.
	AuthorDetails bool `mapstructure:"author_details"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyMB      int    `mapstructure:"max_body_mb"`
}

// RateLimitConfig sets the global request floor.
type RateLimitConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
	JitterMs   int `mapstructure:"jitter_ms"`
}

// WorkersConfig sizes the download pool.
type WorkersConfig struct {
	Count      int `mapstructure:"count"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// StorageConfig selects where archived files live and how they are hashed.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	ArchiveRoot   string `mapstructure:"archive_root"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	HashAlgorithm string `mapstructure:"hash_algorithm"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig controls archive-submission bookkeeping.
type ArchiveConfig struct {
	SampleRate float64 `mapstructure:"sample_rate"`
}

// EventsConfig configures "image archived" notifications.
type EventsConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.listing_url", DefaultListingURL)
	v.SetDefault("crawl.start_offset", 0)
	v.SetDefault("crawl.retry", false)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.last_page", 15000)
	v.SetDefault("crawl.author_details", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15")
	v.SetDefault("http.max_body_mb", 64)
	v.SetDefault("rate_limit.interval_ms", 2000)
	v.SetDefault("rate_limit.jitter_ms", 500)
	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.archive_root", "archive")
	v.SetDefault("storage.hash_algorithm", "sha256")
	v.SetDefault("db.backend", "postgres")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("archive.sample_rate", 0.005)
	v.SetDefault("events.provider", "none")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !strings.Contains(c.Crawl.ListingURL, "{offset}") {
		return fmt.Errorf("crawl.listing_url must contain an {offset} placeholder")
	}
	if c.Crawl.StartOffset < 0 {
		return fmt.Errorf("crawl.start_offset must be >= 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Crawl.LastPage < 0 {
		return fmt.Errorf("crawl.last_page must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.IntervalMs < 0 || c.RateLimit.JitterMs < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Workers.QueueDepth <= 0 {
		return fmt.Errorf("workers.queue_depth must be > 0")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.ArchiveRoot == "" {
			return fmt.Errorf("storage.archive_root must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Storage.HashAlgorithm {
	case "sha256", "blake3":
	default:
		return fmt.Errorf("storage.hash_algorithm %q is not supported", c.Storage.HashAlgorithm)
	}
	switch c.DB.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("db.backend %q is not supported", c.DB.Backend)
	}
	if c.Archive.SampleRate < 0 || c.Archive.SampleRate > 1 {
		return fmt.Errorf("archive.sample_rate must be within [0, 1]")
	}
	switch c.Events.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("events.provider %q is not supported", c.Events.Provider)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// RequestTimeout is the per-request HTTP budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RateInterval is the minimum spacing between outbound requests.
func (c Config) RateInterval() time.Duration {
	return time.Duration(c.RateLimit.IntervalMs) * time.Millisecond
}

// RateJitter is the upper bound of the random delay added to RateInterval.
func (c Config) RateJitter() time.Duration {
	return time.Duration(c.RateLimit.JitterMs) * time.Millisecond
}

// ListingURL renders the listing template for a page offset.
func (c Config) ListingURL(offset int) string {
	return strings.ReplaceAll(c.Crawl.ListingURL, "{offset}", fmt.Sprint(offset))
}
