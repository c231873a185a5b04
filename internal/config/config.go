// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Headless HeadlessConfig `mapstructure:"headless"`
	DB       DBConfig       `mapstructure:"db"`
	Citation CitationConfig `mapstructure:"citation"`
	Blob     BlobConfig     `mapstructure:"blob"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Search   SearchConfig   `mapstructure:"search"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs the content-fetch fallback chain.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	DirectTimeoutSec int    `mapstructure:"direct_timeout_seconds"`
	ProbeTimeoutSec  int    `mapstructure:"probe_timeout_seconds"`
	ArchivePrefix    string `mapstructure:"archive_prefix"`
}

// HeadlessConfig configures the chromedp rendering stage.
type HeadlessConfig struct {
	MaxParallel   int     `mapstructure:"max_parallel"`
	NavTimeoutSec int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS     float64 `mapstructure:"domain_qps"`
}

// DBConfig controls the Postgres connection pool.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// CitationConfig tunes the publisher trust scorer.
type CitationConfig struct {
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

// BlobConfig sets the archive location for fetched raw content.
type BlobConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for score-change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LLMConfig configures the external query-suggestion collaborator.
type LLMConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// SearchConfig points at the metasearch backend used for claim
// evidence discovery. Empty endpoint disables the search-map surface.
type SearchConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	MaxPerClaim int    `mapstructure:"max_per_claim"`
}

// LoggingConfig toggles zap development features and the production
// log level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VERIWEB")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("fetch.direct_timeout_seconds", 10)
	v.SetDefault("fetch.probe_timeout_seconds", 5)
	v.SetDefault("fetch.archive_prefix", "https://web.archive.org/web/")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.domain_qps", 1.0)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("citation.cache_ttl_minutes", 15)
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("search.max_per_claim", 8)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.DirectTimeoutSec <= 0 {
		return fmt.Errorf("fetch.direct_timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Headless.NavTimeoutSec <= 0 {
		return fmt.Errorf("headless.nav_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// DirectTimeout returns the direct-fetch stage timeout as a duration.
func (c Config) DirectTimeout() time.Duration {
	return time.Duration(c.Fetch.DirectTimeoutSec) * time.Second
}

// NavTimeout returns the headless navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
