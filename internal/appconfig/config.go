// Package appconfig loads process configuration for limiterctl and any
// future long-running host of the rate limiter: which table/region to talk
// to, how the config resolver's cache is sized, aggregator tuning, and the
// ambient logging/metrics settings. Every field has a default, so a fresh
// checkout runs with no config file at all; store.endpoint_url defaults to
// empty, which selects the regional AWS endpoint rather than a local
// DynamoDB.
package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration, unmarshaled from YAML/env via
// viper. Section names mirror the packages they configure.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Store      StoreConfig      `mapstructure:"store"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig holds process-identity fields, unrelated to any one component.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StoreConfig configures the DynamoDB-backed Repository.
type StoreConfig struct {
	TableName   string        `mapstructure:"table_name"`
	Region      string        `mapstructure:"region"`
	EndpointURL string        `mapstructure:"endpoint_url"` // local/docker DynamoDB override
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ResolverConfig configures the three-tier config cache (internal/configresolver.Config).
type ResolverConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	ShardSize int           `mapstructure:"shard_size"`
}

// AggregatorConfig configures one stream-processing invocation (internal/aggregator.Options).
type AggregatorConfig struct {
	Windows            []string `mapstructure:"windows"`
	SnapshotTTLDays    int      `mapstructure:"snapshot_ttl_days"`
	ShardThresholdRate float64  `mapstructure:"shard_threshold_rate"`
	ArchiveBucket      string   `mapstructure:"archive_bucket"`
	ArchiveKeyPrefix   string   `mapstructure:"archive_key_prefix"`
}

// LogConfig holds logging configuration, unchanged in shape from the
// logger this module inherited: level/format/output plus lumberjack
// rotation fields when output is a file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls whether/where Prometheus metrics are exposed.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// LoadConfig loads configuration from an optional YAML file plus
// environment variables (ZAE_ prefixed, nested keys joined with
// underscores), falling back to defaults for anything unset.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("zae")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "zae-limiter")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("store.table_name", "rate_limits")
	v.SetDefault("store.region", "us-east-1")
	v.SetDefault("store.endpoint_url", "")
	v.SetDefault("store.call_timeout", "10s")

	v.SetDefault("resolver.cache_ttl", "60s")
	v.SetDefault("resolver.shard_size", 4096)

	v.SetDefault("aggregator.windows", []string{"hourly", "daily", "monthly"})
	v.SetDefault("aggregator.snapshot_ttl_days", 90)
	v.SetDefault("aggregator.shard_threshold_rate", 0.8)
	v.SetDefault("aggregator.archive_bucket", "")
	v.SetDefault("aggregator.archive_key_prefix", "audit")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}

// Validate rejects configuration that no component could operate with.
func (c *Config) Validate() error {
	if c.Store.TableName == "" {
		return fmt.Errorf("store.table_name cannot be empty")
	}
	if c.Store.Region == "" {
		return fmt.Errorf("store.region cannot be empty")
	}
	if c.Resolver.ShardSize < 0 {
		return fmt.Errorf("resolver.shard_size cannot be negative")
	}
	if c.Aggregator.ShardThresholdRate <= 0 || c.Aggregator.ShardThresholdRate > 1 {
		return fmt.Errorf("aggregator.shard_threshold_rate must be in (0, 1], got %v", c.Aggregator.ShardThresholdRate)
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log.level cannot be empty")
	}
	return nil
}

// IsDevelopment reports whether the process is configured for local/dev use.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
