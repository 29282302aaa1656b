// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ilialebedev/metafetcher/internal/bucket"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	Filter      FilterConfig      `mapstructure:"filter"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	DB          DBConfig          `mapstructure:"db"`
	Rate        RateConfig        `mapstructure:"rate"`
	Download    DownloadConfig    `mapstructure:"download"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HarvestConfig shapes the crawl itself: what to search for, how many
// records per age bucket, and the revisit cadence.
type HarvestConfig struct {
	// Categories maps a category key to its ordered search queries.
	Categories map[string][]string `mapstructure:"categories"`
	// BucketTargets is the per-bucket record quota, keyed by age label.
	BucketTargets map[string]int `mapstructure:"bucket_targets"`
	// MaxGenerations bounds the number of revisit snapshots.
	MaxGenerations int `mapstructure:"max_generations"`
	// RevisitIntervalHours separates snapshot generations.
	RevisitIntervalHours int `mapstructure:"revisit_interval_hours"`
	// CommentsPerVideo caps comment threads fetched per record.
	CommentsPerVideo int64 `mapstructure:"comments_per_video"`
	// Workers bounds the enrichment fan-out.
	Workers int `mapstructure:"workers"`
	// ResetHour/ResetMinute give the daily quota reset instant in the
	// reset zone; ResetUTCOffsetHours is that zone's offset from UTC.
	ResetHour            int `mapstructure:"reset_hour"`
	ResetMinute          int `mapstructure:"reset_minute"`
	ResetUTCOffsetHours  int `mapstructure:"reset_utc_offset_hours"`
	ErrorCooldownSeconds int `mapstructure:"error_cooldown_seconds"`
}

// FilterConfig governs the adaptive engagement filter.
type FilterConfig struct {
	Logic              string  `mapstructure:"logic"`
	MinSamples         int     `mapstructure:"min_samples"`
	TargetPercentile   float64 `mapstructure:"target_percentile"`
	Smoothing          float64 `mapstructure:"smoothing"`
	MaxDurationSeconds int64   `mapstructure:"max_duration_seconds"`
}

// CredentialsConfig carries the API key ring.
type CredentialsConfig struct {
	APIKeys    []string `mapstructure:"api_keys"`
	StartIndex int      `mapstructure:"start_index"`
}

// SnapshotConfig controls local snapshot persistence.
type SnapshotConfig struct {
	BaseDir              string `mapstructure:"base_dir"`
	FlushCooldownSeconds int    `mapstructure:"flush_cooldown_seconds"`
}

// StorageConfig selects the blob backend mirroring snapshots.
type StorageConfig struct {
	// Backend is "gcs", "local", or "none".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for completion event publication.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DBConfig controls the optional run-history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RateConfig bounds outbound API request rates.
type RateConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// DownloadConfig controls the optional media downloader.
type DownloadConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Tool         string   `mapstructure:"tool"`
	StagingDir   string   `mapstructure:"staging_dir"`
	CookieFiles  []string `mapstructure:"cookie_files"`
	UploadPrefix string   `mapstructure:"upload_prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METAFETCHER")
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
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("harvest.max_generations", 3)
	v.SetDefault("harvest.revisit_interval_hours", 168)
	v.SetDefault("harvest.comments_per_video", 100)
	v.SetDefault("harvest.workers", 5)
	v.SetDefault("harvest.reset_hour", 11)
	v.SetDefault("harvest.reset_minute", 1)
	v.SetDefault("harvest.reset_utc_offset_hours", 3)
	v.SetDefault("harvest.error_cooldown_seconds", 60)
	v.SetDefault("filter.logic", "MAJORITY")
	v.SetDefault("filter.min_samples", 50)
	v.SetDefault("filter.target_percentile", 25)
	v.SetDefault("filter.smoothing", 0.3)
	v.SetDefault("filter.max_duration_seconds", 900)
	v.SetDefault("snapshot.base_dir", "data")
	v.SetDefault("snapshot.flush_cooldown_seconds", 54)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "crawl")
	v.SetDefault("rate.default_rps", 8)
	v.SetDefault("rate.default_burst", 4)
	v.SetDefault("download.tool", "yt-dlp")
	v.SetDefault("download.upload_prefix", "media")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Harvest.Categories) == 0 {
		return fmt.Errorf("harvest.categories must not be empty")
	}
	for key, queries := range c.Harvest.Categories {
		if len(queries) == 0 {
			return fmt.Errorf("harvest.categories.%s must list at least one query", key)
		}
	}
	targets := c.Targets()
	if err := targets.Validate(); err != nil {
		return fmt.Errorf("harvest.bucket_targets: %w", err)
	}
	if targets.Total() <= 0 {
		return fmt.Errorf("harvest.bucket_targets must demand at least one record")
	}
	if len(c.Credentials.APIKeys) == 0 {
		return fmt.Errorf("credentials.api_keys must not be empty")
	}
	if c.Harvest.MaxGenerations <= 0 {
		return fmt.Errorf("harvest.max_generations must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "none":
	default:
		return fmt.Errorf("storage.backend must be gcs, local, or none")
	}
	if c.Download.Enabled && c.Download.StagingDir == "" {
		return fmt.Errorf("download.staging_dir must be set when downloads are enabled")
	}
	return nil
}

// Targets converts the raw bucket map into the typed form.
func (c Config) Targets() bucket.Targets {
	t := make(bucket.Targets, len(c.Harvest.BucketTargets))
	for label, n := range c.Harvest.BucketTargets {
		t[label] = n
	}
	return t
}

// RevisitInterval returns the snapshot separation as a duration.
func (c Config) RevisitInterval() time.Duration {
	return time.Duration(c.Harvest.RevisitIntervalHours) * time.Hour
}

// FlushCooldown returns the remote flush throttle as a duration.
func (c Config) FlushCooldown() time.Duration {
	return time.Duration(c.Snapshot.FlushCooldownSeconds) * time.Second
}

// ErrorCooldown returns the pass failure pause as a duration.
func (c Config) ErrorCooldown() time.Duration {
	return time.Duration(c.Harvest.ErrorCooldownSeconds) * time.Second
}
