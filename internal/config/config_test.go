package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{Enabled: true, Port: 8080},
		Harvest: HarvestConfig{
			Categories:           map[string][]string{"music": {"music shorts"}},
			BucketTargets:        map[string]int{"less-1day": 10},
			MaxGenerations:       3,
			RevisitIntervalHours: 168,
		},
		Credentials: CredentialsConfig{APIKeys: []string{"key-a"}},
		Snapshot:    SnapshotConfig{BaseDir: "data", FlushCooldownSeconds: 54},
		Storage:     StorageConfig{Backend: "none"},
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: warn
harvest:
  categories:
    music: ["music shorts", "live performance"]
    gaming: ["gaming highlights"]
  bucket_targets:
    less-1day: 40
    1day-1week: 40
  max_generations: 2
  revisit_interval_hours: 72
filter:
  logic: ALL
  min_samples: 25
credentials:
  api_keys: ["key-a", "key-b"]
snapshot:
  base_dir: /tmp/crawl
  flush_cooldown_seconds: 30
storage:
  backend: gcs
  gcs_bucket: crawl-bucket
  prefix: runs
pubsub:
  project_id: proj
  topic: crawl-events
db:
  dsn: postgres://localhost/crawl
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	if len(cfg.Harvest.Categories) != 2 || len(cfg.Harvest.Categories["music"]) != 2 {
		t.Fatalf("expected categories to load: %+v", cfg.Harvest.Categories)
	}
	if cfg.Harvest.MaxGenerations != 2 {
		t.Fatalf("expected 2 generations, got %d", cfg.Harvest.MaxGenerations)
	}
	if got := cfg.RevisitInterval(); got != 72*time.Hour {
		t.Fatalf("expected revisit interval 72h, got %v", got)
	}
	if cfg.Filter.Logic != "ALL" || cfg.Filter.MinSamples != 25 {
		t.Fatalf("expected filter overrides to apply: %+v", cfg.Filter)
	}
	if len(cfg.Credentials.APIKeys) != 2 {
		t.Fatalf("expected two api keys, got %d", len(cfg.Credentials.APIKeys))
	}
	if got := cfg.FlushCooldown(); got != 30*time.Second {
		t.Fatalf("expected flush cooldown 30s, got %v", got)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "crawl-bucket" {
		t.Fatalf("expected gcs storage config: %+v", cfg.Storage)
	}
	if cfg.Targets().Total() != 80 {
		t.Fatalf("expected target total 80, got %d", cfg.Targets().Total())
	}
	// Defaults survive partial files.
	if cfg.Harvest.Workers != 5 || cfg.Harvest.ResetHour != 11 {
		t.Fatalf("expected harvest defaults: %+v", cfg.Harvest)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing categories",
			mutate: func(c *Config) { c.Harvest.Categories = nil },
			want:   "harvest.categories",
		},
		{
			name:   "category without queries",
			mutate: func(c *Config) { c.Harvest.Categories["music"] = nil },
			want:   "harvest.categories.music",
		},
		{
			name:   "unknown bucket label",
			mutate: func(c *Config) { c.Harvest.BucketTargets = map[string]int{"0-2_days": 10} },
			want:   "harvest.bucket_targets",
		},
		{
			name:   "empty targets",
			mutate: func(c *Config) { c.Harvest.BucketTargets = nil },
			want:   "harvest.bucket_targets",
		},
		{
			name:   "missing api keys",
			mutate: func(c *Config) { c.Credentials.APIKeys = nil },
			want:   "credentials.api_keys",
		},
		{
			name:   "invalid generations",
			mutate: func(c *Config) { c.Harvest.MaxGenerations = 0 },
			want:   "harvest.max_generations",
		},
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "gcs without bucket",
			mutate: func(c *Config) { c.Storage.Backend = "gcs" },
			want:   "storage.gcs_bucket",
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Storage.Backend = "s3" },
			want:   "storage.backend",
		},
		{
			name:   "download without staging dir",
			mutate: func(c *Config) { c.Download.Enabled = true },
			want:   "download.staging_dir",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigValidateAcceptsMinimal(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
