package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Queue.Size = 0 }},
		{"zero fire threshold", func(c *Config) { c.Correlation.FireThreshold = 0 }},
		{"bad scoring mode", func(c *Config) { c.Scoring.Mode = "random" }},
		{"non-monotone boundaries", func(c *Config) { c.Scoring.Boundaries = [3]int{50, 50, 80} }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"sink without name", func(c *Config) {
			c.Dispatch.Sinks = []SinkConfig{{Kind: "webhook"}}
		}},
		{"duplicate sink names", func(c *Config) {
			c.Dispatch.Sinks = []SinkConfig{
				{Name: "a", Kind: "webhook"},
				{Name: "a", Kind: "syslog"},
			}
		}},
		{"unknown sink kind", func(c *Config) {
			c.Dispatch.Sinks = []SinkConfig{{Name: "a", Kind: "carrier-pigeon"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  workers: 8
correlation:
  fire_threshold: 5
  window: 2m
dispatch:
  sinks:
    - name: siem
      kind: elastic
      enabled: true
      url: http://localhost:9200
      index: decoynet-alerts
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DECOYNET_CONFIG_PATH", path)
	t.Setenv("DECOYNET_LOG_LEVEL", "debug")
	t.Setenv("CLICKHOUSE_HOSTS", "ch1:9000, ch2:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Engine.Workers)
	}
	if cfg.Correlation.FireThreshold != 5 || cfg.Correlation.Window != 2*time.Minute {
		t.Errorf("correlation not loaded: %+v", cfg.Correlation)
	}
	if cfg.Correlation.QuietPeriod != 10*time.Minute {
		t.Errorf("unset field lost default: %v", cfg.Correlation.QuietPeriod)
	}
	if len(cfg.Dispatch.Sinks) != 1 || cfg.Dispatch.Sinks[0].Kind != "elastic" {
		t.Errorf("sinks not loaded: %+v", cfg.Dispatch.Sinks)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override lost: %q", cfg.Logging.Level)
	}
	if len(cfg.Storage.ClickHouse.Hosts) != 2 || cfg.Storage.ClickHouse.Hosts[1] != "ch2:9000" {
		t.Errorf("hosts = %v", cfg.Storage.ClickHouse.Hosts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DECOYNET_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Size != DefaultConfig().Queue.Size {
		t.Errorf("missing file should yield defaults")
	}
}
