package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
redis:
  addr: "127.0.0.1:6379"
snapshot:
  path: "data/engine.snapshot"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Engine.ConsumerGroup != "matching" {
		t.Errorf("consumer_group = %q", cfg.Engine.ConsumerGroup)
	}
	if cfg.Engine.InputBatchSize != 128 {
		t.Errorf("input_batch_size = %d", cfg.Engine.InputBatchSize)
	}
	if cfg.Engine.ConsumerName == "" {
		t.Error("consumer_name not defaulted")
	}
	if cfg.Snapshot.Interval != 5*time.Second {
		t.Errorf("snapshot interval = %v", cfg.Snapshot.Interval)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging format = %q", cfg.Logging.Format)
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
redis:
  addr: "redis:6379"
engine:
  consumer_group: "engine-a"
  input_batch_size: 64
  dedup_window_size: 256
  depth_tick_interval: 250ms
snapshot:
  path: "/var/lib/engine/snap"
  interval: 2s
ledger:
  base_url: "http://ledger:8080"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.ConsumerGroup != "engine-a" || cfg.Engine.InputBatchSize != 64 {
		t.Errorf("engine config = %+v", cfg.Engine)
	}
	if cfg.Engine.DepthTickInterval != 250*time.Millisecond {
		t.Errorf("depth_tick_interval = %v", cfg.Engine.DepthTickInterval)
	}
	if cfg.Ledger.BaseURL != "http://ledger:8080" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PM_REDIS_ADDR", "override:6379")
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "override:6379" {
		t.Errorf("redis addr = %q, want env override", cfg.Redis.Addr)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"missing snapshot path", func(c *Config) { c.Snapshot.Path = "" }},
		{"zero batch size", func(c *Config) { c.Engine.InputBatchSize = 0 }},
		{"zero channel capacity", func(c *Config) { c.Engine.CommandChannelCapacity = 0 }},
		{"dedup window below batch", func(c *Config) { c.Engine.DedupWindowSize = 1 }},
		{"zero snapshot interval", func(c *Config) { c.Snapshot.Interval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate passed")
			}
		})
	}
}
