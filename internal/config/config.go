// Package config defines all configuration for the matching engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// deploy-sensitive fields overridable via PM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RedisConfig locates the stream broker carrying the input and output logs.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig tunes the matching core.
//
//   - ConsumerGroup: consumer group name on the input streams. All engine
//     instances of one deployment share it; exactly one instance may be
//     the authoritative writer per market.
//   - ConsumerName: this instance's name within the group (defaults to
//     hostname); pending reclaim picks up entries any previous process
//     left unacknowledged.
//   - InputBatchSize: entries per XREADGROUP round-trip.
//   - CommandChannelCapacity: bound of each market actor's command channel.
//   - MaxDepthReported: price levels per side in depth snapshots.
//   - DedupWindowSize: sliding dedup window; must cover at least one
//     input batch round-trip.
//   - DepthTickInterval: cadence of the periodic depth diff check.
//   - GracefulShutdownTimeout: how long shutdown waits for drain and the
//     final snapshot.
type EngineConfig struct {
	ConsumerGroup           string        `mapstructure:"consumer_group"`
	ConsumerName            string        `mapstructure:"consumer_name"`
	InputBatchSize          int           `mapstructure:"input_batch_size"`
	CommandChannelCapacity  int           `mapstructure:"command_channel_capacity"`
	MaxDepthReported        int           `mapstructure:"max_depth_reported"`
	DedupWindowSize         int           `mapstructure:"dedup_window_size"`
	DepthTickInterval       time.Duration `mapstructure:"depth_tick_interval"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// SnapshotConfig sets where and how often engine state is persisted.
type SnapshotConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// LedgerConfig points at the asset ledger RPC endpoint. An empty BaseURL
// disables settlement calls.
type LedgerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deploy-sensitive fields use env vars: PM_REDIS_ADDR, PM_REDIS_PASSWORD,
// PM_SNAPSHOT_PATH, PM_LEDGER_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.consumer_group", "matching")
	v.SetDefault("engine.input_batch_size", 128)
	v.SetDefault("engine.command_channel_capacity", 256)
	v.SetDefault("engine.max_depth_reported", 50)
	v.SetDefault("engine.dedup_window_size", 4096)
	v.SetDefault("engine.depth_tick_interval", time.Second)
	v.SetDefault("engine.graceful_shutdown_timeout", 10*time.Second)
	v.SetDefault("snapshot.interval", 5*time.Second)
	v.SetDefault("ledger.timeout", 3*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deploy-sensitive fields from env
	if addr := os.Getenv("PM_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("PM_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if p := os.Getenv("PM_SNAPSHOT_PATH"); p != "" {
		cfg.Snapshot.Path = p
	}
	if u := os.Getenv("PM_LEDGER_BASE_URL"); u != "" {
		cfg.Ledger.BaseURL = u
	}

	if cfg.Engine.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "engine-1"
		}
		cfg.Engine.ConsumerName = host
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required (set PM_REDIS_ADDR)")
	}
	if c.Engine.ConsumerGroup == "" {
		return fmt.Errorf("engine.consumer_group is required")
	}
	if c.Engine.InputBatchSize <= 0 {
		return fmt.Errorf("engine.input_batch_size must be > 0")
	}
	if c.Engine.CommandChannelCapacity <= 0 {
		return fmt.Errorf("engine.command_channel_capacity must be > 0")
	}
	if c.Engine.DedupWindowSize < c.Engine.InputBatchSize {
		return fmt.Errorf("engine.dedup_window_size must cover at least one input batch (%d)", c.Engine.InputBatchSize)
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be > 0")
	}
	return nil
}
