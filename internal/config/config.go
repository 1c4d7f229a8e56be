// Package config defines all configuration for the trading engine and the
// backtest worker. Config is loaded from a YAML file (default:
// configs/config.yaml) with overrides via MOMO_* environment variables.
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
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds the store connection. URL accepts a postgres:// DSN
// or a filesystem path, which selects the SQLite driver (local dev, tests).
type DatabaseConfig struct {
	URL                string        `mapstructure:"url"`
	PoolMax            int           `mapstructure:"pool_max"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoffInitial time.Duration `mapstructure:"retry_backoff_initial"`
}

// EngineConfig tunes the live paper-trading loop.
//
//   - PollInterval: cadence of the per-run bar polling loop (POLL_MS).
//   - SnapshotEveryBars / SnapshotEvery: account snapshot cadence, whichever
//     elapses first.
//   - CashReservePct: fraction of capital entries may never touch.
type EngineConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SnapshotEveryBars int           `mapstructure:"snapshot_every_bars"`
	SnapshotEvery     time.Duration `mapstructure:"snapshot_every"`
	CashReservePct    float64       `mapstructure:"cash_reserve_pct"`
	KillSwitchPct     float64       `mapstructure:"kill_switch_pct"`
}

// WorkerConfig tunes the backtest worker fleet.
//
//   - Name: identifier stored on claimed runs (WORKER_NAME).
//   - MaxParallelSymbols: per-run chunk size for concurrent bar loading.
//   - ClaimInterval: how often an idle worker polls for queued runs.
type WorkerConfig struct {
	Name               string        `mapstructure:"name"`
	MaxParallelSymbols int           `mapstructure:"max_parallel_symbols"`
	ClaimInterval      time.Duration `mapstructure:"claim_interval"`
}

// ExecutionConfig sets the deterministic execution costs applied by the
// paper broker. Both are per-run overridable through run params.
type ExecutionConfig struct {
	SlippageBps int `mapstructure:"slippage_bps"`
	TakerFeeBps int `mapstructure:"taker_fee_bps"`
}

// ExchangeConfig points the live-exchange stub client at a venue REST API.
// Only price sanity checks use it today; order routing stays simulated.
type ExchangeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig controls the control-plane HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Deployment-specific fields use env vars: MOMO_DATABASE_URL, MOMO_WORKER_NAME.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MOMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deployment fields from env
	if url := os.Getenv("MOMO_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if name := os.Getenv("MOMO_WORKER_NAME"); name != "" {
		cfg.Worker.Name = name
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.pool_max", 8)
	v.SetDefault("database.connection_timeout", 5*time.Second)
	v.SetDefault("database.idle_timeout", time.Minute)
	v.SetDefault("database.max_retries", 3)
	v.SetDefault("database.retry_backoff_initial", 200*time.Millisecond)

	v.SetDefault("engine.poll_interval", 1500*time.Millisecond)
	v.SetDefault("engine.snapshot_every_bars", 60)
	v.SetDefault("engine.snapshot_every", time.Minute)
	v.SetDefault("engine.cash_reserve_pct", 0.0)
	v.SetDefault("engine.kill_switch_pct", 0.25)

	v.SetDefault("worker.name", "worker")
	v.SetDefault("worker.max_parallel_symbols", 2)
	v.SetDefault("worker.claim_interval", 2*time.Second)

	v.SetDefault("execution.slippage_bps", 2)
	v.SetDefault("execution.taker_fee_bps", 4)

	v.SetDefault("exchange.timeout", 10*time.Second)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set MOMO_DATABASE_URL)")
	}
	if c.Database.PoolMax <= 0 {
		return fmt.Errorf("database.pool_max must be > 0")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be > 0")
	}
	if c.Engine.KillSwitchPct <= 0 || c.Engine.KillSwitchPct >= 1 {
		return fmt.Errorf("engine.kill_switch_pct must be in (0, 1)")
	}
	if c.Worker.MaxParallelSymbols <= 0 {
		return fmt.Errorf("worker.max_parallel_symbols must be > 0")
	}
	if c.Execution.SlippageBps < 0 || c.Execution.TakerFeeBps < 0 {
		return fmt.Errorf("execution costs must be >= 0")
	}
	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api.enabled")
	}
	return nil
}
