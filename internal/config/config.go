// Package config defines all configuration for the signal processing core.
// Config is read from environment variables via viper (a .env file, when
// present, is loaded into the environment by main before Load runs).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AppMode selects paper or live execution. The core is paper-only; LIVE is
// accepted at boot but routes every recommendation to shadow.
type AppMode string

const (
	ModePaper AppMode = "PAPER"
	ModeLive  AppMode = "LIVE"
)

// Config is the top-level configuration snapshot. Workers receive it by
// value at construction; behavior is deterministic for a given snapshot.
type Config struct {
	Port        int
	Environment string // "development" | "production"
	AppMode     AppMode

	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	HMACSecret  string // empty disables webhook signature verification

	MarketData   MarketDataConfig
	Orchestrator OrchestratorConfig
	Executor     ExecutorConfig
	ExitMonitor  ExitMonitorConfig
	Refresher    RefresherConfig
	Health       HealthConfig
	Risk         RiskConfig
	Exit         ExitConfig
	Flags        FeatureFlags
	Logging      LoggingConfig

	// ABSplit is the fraction of signals assigned to engine A, [0,1].
	ABSplit float64
}

// MarketDataConfig points at the market-data vendor API.
type MarketDataConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// OrchestratorConfig tunes the per-signal pipeline worker.
//
//   - BatchSize: max signals claimed per tick.
//   - Concurrency: parallel signal pipelines within a batch.
//   - SignalTimeout: wall-clock budget per signal before it is re-queued.
//   - RetryDelay: base for the capped exponential retry backoff.
//   - Interval: tick period of the worker loop.
//   - EngineTimeout: per-engine budget inside the coordinator.
type OrchestratorConfig struct {
	BatchSize     int
	Concurrency   int
	SignalTimeout time.Duration
	RetryDelay    time.Duration
	Interval      time.Duration
	EngineTimeout time.Duration
}

// ExecutorConfig tunes the paper executor.
type ExecutorConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ExitMonitorConfig tunes the exit monitor scan.
type ExitMonitorConfig struct {
	Interval     time.Duration
	MaxPositions int
}

// RefresherConfig tunes the position refresher.
type RefresherConfig struct {
	Interval time.Duration
}

// HealthConfig tunes the heartbeat / queue monitor.
type HealthConfig struct {
	HeartbeatInterval time.Duration
	QueueDepthAlert   int
	AlertDuration     time.Duration
	AlertCooldown     time.Duration
}

// RiskConfig sets hard caps enforced before order creation and fills.
type RiskConfig struct {
	MaxPositionSize  float64 // max premium per position, USD
	MaxDailyTrades   int
	MaxDailyLoss     float64
	MaxOpenPositions int
	MaxCapitalAlloc  float64
}

// ExitConfig seeds the default exit rule when the store has none enabled.
// ConfluenceMin doubles as the entry-side threshold for the confluence gate
// and sizing flags.
type ExitConfig struct {
	ProfitTargetPct float64
	StopLossPct     float64
	TimeStopDTE     int
	MaxHoldDays     int
	ConfluenceMin   float64
}

// FeatureFlags are the enumerated behavior gates, snapshotted at boot.
type FeatureFlags struct {
	Orchestrator       bool
	ExitDecisionEngine bool
	ConfluenceGate     bool
	ConfluenceSizing   bool
	DualPaperTrading   bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("APP_MODE", string(ModePaper))
	v.SetDefault("AB_SPLIT_PERCENTAGE", 0.5)

	v.SetDefault("MARKET_DATA_BASE_URL", "https://api.marketdata.test")
	v.SetDefault("MARKET_DATA_TIMEOUT_MS", 5000)

	v.SetDefault("ORCHESTRATOR_BATCH_SIZE", 20)
	v.SetDefault("ORCHESTRATOR_CONCURRENCY", 5)
	v.SetDefault("ORCHESTRATOR_SIGNAL_TIMEOUT_MS", 30000)
	v.SetDefault("ORCHESTRATOR_RETRY_DELAY_MS", 5000)
	v.SetDefault("ORCHESTRATOR_INTERVAL_MS", 10000)
	v.SetDefault("ORCHESTRATOR_ENGINE_TIMEOUT_MS", 10000)

	v.SetDefault("PAPER_EXECUTOR_INTERVAL", 5000)
	v.SetDefault("PAPER_EXECUTOR_BATCH_SIZE", 10)

	v.SetDefault("EXIT_MONITOR_INTERVAL", 30000)
	v.SetDefault("EXIT_MONITOR_MAX_POSITIONS", 200)

	v.SetDefault("POSITION_REFRESH_INTERVAL", 60000)

	v.SetDefault("HEARTBEAT_INTERVAL_SEC", 60)
	v.SetDefault("PROCESSING_QUEUE_DEPTH_ALERT", 50)
	v.SetDefault("PROCESSING_QUEUE_DEPTH_DURATION_SEC", 120)
	v.SetDefault("QUEUE_ALERT_COOLDOWN_SEC", 900)

	v.SetDefault("MAX_POSITION_SIZE", 1000.0)
	v.SetDefault("MAX_DAILY_TRADES", 20)
	v.SetDefault("MAX_DAILY_LOSS", 2000.0)
	v.SetDefault("MAX_OPEN_POSITIONS", 10)
	v.SetDefault("MAX_CAPITAL_ALLOCATION", 5000.0)

	v.SetDefault("PROFIT_TARGET_PCT", 50.0)
	v.SetDefault("STOP_LOSS_PCT", 50.0)
	v.SetDefault("TIME_STOP_DTE", 7)
	v.SetDefault("MAX_HOLD_DAYS", 30)
	v.SetDefault("CONFLUENCE_MIN_THRESHOLD", 60.0)

	v.SetDefault("ENABLE_ORCHESTRATOR", true)
	v.SetDefault("ENABLE_EXIT_DECISION_ENGINE", true)
	v.SetDefault("ENABLE_CONFLUENCE_GATE", false)
	v.SetDefault("ENABLE_CONFLUENCE_SIZING", false)
	v.SetDefault("ENABLE_DUAL_PAPER_TRADING", false)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		Environment: v.GetString("ENVIRONMENT"),
		AppMode:     AppMode(v.GetString("APP_MODE")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		HMACSecret:  v.GetString("HMAC_SECRET"),
		ABSplit:     v.GetFloat64("AB_SPLIT_PERCENTAGE"),

		MarketData: MarketDataConfig{
			BaseURL:        v.GetString("MARKET_DATA_BASE_URL"),
			APIKey:         v.GetString("MARKET_DATA_API_KEY"),
			RequestTimeout: time.Duration(v.GetInt("MARKET_DATA_TIMEOUT_MS")) * time.Millisecond,
		},
		Orchestrator: OrchestratorConfig{
			BatchSize:     v.GetInt("ORCHESTRATOR_BATCH_SIZE"),
			Concurrency:   v.GetInt("ORCHESTRATOR_CONCURRENCY"),
			SignalTimeout: time.Duration(v.GetInt("ORCHESTRATOR_SIGNAL_TIMEOUT_MS")) * time.Millisecond,
			RetryDelay:    time.Duration(v.GetInt("ORCHESTRATOR_RETRY_DELAY_MS")) * time.Millisecond,
			Interval:      time.Duration(v.GetInt("ORCHESTRATOR_INTERVAL_MS")) * time.Millisecond,
			EngineTimeout: time.Duration(v.GetInt("ORCHESTRATOR_ENGINE_TIMEOUT_MS")) * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Interval:  time.Duration(v.GetInt("PAPER_EXECUTOR_INTERVAL")) * time.Millisecond,
			BatchSize: v.GetInt("PAPER_EXECUTOR_BATCH_SIZE"),
		},
		ExitMonitor: ExitMonitorConfig{
			Interval:     time.Duration(v.GetInt("EXIT_MONITOR_INTERVAL")) * time.Millisecond,
			MaxPositions: v.GetInt("EXIT_MONITOR_MAX_POSITIONS"),
		},
		Refresher: RefresherConfig{
			Interval: time.Duration(v.GetInt("POSITION_REFRESH_INTERVAL")) * time.Millisecond,
		},
		Health: HealthConfig{
			HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL_SEC")) * time.Second,
			QueueDepthAlert:   v.GetInt("PROCESSING_QUEUE_DEPTH_ALERT"),
			AlertDuration:     time.Duration(v.GetInt("PROCESSING_QUEUE_DEPTH_DURATION_SEC")) * time.Second,
			AlertCooldown:     time.Duration(v.GetInt("QUEUE_ALERT_COOLDOWN_SEC")) * time.Second,
		},
		Risk: RiskConfig{
			MaxPositionSize:  v.GetFloat64("MAX_POSITION_SIZE"),
			MaxDailyTrades:   v.GetInt("MAX_DAILY_TRADES"),
			MaxDailyLoss:     v.GetFloat64("MAX_DAILY_LOSS"),
			MaxOpenPositions: v.GetInt("MAX_OPEN_POSITIONS"),
			MaxCapitalAlloc:  v.GetFloat64("MAX_CAPITAL_ALLOCATION"),
		},
		Exit: ExitConfig{
			ProfitTargetPct: v.GetFloat64("PROFIT_TARGET_PCT"),
			StopLossPct:     v.GetFloat64("STOP_LOSS_PCT"),
			TimeStopDTE:     v.GetInt("TIME_STOP_DTE"),
			MaxHoldDays:     v.GetInt("MAX_HOLD_DAYS"),
			ConfluenceMin:   v.GetFloat64("CONFLUENCE_MIN_THRESHOLD"),
		},
		Flags: FeatureFlags{
			Orchestrator:       v.GetBool("ENABLE_ORCHESTRATOR"),
			ExitDecisionEngine: v.GetBool("ENABLE_EXIT_DECISION_ENGINE"),
			ConfluenceGate:     v.GetBool("ENABLE_CONFLUENCE_GATE"),
			ConfluenceSizing:   v.GetBool("ENABLE_CONFLUENCE_SIZING"),
			DualPaperTrading:   v.GetBool("ENABLE_DUAL_PAPER_TRADING"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	return cfg, nil
}

// Validate checks required fields and value ranges. Failures here are fatal
// at boot.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters (got %d)", len(c.JWTSecret))
	}
	if c.Environment == "production" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production")
	}
	switch c.AppMode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("APP_MODE must be PAPER or LIVE, got %q", c.AppMode)
	}
	if c.ABSplit < 0 || c.ABSplit > 1 {
		return fmt.Errorf("AB_SPLIT_PERCENTAGE must be in [0,1], got %v", c.ABSplit)
	}
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("ORCHESTRATOR_BATCH_SIZE must be > 0")
	}
	if c.Orchestrator.Concurrency <= 0 {
		return fmt.Errorf("ORCHESTRATOR_CONCURRENCY must be > 0")
	}
	if c.Executor.BatchSize <= 0 {
		return fmt.Errorf("PAPER_EXECUTOR_BATCH_SIZE must be > 0")
	}
	if c.Risk.MaxDailyTrades <= 0 {
		return fmt.Errorf("MAX_DAILY_TRADES must be > 0")
	}
	return nil
}
