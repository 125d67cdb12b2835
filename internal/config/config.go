// Package config provides application-wide configuration management.
// All configuration is loaded from a JSON file and environment variables.
// No configuration is hardcoded in strategy or matching logic.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects the runtime mode a run executes under.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeSimulation Mode = "simulation"
)

// Frequency selects the schedule-point granularity.
type Frequency string

const (
	FrequencyDaily Frequency = "daily"
	FrequencyMinute Frequency = "minute"
	FrequencyTick Frequency = "tick"
)

// TradingRule governs position availability.
type TradingRule string

const (
	TPlus1 TradingRule = "T+1"
	TPlus0 TradingRule = "T+0"
)

// TradingMode restricts whether an account may hold short positions.
type TradingMode string

const (
	LongOnly TradingMode = "long_only"
	LongShort TradingMode = "long_short"
)

// AutoSaveMode controls whether periodic snapshots overwrite the same
// file or accumulate one file per save.
type AutoSaveMode string

const (
	AutoSaveOverwrite AutoSaveMode = "overwrite"
	AutoSaveIncrement AutoSaveMode = "increment"
)

// Config holds all system configuration. Loaded once at startup and
// passed as read-only to every component except the risk knobs the
// ConfigWatcher may hot-reload.
type Config struct {
	Engine EngineConfig `json:"engine"`
	Account AccountConfig `json:"account"`
	Matching MatchingConfig `json:"matching"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Benchmark BenchmarkConfig `json:"benchmark"`
	Snapshot SnapshotConfig `json:"snapshot"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Risk RiskConfig `json:"risk"`

	// DatabaseURL is the pgx connection string for the persistence layer.
	DatabaseURL string `json:"database_url"`
}

// EngineConfig controls the top-level run mode and date window.
type EngineConfig struct {
	Mode Mode `json:"mode"`
	Frequency Frequency `json:"frequency"`
	TickIntervalSeconds int `json:"tick_interval_seconds"`
	StartDate string `json:"start_date"` // backtest only
	EndDate string `json:"end_date"` // backtest only
	StrategyName string `json:"strategy_name"`
}

// AccountConfig controls initial capital and position/order semantics.
type AccountConfig struct {
	InitialCash float64 `json:"initial_cash"`
	TradingRule TradingRule `json:"trading_rule"`
	TradingMode TradingMode `json:"trading_mode"`
	OrderLotSize int `json:"order_lot_size"`
	ShortMarginRate float64 `json:"short_margin_rate"`
}

// CommissionConfig is the piecewise commission formula's coefficients.
type CommissionConfig struct {
	BuyCommission float64 `json:"buy_commission"`
	SellCommission float64 `json:"sell_commission"`
	BuyTax float64 `json:"buy_tax"`
	SellTax float64 `json:"sell_tax"`
	MinCommission float64 `json:"min_commission"`
}

// SlippageConfig is the fixed-rate slippage model.
type SlippageConfig struct {
	Rate float64 `json:"rate"`
}

// MatchingConfig groups the Matching Engine's configurable knobs.
type MatchingConfig struct {
	Slippage SlippageConfig `json:"slippage"`
	Commission CommissionConfig `json:"commission"`
}

// Session is a single trading session's open/close times ("HH:MM:SS").
type Session struct {
	Open string `json:"open"`
	Close string `json:"close"`
}

// HooksConfig is the set of single-time lifecycle hooks plus the
// handle_bar schedule, which may be one time or a list.
type HooksConfig struct {
	BeforeTrading string `json:"before_trading"`
	AfterTrading string `json:"after_trading"`
	BrokerSettle string `json:"broker_settle"`
	HandleBar []string `json:"handle_bar"`
}

// UnmarshalJSON accepts handle_bar as either a single string or a list,
// resolving the ambiguity by supporting both.
func (h *HooksConfig) UnmarshalJSON(data []byte) error {
	type alias HooksConfig
	var raw struct {
		alias
		HandleBar json.RawMessage `json:"handle_bar"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*h = HooksConfig(raw.alias)

	if len(raw.HandleBar) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw.HandleBar, &list); err == nil {
		h.HandleBar = list
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.HandleBar, &single); err != nil {
		return fmt.Errorf("config: handle_bar must be a string or list of strings: %w", err)
	}
	h.HandleBar = []string{single}
	return nil
}

// LifecycleConfig controls trading-session boundaries and hook times.
type LifecycleConfig struct {
	TradingSessions []Session `json:"trading_sessions"`
	Hooks HooksConfig `json:"hooks"`
	// StrictInit enables carve-out: a failing initialize on
	// a fresh run is fatal instead of swallowed.
	StrictInit bool `json:"strict_init"`
}

// BenchmarkConfig names the symbol equity returns are compared against.
type BenchmarkConfig struct {
	Symbol string `json:"symbol"`
}

// SnapshotConfig controls periodic auto-save.
type SnapshotConfig struct {
	AutoSaveIntervalDays int `json:"auto_save_interval"`
	AutoSaveMode AutoSaveMode `json:"auto_save_mode"`
}

// WatchdogConfig controls the Lifecycle Sandbox's block-threshold watchdog.
type WatchdogConfig struct {
	BlockThresholdSeconds float64 `json:"block_threshold_seconds"`
}

// CircuitBreakerConfig configures the matching engine's supplemented
// circuit breaker.
type CircuitBreakerConfig struct {
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	MaxFailuresPerHour int `json:"max_failures_per_hour"`
	CooldownMinutes int `json:"cooldown_minutes"`
}

// RiskConfig groups the risk guardrails that sit alongside Matching's
// mandatory risk gate.
type RiskConfig struct {
	// MaxPerSector caps concurrent open positions sharing a sector tag, 0
	// disables the guard.
	MaxPerSector int `json:"max_per_sector"`
	// SectorMap maps symbol -> sector name for the MaxPerSector guard. A nil
	// or empty map disables the guard regardless of MaxPerSector.
	SectorMap map[string]string `json:"sector_map"`
	// MaxPositionPct caps a single symbol's market value as a fraction of
	// net worth, 0 disables the guard.
	MaxPositionPct float64 `json:"max_position_pct"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
}

// Load reads configuration from a JSON file. Environment variables
// override file values where applicable.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", absPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}

	if v := os.Getenv("QTRADER_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("QTRADER_MODE"); v != "" {
		cfg.Engine.Mode = Mode(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required configuration fields are present and sane.
func (c *Config) Validate() error {
	if c.Engine.Mode != ModeBacktest && c.Engine.Mode != ModeSimulation {
		return fmt.Errorf("engine.mode must be 'backtest' or 'simulation', got %q", c.Engine.Mode)
	}
	if c.Engine.Frequency != FrequencyDaily && c.Engine.Frequency != FrequencyMinute && c.Engine.Frequency != FrequencyTick {
		return fmt.Errorf("engine.frequency must be 'daily', 'minute', or 'tick', got %q", c.Engine.Frequency)
	}
	if c.Engine.Mode == ModeBacktest {
		if c.Engine.StartDate == "" || c.Engine.EndDate == "" {
			return fmt.Errorf("engine.start_date and engine.end_date are required in backtest mode")
		}
	}
	if c.Engine.StrategyName == "" {
		return fmt.Errorf("engine.strategy_name is required")
	}

	if c.Account.InitialCash <= 0 {
		return fmt.Errorf("account.initial_cash must be positive, got %f", c.Account.InitialCash)
	}
	if c.Account.TradingRule != TPlus1 && c.Account.TradingRule != TPlus0 {
		return fmt.Errorf("account.trading_rule must be 'T+1' or 'T+0', got %q", c.Account.TradingRule)
	}
	if c.Account.TradingMode != LongOnly && c.Account.TradingMode != LongShort {
		return fmt.Errorf("account.trading_mode must be 'long_only' or 'long_short', got %q", c.Account.TradingMode)
	}
	if c.Account.OrderLotSize <= 0 {
		c.Account.OrderLotSize = 1
	}

	if c.Matching.Commission.MinCommission < 0 {
		return fmt.Errorf("matching.commission.min_commission cannot be negative")
	}

	if c.Lifecycle.Hooks.BeforeTrading == "" || c.Lifecycle.Hooks.AfterTrading == "" {
		return fmt.Errorf("lifecycle.hooks.before_trading and after_trading are required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}

	if c.Watchdog.BlockThresholdSeconds <= 0 {
		c.Watchdog.BlockThresholdSeconds = 5
	}

	return nil
}
