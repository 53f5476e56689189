// Package types provides configuration types for the strategy research toolkit.
package types

import "time"

// AppConfig is the root configuration loaded by internal/config
type AppConfig struct {
	Server       ServerConfig       `mapstructure:"server" json:"server"`
	Data         DataConfig         `mapstructure:"data" json:"data"`
	Backtest     BacktestDefaults   `mapstructure:"backtest" json:"backtest"`
	Guardrails   GuardrailsConfig   `mapstructure:"guardrails" json:"guardrails"`
	MonteCarlo   MonteCarloConfig   `mapstructure:"montecarlo" json:"montecarlo"`
	WalkForward  WalkForwardConfig  `mapstructure:"walkforward" json:"walkforward"`
	Optimization OptimizationConfig `mapstructure:"optimization" json:"optimization"`
	Log          LogConfig          `mapstructure:"log" json:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host" json:"host"`
	Port          int           `mapstructure:"port" json:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" json:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
	JobQueueSize  int           `mapstructure:"job_queue_size" json:"jobQueueSize"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir string `mapstructure:"dir" json:"dataDir"`
}

// BacktestDefaults seeds a RunConfig when a request leaves fields unset
type BacktestDefaults struct {
	Strategy       string    `mapstructure:"strategy" json:"strategy"`
	Timeframe      Timeframe `mapstructure:"timeframe" json:"timeframe"`
	InitialBalance float64   `mapstructure:"initial_balance" json:"initialBalance"`
	Commission     float64   `mapstructure:"commission" json:"commission"`
	SlippageBps    float64   `mapstructure:"slippage_bps" json:"slippageBps"`
}

// GuardrailsConfig holds risk limits as fractions (0.10 = 10%) and counts
type GuardrailsConfig struct {
	MaxPositionSizePct   float64  `mapstructure:"max_position_size_pct" json:"maxPositionSizePct"`
	MaxTotalExposurePct  float64  `mapstructure:"max_total_exposure_pct" json:"maxTotalExposurePct"`
	MinCashReservePct    float64  `mapstructure:"min_cash_reserve_pct" json:"minCashReservePct"`
	MaxLossPerTradePct   float64  `mapstructure:"max_loss_per_trade_pct" json:"maxLossPerTradePct"`
	MaxDailyLossPct      float64  `mapstructure:"max_daily_loss_pct" json:"maxDailyLossPct"`
	MaxWeeklyLossPct     float64  `mapstructure:"max_weekly_loss_pct" json:"maxWeeklyLossPct"`
	MaxTotalDrawdownPct  float64  `mapstructure:"max_total_drawdown_pct" json:"maxTotalDrawdownPct"`
	MaxConsecutiveLosses int      `mapstructure:"max_consecutive_losses" json:"maxConsecutiveLosses"`
	MaxTradesPerDay      int      `mapstructure:"max_trades_per_day" json:"maxTradesPerDay"`
	MaxTradesPerHour     int      `mapstructure:"max_trades_per_hour" json:"maxTradesPerHour"`
	AllowedSymbols       []string `mapstructure:"allowed_symbols" json:"allowedSymbols"`
	AllowedSides         []string `mapstructure:"allowed_sides" json:"allowedSides"`
}

// IsZero reports whether no limit and no allow-list has been configured.
func (g GuardrailsConfig) IsZero() bool {
	return g.MaxPositionSizePct == 0 && g.MaxTotalExposurePct == 0 &&
		g.MinCashReservePct == 0 && g.MaxLossPerTradePct == 0 &&
		g.MaxDailyLossPct == 0 && g.MaxWeeklyLossPct == 0 &&
		g.MaxTotalDrawdownPct == 0 && g.MaxConsecutiveLosses == 0 &&
		g.MaxTradesPerDay == 0 && g.MaxTradesPerHour == 0 &&
		len(g.AllowedSymbols) == 0 && len(g.AllowedSides) == 0
}

// DefaultGuardrailsConfig returns the stock limits.
func DefaultGuardrailsConfig() GuardrailsConfig {
	return GuardrailsConfig{
		MaxPositionSizePct:   0.10,
		MaxTotalExposurePct:  0.50,
		MinCashReservePct:    0.20,
		MaxLossPerTradePct:   0.02,
		MaxDailyLossPct:      0.05,
		MaxWeeklyLossPct:     0.10,
		MaxTotalDrawdownPct:  0.20,
		MaxConsecutiveLosses: 5,
		MaxTradesPerDay:      20,
		MaxTradesPerHour:     5,
		AllowedSides:         []string{string(PositionSideLong), string(PositionSideShort)},
	}
}

// MonteCarloConfig represents Monte Carlo simulation configuration
type MonteCarloConfig struct {
	NumSimulations int   `mapstructure:"num_simulations" json:"numSimulations"`
	Seed           int64 `mapstructure:"seed" json:"seed"`
}

// WalkForwardConfig represents walk-forward analysis configuration
type WalkForwardConfig struct {
	NumWindows int     `mapstructure:"num_windows" json:"numWindows"`
	OOSPct     float64 `mapstructure:"oos_pct" json:"oosPct"`
	Metric     string  `mapstructure:"metric" json:"metric"`
}

// OptimizationConfig represents grid-search defaults
type OptimizationConfig struct {
	Metric string `mapstructure:"metric" json:"metric"`
}

// LogConfig represents logger settings
type LogConfig struct {
	Level    string `mapstructure:"level" json:"level"`
	Encoding string `mapstructure:"encoding" json:"encoding"`
}
