// Package config loads application configuration from file, environment
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/guardrails"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LAB_SERVER_PORT.
const EnvPrefix = "LAB"

// Load reads path (YAML, JSON or TOML by extension) when non-empty, applies
// LAB_* environment overrides and fills the rest from defaults.
func Load(path string) (*types.AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no environment.
func Default() *types.AppConfig {
	v := viper.New()
	setDefaults(v)
	var cfg types.AppConfig
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.job_queue_size", 16)

	v.SetDefault("data.dir", "./data")

	v.SetDefault("backtest.strategy", types.StrategyTrend)
	v.SetDefault("backtest.timeframe", string(types.Timeframe1h))
	v.SetDefault("backtest.initial_balance", 10000.0)
	v.SetDefault("backtest.commission", 0.001)
	v.SetDefault("backtest.slippage_bps", 5.0)

	g := types.DefaultGuardrailsConfig()
	v.SetDefault("guardrails.max_position_size_pct", g.MaxPositionSizePct)
	v.SetDefault("guardrails.max_total_exposure_pct", g.MaxTotalExposurePct)
	v.SetDefault("guardrails.min_cash_reserve_pct", g.MinCashReservePct)
	v.SetDefault("guardrails.max_loss_per_trade_pct", g.MaxLossPerTradePct)
	v.SetDefault("guardrails.max_daily_loss_pct", g.MaxDailyLossPct)
	v.SetDefault("guardrails.max_weekly_loss_pct", g.MaxWeeklyLossPct)
	v.SetDefault("guardrails.max_total_drawdown_pct", g.MaxTotalDrawdownPct)
	v.SetDefault("guardrails.max_consecutive_losses", g.MaxConsecutiveLosses)
	v.SetDefault("guardrails.max_trades_per_day", g.MaxTradesPerDay)
	v.SetDefault("guardrails.max_trades_per_hour", g.MaxTradesPerHour)
	v.SetDefault("guardrails.allowed_symbols", []string{})
	v.SetDefault("guardrails.allowed_sides", g.AllowedSides)

	v.SetDefault("montecarlo.num_simulations", 1000)
	v.SetDefault("montecarlo.seed", 0)

	v.SetDefault("walkforward.num_windows", 5)
	v.SetDefault("walkforward.oos_pct", 0.3)
	v.SetDefault("walkforward.metric", "sharpe_ratio")

	v.SetDefault("optimization.metric", "sharpe_ratio")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
}

// Validate rejects configurations the engines cannot run with.
func Validate(cfg *types.AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Backtest.InitialBalance <= 0 {
		return fmt.Errorf("backtest.initial_balance must be positive, got %v", cfg.Backtest.InitialBalance)
	}
	if cfg.Backtest.Timeframe.Duration() == 0 {
		return fmt.Errorf("backtest.timeframe %q is not supported", cfg.Backtest.Timeframe)
	}
	if cfg.Backtest.Commission < 0 || cfg.Backtest.SlippageBps < 0 {
		return fmt.Errorf("backtest costs must be non-negative")
	}
	if cfg.MonteCarlo.NumSimulations <= 0 {
		return fmt.Errorf("montecarlo.num_simulations must be positive, got %d", cfg.MonteCarlo.NumSimulations)
	}
	if cfg.WalkForward.NumWindows <= 0 {
		return fmt.Errorf("walkforward.num_windows must be positive, got %d", cfg.WalkForward.NumWindows)
	}
	if cfg.WalkForward.OOSPct <= 0 || cfg.WalkForward.OOSPct >= 1 {
		return fmt.Errorf("walkforward.oos_pct must be in (0, 1), got %v", cfg.WalkForward.OOSPct)
	}
	for key, metric := range map[string]string{
		"walkforward.metric":  cfg.WalkForward.Metric,
		"optimization.metric": cfg.Optimization.Metric,
	} {
		if !types.IsMetric(metric) {
			return fmt.Errorf("%s: unknown metric %q", key, metric)
		}
	}
	if !cfg.Guardrails.IsZero() {
		if _, err := guardrails.FromConfig(cfg.Guardrails); err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
	}
	return nil
}

// RunConfig builds a run configuration from the backtest defaults and guardrails.
func RunConfig(cfg *types.AppConfig) types.RunConfig {
	return types.RunConfig{
		Strategy:       cfg.Backtest.Strategy,
		Timeframe:      cfg.Backtest.Timeframe,
		InitialBalance: cfg.Backtest.InitialBalance,
		Commission:     cfg.Backtest.Commission,
		SlippageBps:    cfg.Backtest.SlippageBps,
		Params:         types.ParameterSet{Oracle: types.Params{}, Risk: types.Params{}},
		Guardrails:     cfg.Guardrails,
	}
}
