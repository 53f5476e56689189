// Package backtester replays OHLCV bars through a strategy and risk model and
// reports the resulting trades, equity curve and performance metrics.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/guardrails"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyDataset is returned when a run has no bars to replay.
var ErrEmptyDataset = errors.New("empty dataset")

// Backtester runs one configuration over a dataset.
type Backtester interface {
	Run(ctx context.Context, data types.MarketData, cfg types.RunConfig) (*types.BacktestResult, error)
}

// Engine dispatches a run to the strategy named in its configuration
type Engine struct {
	logger   *zap.Logger
	recorder guardrails.Recorder
}

// NewEngine creates a new backtesting engine. recorder may be nil.
func NewEngine(logger *zap.Logger, recorder guardrails.Recorder) *Engine {
	return &Engine{
		logger:   logger.Named("backtester"),
		recorder: recorder,
	}
}

// Run executes a backtest of cfg over data. cfg is never modified.
func (e *Engine) Run(ctx context.Context, data types.MarketData, cfg types.RunConfig) (*types.BacktestResult, error) {
	startTime := time.Now()

	data, err := validateInput(data, cfg)
	if err != nil {
		return nil, err
	}

	result := &types.BacktestResult{
		ID:             uuid.New().String(),
		Strategy:       cfg.Strategy,
		Params:         cfg.Params.Clone(),
		InitialBalance: cfg.InitialBalance,
		StartedAt:      startTime,
	}

	e.logger.Debug("Starting backtest",
		zap.String("id", result.ID),
		zap.String("strategy", cfg.Strategy),
		zap.Int("symbols", len(data)),
	)

	switch cfg.Strategy {
	case types.StrategyTrend, "":
		result.Strategy = types.StrategyTrend
		err = e.runTrend(ctx, data, cfg, result)
	case types.StrategyGrid:
		err = e.runGrid(ctx, data, cfg, result)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if err != nil {
		return nil, err
	}

	ComputeMetrics(result, cfg.Timeframe.PeriodsPerYear())
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(startTime)

	e.logger.Debug("Backtest completed",
		zap.String("id", result.ID),
		zap.Duration("duration", result.Duration),
		zap.Int("trades", result.TotalTrades),
		zap.Float64("totalReturn", result.TotalReturn),
	)
	return result, nil
}

// validateInput restricts data to the configured symbols and checks that
// every series is non-empty, positive and strictly ascending.
func validateInput(data types.MarketData, cfg types.RunConfig) (types.MarketData, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive, got %v", cfg.InitialBalance)
	}

	selected := data
	if len(cfg.Symbols) > 0 {
		selected = make(types.MarketData, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			if bars, ok := data[s]; ok && len(bars) > 0 {
				selected[s] = bars
			}
		}
	}
	if selected.Empty() {
		return nil, ErrEmptyDataset
	}

	for symbol, bars := range selected {
		for i, b := range bars {
			if b.Close <= 0 || b.High < b.Low {
				return nil, fmt.Errorf("%s: invalid bar at %s", symbol, b.Timestamp.Format(time.RFC3339))
			}
			if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
				return nil, fmt.Errorf("%s: bars not sorted ascending at %s", symbol, b.Timestamp.Format(time.RFC3339))
			}
		}
	}
	return selected, nil
}

// newEnforcer builds the guardrail enforcer for a run, falling back to the
// default limits when the run carries none.
func (e *Engine) newEnforcer(cfg types.RunConfig) (*guardrails.Enforcer, error) {
	limits := guardrails.Default()
	if !cfg.Guardrails.IsZero() {
		var err error
		if limits, err = guardrails.FromConfig(cfg.Guardrails); err != nil {
			return nil, fmt.Errorf("guardrails: %w", err)
		}
	}
	return guardrails.NewEnforcer(e.logger, limits, e.recorder), nil
}
