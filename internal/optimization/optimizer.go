// Package optimization provides exhaustive parameter search and
// walk-forward validation on top of the backtester.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// ErrUnknownMetric is returned when the ranking metric is not a BacktestResult metric.
var ErrUnknownMetric = errors.New("unknown metric")

// LowerIsBetter lists the metrics ranked ascending by default.
var LowerIsBetter = map[string]bool{
	"max_drawdown":          true,
	"max_drawdown_duration": true,
	"avg_loss":              true,
}

// Recorder receives failed unit-of-work notifications for instrumentation.
type Recorder interface {
	RunFailed(component string)
}

// Options controls a single sweep.
type Options struct {
	Metric string
	// Ascending overrides the metric's default direction when set.
	Ascending *bool
	// Progress is called synchronously after each combination.
	Progress func(done, total int)
}

// Result is one evaluated combination.
type Result struct {
	Params   types.ParameterSet    `json:"params"`
	Metric   float64               `json:"metric"`
	Backtest *types.BacktestResult `json:"backtest"`
}

// OptimizationResult holds every successful run ranked best first.
type OptimizationResult struct {
	Metric    string        `json:"metric"`
	Ascending bool          `json:"ascending"`
	Results   []Result      `json:"results"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// Best returns the top-ranked result, if any run succeeded.
func (r *OptimizationResult) Best() (Result, bool) {
	if r == nil || len(r.Results) == 0 {
		return Result{}, false
	}
	return r.Results[0], true
}

// Optimizer performs grid search over strategy parameters
type Optimizer struct {
	logger   *zap.Logger
	bt       backtester.Backtester
	recorder Recorder
}

// NewOptimizer creates an optimizer. recorder may be nil.
func NewOptimizer(logger *zap.Logger, bt backtester.Backtester, recorder Recorder) *Optimizer {
	return &Optimizer{
		logger:   logger.Named("optimizer"),
		bt:       bt,
		recorder: recorder,
	}
}

// Optimize backtests every combination of grid over data. Each run gets a
// copy of base with the combination merged in; base itself is never changed.
// A failed run is logged, counted and skipped.
func (o *Optimizer) Optimize(ctx context.Context, data types.MarketData, grid *ParameterGrid, base types.RunConfig, opts Options) (*OptimizationResult, error) {
	startTime := time.Now()

	if !types.IsMetric(opts.Metric) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, opts.Metric)
	}
	if grid == nil {
		grid = NewParameterGrid()
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("parameter grid: %w", err)
	}
	if data.Empty() {
		return nil, backtester.ErrEmptyDataset
	}

	ascending := LowerIsBetter[opts.Metric]
	if opts.Ascending != nil {
		ascending = *opts.Ascending
	}

	combos := grid.Combinations()
	out := &OptimizationResult{
		Metric:    opts.Metric,
		Ascending: ascending,
		Results:   make([]Result, 0, len(combos)),
		Total:     len(combos),
	}

	o.logger.Info("Starting optimization",
		zap.String("metric", opts.Metric),
		zap.Int("combinations", len(combos)),
	)

	for i, combo := range combos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := o.bt.Run(ctx, data, base.WithParams(combo))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			out.Failed++
			o.logger.Warn("Backtest failed, skipping combination",
				zap.Int("index", i),
				zap.Any("params", combo),
				zap.Error(err),
			)
			if o.recorder != nil {
				o.recorder.RunFailed("optimizer")
			}
		} else {
			value, _ := res.Metric(opts.Metric)
			out.Results = append(out.Results, Result{Params: combo, Metric: value, Backtest: res})
		}

		if opts.Progress != nil {
			opts.Progress(i+1, len(combos))
		}
	}

	rank(out.Results, ascending)
	out.Duration = time.Since(startTime)

	fields := []zap.Field{
		zap.Int("succeeded", len(out.Results)),
		zap.Int("failed", out.Failed),
		zap.Duration("duration", out.Duration),
	}
	if best, ok := out.Best(); ok {
		fields = append(fields, zap.Float64("bestMetric", best.Metric))
	}
	o.logger.Info("Optimization complete", fields...)
	return out, nil
}

// rank sorts results stably by metric. NaN always sorts last.
func rank(results []Result, ascending bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Metric, results[j].Metric
		if math.IsNaN(a) || math.IsNaN(b) {
			return !math.IsNaN(a) && math.IsNaN(b)
		}
		if ascending {
			return a < b
		}
		return a > b
	})
}
