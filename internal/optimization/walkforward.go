package optimization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// ErrInsufficientTimestamps is returned when the data cannot fill the requested windows.
var ErrInsufficientTimestamps = errors.New("insufficient timestamps for walk-forward windows")

// Walk-forward defaults.
const (
	DefaultNumWindows = 5
	DefaultOOSPct     = 0.3
	DefaultMetric     = "sharpe_ratio"
)

// Window is one in-sample / out-of-sample split. All bounds are inclusive.
type Window struct {
	Index    int
	ISStart  time.Time
	ISEnd    time.Time
	OOSStart time.Time
	OOSEnd   time.Time
}

// SplitWindows divides the sorted, de-duplicated timestamps into n
// contiguous chunks, the last absorbing any remainder, and splits each
// chunk into a leading IS span and a trailing OOS span of roughly oosPct.
// Each span keeps at least one timestamp.
func SplitWindows(timestamps []time.Time, n int, oosPct float64) ([]Window, error) {
	if n <= 0 {
		return nil, fmt.Errorf("number of windows must be positive, got %d", n)
	}
	if oosPct <= 0 || oosPct >= 1 {
		return nil, fmt.Errorf("oos pct must be in (0, 1), got %v", oosPct)
	}

	ts := dedupe(timestamps)
	if len(ts) < 2*n {
		return nil, fmt.Errorf("%w: have %d, need at least %d for %d windows",
			ErrInsufficientTimestamps, len(ts), 2*n, n)
	}

	chunk := len(ts) / n
	windows := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunk
		end := start + chunk
		if i == n-1 {
			end = len(ts)
		}
		length := end - start

		split := start + int(float64(length)*(1-oosPct))
		if split < start+1 {
			split = start + 1
		}
		if split > end-1 {
			split = end - 1
		}

		windows = append(windows, Window{
			Index:    i,
			ISStart:  ts[start],
			ISEnd:    ts[split-1],
			OOSStart: ts[split],
			OOSEnd:   ts[end-1],
		})
	}
	return windows, nil
}

func dedupe(timestamps []time.Time) []time.Time {
	ts := append([]time.Time(nil), timestamps...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	out := ts[:0]
	for i, t := range ts {
		if i > 0 && t.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// WalkForwardEngine optimizes on each in-sample span and evaluates the
// winning parameters on the following out-of-sample span.
type WalkForwardEngine struct {
	logger    *zap.Logger
	bt        backtester.Backtester
	optimizer *Optimizer
	config    types.WalkForwardConfig
	recorder  Recorder
}

// NewWalkForwardEngine creates a walk-forward engine. Zero config fields
// take the package defaults; recorder may be nil.
func NewWalkForwardEngine(logger *zap.Logger, bt backtester.Backtester, optimizer *Optimizer, config types.WalkForwardConfig, recorder Recorder) *WalkForwardEngine {
	if config.NumWindows <= 0 {
		config.NumWindows = DefaultNumWindows
	}
	if config.OOSPct <= 0 {
		config.OOSPct = DefaultOOSPct
	}
	if config.Metric == "" {
		config.Metric = DefaultMetric
	}
	if optimizer == nil {
		optimizer = NewOptimizer(logger, bt, recorder)
	}
	return &WalkForwardEngine{
		logger:    logger.Named("walkforward"),
		bt:        bt,
		optimizer: optimizer,
		config:    config,
		recorder:  recorder,
	}
}

// Run executes the walk-forward protocol over data. Windows that have no
// data or whose optimization or OOS run fails are skipped and listed in
// SkippedWindows. progress, if non-nil, is called after every window.
func (w *WalkForwardEngine) Run(ctx context.Context, data types.MarketData, grid *ParameterGrid, base types.RunConfig, progress func(done, total int)) (*types.WalkForwardResult, error) {
	if !types.IsMetric(w.config.Metric) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, w.config.Metric)
	}
	windows, err := SplitWindows(data.Timestamps(), w.config.NumWindows, w.config.OOSPct)
	if err != nil {
		return nil, err
	}

	result := &types.WalkForwardResult{
		Metric:     w.config.Metric,
		NumWindows: len(windows),
		OOSPct:     w.config.OOSPct,
	}

	w.logger.Info("Starting walk-forward",
		zap.Int("windows", len(windows)),
		zap.Float64("oosPct", w.config.OOSPct),
		zap.String("metric", w.config.Metric),
	)

	for _, win := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wr, err := w.runWindow(ctx, data, grid, base, win)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			w.logger.Warn("Skipping walk-forward window",
				zap.Int("window", win.Index),
				zap.Error(err),
			)
			if w.recorder != nil {
				w.recorder.RunFailed("walkforward")
			}
			result.SkippedWindows = append(result.SkippedWindows, win.Index)
		} else {
			result.Windows = append(result.Windows, *wr)
		}

		if progress != nil {
			progress(win.Index+1, len(windows))
		}
	}

	aggregate(result, base.InitialBalance)

	w.logger.Info("Walk-forward complete",
		zap.Int("evaluated", len(result.Windows)),
		zap.Int("skipped", len(result.SkippedWindows)),
		zap.Float64("oosTotalReturn", result.OOSTotalReturn),
		zap.Float64("avgDegradation", result.AvgDegradation),
	)
	return result, nil
}

func (w *WalkForwardEngine) runWindow(ctx context.Context, data types.MarketData, grid *ParameterGrid, base types.RunConfig, win Window) (*types.WalkForwardWindow, error) {
	isData := data.Slice(win.ISStart, win.ISEnd)
	oosData := data.Slice(win.OOSStart, win.OOSEnd)
	if isData.Empty() || oosData.Empty() {
		return nil, backtester.ErrEmptyDataset
	}

	opt, err := w.optimizer.Optimize(ctx, isData, grid, base, Options{Metric: w.config.Metric})
	if err != nil {
		return nil, fmt.Errorf("in-sample optimization: %w", err)
	}
	best, ok := opt.Best()
	if !ok {
		return nil, fmt.Errorf("in-sample optimization: all %d combinations failed", opt.Total)
	}

	oos, err := w.bt.Run(ctx, oosData, base.WithParams(best.Params))
	if err != nil {
		return nil, fmt.Errorf("out-of-sample backtest: %w", err)
	}
	oosMetric, _ := oos.Metric(w.config.Metric)

	wr := &types.WalkForwardWindow{
		Index:            win.Index,
		ISStart:          win.ISStart,
		ISEnd:            win.ISEnd,
		OOSStart:         win.OOSStart,
		OOSEnd:           win.OOSEnd,
		BestParams:       best.Params,
		ISReturn:         best.Backtest.TotalReturn,
		OOSReturn:        oos.TotalReturn,
		ISMetric:         best.Metric,
		OOSMetric:        oosMetric,
		OOSTrades:        oos.TotalTrades,
		OOSWinningTrades: oos.WinningTrades,
		OOSEquityCurve:   oos.EquityCurve,
	}
	if wr.ISReturn != 0 {
		wr.DegradationRatio = wr.OOSReturn / wr.ISReturn
		wr.DegradationDefined = true
	}

	w.logger.Debug("Walk-forward window evaluated",
		zap.Int("window", win.Index),
		zap.Float64("isReturn", wr.ISReturn),
		zap.Float64("oosReturn", wr.OOSReturn),
		zap.Bool("degradationDefined", wr.DegradationDefined),
	)
	return wr, nil
}

// aggregate chains OOS returns in window order, merges trade counts and
// stitches the OOS equity curves so each continues from the previous end.
func aggregate(result *types.WalkForwardResult, initial float64) {
	compound := 1.0
	wins := 0
	var ratios []float64

	balance := initial
	for _, win := range result.Windows {
		compound *= 1 + win.OOSReturn
		result.OOSTotalTrades += win.OOSTrades
		wins += win.OOSWinningTrades
		if win.DegradationDefined {
			ratios = append(ratios, win.DegradationRatio)
		}

		if initial > 0 && len(win.OOSEquityCurve) > 0 {
			scale := balance / initial
			for _, v := range win.OOSEquityCurve {
				result.OOSEquityCurve = append(result.OOSEquityCurve, v*scale)
			}
			balance = result.OOSEquityCurve[len(result.OOSEquityCurve)-1]
		}
	}

	if len(result.Windows) > 0 {
		result.OOSTotalReturn = compound - 1
	}
	if result.OOSTotalTrades > 0 {
		result.OOSWinRate = float64(wins) / float64(result.OOSTotalTrades)
	}
	result.DefinedDegradation = len(ratios)
	if len(ratios) > 0 {
		result.AvgDegradation, _ = stats.Mean(ratios)
	}
}
