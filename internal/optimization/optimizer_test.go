package optimization

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(n int) types.MarketData {
	bars := make([]types.OHLCV, n)
	for i := range bars {
		bars[i] = types.OHLCV{Timestamp: t0.Add(time.Duration(i) * time.Hour), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
	}
	return types.MarketData{"BTC": bars}
}

// scriptedBacktester returns total_return = x/100 and max_drawdown = x/10
// for the oracle parameter x, and fails when x equals failOn.
type scriptedBacktester struct {
	failOn  float64
	calls   int
	configs []types.RunConfig
}

func (s *scriptedBacktester) Run(_ context.Context, data types.MarketData, cfg types.RunConfig) (*types.BacktestResult, error) {
	s.calls++
	s.configs = append(s.configs, cfg)
	x := cfg.Params.Oracle.Get("x", 0)
	if x == s.failOn {
		return nil, errors.New("scripted failure")
	}
	r := x / 100
	return &types.BacktestResult{
		InitialBalance: cfg.InitialBalance,
		FinalBalance:   cfg.InitialBalance * (1 + r),
		TotalReturn:    r,
		MaxDrawdown:    x / 10,
		TotalTrades:    2,
		WinningTrades:  1,
		EquityCurve:    []float64{cfg.InitialBalance, cfg.InitialBalance * (1 + r)},
	}, nil
}

type failureCounter struct{ counts map[string]int }

func (f *failureCounter) RunFailed(component string) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[component]++
}

func baseConfig() types.RunConfig {
	return types.RunConfig{
		Strategy:       types.StrategyTrend,
		InitialBalance: 10000,
		Params:         types.ParameterSet{Oracle: types.Params{"y": 5}, Risk: types.Params{}},
	}
}

func TestOptimizeRanksAndSkipsFailures(t *testing.T) {
	bt := &scriptedBacktester{failOn: 3}
	rec := &failureCounter{}
	opt := NewOptimizer(zap.NewNop(), bt, rec)
	grid := NewParameterGrid().Add(CategoryOracle, "x", 1, 2, 3, 4)
	base := baseConfig()

	var progress []int
	res, err := opt.Optimize(context.Background(), hourly(10), grid, base, Options{
		Metric:   "total_return",
		Progress: func(done, total int) { progress = append(progress, done); assert.Equal(t, 4, total) },
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Ascending)
	require.Len(t, res.Results, 3)
	var order []float64
	for _, r := range res.Results {
		order = append(order, r.Params.Oracle["x"])
	}
	assert.Equal(t, []float64{4, 2, 1}, order)
	assert.Equal(t, []int{1, 2, 3, 4}, progress)
	assert.Equal(t, 1, rec.counts["optimizer"])

	best, ok := res.Best()
	require.True(t, ok)
	assert.InDelta(t, 0.04, best.Metric, 1e-12)

	// every run saw the base parameters merged under the combination
	for _, cfg := range bt.configs {
		assert.Equal(t, 5.0, cfg.Params.Oracle["y"])
	}
	if diff := cmp.Diff(baseConfig(), base); diff != "" {
		t.Errorf("base config mutated (-want +got):\n%s", diff)
	}
}

func TestOptimizeDirection(t *testing.T) {
	grid := NewParameterGrid().Add(CategoryOracle, "x", 2, 4, 1)

	res, err := NewOptimizer(zap.NewNop(), &scriptedBacktester{failOn: math.NaN()}, nil).
		Optimize(context.Background(), hourly(5), grid, baseConfig(), Options{Metric: "max_drawdown"})
	require.NoError(t, err)
	assert.True(t, res.Ascending)
	assert.Equal(t, 1.0, res.Results[0].Params.Oracle["x"])

	desc := false
	res, err = NewOptimizer(zap.NewNop(), &scriptedBacktester{failOn: math.NaN()}, nil).
		Optimize(context.Background(), hourly(5), grid, baseConfig(), Options{Metric: "max_drawdown", Ascending: &desc})
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Results[0].Params.Oracle["x"])
}

func TestOptimizeTiesKeepGridOrder(t *testing.T) {
	grid := NewParameterGrid().
		Add(CategoryOracle, "x", 2).
		Add(CategoryRisk, "stop", 0.01, 0.02, 0.03)

	res, err := NewOptimizer(zap.NewNop(), &scriptedBacktester{failOn: math.NaN()}, nil).
		Optimize(context.Background(), hourly(5), grid, baseConfig(), Options{Metric: "total_return"})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	for i, want := range []float64{0.01, 0.02, 0.03} {
		assert.Equal(t, want, res.Results[i].Params.Risk["stop"])
	}
}

func TestOptimizeValidation(t *testing.T) {
	bt := &scriptedBacktester{failOn: math.NaN()}
	opt := NewOptimizer(zap.NewNop(), bt, nil)
	grid := NewParameterGrid().Add(CategoryOracle, "x", 1)

	_, err := opt.Optimize(context.Background(), hourly(5), grid, baseConfig(), Options{Metric: "alpha"})
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = opt.Optimize(context.Background(), types.MarketData{}, grid, baseConfig(), Options{Metric: "total_return"})
	assert.ErrorIs(t, err, backtester.ErrEmptyDataset)

	bad := NewParameterGrid().Add("strategy", "x", 1)
	_, err = opt.Optimize(context.Background(), hourly(5), bad, baseConfig(), Options{Metric: "total_return"})
	assert.Error(t, err)

	assert.Zero(t, bt.calls)
}

func TestOptimizeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOptimizer(zap.NewNop(), &scriptedBacktester{failOn: math.NaN()}, nil).
		Optimize(ctx, hourly(5), NewParameterGrid().Add(CategoryOracle, "x", 1, 2), baseConfig(), Options{Metric: "total_return"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizeWithBacktestEngine(t *testing.T) {
	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/6)
	}
	bars := make([]types.OHLCV, len(closes))
	prev := closes[0]
	for i, c := range closes {
		bars[i] = types.OHLCV{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      prev, High: math.Max(prev, c), Low: math.Min(prev, c), Close: c, Volume: 1000,
		}
		prev = c
	}
	base := types.RunConfig{
		Strategy:       types.StrategyTrend,
		Timeframe:      types.Timeframe1h,
		InitialBalance: 10000,
		Params:         types.ParameterSet{Oracle: types.Params{"slow_period": 12}},
	}
	grid := NewParameterGrid().Add(CategoryOracle, "fast_period", 3, 5)

	opt := NewOptimizer(zap.NewNop(), backtester.NewEngine(zap.NewNop(), nil), nil)
	res, err := opt.Optimize(context.Background(), types.MarketData{"BTC": bars}, grid, base, Options{Metric: "total_return"})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.GreaterOrEqual(t, res.Results[0].Metric, res.Results[1].Metric)
	for _, r := range res.Results {
		assert.Equal(t, 12.0, r.Backtest.Params.Oracle["slow_period"])
	}
}
