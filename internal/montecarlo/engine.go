// Package montecarlo bootstrap-resamples a backtest's trade PnLs to estimate
// the distribution of outcomes the strategy could have produced.
package montecarlo

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// Percentiles reported for every distribution.
var Percentiles = []int{5, 25, 50, 75, 95}

// DefaultSimulations is used when the configuration asks for none.
const DefaultSimulations = 1000

// Engine performs bootstrap simulations
type Engine struct {
	logger *zap.Logger
	config types.MonteCarloConfig
}

// NewEngine creates a Monte Carlo engine. A zero seed draws a fresh seed per run.
func NewEngine(logger *zap.Logger, config types.MonteCarloConfig) *Engine {
	if config.NumSimulations <= 0 {
		config.NumSimulations = DefaultSimulations
	}
	return &Engine{
		logger: logger.Named("montecarlo"),
		config: config,
	}
}

// Run resamples result's trade PnLs with replacement. The seed used is
// recorded in the returned result; rerunning with it reproduces the result.
func (e *Engine) Run(result *types.BacktestResult) *types.MonteCarloResult {
	seed := e.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pnls := result.PnLs()
	initial := result.InitialBalance

	out := &types.MonteCarloResult{
		NumSimulations:         e.config.NumSimulations,
		NumTrades:              len(pnls),
		Seed:                   seed,
		InitialBalance:         initial,
		FinalEquityPercentiles: make(map[int]float64),
		MaxDrawdownPercentiles: make(map[int]float64),
		TotalReturnPercentiles: make(map[int]float64),
	}

	if len(pnls) == 0 {
		out.NumSimulations = 0
		out.FinalEquities = []float64{result.FinalBalance}
		out.MaxDrawdowns = []float64{result.MaxDrawdown}
		out.CI95 = [2]float64{result.FinalBalance, result.FinalBalance}
		out.CI99 = out.CI95
		out.MeanFinalEquity = result.FinalBalance
		if result.FinalBalance < initial {
			out.ProbabilityOfLoss = 1
		}
		e.logger.Debug("No trades to resample")
		return out
	}

	sims := e.config.NumSimulations
	finals := make([]float64, sims)
	drawdowns := make([]float64, sims)

	// pass 1: scalar outcomes only
	rng := rand.New(rand.NewSource(seed))
	for s := 0; s < sims; s++ {
		finals[s], drawdowns[s] = simulate(rng, pnls, initial, nil)
	}

	worst, best := 0, 0
	losses := 0
	for s, f := range finals {
		if f < finals[worst] {
			worst = s
		}
		if f > finals[best] {
			best = s
		}
		if f < initial {
			losses++
		}
	}

	sortedFinals := sortedCopy(finals)
	sortedDDs := sortedCopy(drawdowns)
	returns := make([]float64, sims)
	for s, f := range sortedFinals {
		if initial != 0 {
			returns[s] = (f - initial) / initial
		}
	}

	for _, p := range Percentiles {
		out.FinalEquityPercentiles[p] = Percentile(sortedFinals, float64(p))
		out.MaxDrawdownPercentiles[p] = Percentile(sortedDDs, float64(p))
		out.TotalReturnPercentiles[p] = Percentile(returns, float64(p))
	}
	out.CI95 = [2]float64{Percentile(sortedFinals, 2.5), Percentile(sortedFinals, 97.5)}
	out.CI99 = [2]float64{Percentile(sortedFinals, 0.5), Percentile(sortedFinals, 99.5)}

	median := nearest(finals, out.FinalEquityPercentiles[50])

	// pass 2: replay the identical stream, keeping only the representative paths
	targets := map[int][]float64{}
	for _, idx := range []int{worst, median, best} {
		targets[idx] = nil
	}
	rng = rand.New(rand.NewSource(seed))
	for s := 0; s < sims; s++ {
		if _, want := targets[s]; want {
			curve := make([]float64, 0, len(pnls)+1)
			simulate(rng, pnls, initial, &curve)
			targets[s] = curve
			continue
		}
		simulate(rng, pnls, initial, nil)
	}
	out.WorstCurve = targets[worst]
	out.MedianCurve = targets[median]
	out.BestCurve = targets[best]

	out.FinalEquities = finals
	out.MaxDrawdowns = drawdowns
	out.MeanFinalEquity, _ = stats.Mean(finals)
	out.StdFinalEquity, _ = stats.StandardDeviation(finals)
	out.ProbabilityOfLoss = float64(losses) / float64(sims)

	e.logger.Debug("Monte Carlo simulation complete",
		zap.Int("simulations", sims),
		zap.Int("trades", len(pnls)),
		zap.Int64("seed", seed),
		zap.Float64("p5", out.FinalEquityPercentiles[5]),
		zap.Float64("p50", out.FinalEquityPercentiles[50]),
		zap.Float64("p95", out.FinalEquityPercentiles[95]),
	)
	return out
}

// simulate draws len(pnls) samples with replacement and returns the final
// equity and max drawdown of the path. When curve is non-nil the path,
// starting with initial, is appended to it.
func simulate(rng *rand.Rand, pnls []float64, initial float64, curve *[]float64) (float64, float64) {
	equity := initial
	peak := initial
	maxDD := 0.0
	if curve != nil {
		*curve = append(*curve, equity)
	}
	for range pnls {
		equity += pnls[rng.Intn(len(pnls))]
		if curve != nil {
			*curve = append(*curve, equity)
		}
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD || math.IsNaN(dd) || math.IsInf(dd, 0) {
			maxDD = dd
		}
	}
	return equity, clipDrawdown(maxDD, equity)
}

// clipDrawdown bounds a drawdown to [0, 1]. A non-finite value means the
// peak was not positive: a wiped-out path maps to 1, anything else to 0.
func clipDrawdown(dd, final float64) float64 {
	if math.IsNaN(dd) || math.IsInf(dd, 0) {
		if final <= 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, dd))
}

// Percentile linearly interpolates between the closest ranks of sorted,
// matching numpy's default percentile method. p is in [0, 100].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	if lower >= n-1 {
		return sorted[n-1]
	}
	if lower < 0 {
		return sorted[0]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

// nearest returns the first index whose value is closest to target.
func nearest(values []float64, target float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, v := range values {
		if d := math.Abs(v - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}
