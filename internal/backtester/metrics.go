package backtester

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// ComputeMetrics fills the performance fields of result from its trades,
// equity curve and balances. Ratios are annualised with periodsPerYear.
func ComputeMetrics(result *types.BacktestResult, periodsPerYear float64) {
	if result.InitialBalance > 0 {
		result.TotalReturn = (result.FinalBalance - result.InitialBalance) / result.InitialBalance
	}

	var grossWin, grossLoss float64
	result.TotalTrades = len(result.Trades)
	result.WinningTrades, result.LosingTrades = 0, 0
	for _, t := range result.Trades {
		switch {
		case t.PnL > 0:
			result.WinningTrades++
			grossWin += t.PnL
		case t.PnL < 0:
			result.LosingTrades++
			grossLoss -= t.PnL
		}
	}

	result.WinRate, result.AvgWin, result.AvgLoss, result.Expectancy, result.ProfitFactor = 0, 0, 0, 0, 0
	if result.TotalTrades > 0 {
		n := float64(result.TotalTrades)
		result.WinRate = float64(result.WinningTrades) / n
		if result.WinningTrades > 0 {
			result.AvgWin = grossWin / float64(result.WinningTrades)
		}
		if result.LosingTrades > 0 {
			result.AvgLoss = grossLoss / float64(result.LosingTrades)
		}
		lossRate := float64(result.LosingTrades) / n
		result.Expectancy = result.WinRate*result.AvgWin - lossRate*result.AvgLoss
	}
	// Profit factor stays 0 without losses so results remain JSON-encodable.
	if grossLoss > 0 {
		result.ProfitFactor = grossWin / grossLoss
	}

	result.MaxDrawdown, result.MaxDrawdownDuration = MaxDrawdown(result.InitialBalance, result.EquityCurve)

	returns := PeriodReturns(result.InitialBalance, result.EquityCurve)
	result.SharpeRatio, result.SortinoRatio, result.CalmarRatio = 0, 0, 0
	if len(returns) > 1 {
		mean, std := stat.MeanStdDev(returns, nil)
		annual := math.Sqrt(periodsPerYear)
		if std > 0 {
			result.SharpeRatio = mean / std * annual
		}
		if dd := downsideDeviation(returns); dd > 0 {
			result.SortinoRatio = mean / dd * annual
		}
		if result.MaxDrawdown > 0 {
			result.CalmarRatio = mean * periodsPerYear / result.MaxDrawdown
		}
	}
}

// PeriodReturns returns the simple returns of curve, starting from initial.
func PeriodReturns(initial float64, curve []float64) []float64 {
	if len(curve) == 0 {
		return nil
	}
	returns := make([]float64, 0, len(curve))
	prev := initial
	for _, v := range curve {
		if prev != 0 {
			returns = append(returns, v/prev-1)
		}
		prev = v
	}
	return returns
}

// MaxDrawdown returns the largest peak-to-trough decline of curve as a
// fraction of the peak, and the longest run of periods spent below a peak.
// The peak starts at initial.
func MaxDrawdown(initial float64, curve []float64) (float64, int) {
	peak := initial
	var maxDD float64
	var run, longest int
	for _, v := range curve {
		if v >= peak {
			peak = v
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longest
}

// downsideDeviation is the standard deviation of the negative returns.
func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) < 2 {
		return 0
	}
	return stat.StdDev(negative, nil)
}
