// Package types provides shared type definitions for the strategy research toolkit.
package types

import (
	"math"
	"sort"
	"time"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Timeframe represents a bar interval
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// PeriodsPerYear returns the number of bars in a year, used for annualization.
func (tf Timeframe) PeriodsPerYear() float64 {
	d := tf.Duration()
	if d <= 0 {
		return 252
	}
	return float64(365*24*time.Hour) / float64(d)
}

// OHLCV represents a single candlestick bar
type OHLCV struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MarketData maps a symbol to its bars sorted ascending by timestamp.
type MarketData map[string][]OHLCV

// Symbols returns the symbols in sorted order.
func (md MarketData) Symbols() []string {
	symbols := make([]string, 0, len(md))
	for s := range md {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Timestamps returns the sorted, de-duplicated union of bar timestamps across symbols.
func (md MarketData) Timestamps() []time.Time {
	seen := make(map[int64]struct{})
	var out []time.Time
	for _, bars := range md {
		for _, b := range bars {
			key := b.Timestamp.UnixNano()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, b.Timestamp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Slice returns the bars within [start, end], inclusive on both ends.
// Symbols with no bars in the range are omitted.
func (md MarketData) Slice(start, end time.Time) MarketData {
	out := make(MarketData, len(md))
	for symbol, bars := range md {
		var kept []OHLCV
		for _, b := range bars {
			if b.Timestamp.Before(start) || b.Timestamp.After(end) {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) > 0 {
			out[symbol] = kept
		}
	}
	return out
}

// Empty reports whether no symbol carries any bar.
func (md MarketData) Empty() bool {
	for _, bars := range md {
		if len(bars) > 0 {
			return false
		}
	}
	return true
}

// Trade represents a closed round-trip trade
type Trade struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"quantity"`
	EntryPrice float64      `json:"entryPrice"`
	EntryTime  time.Time    `json:"entryTime"`
	ExitPrice  float64      `json:"exitPrice"`
	ExitTime   time.Time    `json:"exitTime"`
	StopLoss   *float64     `json:"stopLoss,omitempty"`
	TakeProfit *float64     `json:"takeProfit,omitempty"`
	PnL        float64      `json:"pnl"`
	PnLPct     float64      `json:"pnlPct"`
	ExitReason string       `json:"exitReason"`
}

// Exit reasons recorded on trades.
const (
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
	ExitReasonSignal     = "signal"
	ExitReasonEndOfData  = "end_of_data"
	ExitReasonGridCycle  = "grid_cycle"
)

// BacktestResult represents the outcome of a single backtest run
type BacktestResult struct {
	ID                  string        `json:"id"`
	Strategy            string        `json:"strategy"`
	Params              ParameterSet  `json:"params"`
	InitialBalance      float64       `json:"initialBalance"`
	FinalBalance        float64       `json:"finalBalance"`
	TotalReturn         float64       `json:"totalReturn"`
	TotalTrades         int           `json:"totalTrades"`
	WinningTrades       int           `json:"winningTrades"`
	LosingTrades        int           `json:"losingTrades"`
	WinRate             float64       `json:"winRate"`
	AvgWin              float64       `json:"avgWin"`
	AvgLoss             float64       `json:"avgLoss"`
	Expectancy          float64       `json:"expectancy"`
	ProfitFactor        float64       `json:"profitFactor"`
	MaxDrawdown         float64       `json:"maxDrawdown"`
	MaxDrawdownDuration int           `json:"maxDrawdownDuration"`
	SharpeRatio         float64       `json:"sharpeRatio"`
	SortinoRatio        float64       `json:"sortinoRatio"`
	CalmarRatio         float64       `json:"calmarRatio"`
	GuardrailRejections int           `json:"guardrailRejections"`
	Trades              []Trade       `json:"trades"`
	EquityCurve         []float64     `json:"equityCurve"`
	StartedAt           time.Time     `json:"startedAt"`
	CompletedAt         time.Time     `json:"completedAt"`
	Duration            time.Duration `json:"duration"`
}

// PnLs returns the per-trade PnL values in trade order.
func (r *BacktestResult) PnLs() []float64 {
	out := make([]float64, len(r.Trades))
	for i, t := range r.Trades {
		out[i] = t.PnL
	}
	return out
}

// Metric returns a named scalar metric of the result.
func (r *BacktestResult) Metric(name string) (float64, bool) {
	switch name {
	case "total_return":
		return r.TotalReturn, true
	case "final_balance":
		return r.FinalBalance, true
	case "total_trades":
		return float64(r.TotalTrades), true
	case "win_rate":
		return r.WinRate, true
	case "avg_win":
		return r.AvgWin, true
	case "avg_loss":
		return r.AvgLoss, true
	case "expectancy":
		return r.Expectancy, true
	case "profit_factor":
		return r.ProfitFactor, true
	case "max_drawdown":
		return r.MaxDrawdown, true
	case "max_drawdown_duration":
		return float64(r.MaxDrawdownDuration), true
	case "sharpe_ratio":
		return r.SharpeRatio, true
	case "sortino_ratio":
		return r.SortinoRatio, true
	case "calmar_ratio":
		return r.CalmarRatio, true
	default:
		return math.NaN(), false
	}
}

// IsMetric reports whether name is a metric understood by BacktestResult.Metric.
func IsMetric(name string) bool {
	_, ok := (&BacktestResult{}).Metric(name)
	return ok
}

// MonteCarloResult represents the outcome of a bootstrap simulation
type MonteCarloResult struct {
	NumSimulations         int             `json:"numSimulations"`
	NumTrades              int             `json:"numTrades"`
	Seed                   int64           `json:"seed"`
	InitialBalance         float64         `json:"initialBalance"`
	FinalEquityPercentiles map[int]float64 `json:"finalEquityPercentiles"`
	MaxDrawdownPercentiles map[int]float64 `json:"maxDrawdownPercentiles"`
	TotalReturnPercentiles map[int]float64 `json:"totalReturnPercentiles"`
	CI95                   [2]float64      `json:"ci95"`
	CI99                   [2]float64      `json:"ci99"`
	MeanFinalEquity        float64         `json:"meanFinalEquity"`
	StdFinalEquity         float64         `json:"stdFinalEquity"`
	ProbabilityOfLoss      float64         `json:"probabilityOfLoss"`
	FinalEquities          []float64       `json:"finalEquities"`
	MaxDrawdowns           []float64       `json:"maxDrawdowns"`
	WorstCurve             []float64       `json:"worstCurve"`
	MedianCurve            []float64       `json:"medianCurve"`
	BestCurve              []float64       `json:"bestCurve"`
}

// WalkForwardWindow is a single IS/OOS split with its evaluation
type WalkForwardWindow struct {
	Index              int          `json:"index"`
	ISStart            time.Time    `json:"isStart"`
	ISEnd              time.Time    `json:"isEnd"`
	OOSStart           time.Time    `json:"oosStart"`
	OOSEnd             time.Time    `json:"oosEnd"`
	BestParams         ParameterSet `json:"bestParams"`
	ISReturn           float64      `json:"isReturn"`
	OOSReturn          float64      `json:"oosReturn"`
	ISMetric           float64      `json:"isMetric"`
	OOSMetric          float64      `json:"oosMetric"`
	OOSTrades          int          `json:"oosTrades"`
	OOSWinningTrades   int          `json:"oosWinningTrades"`
	DegradationRatio   float64      `json:"degradationRatio"`
	DegradationDefined bool         `json:"degradationDefined"`
	OOSEquityCurve     []float64    `json:"oosEquityCurve"`
}

// WalkForwardResult represents the aggregate of a walk-forward run
type WalkForwardResult struct {
	Metric             string              `json:"metric"`
	NumWindows         int                 `json:"numWindows"`
	OOSPct             float64             `json:"oosPct"`
	Windows            []WalkForwardWindow `json:"windows"`
	SkippedWindows     []int               `json:"skippedWindows"`
	OOSTotalReturn     float64             `json:"oosTotalReturn"`
	OOSTotalTrades     int                 `json:"oosTotalTrades"`
	OOSWinRate         float64             `json:"oosWinRate"`
	AvgDegradation     float64             `json:"avgDegradation"`
	DefinedDegradation int                 `json:"definedDegradation"`
	OOSEquityCurve     []float64           `json:"oosEquityCurve"`
}

// Params is a flat parameter-name to value mapping
type Params map[string]float64

// Clone returns an independent copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the value for name, or def when absent.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Bool interprets a parameter as a flag (non-zero is true).
func (p Params) Bool(name string, def bool) bool {
	if v, ok := p[name]; ok {
		return v != 0
	}
	return def
}

// ParameterSet carries strategy ("oracle") and risk parameters separately
type ParameterSet struct {
	Oracle Params `json:"oracle"`
	Risk   Params `json:"risk"`
}

// Clone returns an independent copy.
func (ps ParameterSet) Clone() ParameterSet {
	return ParameterSet{Oracle: ps.Oracle.Clone(), Risk: ps.Risk.Clone()}
}

// Merge returns a copy of ps overlaid with the values in other.
func (ps ParameterSet) Merge(other ParameterSet) ParameterSet {
	out := ps.Clone()
	for k, v := range other.Oracle {
		out.Oracle[k] = v
	}
	for k, v := range other.Risk {
		out.Risk[k] = v
	}
	return out
}

// Strategy kinds understood by the backtester.
const (
	StrategyTrend = "trend"
	StrategyGrid  = "grid"
)

// RunConfig is the per-run configuration threaded by value through a backtest.
type RunConfig struct {
	Strategy       string           `json:"strategy"`
	Symbols        []string         `json:"symbols"`
	Timeframe      Timeframe        `json:"timeframe"`
	InitialBalance float64          `json:"initialBalance"`
	Commission     float64          `json:"commission"`
	SlippageBps    float64          `json:"slippageBps"`
	Params         ParameterSet     `json:"params"`
	Guardrails     GuardrailsConfig `json:"guardrails"`
}

// WithParams returns a copy of the config with params merged over its own.
func (c RunConfig) WithParams(params ParameterSet) RunConfig {
	out := c
	out.Symbols = append([]string(nil), c.Symbols...)
	out.Params = c.Params.Merge(params)
	return out
}
