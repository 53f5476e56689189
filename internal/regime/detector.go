// Package regime provides market regime detection from a close series.
// Detects: Bull, Bear, High-Vol, Low-Vol, Mean-Reverting.
package regime

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// RegimeType represents different market regimes
type RegimeType string

const (
	RegimeBull          RegimeType = "bull"           // Uptrend
	RegimeBear          RegimeType = "bear"           // Downtrend
	RegimeHighVol       RegimeType = "high_vol"       // High volatility
	RegimeLowVol        RegimeType = "low_vol"        // Low volatility
	RegimeMeanReverting RegimeType = "mean_reverting" // Range-bound
	RegimeUnknown       RegimeType = "unknown"
)

// hmmStates is the order of the hidden states in the transition matrix.
var hmmStates = []RegimeType{RegimeBull, RegimeBear, RegimeHighVol, RegimeLowVol}

// RegimeState represents a classified market regime
type RegimeState struct {
	Primary       RegimeType             `json:"primary"`
	Secondary     RegimeType             `json:"secondary"`
	Confidence    float64                `json:"confidence"`     // 0-1
	Volatility    float64                `json:"volatility"`     // annualized
	Trend         float64                `json:"trend"`          // -1 to 1
	MeanReversion float64                `json:"mean_reversion"` // lag-1 autocorrelation
	Probabilities map[RegimeType]float64 `json:"probabilities"`
	Observations  int                    `json:"observations"`
}

// Config configures the regime detector
type Config struct {
	WindowSize     int     // Lookback window in returns
	PeriodsPerYear float64 // Annualization factor for volatility
	VolThreshold   float64 // Threshold for high/low vol classification
	TrendThreshold float64 // Threshold for trending classification
	MRThreshold    float64 // Mean reversion threshold
}

// DefaultConfig returns sensible defaults for daily bars
func DefaultConfig() Config {
	return Config{
		WindowSize:     100,
		PeriodsPerYear: 252,
		VolThreshold:   0.25,
		TrendThreshold: 0.3,
		MRThreshold:    -0.1,
	}
}

// Detector classifies regimes with rules backed by HMM forward probabilities
type Detector struct {
	logger *zap.Logger
	config Config

	transitionMatrix [][]float64
	emissionMeans    []float64
	emissionVars     []float64
}

// NewDetector creates a regime detector
func NewDetector(logger *zap.Logger, config Config) *Detector {
	if config.WindowSize < 3 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.PeriodsPerYear <= 0 {
		config.PeriodsPerYear = DefaultConfig().PeriodsPerYear
	}

	n := len(hmmStates)
	tm := make([][]float64, n)
	for i := range tm {
		tm[i] = make([]float64, n)
		for j := range tm[i] {
			if i == j {
				tm[i][j] = 0.9
			} else {
				tm[i][j] = 0.1 / float64(n-1)
			}
		}
	}

	return &Detector{
		logger:           logger.Named("regime"),
		config:           config,
		transitionMatrix: tm,
		emissionMeans:    []float64{0.001, -0.001, 0.0, 0.0},
		emissionVars:     []float64{0.0001, 0.0001, 0.0004, 0.00005},
	}
}

// Detect classifies the regime of the most recent WindowSize returns of closes.
func (d *Detector) Detect(closes []float64) (*RegimeState, error) {
	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			return nil, fmt.Errorf("non-positive close at index %d", i-1)
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 3 {
		return nil, fmt.Errorf("need at least 4 closes to detect a regime, got %d", len(closes))
	}
	if len(returns) > d.config.WindowSize {
		returns = returns[len(returns)-d.config.WindowSize:]
	}

	trend := d.calculateTrend(returns)
	vol := d.calculateVolatility(returns) * math.Sqrt(d.config.PeriodsPerYear)
	mr := d.calculateMeanReversion(returns)
	probs := d.calculateStateProbabilities(returns)

	primary, confidence := d.classifyRegime(trend, vol, mr, probs)
	state := &RegimeState{
		Primary:       primary,
		Secondary:     d.classifySecondary(trend, vol, mr, primary),
		Confidence:    confidence,
		Volatility:    vol,
		Trend:         trend,
		MeanReversion: mr,
		Probabilities: probs,
		Observations:  len(returns),
	}

	d.logger.Debug("Regime detected",
		zap.String("primary", string(state.Primary)),
		zap.Float64("confidence", state.Confidence),
		zap.Float64("volatility", vol),
		zap.Float64("trend", trend),
	)
	return state, nil
}

// calculateTrend is the summed return normalised by volatility, clamped to [-1, 1]
func (d *Detector) calculateTrend(returns []float64) float64 {
	vol := d.calculateVolatility(returns)
	if vol == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	return math.Max(-1, math.Min(1, sum/(vol*math.Sqrt(float64(len(returns))))))
}

func (d *Detector) calculateVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// calculateMeanReversion is the lag-1 autocorrelation (negative = mean reverting)
func (d *Detector) calculateMeanReversion(returns []float64) float64 {
	if len(returns) < 3 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	var autocov, variance float64
	for i := 1; i < len(returns); i++ {
		autocov += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}
	if variance == 0 {
		return 0
	}
	return autocov / variance
}

// calculateStateProbabilities runs the normalised HMM forward pass
func (d *Detector) calculateStateProbabilities(returns []float64) map[RegimeType]float64 {
	n := len(hmmStates)
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = 1.0 / float64(n)
	}

	for _, ret := range returns {
		next := make([]float64, n)
		total := 0.0
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[i] * d.transitionMatrix[i][j]
			}
			next[j] = sum * gaussianPDF(ret, d.emissionMeans[j], d.emissionVars[j])
			total += next[j]
		}
		if total > 0 {
			for j := range next {
				next[j] /= total
			}
			alpha = next
		}
	}

	probs := make(map[RegimeType]float64, n)
	for i, rt := range hmmStates {
		probs[rt] = alpha[i]
	}
	return probs
}

func gaussianPDF(x, mean, variance float64) float64 {
	if variance <= 0 {
		variance = 0.0001
	}
	diff := x - mean
	return math.Exp(-0.5*diff*diff/variance) / math.Sqrt(2*math.Pi*variance)
}

// classifyRegime determines the primary regime
func (d *Detector) classifyRegime(trend, vol, mr float64, probs map[RegimeType]float64) (RegimeType, float64) {
	maxProb := 0.0
	maxRegime := RegimeUnknown
	for _, rt := range hmmStates {
		if probs[rt] > maxProb {
			maxProb = probs[rt]
			maxRegime = rt
		}
	}

	// Rules override weak HMM evidence
	if vol > d.config.VolThreshold {
		if maxProb < 0.7 {
			maxRegime = RegimeHighVol
			maxProb = 0.5 + vol/2
		}
	} else if vol < d.config.VolThreshold/2 {
		if maxProb < 0.7 {
			maxRegime = RegimeLowVol
			maxProb = 0.5 + (d.config.VolThreshold-vol)/d.config.VolThreshold
		}
	}

	if math.Abs(trend) > d.config.TrendThreshold && maxRegime != RegimeHighVol {
		if trend > 0 {
			maxRegime = RegimeBull
		} else {
			maxRegime = RegimeBear
		}
		maxProb = 0.5 + math.Abs(trend)/2
	}

	if mr < d.config.MRThreshold && maxProb < 0.6 {
		maxRegime = RegimeMeanReverting
		maxProb = 0.5 + math.Abs(mr)
	}

	return maxRegime, math.Min(maxProb, 1)
}

// classifySecondary determines secondary regime
func (d *Detector) classifySecondary(trend, vol, mr float64, primary RegimeType) RegimeType {
	switch primary {
	case RegimeBull, RegimeBear:
		if vol > d.config.VolThreshold {
			return RegimeHighVol
		} else if vol < d.config.VolThreshold/2 {
			return RegimeLowVol
		}
	case RegimeHighVol, RegimeLowVol:
		if trend > d.config.TrendThreshold {
			return RegimeBull
		} else if trend < -d.config.TrendThreshold {
			return RegimeBear
		} else if mr < d.config.MRThreshold {
			return RegimeMeanReverting
		}
	case RegimeMeanReverting:
		if vol > d.config.VolThreshold {
			return RegimeHighVol
		}
	}
	return RegimeUnknown
}

// StrategyAdjustments contains recommended risk scaling for a regime
type StrategyAdjustments struct {
	PositionSizeMultiplier float64 `json:"position_size_multiplier"`
	StopLossMultiplier     float64 `json:"stop_loss_multiplier"`
	TakeProfitMultiplier   float64 `json:"take_profit_multiplier"`
}

// Adjustments returns the scaling recommended for state. Low confidence pulls
// the multipliers toward neutral.
func Adjustments(state *RegimeState) StrategyAdjustments {
	adj := StrategyAdjustments{PositionSizeMultiplier: 1, StopLossMultiplier: 1, TakeProfitMultiplier: 1}
	if state == nil {
		return adj
	}

	switch state.Primary {
	case RegimeBull:
		adj = StrategyAdjustments{1.2, 0.8, 1.5}
	case RegimeBear:
		adj = StrategyAdjustments{0.8, 0.7, 1.2}
	case RegimeHighVol:
		adj = StrategyAdjustments{0.5, 1.5, 2.0}
	case RegimeLowVol:
		adj = StrategyAdjustments{1.5, 0.5, 0.8}
	case RegimeMeanReverting:
		adj = StrategyAdjustments{1.2, 0.8, 0.9}
	default:
		adj = StrategyAdjustments{0.7, 1.0, 1.0}
	}

	if state.Confidence < 0.7 {
		c := state.Confidence
		adj.PositionSizeMultiplier = 1 + (adj.PositionSizeMultiplier-1)*c
		adj.StopLossMultiplier = 1 + (adj.StopLossMultiplier-1)*c
		adj.TakeProfitMultiplier = 1 + (adj.TakeProfitMultiplier-1)*c
	}
	return adj
}
