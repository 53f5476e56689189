// Package strategy provides the trading strategies the backtester replays and
// the regime-driven manager that chooses between them.
package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Signal is a directional call emitted on a bar close.
type Signal int

const (
	SignalNone Signal = iota
	SignalLong
	SignalShort
)

func (s Signal) String() string {
	switch s {
	case SignalLong:
		return "long"
	case SignalShort:
		return "short"
	default:
		return "none"
	}
}

// TrendConfig parameterises the EMA crossover follower.
type TrendConfig struct {
	FastPeriod     int
	SlowPeriod     int
	EntryThreshold float64 // minimum |fast-slow|/slow spread to act on a cross
}

// TrendConfigFromParams reads fast_period, slow_period and entry_threshold.
func TrendConfigFromParams(p types.Params) (TrendConfig, error) {
	cfg := TrendConfig{
		FastPeriod:     int(p.Get("fast_period", 12)),
		SlowPeriod:     int(p.Get("slow_period", 26)),
		EntryThreshold: p.Get("entry_threshold", 0),
	}
	if cfg.FastPeriod < 1 || cfg.SlowPeriod < 2 {
		return cfg, fmt.Errorf("trend periods must be positive, got fast=%d slow=%d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return cfg, fmt.Errorf("fast_period %d must be below slow_period %d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.EntryThreshold < 0 || math.IsNaN(cfg.EntryThreshold) {
		return cfg, fmt.Errorf("entry_threshold must be non-negative, got %v", cfg.EntryThreshold)
	}
	return cfg, nil
}

// TrendFollower follows trends using EMA crossovers on one symbol's closes.
type TrendFollower struct {
	cfg      TrendConfig
	fastEMA  float64
	slowEMA  float64
	bars     int
	bullish  bool
	hasState bool
}

// NewTrendFollower creates a follower with fresh EMAs.
func NewTrendFollower(cfg TrendConfig) *TrendFollower {
	return &TrendFollower{cfg: cfg}
}

// OnBar folds a close into the EMAs and returns a signal on a qualifying cross.
func (t *TrendFollower) OnBar(close float64) Signal {
	t.bars++
	if t.bars == 1 {
		t.fastEMA = close
		t.slowEMA = close
		return SignalNone
	}

	fastMult := 2.0 / float64(t.cfg.FastPeriod+1)
	slowMult := 2.0 / float64(t.cfg.SlowPeriod+1)
	t.fastEMA = close*fastMult + t.fastEMA*(1-fastMult)
	t.slowEMA = close*slowMult + t.slowEMA*(1-slowMult)

	if t.bars < t.cfg.SlowPeriod {
		return SignalNone
	}

	isBullish := t.fastEMA > t.slowEMA
	if !t.hasState {
		t.hasState = true
		t.bullish = isBullish
		return SignalNone
	}
	if isBullish == t.bullish {
		return SignalNone
	}

	spread := 0.0
	if t.slowEMA != 0 {
		spread = math.Abs(t.fastEMA-t.slowEMA) / math.Abs(t.slowEMA)
	}
	if spread < t.cfg.EntryThreshold {
		// a cross too shallow to count; keep the prior side
		return SignalNone
	}
	t.bullish = isBullish
	if isBullish {
		return SignalLong
	}
	return SignalShort
}

// Warm reports whether enough bars have been seen to trade.
func (t *TrendFollower) Warm() bool {
	return t.hasState
}
