package backtester

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// SlippageModel returns the adverse price move, as a fraction of price, for a fill.
type SlippageModel interface {
	Calculate(side types.OrderSide, quantity float64, bar types.OHLCV) float64
}

// FixedSlippage applies a fixed basis-point slippage
type FixedSlippage struct {
	BasisPoints float64
}

// NewFixedSlippage creates a fixed slippage model
func NewFixedSlippage(bps float64) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

// Calculate returns fixed slippage
func (f *FixedSlippage) Calculate(types.OrderSide, float64, types.OHLCV) float64 {
	return f.BasisPoints / 10000
}

// VolumeWeightedSlippage models slippage based on order size relative to bar volume
type VolumeWeightedSlippage struct {
	BaseBps      float64 // Base slippage in bps
	ImpactFactor float64 // Market impact multiplier
}

// NewVolumeWeightedSlippage creates a volume-weighted slippage model
func NewVolumeWeightedSlippage(baseBps, impactFactor float64) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseBps: baseBps, ImpactFactor: impactFactor}
}

// Calculate adds a square-root market impact term to the base slippage.
func (v *VolumeWeightedSlippage) Calculate(_ types.OrderSide, quantity float64, bar types.OHLCV) float64 {
	base := v.BaseBps / 10000
	if bar.Volume <= 0 || quantity <= 0 {
		return base
	}
	participation := quantity / bar.Volume
	return base + v.ImpactFactor*math.Sqrt(participation)
}

// NewSlippageModel picks the model for a run. A positive "impact_factor"
// risk parameter selects the volume-weighted model.
func NewSlippageModel(cfg types.RunConfig) SlippageModel {
	if impact := cfg.Params.Risk.Get("impact_factor", 0); impact > 0 {
		return NewVolumeWeightedSlippage(cfg.SlippageBps, impact)
	}
	return NewFixedSlippage(cfg.SlippageBps)
}

// fillPrice moves price against the trader by slip.
func fillPrice(side types.OrderSide, price, slip float64) float64 {
	if side == types.OrderSideBuy {
		return price * (1 + slip)
	}
	return price * (1 - slip)
}
