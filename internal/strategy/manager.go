package strategy

import (
	"github.com/atlas-desktop/strategy-lab/internal/regime"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// DefaultTrendParams are the stock trend follower parameters.
func DefaultTrendParams() types.ParameterSet {
	return types.ParameterSet{
		Oracle: types.Params{"fast_period": 12, "slow_period": 26, "entry_threshold": 0, "allow_short": 0},
		Risk:   types.Params{"stop_loss_pct": 0.02, "take_profit_pct": 0.04, "position_size_pct": 0.05},
	}
}

// DefaultGridParams are the stock grid parameters.
func DefaultGridParams() types.ParameterSet {
	return types.ParameterSet{
		Oracle: types.Params{"grid_count": 10, "range_pct": 0.10, "geometric": 0},
		Risk:   types.Params{"capital_pct": 0.5},
	}
}

// Selection is the strategy chosen for a regime.
type Selection struct {
	Regime      regime.RegimeType          `json:"regime"`
	Strategy    string                     `json:"strategy"` // empty means stay flat
	Params      types.ParameterSet         `json:"params"`
	Adjustments regime.StrategyAdjustments `json:"adjustments"`
	Reason      string                     `json:"reason"`
}

// Flat reports whether the selection advises not trading.
func (s Selection) Flat() bool { return s.Strategy == "" }

// Manager maps market regimes to strategy profiles.
type Manager struct {
	logger *zap.Logger
	trend  types.ParameterSet
	grid   types.ParameterSet
}

// NewManager creates a manager over the given base profiles.
func NewManager(logger *zap.Logger, trend, grid types.ParameterSet) *Manager {
	return &Manager{
		logger: logger.Named("strategy-manager"),
		trend:  DefaultTrendParams().Merge(trend),
		grid:   DefaultGridParams().Merge(grid),
	}
}

// Select picks a strategy profile for state.
func (m *Manager) Select(state *regime.RegimeState) Selection {
	if state == nil {
		return Selection{Regime: regime.RegimeUnknown, Reason: "no regime"}
	}
	adj := regime.Adjustments(state)
	sel := Selection{Regime: state.Primary, Adjustments: adj}

	switch state.Primary {
	case regime.RegimeBull:
		sel.Strategy = types.StrategyTrend
		sel.Params = m.scaledTrend(adj, false)
		sel.Reason = "uptrend favours trend following"
	case regime.RegimeBear:
		sel.Strategy = types.StrategyTrend
		sel.Params = m.scaledTrend(adj, true)
		sel.Reason = "downtrend favours trend following with shorts"
	case regime.RegimeHighVol:
		sel.Strategy = types.StrategyTrend
		sel.Params = m.scaledTrend(adj, state.Secondary == regime.RegimeBear)
		sel.Reason = "high volatility breaks grids; follow trend at reduced size"
	case regime.RegimeLowVol, regime.RegimeMeanReverting:
		sel.Strategy = types.StrategyGrid
		sel.Params = m.grid.Clone()
		sel.Params.Risk["capital_pct"] = clamp01(sel.Params.Risk["capital_pct"] * adj.PositionSizeMultiplier)
		sel.Reason = "range-bound market suits grid trading"
	default:
		sel.Reason = "regime unclear; stay flat"
	}

	m.logger.Debug("Strategy selected",
		zap.String("regime", string(sel.Regime)),
		zap.String("strategy", sel.Strategy),
		zap.Float64("confidence", state.Confidence),
	)
	return sel
}

// Apply returns base configured for the strategy selected for state.
// ok is false when the selection is to stay flat.
func (m *Manager) Apply(base types.RunConfig, state *regime.RegimeState) (types.RunConfig, Selection, bool) {
	sel := m.Select(state)
	if sel.Flat() {
		return base, sel, false
	}
	cfg := base.WithParams(sel.Params)
	cfg.Strategy = sel.Strategy
	return cfg, sel, true
}

func (m *Manager) scaledTrend(adj regime.StrategyAdjustments, allowShort bool) types.ParameterSet {
	ps := m.trend.Clone()
	ps.Risk["position_size_pct"] = clamp01(ps.Risk["position_size_pct"] * adj.PositionSizeMultiplier)
	ps.Risk["stop_loss_pct"] = clamp01(ps.Risk["stop_loss_pct"] * adj.StopLossMultiplier)
	ps.Risk["take_profit_pct"] = ps.Risk["take_profit_pct"] * adj.TakeProfitMultiplier
	if allowShort {
		ps.Oracle["allow_short"] = 1
	}
	return ps
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
