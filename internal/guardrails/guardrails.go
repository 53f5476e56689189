// Package guardrails provides portfolio-level risk limits and the enforcer
// that validates orders against them.
package guardrails

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// TradingGuardrails is an immutable set of absolute limits. Percentages are
// fractions of portfolio value (0.10 = 10%). Count limits of zero or less are
// disabled.
type TradingGuardrails struct {
	MaxPositionSizePct   decimal.Decimal `json:"maxPositionSizePct"`
	MaxTotalExposurePct  decimal.Decimal `json:"maxTotalExposurePct"`
	MinCashReservePct    decimal.Decimal `json:"minCashReservePct"`
	MaxLossPerTradePct   decimal.Decimal `json:"maxLossPerTradePct"`
	MaxDailyLossPct      decimal.Decimal `json:"maxDailyLossPct"`
	MaxWeeklyLossPct     decimal.Decimal `json:"maxWeeklyLossPct"`
	MaxTotalDrawdownPct  decimal.Decimal `json:"maxTotalDrawdownPct"`
	MaxConsecutiveLosses int             `json:"maxConsecutiveLosses"`
	MaxTradesPerDay      int             `json:"maxTradesPerDay"`
	MaxTradesPerHour     int             `json:"maxTradesPerHour"`

	allowedSymbols map[string]struct{}
	allowedSides   map[types.PositionSide]struct{}
}

// Default returns the stock guardrails.
func Default() *TradingGuardrails {
	g, _ := FromConfig(types.DefaultGuardrailsConfig())
	return g
}

// FromConfig builds guardrails from configuration. Float limits pass through
// their shortest decimal string so 0.1 compares as exactly one tenth.
func FromConfig(cfg types.GuardrailsConfig) (*TradingGuardrails, error) {
	pcts := []struct {
		name  string
		value float64
	}{
		{"max_position_size_pct", cfg.MaxPositionSizePct},
		{"max_total_exposure_pct", cfg.MaxTotalExposurePct},
		{"min_cash_reserve_pct", cfg.MinCashReservePct},
		{"max_loss_per_trade_pct", cfg.MaxLossPerTradePct},
		{"max_daily_loss_pct", cfg.MaxDailyLossPct},
		{"max_weekly_loss_pct", cfg.MaxWeeklyLossPct},
		{"max_total_drawdown_pct", cfg.MaxTotalDrawdownPct},
	}
	for _, p := range pcts {
		if math.IsNaN(p.value) || p.value < 0 || p.value > 1 {
			return nil, fmt.Errorf("guardrail %s must be within [0, 1], got %v", p.name, p.value)
		}
	}

	g := &TradingGuardrails{
		MaxPositionSizePct:   toDecimal(cfg.MaxPositionSizePct),
		MaxTotalExposurePct:  toDecimal(cfg.MaxTotalExposurePct),
		MinCashReservePct:    toDecimal(cfg.MinCashReservePct),
		MaxLossPerTradePct:   toDecimal(cfg.MaxLossPerTradePct),
		MaxDailyLossPct:      toDecimal(cfg.MaxDailyLossPct),
		MaxWeeklyLossPct:     toDecimal(cfg.MaxWeeklyLossPct),
		MaxTotalDrawdownPct:  toDecimal(cfg.MaxTotalDrawdownPct),
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		MaxTradesPerDay:      cfg.MaxTradesPerDay,
		MaxTradesPerHour:     cfg.MaxTradesPerHour,
		allowedSymbols:       make(map[string]struct{}, len(cfg.AllowedSymbols)),
		allowedSides:         make(map[types.PositionSide]struct{}, 2),
	}
	for _, s := range cfg.AllowedSymbols {
		g.allowedSymbols[strings.ToUpper(s)] = struct{}{}
	}
	sides := cfg.AllowedSides
	if len(sides) == 0 {
		sides = []string{string(types.PositionSideLong), string(types.PositionSideShort)}
	}
	for _, s := range sides {
		side := types.PositionSide(strings.ToLower(s))
		if side != types.PositionSideLong && side != types.PositionSideShort {
			return nil, fmt.Errorf("unknown side %q in allowed_sides", s)
		}
		g.allowedSides[side] = struct{}{}
	}
	return g, nil
}

// SymbolAllowed reports whether symbol may be traded. An empty allow-list permits all.
func (g *TradingGuardrails) SymbolAllowed(symbol string) bool {
	if len(g.allowedSymbols) == 0 {
		return true
	}
	_, ok := g.allowedSymbols[strings.ToUpper(symbol)]
	return ok
}

// SideAllowed reports whether side may be traded.
func (g *TradingGuardrails) SideAllowed(side types.PositionSide) bool {
	_, ok := g.allowedSides[side]
	return ok
}

// toDecimal converts through the shortest round-trip string representation.
func toDecimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
	if err != nil {
		return decimal.Zero
	}
	return d
}
