package guardrails

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ViolationType identifies which rule rejected an order.
type ViolationType string

const (
	ViolationNone                 ViolationType = "NONE"
	ViolationInvalidOrder         ViolationType = "INVALID_ORDER"
	ViolationSymbolNotAllowed     ViolationType = "SYMBOL_NOT_ALLOWED"
	ViolationSideNotAllowed       ViolationType = "SIDE_NOT_ALLOWED"
	ViolationInsufficientReserve  ViolationType = "INSUFFICIENT_RESERVE"
	ViolationPositionTooLarge     ViolationType = "POSITION_TOO_LARGE"
	ViolationExposureTooHigh      ViolationType = "EXPOSURE_TOO_HIGH"
	ViolationRiskPerTradeTooHigh  ViolationType = "RISK_PER_TRADE_TOO_HIGH"
	ViolationAggregateRiskTooHigh ViolationType = "AGGREGATE_RISK_TOO_HIGH"
	ViolationDailyLossLimit       ViolationType = "DAILY_LOSS_LIMIT"
	ViolationWeeklyLossLimit      ViolationType = "WEEKLY_LOSS_LIMIT"
	ViolationConsecutiveLosses    ViolationType = "CONSECUTIVE_LOSSES"
	ViolationDailyTradeLimit      ViolationType = "DAILY_TRADE_LIMIT"
	ViolationHourlyTradeLimit     ViolationType = "HOURLY_TRADE_LIMIT"
	ViolationDrawdownLimit        ViolationType = "DRAWDOWN_LIMIT"
)

// CheckResult is the verdict of a single validation.
type CheckResult struct {
	Allowed   bool           `json:"allowed"`
	Violation ViolationType  `json:"violation"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder receives rejected verdicts for instrumentation.
type Recorder interface {
	GuardrailRejected(violation string)
}

// Enforcer validates orders against a TradingGuardrails value.
type Enforcer struct {
	logger   *zap.Logger
	limits   *TradingGuardrails
	recorder Recorder
}

// NewEnforcer creates an enforcer. recorder may be nil.
func NewEnforcer(logger *zap.Logger, limits *TradingGuardrails, recorder Recorder) *Enforcer {
	if limits == nil {
		limits = Default()
	}
	return &Enforcer{
		logger:   logger.Named("guardrails"),
		limits:   limits,
		recorder: recorder,
	}
}

// Limits returns the guardrails the enforcer checks against.
func (e *Enforcer) Limits() *TradingGuardrails {
	return e.limits
}

// ValidateOrder checks a prospective order against every limit in a fixed
// order and returns the first violation found. stopLoss may be nil.
func (e *Enforcer) ValidateOrder(
	symbol string,
	side types.PositionSide,
	quantity, entryPrice float64,
	stopLoss *float64,
	pf *portfolio.State,
) CheckResult {
	g := e.limits

	// 1-2. instrument and direction
	if !g.SymbolAllowed(symbol) {
		return e.reject(ViolationSymbolNotAllowed, fmt.Sprintf("symbol %s is not in the allowed list", symbol),
			map[string]any{"symbol": symbol})
	}
	if !g.SideAllowed(side) {
		return e.reject(ViolationSideNotAllowed, fmt.Sprintf("side %s is not allowed", side),
			map[string]any{"side": string(side)})
	}

	if !finitePositive(quantity) || !finitePositive(entryPrice) || (stopLoss != nil && !finitePositive(*stopLoss)) {
		return e.reject(ViolationInvalidOrder, "quantity, entry price and stop must be positive finite numbers", nil)
	}

	// 3. portfolio must have value to size against
	total := toDecimal(pf.TotalValue)
	if !total.IsPositive() {
		return e.reject(ViolationInsufficientReserve, "portfolio has no value",
			map[string]any{"total_value": total.String()})
	}

	qty := toDecimal(quantity)
	price := toDecimal(entryPrice)
	positionValue := qty.Mul(price)

	// 4. single position size
	positionPct := positionValue.Div(total)
	if positionPct.GreaterThan(g.MaxPositionSizePct) {
		return e.reject(ViolationPositionTooLarge,
			fmt.Sprintf("position is %s%% of portfolio, limit %s%%", pct(positionPct), pct(g.MaxPositionSizePct)),
			map[string]any{"position_value": positionValue.String(), "position_pct": positionPct.String(), "limit": g.MaxPositionSizePct.String()})
	}

	// 5. total exposure after the order
	exposure := toDecimal(pf.TotalExposure()).Add(positionValue)
	exposurePct := exposure.Div(total)
	if exposurePct.GreaterThan(g.MaxTotalExposurePct) {
		return e.reject(ViolationExposureTooHigh,
			fmt.Sprintf("exposure would be %s%% of portfolio, limit %s%%", pct(exposurePct), pct(g.MaxTotalExposurePct)),
			map[string]any{"exposure_pct": exposurePct.String(), "limit": g.MaxTotalExposurePct.String()})
	}

	// 6. cash reserve left after funding the order
	reservePct := toDecimal(pf.CashAvailable).Sub(positionValue).Div(total)
	if reservePct.LessThan(g.MinCashReservePct) {
		return e.reject(ViolationInsufficientReserve,
			fmt.Sprintf("cash reserve would be %s%%, minimum %s%%", pct(reservePct), pct(g.MinCashReservePct)),
			map[string]any{"reserve_pct": reservePct.String(), "minimum": g.MinCashReservePct.String()})
	}

	// 7. risk to stop, per trade then in aggregate
	if stopLoss != nil {
		risk := price.Sub(toDecimal(*stopLoss)).Abs().Mul(qty)
		riskPct := risk.Div(total)
		if riskPct.GreaterThan(g.MaxLossPerTradePct) {
			return e.reject(ViolationRiskPerTradeTooHigh,
				fmt.Sprintf("trade risks %s%% of portfolio, limit %s%%", pct(riskPct), pct(g.MaxLossPerTradePct)),
				map[string]any{"risk": risk.String(), "risk_pct": riskPct.String(), "limit": g.MaxLossPerTradePct.String()})
		}
		aggregatePct := toDecimal(pf.TotalRiskToStop()).Add(risk).Div(total)
		if aggregatePct.GreaterThan(g.MaxDailyLossPct) {
			return e.reject(ViolationAggregateRiskTooHigh,
				fmt.Sprintf("open risk would be %s%% of portfolio, limit %s%%", pct(aggregatePct), pct(g.MaxDailyLossPct)),
				map[string]any{"aggregate_risk_pct": aggregatePct.String(), "limit": g.MaxDailyLossPct.String()})
		}
	}

	// 8-9. realised loss in the current day and week
	if res, bad := e.periodLoss(ViolationDailyLossLimit, "daily", pf.DailyPnL, pf.DailyStartingValue, g.MaxDailyLossPct); bad {
		return res
	}
	if res, bad := e.periodLoss(ViolationWeeklyLossLimit, "weekly", pf.WeeklyPnL, pf.WeeklyStartingValue, g.MaxWeeklyLossPct); bad {
		return res
	}

	// 10. loss streak
	if g.MaxConsecutiveLosses > 0 && pf.ConsecutiveLosses >= g.MaxConsecutiveLosses {
		return e.reject(ViolationConsecutiveLosses,
			fmt.Sprintf("%d consecutive losses, limit %d", pf.ConsecutiveLosses, g.MaxConsecutiveLosses),
			map[string]any{"consecutive_losses": pf.ConsecutiveLosses, "limit": g.MaxConsecutiveLosses})
	}

	// 11. trade rate
	if g.MaxTradesPerDay > 0 && pf.TradesToday >= g.MaxTradesPerDay {
		return e.reject(ViolationDailyTradeLimit,
			fmt.Sprintf("%d trades today, limit %d", pf.TradesToday, g.MaxTradesPerDay),
			map[string]any{"trades_today": pf.TradesToday, "limit": g.MaxTradesPerDay})
	}
	if g.MaxTradesPerHour > 0 && pf.TradesThisHour >= g.MaxTradesPerHour {
		return e.reject(ViolationHourlyTradeLimit,
			fmt.Sprintf("%d trades this hour, limit %d", pf.TradesThisHour, g.MaxTradesPerHour),
			map[string]any{"trades_this_hour": pf.TradesThisHour, "limit": g.MaxTradesPerHour})
	}

	return CheckResult{Allowed: true, Violation: ViolationNone, Message: "order within guardrails"}
}

// CheckDrawdown compares the decline from peak value to the drawdown limit.
func (e *Enforcer) CheckDrawdown(pf *portfolio.State) CheckResult {
	peak := toDecimal(pf.PeakValue)
	if !peak.IsPositive() {
		return CheckResult{Allowed: true, Violation: ViolationNone, Message: "no peak value"}
	}
	drawdown := peak.Sub(toDecimal(pf.TotalValue)).Div(peak)
	if drawdown.GreaterThanOrEqual(e.limits.MaxTotalDrawdownPct) {
		return e.reject(ViolationDrawdownLimit,
			fmt.Sprintf("drawdown %s%% reached limit %s%%", pct(drawdown), pct(e.limits.MaxTotalDrawdownPct)),
			map[string]any{"drawdown": drawdown.String(), "limit": e.limits.MaxTotalDrawdownPct.String()})
	}
	return CheckResult{Allowed: true, Violation: ViolationNone, Message: "drawdown within limit"}
}

func (e *Enforcer) periodLoss(kind ViolationType, period string, pnl, starting float64, limit decimal.Decimal) (CheckResult, bool) {
	loss := toDecimal(pnl)
	if !loss.IsNegative() {
		return CheckResult{}, false
	}
	start := toDecimal(starting)
	if !start.IsPositive() {
		return CheckResult{}, false
	}
	lossPct := loss.Abs().Div(start)
	if lossPct.GreaterThanOrEqual(limit) {
		return e.reject(kind,
			fmt.Sprintf("%s loss %s%% reached limit %s%%", period, pct(lossPct), pct(limit)),
			map[string]any{"loss_pct": lossPct.String(), "limit": limit.String()}), true
	}
	return CheckResult{}, false
}

func (e *Enforcer) reject(kind ViolationType, msg string, details map[string]any) CheckResult {
	e.logger.Debug("Order rejected",
		zap.String("violation", string(kind)),
		zap.String("reason", msg),
	)
	if e.recorder != nil {
		e.recorder.GuardrailRejected(string(kind))
	}
	return CheckResult{Allowed: false, Violation: kind, Message: msg, Details: details}
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

var hundred = decimal.NewFromInt(100)

func pct(d decimal.Decimal) string {
	return d.Mul(hundred).StringFixed(2)
}
