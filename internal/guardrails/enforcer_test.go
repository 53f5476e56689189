package guardrails

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type countingRecorder struct {
	counts map[string]int
}

func (c *countingRecorder) GuardrailRejected(v string) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[v]++
}

func newEnforcer(t *testing.T, mutate func(*types.GuardrailsConfig)) *Enforcer {
	t.Helper()
	cfg := types.DefaultGuardrailsConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := FromConfig(cfg)
	require.NoError(t, err)
	return NewEnforcer(zap.NewNop(), g, nil)
}

func stop(v float64) *float64 { return &v }

func TestValidateOrderAllowed(t *testing.T) {
	e := newEnforcer(t, nil)
	res := e.ValidateOrder("BTC/USDT", types.PositionSideLong, 5, 100, stop(95), portfolio.NewState(10000, now))
	assert.True(t, res.Allowed)
	assert.Equal(t, ViolationNone, res.Violation)
}

func TestPositionTooLarge(t *testing.T) {
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(10000, now)

	res := e.ValidateOrder("BTC", types.PositionSideLong, 10.01, 100, nil, pf)
	assert.False(t, res.Allowed)
	assert.Equal(t, ViolationPositionTooLarge, res.Violation)
	assert.Contains(t, res.Details, "position_pct")

	res = e.ValidateOrder("BTC", types.PositionSideLong, 10, 100, nil, pf)
	assert.True(t, res.Allowed, res.Message)
}

func TestBoundaryComparedExactly(t *testing.T) {
	// 0.1 * 3000 is not exactly 300 in binary floating point
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(3000, now)
	res := e.ValidateOrder("BTC", types.PositionSideLong, 0.1, 3000, nil, pf)
	assert.True(t, res.Allowed, res.Message)
}

func TestSymbolAndSideFilters(t *testing.T) {
	e := newEnforcer(t, func(c *types.GuardrailsConfig) {
		c.AllowedSymbols = []string{"btc/usdt"}
		c.AllowedSides = []string{"long"}
	})
	pf := portfolio.NewState(10000, now)

	res := e.ValidateOrder("ETH/USDT", types.PositionSideLong, 1, 100, nil, pf)
	assert.Equal(t, ViolationSymbolNotAllowed, res.Violation)

	res = e.ValidateOrder("BTC/USDT", types.PositionSideShort, 1, 100, nil, pf)
	assert.Equal(t, ViolationSideNotAllowed, res.Violation)

	res = e.ValidateOrder("BTC/USDT", types.PositionSideLong, 1, 100, nil, pf)
	assert.True(t, res.Allowed)
}

func TestFirstFailureWins(t *testing.T) {
	e := newEnforcer(t, func(c *types.GuardrailsConfig) { c.AllowedSymbols = []string{"BTC"} })
	pf := portfolio.NewState(10000, now)
	pf.ConsecutiveLosses = 99

	res := e.ValidateOrder("DOGE", types.PositionSideLong, 1000, 100, nil, pf)
	assert.Equal(t, ViolationSymbolNotAllowed, res.Violation)
}

func TestEmptyPortfolioRejected(t *testing.T) {
	e := newEnforcer(t, nil)
	res := e.ValidateOrder("BTC", types.PositionSideLong, 1, 1, nil, portfolio.NewState(0, now))
	assert.Equal(t, ViolationInsufficientReserve, res.Violation)
}

func TestInvalidOrder(t *testing.T) {
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(10000, now)
	for _, q := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		res := e.ValidateOrder("BTC", types.PositionSideLong, q, 100, nil, pf)
		assert.Equal(t, ViolationInvalidOrder, res.Violation)
	}
}

func TestSymbolAndSideCheckedBeforeOrderShape(t *testing.T) {
	e := newEnforcer(t, func(c *types.GuardrailsConfig) {
		c.AllowedSymbols = []string{"BTC"}
		c.AllowedSides = []string{"long"}
	})
	pf := portfolio.NewState(10000, now)

	res := e.ValidateOrder("DOGE", types.PositionSideLong, 0, 100, nil, pf)
	assert.Equal(t, ViolationSymbolNotAllowed, res.Violation)

	res = e.ValidateOrder("BTC", types.PositionSideShort, 0, 100, nil, pf)
	assert.Equal(t, ViolationSideNotAllowed, res.Violation)

	res = e.ValidateOrder("BTC", types.PositionSideLong, 0, 100, nil, pf)
	assert.Equal(t, ViolationInvalidOrder, res.Violation)
}

func TestExposureTooHigh(t *testing.T) {
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(10000, now)
	for _, s := range []string{"A", "B", "C", "D", "E"} {
		pf.AddPosition(&portfolio.Position{Symbol: s, Side: types.PositionSideLong, Quantity: 9, EntryPrice: 100})
	}
	res := e.ValidateOrder("F", types.PositionSideLong, 9, 100, nil, pf)
	assert.Equal(t, ViolationExposureTooHigh, res.Violation)
}

func TestCashReserve(t *testing.T) {
	e := newEnforcer(t, func(c *types.GuardrailsConfig) {
		c.MaxPositionSizePct = 1
		c.MaxTotalExposurePct = 1
		c.MaxTradesPerHour = 0
	})
	pf := portfolio.NewState(10000, now)
	pf.AddPosition(&portfolio.Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 75, EntryPrice: 100})

	res := e.ValidateOrder("B", types.PositionSideLong, 10, 100, nil, pf)
	assert.Equal(t, ViolationInsufficientReserve, res.Violation)

	res = e.ValidateOrder("B", types.PositionSideLong, 5, 100, nil, pf)
	assert.True(t, res.Allowed, res.Message)
}

func TestRiskPerTrade(t *testing.T) {
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(10000, now)

	res := e.ValidateOrder("A", types.PositionSideLong, 10, 100, stop(70), pf)
	assert.Equal(t, ViolationRiskPerTradeTooHigh, res.Violation)

	res = e.ValidateOrder("A", types.PositionSideLong, 10, 100, stop(80), pf)
	assert.True(t, res.Allowed, res.Message)

	// short stops sit above entry
	res = e.ValidateOrder("A", types.PositionSideShort, 10, 100, stop(130), pf)
	assert.Equal(t, ViolationRiskPerTradeTooHigh, res.Violation)
}

func TestAggregateRisk(t *testing.T) {
	e := newEnforcer(t, nil)

	withStop := portfolio.NewState(10000, now)
	withStop.AddPosition(&portfolio.Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 10, EntryPrice: 100, StopLoss: stop(85)})
	res := e.ValidateOrder("B", types.PositionSideLong, 10, 100, stop(80), withStop)
	assert.True(t, res.Allowed, res.Message)

	noStop := portfolio.NewState(10000, now)
	noStop.AddPosition(&portfolio.Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 9, EntryPrice: 100})
	res = e.ValidateOrder("B", types.PositionSideLong, 10, 100, stop(90), noStop)
	assert.Equal(t, ViolationAggregateRiskTooHigh, res.Violation)
}

func TestPeriodLossLimits(t *testing.T) {
	e := newEnforcer(t, nil)

	pf := portfolio.NewState(10000, now)
	pf.DailyPnL = -499
	assert.True(t, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Allowed)

	pf.DailyPnL = -500
	assert.Equal(t, ViolationDailyLossLimit, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Violation)

	pf.DailyPnL = 0
	pf.WeeklyPnL = -1000
	assert.Equal(t, ViolationWeeklyLossLimit, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Violation)

	// gains never trip the loss checks
	pf.WeeklyPnL = 5000
	assert.True(t, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Allowed)
}

func TestStreakAndRateLimits(t *testing.T) {
	e := newEnforcer(t, nil)

	pf := portfolio.NewState(10000, now)
	pf.ConsecutiveLosses = 5
	assert.Equal(t, ViolationConsecutiveLosses, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Violation)

	pf.ConsecutiveLosses = 0
	pf.TradesToday = 20
	assert.Equal(t, ViolationDailyTradeLimit, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Violation)

	pf.TradesToday = 19
	pf.TradesThisHour = 5
	assert.Equal(t, ViolationHourlyTradeLimit, e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf).Violation)
}

func TestCheckDrawdown(t *testing.T) {
	e := newEnforcer(t, nil)
	pf := portfolio.NewState(10000, now)
	pf.AddPosition(&portfolio.Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 30, EntryPrice: 100})
	pf.UpdatePrices(map[string]float64{"A": 30})
	res := e.CheckDrawdown(pf)
	assert.False(t, res.Allowed)
	assert.Equal(t, ViolationDrawdownLimit, res.Violation)

	pf2 := portfolio.NewState(10000, now)
	pf2.TotalValue = 8100
	assert.True(t, e.CheckDrawdown(pf2).Allowed)
	pf2.TotalValue = 8000
	assert.Equal(t, ViolationDrawdownLimit, e.CheckDrawdown(pf2).Violation)
}

func TestRecorderSeesRejections(t *testing.T) {
	g, err := FromConfig(types.DefaultGuardrailsConfig())
	require.NoError(t, err)
	rec := &countingRecorder{}
	e := NewEnforcer(zap.NewNop(), g, rec)
	pf := portfolio.NewState(10000, now)

	e.ValidateOrder("A", types.PositionSideLong, 100, 100, nil, pf)
	e.ValidateOrder("A", types.PositionSideLong, 1, 100, nil, pf)

	assert.Equal(t, map[string]int{"POSITION_TOO_LARGE": 1}, rec.counts)
}

func TestFromConfigValidation(t *testing.T) {
	cfg := types.DefaultGuardrailsConfig()
	cfg.MaxDailyLossPct = 1.5
	_, err := FromConfig(cfg)
	assert.Error(t, err)

	cfg = types.DefaultGuardrailsConfig()
	cfg.AllowedSides = []string{"sideways"}
	_, err = FromConfig(cfg)
	assert.Error(t, err)

	g, err := FromConfig(types.DefaultGuardrailsConfig())
	require.NoError(t, err)
	assert.Equal(t, "0.1", g.MaxPositionSizePct.String())
	assert.True(t, g.SymbolAllowed("anything"))
}
