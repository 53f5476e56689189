package portfolio

import (
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 10, 15, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func assertBalanced(t *testing.T, s *State) {
	t.Helper()
	sum := s.CashAvailable
	for _, p := range s.Positions {
		sum += p.Value()
	}
	assert.InDelta(t, sum, s.TotalValue, 1e-9)
	assert.GreaterOrEqual(t, s.PeakValue, s.TotalValue)
}

func TestAddAndCloseLong(t *testing.T) {
	s := NewState(10000, t0)
	s.AddPosition(&Position{Symbol: "BTC", Side: types.PositionSideLong, Quantity: 2, EntryPrice: 100, OpenedAt: t0})

	assert.Equal(t, 9800.0, s.CashAvailable)
	assert.Equal(t, 10000.0, s.TotalValue)
	assert.Equal(t, 1, s.TradesToday)
	assert.Equal(t, 1, s.TradesThisHour)
	assertBalanced(t, s)

	s.UpdatePrices(map[string]float64{"BTC": 110, "ETH": 5})
	assert.Equal(t, 10020.0, s.TotalValue)
	assert.Equal(t, 10020.0, s.PeakValue)
	assertBalanced(t, s)

	pnl, ok := s.ClosePosition("BTC", 120)
	require.True(t, ok)
	assert.Equal(t, 40.0, pnl)
	assert.Equal(t, 10040.0, s.CashAvailable)
	assert.Equal(t, 10040.0, s.TotalValue)
	assert.Equal(t, 40.0, s.DailyPnL)
	assert.Equal(t, 40.0, s.WeeklyPnL)
	assert.Empty(t, s.Positions)
	assertBalanced(t, s)
}

func TestShortPositionKeepsInvariant(t *testing.T) {
	s := NewState(10000, t0)
	s.AddPosition(&Position{Symbol: "ETH", Side: types.PositionSideShort, Quantity: 10, EntryPrice: 50})
	s.UpdatePrices(map[string]float64{"ETH": 45})

	p := s.Position("ETH")
	require.NotNil(t, p)
	assert.Equal(t, 50.0, p.UnrealizedPnL())
	assert.Equal(t, 10050.0, s.TotalValue)
	assertBalanced(t, s)

	pnl, ok := s.ClosePosition("ETH", 55)
	require.True(t, ok)
	assert.Equal(t, -50.0, pnl)
	assert.Equal(t, 9950.0, s.TotalValue)
	assert.Equal(t, 1, s.ConsecutiveLosses)
	assertBalanced(t, s)
}

func TestClosePositionMissingSymbol(t *testing.T) {
	s := NewState(1000, t0)
	pnl, ok := s.ClosePosition("NOPE", 1)
	assert.False(t, ok)
	assert.Zero(t, pnl)
	assert.Equal(t, 1000.0, s.TotalValue)
}

func TestConsecutiveLossesResetOnBreakeven(t *testing.T) {
	s := NewState(10000, t0)
	for i := 0; i < 3; i++ {
		s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})
		s.ClosePosition("A", 90)
	}
	assert.Equal(t, 3, s.ConsecutiveLosses)

	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})
	pnl, _ := s.ClosePosition("A", 100)
	assert.Zero(t, pnl)
	assert.Zero(t, s.ConsecutiveLosses)
}

func TestClosePositionFirstMatchOnly(t *testing.T) {
	s := NewState(10000, t0)
	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})
	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 2, EntryPrice: 100})

	pnl, ok := s.ClosePosition("A", 110)
	require.True(t, ok)
	assert.Equal(t, 10.0, pnl)
	require.Len(t, s.Positions, 1)
	assert.Equal(t, 2.0, s.Positions[0].Quantity)
	assertBalanced(t, s)
}

func TestRiskMetrics(t *testing.T) {
	p := &Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 10, EntryPrice: 100, CurrentPrice: 100}
	assert.Equal(t, 1000.0, p.RiskToStop())
	_, ok := p.RiskRewardRatio()
	assert.False(t, ok)

	p.StopLoss = ptr(95)
	p.TakeProfit = ptr(110)
	assert.Equal(t, 50.0, p.RiskToStop())
	assert.Equal(t, 100.0, p.RewardToTarget())
	rr, ok := p.RiskRewardRatio()
	require.True(t, ok)
	assert.Equal(t, 2.0, rr)

	// price already through the stop: risk floors at zero and the ratio is undefined
	p.CurrentPrice = 90
	assert.Zero(t, p.RiskToStop())
	_, ok = p.RiskRewardRatio()
	assert.False(t, ok)

	short := &Position{Side: types.PositionSideShort, Quantity: 4, EntryPrice: 50, CurrentPrice: 50, StopLoss: ptr(55), TakeProfit: ptr(40)}
	assert.Equal(t, 20.0, short.RiskToStop())
	assert.Equal(t, 40.0, short.RewardToTarget())
}

func TestResets(t *testing.T) {
	s := NewState(10000, t0)
	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})
	s.ClosePosition("A", 80)

	s.ResetHourly(t0.Add(time.Hour))
	assert.Zero(t, s.TradesThisHour)
	assert.Equal(t, 1, s.TradesToday)

	s.ResetDaily(t0.Add(24 * time.Hour))
	assert.Zero(t, s.TradesToday)
	assert.Zero(t, s.DailyPnL)
	assert.Equal(t, 9980.0, s.DailyStartingValue)
	assert.Equal(t, -20.0, s.WeeklyPnL)

	s.ResetWeekly(t0.Add(7 * 24 * time.Hour))
	assert.Zero(t, s.WeeklyPnL)
	assert.Equal(t, 1, s.ConsecutiveLosses)

	s.ResetConsecutiveLosses()
	assert.Zero(t, s.ConsecutiveLosses)
}

func TestRollPeriods(t *testing.T) {
	s := NewState(10000, t0)
	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})

	s.RollPeriods(t0.Add(10 * time.Minute))
	assert.Equal(t, 1, s.TradesThisHour)

	s.RollPeriods(t0.Add(time.Hour))
	assert.Zero(t, s.TradesThisHour)
	assert.Equal(t, 1, s.TradesToday)

	s.RollPeriods(t0.Add(24 * time.Hour))
	assert.Zero(t, s.TradesToday)
	require.Len(t, s.Positions, 1)
}

func TestPeakTracksMaximum(t *testing.T) {
	s := NewState(1000, t0)
	s.AddPosition(&Position{Symbol: "A", Side: types.PositionSideLong, Quantity: 1, EntryPrice: 100})
	s.UpdatePrices(map[string]float64{"A": 150})
	s.UpdatePrices(map[string]float64{"A": 90})
	assert.Equal(t, 1050.0, s.PeakValue)
	assert.InDelta(t, 60.0/1050.0, s.Drawdown(), 1e-12)
	assertBalanced(t, s)
}
