// Package portfolio provides the mutable portfolio snapshot checked by guardrails
// and driven by the backtester.
package portfolio

import (
	"math"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Position is a single open position owned by a State.
type Position struct {
	Symbol       string             `json:"symbol"`
	Side         types.PositionSide `json:"side"`
	Quantity     float64            `json:"quantity"`
	EntryPrice   float64            `json:"entryPrice"`
	CurrentPrice float64            `json:"currentPrice"`
	StopLoss     *float64           `json:"stopLoss,omitempty"`
	TakeProfit   *float64           `json:"takeProfit,omitempty"`
	OpenedAt     time.Time          `json:"openedAt"`
}

// EntryValue is the notional committed at entry.
func (p *Position) EntryValue() float64 {
	return p.Quantity * p.EntryPrice
}

// UnrealizedPnL is the mark-to-market profit at CurrentPrice.
func (p *Position) UnrealizedPnL() float64 {
	if p.Side == types.PositionSideShort {
		return (p.EntryPrice - p.CurrentPrice) * p.Quantity
	}
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// Value is the marked value of the position. For longs this equals
// quantity*current_price; for shorts it is the posted entry value adjusted
// by the open PnL, so cash plus Value always equals equity.
func (p *Position) Value() float64 {
	return p.EntryValue() + p.UnrealizedPnL()
}

// RiskToStop is the loss realised if the stop is hit from the current price,
// floored at zero. Without a stop the whole position value is at risk.
func (p *Position) RiskToStop() float64 {
	if p.StopLoss == nil {
		return p.Value()
	}
	var risk float64
	if p.Side == types.PositionSideShort {
		risk = (*p.StopLoss - p.CurrentPrice) * p.Quantity
	} else {
		risk = (p.CurrentPrice - *p.StopLoss) * p.Quantity
	}
	return math.Max(risk, 0)
}

// RewardToTarget is the profit realised if the take-profit is hit, floored at zero.
func (p *Position) RewardToTarget() float64 {
	if p.TakeProfit == nil {
		return 0
	}
	var reward float64
	if p.Side == types.PositionSideShort {
		reward = (p.CurrentPrice - *p.TakeProfit) * p.Quantity
	} else {
		reward = (*p.TakeProfit - p.CurrentPrice) * p.Quantity
	}
	return math.Max(reward, 0)
}

// RiskRewardRatio returns reward/risk. ok is false when either bound is
// missing or the risk is zero.
func (p *Position) RiskRewardRatio() (ratio float64, ok bool) {
	if p.StopLoss == nil || p.TakeProfit == nil {
		return 0, false
	}
	risk := p.RiskToStop()
	if risk == 0 {
		return 0, false
	}
	return p.RewardToTarget() / risk, true
}

// State is the portfolio aggregate. It is owned by a single goroutine.
type State struct {
	TotalValue          float64     `json:"totalValue"`
	CashAvailable       float64     `json:"cashAvailable"`
	PeakValue           float64     `json:"peakValue"`
	Positions           []*Position `json:"positions"`
	DailyStartingValue  float64     `json:"dailyStartingValue"`
	DailyPnL            float64     `json:"dailyPnl"`
	WeeklyStartingValue float64     `json:"weeklyStartingValue"`
	WeeklyPnL           float64     `json:"weeklyPnl"`
	TradesToday         int         `json:"tradesToday"`
	TradesThisHour      int         `json:"tradesThisHour"`
	ConsecutiveLosses   int         `json:"consecutiveLosses"`
	HourStart           time.Time   `json:"hourStart"`
	DailyResetDate      time.Time   `json:"dailyResetDate"`
	WeeklyResetDate     time.Time   `json:"weeklyResetDate"`
}

// NewState creates a flat portfolio holding initialBalance in cash.
func NewState(initialBalance float64, now time.Time) *State {
	return &State{
		TotalValue:          initialBalance,
		CashAvailable:       initialBalance,
		PeakValue:           initialBalance,
		Positions:           make([]*Position, 0),
		DailyStartingValue:  initialBalance,
		WeeklyStartingValue: initialBalance,
		HourStart:           now.Truncate(time.Hour),
		DailyResetDate:      startOfDay(now),
		WeeklyResetDate:     startOfDay(now),
	}
}

// Recompute refreshes TotalValue and PeakValue from cash and positions.
func (s *State) Recompute() {
	total := s.CashAvailable
	for _, p := range s.Positions {
		total += p.Value()
	}
	s.TotalValue = total
	if total > s.PeakValue {
		s.PeakValue = total
	}
}

// AddPosition appends a position and debits its entry value from cash.
func (s *State) AddPosition(p *Position) {
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	s.Positions = append(s.Positions, p)
	s.CashAvailable -= p.EntryValue()
	s.TradesToday++
	s.TradesThisHour++
	s.Recompute()
}

// ClosePosition closes the first position for symbol at exitPrice and returns
// the realised PnL. ok is false if no such position is open.
func (s *State) ClosePosition(symbol string, exitPrice float64) (pnl float64, ok bool) {
	idx := s.indexOf(symbol)
	if idx < 0 {
		return 0, false
	}
	p := s.Positions[idx]
	p.CurrentPrice = exitPrice
	pnl = p.UnrealizedPnL()

	s.CashAvailable += p.EntryValue() + pnl
	s.DailyPnL += pnl
	s.WeeklyPnL += pnl
	if pnl < 0 {
		s.ConsecutiveLosses++
	} else {
		s.ConsecutiveLosses = 0
	}

	s.Positions = append(s.Positions[:idx], s.Positions[idx+1:]...)
	s.Recompute()
	return pnl, true
}

// ChargeFee debits a transaction cost from cash and the period PnL counters.
func (s *State) ChargeFee(amount float64) {
	if amount == 0 {
		return
	}
	s.CashAvailable -= amount
	s.DailyPnL -= amount
	s.WeeklyPnL -= amount
	s.Recompute()
}

// UpdatePrices marks open positions whose symbol appears in prices.
func (s *State) UpdatePrices(prices map[string]float64) {
	for _, p := range s.Positions {
		if price, ok := prices[p.Symbol]; ok {
			p.CurrentPrice = price
		}
	}
	s.Recompute()
}

// Position returns the first open position for symbol, or nil.
func (s *State) Position(symbol string) *Position {
	if idx := s.indexOf(symbol); idx >= 0 {
		return s.Positions[idx]
	}
	return nil
}

// HasPosition reports whether symbol has an open position.
func (s *State) HasPosition(symbol string) bool {
	return s.indexOf(symbol) >= 0
}

// TotalExposure is the summed value of open positions.
func (s *State) TotalExposure() float64 {
	var exposure float64
	for _, p := range s.Positions {
		exposure += p.Value()
	}
	return exposure
}

// TotalRiskToStop is the summed stop risk of open positions.
func (s *State) TotalRiskToStop() float64 {
	var risk float64
	for _, p := range s.Positions {
		risk += p.RiskToStop()
	}
	return risk
}

// Drawdown returns the current decline from PeakValue as a fraction.
func (s *State) Drawdown() float64 {
	if s.PeakValue <= 0 {
		return 0
	}
	return (s.PeakValue - s.TotalValue) / s.PeakValue
}

// ResetDaily starts a new trading day.
func (s *State) ResetDaily(now time.Time) {
	s.DailyStartingValue = s.TotalValue
	s.DailyPnL = 0
	s.TradesToday = 0
	s.DailyResetDate = startOfDay(now)
}

// ResetWeekly starts a new trading week.
func (s *State) ResetWeekly(now time.Time) {
	s.WeeklyStartingValue = s.TotalValue
	s.WeeklyPnL = 0
	s.WeeklyResetDate = startOfDay(now)
}

// ResetHourly starts a new trading hour.
func (s *State) ResetHourly(now time.Time) {
	s.TradesThisHour = 0
	s.HourStart = now.Truncate(time.Hour)
}

// ResetConsecutiveLosses clears the loss streak.
func (s *State) ResetConsecutiveLosses() {
	s.ConsecutiveLosses = 0
}

// RollPeriods applies the daily, weekly and hourly resets whose boundary
// has been crossed at now.
func (s *State) RollPeriods(now time.Time) {
	if !startOfDay(now).Equal(s.DailyResetDate) {
		s.ResetDaily(now)
	}
	y1, w1 := now.ISOWeek()
	y0, w0 := s.WeeklyResetDate.ISOWeek()
	if y1 != y0 || w1 != w0 {
		s.ResetWeekly(now)
	}
	if !now.Truncate(time.Hour).Equal(s.HourStart) {
		s.ResetHourly(now)
	}
}

func (s *State) indexOf(symbol string) int {
	for i, p := range s.Positions {
		if p.Symbol == symbol {
			return i
		}
	}
	return -1
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
