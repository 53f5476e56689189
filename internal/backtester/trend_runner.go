package backtester

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/guardrails"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// trendRun holds the mutable state of one trend-following replay.
type trendRun struct {
	logger     *zap.Logger
	cfg        types.RunConfig
	enforcer   *guardrails.Enforcer
	slippage   SlippageModel
	pf         *portfolio.State
	followers  map[string]*strategy.TrendFollower
	lastBar    map[string]types.OHLCV
	entryFees  map[string]float64
	allowShort bool
	stopPct    float64
	targetPct  float64
	sizePct    float64

	trades     []types.Trade
	equity     []float64
	rejections int
}

func (e *Engine) runTrend(ctx context.Context, data types.MarketData, cfg types.RunConfig, result *types.BacktestResult) error {
	trendCfg, err := strategy.TrendConfigFromParams(cfg.Params.Oracle)
	if err != nil {
		return fmt.Errorf("trend parameters: %w", err)
	}
	enforcer, err := e.newEnforcer(cfg)
	if err != nil {
		return err
	}

	risk := cfg.Params.Risk
	run := &trendRun{
		logger:     e.logger,
		cfg:        cfg,
		enforcer:   enforcer,
		slippage:   NewSlippageModel(cfg),
		followers:  make(map[string]*strategy.TrendFollower, len(data)),
		lastBar:    make(map[string]types.OHLCV, len(data)),
		entryFees:  make(map[string]float64),
		allowShort: cfg.Params.Oracle.Bool("allow_short", false),
		stopPct:    risk.Get("stop_loss_pct", 0.02),
		targetPct:  risk.Get("take_profit_pct", 0.04),
		sizePct:    risk.Get("position_size_pct", 0.05),
	}
	if run.sizePct <= 0 || math.IsNaN(run.sizePct) {
		return fmt.Errorf("position_size_pct must be positive, got %v", run.sizePct)
	}
	for symbol := range data {
		run.followers[symbol] = strategy.NewTrendFollower(trendCfg)
	}

	queue := NewEventQueue(data)
	first, _ := queue.Peek()
	run.pf = portfolio.NewState(cfg.InitialBalance, first.Bar.Timestamp)

	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		group := queue.PopGroup()
		for _, ev := range group {
			run.onBar(ev)
		}
		run.equity = append(run.equity, run.pf.TotalValue)
	}

	run.closeAll()
	if n := len(run.equity); n > 0 {
		run.equity[n-1] = run.pf.TotalValue
	}

	result.Trades = run.trades
	result.EquityCurve = run.equity
	result.FinalBalance = run.pf.TotalValue
	result.GuardrailRejections = run.rejections
	return nil
}

func (r *trendRun) onBar(ev BarEvent) {
	bar := ev.Bar
	r.pf.RollPeriods(bar.Timestamp)
	r.lastBar[ev.Symbol] = bar

	if pos := r.pf.Position(ev.Symbol); pos != nil {
		if price, reason, hit := exitLevel(pos, bar); hit {
			r.exit(ev.Symbol, price, reason, bar)
		}
	}
	r.pf.UpdatePrices(map[string]float64{ev.Symbol: bar.Close})

	signal := r.followers[ev.Symbol].OnBar(bar.Close)
	if signal == strategy.SignalNone {
		return
	}

	if pos := r.pf.Position(ev.Symbol); pos != nil {
		if (signal == strategy.SignalLong) == (pos.Side == types.PositionSideLong) {
			return
		}
		r.exit(ev.Symbol, bar.Close, types.ExitReasonSignal, bar)
	}

	switch {
	case signal == strategy.SignalLong:
		r.enter(ev.Symbol, types.PositionSideLong, bar)
	case signal == strategy.SignalShort && r.allowShort:
		r.enter(ev.Symbol, types.PositionSideShort, bar)
	}
}

// exitLevel reports whether the bar's range reached the position's stop or
// target. The stop is checked first. Gaps through a level fill at the open.
func exitLevel(pos *portfolio.Position, bar types.OHLCV) (float64, string, bool) {
	long := pos.Side == types.PositionSideLong
	if stop := pos.StopLoss; stop != nil {
		if long && bar.Low <= *stop {
			return math.Min(*stop, bar.Open), types.ExitReasonStopLoss, true
		}
		if !long && bar.High >= *stop {
			return math.Max(*stop, bar.Open), types.ExitReasonStopLoss, true
		}
	}
	if target := pos.TakeProfit; target != nil {
		if long && bar.High >= *target {
			return math.Max(*target, bar.Open), types.ExitReasonTakeProfit, true
		}
		if !long && bar.Low <= *target {
			return math.Min(*target, bar.Open), types.ExitReasonTakeProfit, true
		}
	}
	return 0, "", false
}

func (r *trendRun) enter(symbol string, side types.PositionSide, bar types.OHLCV) {
	// one position per symbol
	if r.pf.HasPosition(symbol) {
		return
	}
	if check := r.enforcer.CheckDrawdown(r.pf); !check.Allowed {
		r.rejections++
		return
	}

	orderSide := types.OrderSideBuy
	if side == types.PositionSideShort {
		orderSide = types.OrderSideSell
	}
	notional := r.pf.TotalValue * r.sizePct
	quantity := notional / bar.Close
	price := fillPrice(orderSide, bar.Close, r.slippage.Calculate(orderSide, quantity, bar))
	quantity = notional / price

	var stop, target *float64
	if r.stopPct > 0 {
		s := price * (1 - r.stopPct)
		if side == types.PositionSideShort {
			s = price * (1 + r.stopPct)
		}
		stop = &s
	}
	if r.targetPct > 0 {
		t := price * (1 + r.targetPct)
		if side == types.PositionSideShort {
			t = price * (1 - r.targetPct)
		}
		target = &t
	}

	check := r.enforcer.ValidateOrder(symbol, side, quantity, price, stop, r.pf)
	if !check.Allowed {
		r.rejections++
		return
	}

	r.pf.AddPosition(&portfolio.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: price,
		StopLoss:   stop,
		TakeProfit: target,
		OpenedAt:   bar.Timestamp,
	})
	fee := quantity * price * r.cfg.Commission
	r.pf.ChargeFee(fee)
	r.entryFees[symbol] = fee
	r.pf.UpdatePrices(map[string]float64{symbol: bar.Close})
}

func (r *trendRun) exit(symbol string, level float64, reason string, bar types.OHLCV) {
	pos := r.pf.Position(symbol)
	if pos == nil {
		return
	}
	snapshot := *pos

	orderSide := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		orderSide = types.OrderSideBuy
	}
	price := fillPrice(orderSide, level, r.slippage.Calculate(orderSide, pos.Quantity, bar))

	gross, ok := r.pf.ClosePosition(symbol, price)
	if !ok {
		return
	}
	exitFee := snapshot.Quantity * price * r.cfg.Commission
	r.pf.ChargeFee(exitFee)

	pnl := gross - r.entryFees[symbol] - exitFee
	delete(r.entryFees, symbol)

	var pnlPct float64
	if ev := snapshot.EntryValue(); ev > 0 {
		pnlPct = pnl / ev
	}
	r.trades = append(r.trades, types.Trade{
		Symbol:     symbol,
		Side:       snapshot.Side,
		Quantity:   snapshot.Quantity,
		EntryPrice: snapshot.EntryPrice,
		EntryTime:  snapshot.OpenedAt,
		ExitPrice:  price,
		ExitTime:   bar.Timestamp,
		StopLoss:   snapshot.StopLoss,
		TakeProfit: snapshot.TakeProfit,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ExitReason: reason,
	})
}

// closeAll liquidates every open position at its symbol's last close.
func (r *trendRun) closeAll() {
	for len(r.pf.Positions) > 0 {
		symbol := r.pf.Positions[0].Symbol
		bar := r.lastBar[symbol]
		r.exit(symbol, bar.Close, types.ExitReasonEndOfData, bar)
	}
	if len(r.trades) > 0 {
		r.logger.Debug("Trend replay finished",
			zap.Int("trades", len(r.trades)),
			zap.Int("guardrailRejections", r.rejections),
			zap.Time("lastBar", lastTimestamp(r.lastBar)),
		)
	}
}

func lastTimestamp(bars map[string]types.OHLCV) time.Time {
	var last time.Time
	for _, b := range bars {
		if b.Timestamp.After(last) {
			last = b.Timestamp
		}
	}
	return last
}
