package backtester

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// orderKey identifies a resting order. A level can hold one buy and one sell.
type orderKey struct {
	level int
	side  types.OrderSide
}

// gridRun replays one symbol through a GridStrategy. Resting orders fill
// when a bar's range reaches their level; counter-orders rest from the next bar.
type gridRun struct {
	cfg       types.RunConfig
	grid      *strategy.GridStrategy
	slippage  SlippageModel
	orders    map[orderKey]strategy.GridOrder
	buyTimes  map[int]time.Time
	buyPrices map[int]float64
	buyFees   map[int]float64 // per unit bought
	cash      float64
	inventory float64
	trades    []types.Trade
}

// GridConfigFromParams builds a grid centred on anchor from the run parameters.
func GridConfigFromParams(symbol string, anchor, balance float64, ps types.ParameterSet) (strategy.GridConfig, error) {
	rangePct := ps.Oracle.Get("range_pct", 0.10)
	if rangePct <= 0 || rangePct >= 1 {
		return strategy.GridConfig{}, fmt.Errorf("range_pct must be in (0, 1), got %v", rangePct)
	}
	capitalPct := ps.Risk.Get("capital_pct", 0.5)
	if capitalPct <= 0 || capitalPct > 1 {
		return strategy.GridConfig{}, fmt.Errorf("capital_pct must be in (0, 1], got %v", capitalPct)
	}
	spacing := strategy.GridSpacingArithmetic
	if ps.Oracle.Bool("geometric", false) {
		spacing = strategy.GridSpacingGeometric
	}
	return strategy.GridConfig{
		Symbol:             symbol,
		LowerPrice:         anchor * (1 - rangePct),
		UpperPrice:         anchor * (1 + rangePct),
		GridCount:          int(ps.Oracle.Get("grid_count", 10)),
		TotalInvestment:    balance * capitalPct,
		Spacing:            spacing,
		AutoStopOnBreakout: ps.Oracle.Bool("auto_stop", true),
	}, nil
}

func (e *Engine) runGrid(ctx context.Context, data types.MarketData, cfg types.RunConfig, result *types.BacktestResult) error {
	symbol := data.Symbols()[0]
	if len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	bars := data[symbol]
	if len(bars) == 0 {
		return fmt.Errorf("grid: %w for %s", ErrEmptyDataset, symbol)
	}

	gridCfg, err := GridConfigFromParams(symbol, bars[0].Close, cfg.InitialBalance, cfg.Params)
	if err != nil {
		return fmt.Errorf("grid parameters: %w", err)
	}
	grid, err := strategy.NewGridStrategy(gridCfg)
	if err != nil {
		return fmt.Errorf("grid parameters: %w", err)
	}

	run := &gridRun{
		cfg:       cfg,
		grid:      grid,
		slippage:  NewSlippageModel(cfg),
		orders:    make(map[orderKey]strategy.GridOrder),
		buyTimes:  make(map[int]time.Time),
		buyPrices: make(map[int]float64),
		buyFees:   make(map[int]float64),
		cash:      cfg.InitialBalance,
	}
	run.seed(bars[0])

	equity := make([]float64, 0, len(bars))
	equity = append(equity, run.equity(bars[0].Close))
	for _, bar := range bars[1:] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !grid.CheckPriceInRange(bar.Close) && grid.IsStopped() && len(run.orders) > 0 {
			e.logger.Debug("Grid stopped on breakout",
				zap.String("symbol", symbol),
				zap.Float64("price", bar.Close),
			)
			run.orders = make(map[orderKey]strategy.GridOrder)
		}
		run.onBar(bar)
		equity = append(equity, run.equity(bar.Close))
	}

	result.Trades = run.trades
	result.EquityCurve = equity
	result.FinalBalance = equity[len(equity)-1]
	return nil
}

// seed places the initial ladder and buys the inventory its sells need.
func (r *gridRun) seed(bar types.OHLCV) {
	var sellQty float64
	for _, o := range r.grid.GenerateInitialOrders(bar.Close) {
		r.place(o)
		if o.Side == types.OrderSideSell {
			sellQty += o.Quantity
		}
	}
	if sellQty > 0 {
		price := fillPrice(types.OrderSideBuy, bar.Close, r.slippage.Calculate(types.OrderSideBuy, sellQty, bar))
		cost := sellQty * price
		r.cash -= cost + cost*r.cfg.Commission
		r.inventory += sellQty
	}
}

func (r *gridRun) onBar(bar types.OHLCV) {
	var buys, sells []strategy.GridOrder
	for _, o := range r.orders {
		switch {
		case o.Side == types.OrderSideBuy && bar.Low <= o.Price:
			buys = append(buys, o)
		case o.Side == types.OrderSideSell && bar.High >= o.Price:
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price > buys[j].Price })
	sort.Slice(sells, func(i, j int) bool { return sells[i].Price < sells[j].Price })

	var next []*strategy.GridOrder
	for _, o := range buys {
		delete(r.orders, orderKey{o.LevelIndex, o.Side})
		r.fillBuy(o, bar)
		next = append(next, r.grid.OnOrderFilled(o.LevelIndex, types.OrderSideBuy))
	}
	for _, o := range sells {
		delete(r.orders, orderKey{o.LevelIndex, o.Side})
		pendingQty, cycle := r.grid.PendingBuys()[o.LevelIndex-1]
		r.fillSell(o, bar, pendingQty, cycle)
		next = append(next, r.grid.OnOrderFilled(o.LevelIndex, types.OrderSideSell))
	}
	for _, o := range next {
		if o != nil {
			r.place(*o)
		}
	}
}

// place rests o, adding its quantity to an order already resting at the same
// level and side.
func (r *gridRun) place(o strategy.GridOrder) {
	key := orderKey{o.LevelIndex, o.Side}
	if resting, ok := r.orders[key]; ok {
		o.Quantity += resting.Quantity
	}
	r.orders[key] = o
}

func (r *gridRun) fillBuy(o strategy.GridOrder, bar types.OHLCV) {
	price := fillPrice(types.OrderSideBuy, o.Price, r.slippage.Calculate(types.OrderSideBuy, o.Quantity, bar))
	cost := o.Quantity * price
	fee := cost * r.cfg.Commission
	r.cash -= cost + fee
	r.inventory += o.Quantity
	r.buyTimes[o.LevelIndex] = bar.Timestamp
	r.buyPrices[o.LevelIndex] = price
	r.buyFees[o.LevelIndex] = fee / o.Quantity
}

func (r *gridRun) fillSell(o strategy.GridOrder, bar types.OHLCV, buyQty float64, cycle bool) {
	qty := o.Quantity
	if qty > r.inventory {
		qty = r.inventory
	}
	if qty <= 0 {
		return
	}
	price := fillPrice(types.OrderSideSell, o.Price, r.slippage.Calculate(types.OrderSideSell, qty, bar))
	proceeds := qty * price
	fee := proceeds * r.cfg.Commission
	r.cash += proceeds - fee
	r.inventory -= qty

	if !cycle {
		return
	}
	buyLevel := o.LevelIndex - 1
	entry := r.buyPrices[buyLevel]
	sellFee := fee * math.Min(buyQty/qty, 1)
	pnl := (price-entry)*buyQty - r.buyFees[buyLevel]*buyQty - sellFee
	var pnlPct float64
	if entry > 0 {
		pnlPct = pnl / (entry * buyQty)
	}
	r.trades = append(r.trades, types.Trade{
		Symbol:     o.Symbol,
		Side:       types.PositionSideLong,
		Quantity:   buyQty,
		EntryPrice: entry,
		EntryTime:  r.buyTimes[buyLevel],
		ExitPrice:  price,
		ExitTime:   bar.Timestamp,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ExitReason: types.ExitReasonGridCycle,
	})
	delete(r.buyTimes, buyLevel)
	delete(r.buyPrices, buyLevel)
	delete(r.buyFees, buyLevel)
}

func (r *gridRun) equity(price float64) float64 {
	return r.cash + r.inventory*price
}
