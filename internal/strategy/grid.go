package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// GridSpacing selects how levels are distributed between the bounds.
type GridSpacing string

const (
	GridSpacingArithmetic GridSpacing = "arithmetic"
	GridSpacingGeometric  GridSpacing = "geometric"
)

// GridConfig is the static configuration of a grid.
type GridConfig struct {
	Symbol             string      `json:"symbol"`
	LowerPrice         float64     `json:"lowerPrice"`
	UpperPrice         float64     `json:"upperPrice"`
	GridCount          int         `json:"gridCount"`
	TotalInvestment    float64     `json:"totalInvestment"`
	Spacing            GridSpacing `json:"spacing"`
	AutoStopOnBreakout bool        `json:"autoStopOnBreakout"`
}

// Validate checks the bounds, count and investment.
func (c GridConfig) Validate() error {
	switch {
	case !(c.LowerPrice > 0):
		return fmt.Errorf("grid lower price must be positive, got %v", c.LowerPrice)
	case !(c.UpperPrice > c.LowerPrice):
		return fmt.Errorf("grid upper price %v must exceed lower price %v", c.UpperPrice, c.LowerPrice)
	case c.GridCount < 1:
		return fmt.Errorf("grid count must be at least 1, got %d", c.GridCount)
	case !(c.TotalInvestment > 0):
		return fmt.Errorf("grid investment must be positive, got %v", c.TotalInvestment)
	case math.IsInf(c.UpperPrice, 0) || math.IsInf(c.TotalInvestment, 0):
		return fmt.Errorf("grid bounds and investment must be finite")
	}
	switch c.Spacing {
	case "", GridSpacingArithmetic, GridSpacingGeometric:
	default:
		return fmt.Errorf("unknown grid spacing %q", c.Spacing)
	}
	return nil
}

// GridOrder is a limit order emitted by the grid.
type GridOrder struct {
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Price      float64         `json:"price"`
	Quantity   float64         `json:"quantity"`
	LevelIndex int             `json:"levelIndex"`
}

// GridStrategy cycles buy and sell orders between adjacent price levels.
// Once stopped it never resumes. It is owned by a single goroutine.
type GridStrategy struct {
	config         GridConfig
	levels         []float64
	capitalPerCell float64

	isStopped       bool
	totalProfit     float64
	completedCycles int
	pendingBuys     map[int]float64
}

// NewGridStrategy validates cfg and lays out its levels.
func NewGridStrategy(cfg GridConfig) (*GridStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Spacing == "" {
		cfg.Spacing = GridSpacingArithmetic
	}
	g := &GridStrategy{
		config:         cfg,
		capitalPerCell: cfg.TotalInvestment / float64(cfg.GridCount),
		pendingBuys:    make(map[int]float64),
	}
	g.levels = g.CalculateGridLevels()
	return g, nil
}

// CalculateGridLevels returns GridCount+1 increasing prices from LowerPrice
// to UpperPrice inclusive.
func (g *GridStrategy) CalculateGridLevels() []float64 {
	n := g.config.GridCount
	lower, upper := g.config.LowerPrice, g.config.UpperPrice
	levels := make([]float64, n+1)

	if g.config.Spacing == GridSpacingGeometric {
		ratio := math.Pow(upper/lower, 1/float64(n))
		for i := range levels {
			levels[i] = lower * math.Pow(ratio, float64(i))
		}
	} else {
		step := (upper - lower) / float64(n)
		for i := range levels {
			levels[i] = lower + float64(i)*step
		}
	}
	levels[0] = lower
	levels[n] = upper
	return levels
}

// GenerateInitialOrders places buys below and sells above currentPrice.
// A level equal to currentPrice gets no order.
func (g *GridStrategy) GenerateInitialOrders(currentPrice float64) []GridOrder {
	if g.isStopped || g.levels == nil {
		return nil
	}
	orders := make([]GridOrder, 0, len(g.levels))
	for i, level := range g.levels {
		switch {
		case level < currentPrice:
			orders = append(orders, GridOrder{
				Symbol:     g.config.Symbol,
				Side:       types.OrderSideBuy,
				Price:      level,
				Quantity:   g.capitalPerCell / level,
				LevelIndex: i,
			})
		case level > currentPrice:
			orders = append(orders, GridOrder{
				Symbol:     g.config.Symbol,
				Side:       types.OrderSideSell,
				Price:      level,
				Quantity:   g.capitalPerCell / currentPrice,
				LevelIndex: i,
			})
		}
	}
	return orders
}

// OnOrderFilled advances the grid after a fill and returns the counter-order,
// or nil when there is none.
func (g *GridStrategy) OnOrderFilled(levelIndex int, side types.OrderSide) *GridOrder {
	if g.isStopped || g.levels == nil || levelIndex < 0 || levelIndex >= len(g.levels) {
		return nil
	}

	switch side {
	case types.OrderSideBuy:
		qty := g.capitalPerCell / g.levels[levelIndex]
		g.pendingBuys[levelIndex] = qty
		next := levelIndex + 1
		if next >= len(g.levels) {
			return nil
		}
		// same quantity as the buy so each cell stays inventory neutral
		return &GridOrder{
			Symbol:     g.config.Symbol,
			Side:       types.OrderSideSell,
			Price:      g.levels[next],
			Quantity:   qty,
			LevelIndex: next,
		}

	case types.OrderSideSell:
		prev := levelIndex - 1
		if qty, ok := g.pendingBuys[prev]; ok {
			delete(g.pendingBuys, prev)
			g.totalProfit += (g.levels[levelIndex] - g.levels[prev]) * qty
			g.completedCycles++
		}
		if prev < 0 {
			return nil
		}
		return &GridOrder{
			Symbol:     g.config.Symbol,
			Side:       types.OrderSideBuy,
			Price:      g.levels[prev],
			Quantity:   g.capitalPerCell / g.levels[prev],
			LevelIndex: prev,
		}
	}
	return nil
}

// CheckPriceInRange reports whether price lies within the grid bounds and,
// with auto-stop enabled, stops the grid permanently when it does not.
func (g *GridStrategy) CheckPriceInRange(price float64) bool {
	in := price >= g.config.LowerPrice && price <= g.config.UpperPrice
	if !in && g.config.AutoStopOnBreakout {
		g.isStopped = true
	}
	return in
}

// Config returns the static configuration.
func (g *GridStrategy) Config() GridConfig { return g.config }

// Levels returns a copy of the grid levels.
func (g *GridStrategy) Levels() []float64 {
	return append([]float64(nil), g.levels...)
}

// CapitalPerCell is the notional allotted to each order.
func (g *GridStrategy) CapitalPerCell() float64 { return g.capitalPerCell }

// IsStopped reports whether the grid has halted.
func (g *GridStrategy) IsStopped() bool { return g.isStopped }

// TotalProfit is the realised profit of completed cycles.
func (g *GridStrategy) TotalProfit() float64 { return g.totalProfit }

// CompletedCycles counts buy-then-sell round trips.
func (g *GridStrategy) CompletedCycles() int { return g.completedCycles }

// PendingBuys returns a copy of the filled buys awaiting a sell, by level.
func (g *GridStrategy) PendingBuys() map[int]float64 {
	out := make(map[int]float64, len(g.pendingBuys))
	for k, v := range g.pendingBuys {
		out[k] = v
	}
	return out
}
