package data

import (
	"math"
	"math/rand"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// SyntheticConfig describes a generated random-walk series.
type SyntheticConfig struct {
	Start      time.Time       `json:"start"`
	Timeframe  types.Timeframe `json:"timeframe"`
	Bars       int             `json:"bars"`
	StartPrice float64         `json:"startPrice"`
	Drift      float64         `json:"drift"`      // mean log return per bar
	Volatility float64         `json:"volatility"` // std of log return per bar
	Seed       int64           `json:"seed"`
}

// Synthetic generates a geometric random walk. Equal configs produce
// identical series.
func Synthetic(cfg SyntheticConfig) []types.OHLCV {
	step := cfg.Timeframe.Duration()
	if step <= 0 {
		step = time.Hour
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.01
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	bars := make([]types.OHLCV, cfg.Bars)
	price := cfg.StartPrice
	for i := range bars {
		open := price
		price *= math.Exp(cfg.Drift + cfg.Volatility*rng.NormFloat64())
		wick := cfg.Volatility / 2
		bars[i] = types.OHLCV{
			Timestamp: cfg.Start.Add(time.Duration(i) * step),
			Open:      open,
			High:      math.Max(open, price) * (1 + wick*rng.Float64()),
			Low:       math.Min(open, price) * (1 - wick*rng.Float64()),
			Close:     price,
			Volume:    1000 + 9000*rng.Float64(),
		}
	}
	return bars
}
