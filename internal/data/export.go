package data

import (
	"io"
	"strconv"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/gocarina/gocsv"
)

type barRow struct {
	Datetime string  `csv:"datetime"`
	Open     float64 `csv:"open"`
	High     float64 `csv:"high"`
	Low      float64 `csv:"low"`
	Close    float64 `csv:"close"`
	Volume   float64 `csv:"volume"`
}

type tradeRow struct {
	Symbol     string  `csv:"symbol"`
	Side       string  `csv:"side"`
	Quantity   float64 `csv:"quantity"`
	EntryPrice float64 `csv:"entry_price"`
	EntryTime  string  `csv:"entry_time"`
	ExitPrice  float64 `csv:"exit_price"`
	ExitTime   string  `csv:"exit_time"`
	StopLoss   string  `csv:"stop_loss"`
	TakeProfit string  `csv:"take_profit"`
	PnL        float64 `csv:"pnl"`
	PnLPct     float64 `csv:"pnl_pct"`
	ExitReason string  `csv:"exit_reason"`
}

type equityRow struct {
	Period int     `csv:"period"`
	Equity float64 `csv:"equity"`
}

// WriteBars writes bars in the format LoadCSV reads.
func WriteBars(w io.Writer, bars []types.OHLCV) error {
	rows := make([]*barRow, len(bars))
	for i, b := range bars {
		rows[i] = &barRow{
			Datetime: b.Timestamp.UTC().Format(time.RFC3339),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		}
	}
	return gocsv.Marshal(&rows, w)
}

// WriteTrades exports trades, one row per round trip. Absent stops are empty cells.
func WriteTrades(w io.Writer, trades []types.Trade) error {
	rows := make([]*tradeRow, len(trades))
	for i, t := range trades {
		rows[i] = &tradeRow{
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Quantity:   t.Quantity,
			EntryPrice: t.EntryPrice,
			EntryTime:  t.EntryTime.UTC().Format(time.RFC3339),
			ExitPrice:  t.ExitPrice,
			ExitTime:   t.ExitTime.UTC().Format(time.RFC3339),
			StopLoss:   optional(t.StopLoss),
			TakeProfit: optional(t.TakeProfit),
			PnL:        t.PnL,
			PnLPct:     t.PnLPct,
			ExitReason: t.ExitReason,
		}
	}
	return gocsv.Marshal(&rows, w)
}

// WriteEquity exports an equity curve as period, equity rows.
func WriteEquity(w io.Writer, curve []float64) error {
	rows := make([]*equityRow, len(curve))
	for i, v := range curve {
		rows[i] = &equityRow{Period: i, Equity: v}
	}
	return gocsv.Marshal(&rows, w)
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
