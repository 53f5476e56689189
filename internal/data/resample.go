package data

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Resample aggregates bars of timeframe from into timeframe to: open is the
// first open, high the max, low the min, close the last close and volume the
// sum. Buckets start on UTC boundaries of to. A trailing
// bucket that the data does not cover to its end is dropped.
func Resample(bars []types.OHLCV, from, to types.Timeframe) ([]types.OHLCV, error) {
	src, dst := from.Duration(), to.Duration()
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("unknown timeframe %q -> %q", from, to)
	}
	if dst < src || dst%src != 0 {
		return nil, fmt.Errorf("cannot resample %s into %s", from, to)
	}
	if dst == src || len(bars) == 0 {
		return append([]types.OHLCV(nil), bars...), nil
	}

	var out []types.OHLCV
	var cur types.OHLCV
	var bucket time.Time
	open := false

	for _, b := range bars {
		start := b.Timestamp.Truncate(dst)
		if !open || !start.Equal(bucket) {
			if open {
				out = append(out, cur)
			}
			bucket = start
			cur = types.OHLCV{Timestamp: start, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			open = true
			continue
		}
		cur.High = math.Max(cur.High, b.High)
		cur.Low = math.Min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.Volume += b.Volume
	}

	last := bars[len(bars)-1].Timestamp
	if !last.Add(src).Before(bucket.Add(dst)) {
		out = append(out, cur)
	}
	return out, nil
}
