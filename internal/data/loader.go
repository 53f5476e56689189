// Package data loads, validates, resamples and exports historical market data.
package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/gocarina/gocsv"
)

// Columns every OHLCV file must carry.
var Columns = []string{"datetime", "open", "high", "low", "close", "volume"}

// ErrNoRows is returned for a file with a header but no bars.
var ErrNoRows = errors.New("no rows")

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339, "2006-01-02 15:04:05", a bare date, or
// unix seconds. Values without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LoadCSV parses OHLCV rows from r. Headers are matched case-insensitively.
// A missing column, an empty or non-numeric cell, or bars that are not
// strictly ascending in time is an error naming the offending row.
func LoadCSV(r io.Reader) ([]types.OHLCV, error) {
	rows, err := gocsv.CSVToMaps(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	bars := make([]types.OHLCV, 0, len(rows))
	for i, raw := range rows {
		line := i + 2 // header is line 1
		row := make(map[string]string, len(raw))
		for k, v := range raw {
			row[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}

		var values [5]float64
		for c, col := range Columns {
			cell, ok := row[col]
			if !ok {
				return nil, fmt.Errorf("missing column %q", col)
			}
			if cell == "" {
				return nil, fmt.Errorf("line %d: empty %s", line, col)
			}
			if c == 0 {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s %q is not numeric", line, col, cell)
			}
			values[c-1] = v
		}

		ts, err := ParseTimestamp(row["datetime"])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(bars); n > 0 && !ts.After(bars[n-1].Timestamp) {
			return nil, fmt.Errorf("line %d: timestamp %s not after %s",
				line, ts.Format(time.RFC3339), bars[n-1].Timestamp.Format(time.RFC3339))
		}

		bars = append(bars, types.OHLCV{
			Timestamp: ts,
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Volume:    values[4],
		})
	}
	return bars, nil
}

// LoadFile opens path and parses it with LoadCSV.
func LoadFile(path string) ([]types.OHLCV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bars, err := LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bars, nil
}
