package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no file can serve a symbol and timeframe.
var ErrNotFound = errors.New("no data for symbol")

// Store reads and writes <symbol>_<timeframe>.csv files under a directory
// and caches parsed series in memory.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.OHLCV
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	BarCount  int             `json:"barCount"`
}

// NewStore creates a new data store, creating dataDir if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s := &Store{
		logger:   logger.Named("store"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.OHLCV),
		metadata: make(map[string]*SymbolMetadata),
	}
	if err := s.loadMetadata(); err != nil {
		s.logger.Warn("Failed to load metadata", zap.Error(err))
	}
	return s, nil
}

// finerTimeframes are tried, finest last, when a timeframe has no file of its own.
var finerTimeframes = []types.Timeframe{
	types.Timeframe4h, types.Timeframe1h, types.Timeframe15m, types.Timeframe5m, types.Timeframe1m,
}

// LoadOHLCV returns the bars of symbol within [start, end]. A zero bound is
// open. When no file exists for timeframe the closest finer file is
// resampled and the result cached.
func (s *Store) LoadOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bars, err := s.series(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// Load reads several symbols into one MarketData.
func (s *Store) Load(ctx context.Context, symbols []string, timeframe types.Timeframe, start, end time.Time) (types.MarketData, error) {
	md := make(types.MarketData, len(symbols))
	for _, symbol := range symbols {
		bars, err := s.LoadOHLCV(ctx, symbol, timeframe, start, end)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		md[symbol] = bars
	}
	return md, nil
}

func (s *Store) series(symbol string, timeframe types.Timeframe) ([]types.OHLCV, error) {
	key := cacheKey(symbol, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	bars, err := LoadFile(s.path(symbol, timeframe))
	if err == nil {
		s.cache[key] = bars
		return bars, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	for _, finer := range finerTimeframes {
		if finer.Duration() >= timeframe.Duration() || timeframe.Duration()%finer.Duration() != 0 {
			continue
		}
		src, err := LoadFile(s.path(symbol, finer))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bars, err := Resample(src, finer, timeframe)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Resampled series",
			zap.String("symbol", symbol),
			zap.String("from", string(finer)),
			zap.String("to", string(timeframe)),
			zap.Int("bars", len(bars)),
		)
		s.cache[key] = bars
		return bars, nil
	}
	return nil, fmt.Errorf("%w %s at %s", ErrNotFound, symbol, timeframe)
}

// SaveOHLCV writes bars to disk and refreshes the cache and metadata.
func (s *Store) SaveOHLCV(symbol string, timeframe types.Timeframe, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.path(symbol, timeframe))
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	if err := WriteBars(f, bars); err != nil {
		f.Close()
		return fmt.Errorf("write data file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.cache[cacheKey(symbol, timeframe)] = append([]types.OHLCV(nil), bars...)
	if len(bars) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			Timeframe: timeframe,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
		}
	}
	return s.saveMetadata()
}

// Symbols returns the symbols with saved data, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the saved range for symbol.
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w %s", ErrNotFound, symbol)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.OHLCV)
}

// CacheSize returns the number of cached series.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Store) path(symbol string, timeframe types.Timeframe) string {
	return filepath.Join(s.dataDir, cacheKey(symbol, timeframe)+".csv")
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return strings.ReplaceAll(symbol, "/", "-") + "_" + string(timeframe)
}

func filterByTimeRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	var filtered []types.OHLCV
	for _, b := range bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && b.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, b)
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.metadata)
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}
