// Package main runs a one-shot research session: load or generate bars,
// backtest, bootstrap the trades, walk the parameter grid forward and
// write the results as CSV and JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/metrics"
	"github.com/atlas-desktop/strategy-lab/internal/montecarlo"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/regime"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

const autoStrategy = "auto"

type options struct {
	configPath string
	csvPath    string
	symbol     string
	sourceTF   string
	synthetic  int
	seed       int64
	strategy   string
	timeframe  string
	grid       string
	windows    int
	oosPct     float64
	metric     string
	sims       int
	clean      bool
	outDir     string
}

// Report is the JSON summary written next to the CSV exports.
type Report struct {
	Symbol      string                      `json:"symbol"`
	Bars        int                         `json:"bars"`
	Quality     *data.QualityReport         `json:"quality"`
	Selection   *strategy.Selection         `json:"selection,omitempty"`
	Backtest    *types.BacktestResult       `json:"backtest"`
	MonteCarlo  *types.MonteCarloResult     `json:"monteCarlo"`
	WalkForward *types.WalkForwardResult    `json:"walkForward,omitempty"`
	Viability   *backtester.ViabilityReport `json:"viability"`
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to a config file")
	flag.StringVar(&opts.csvPath, "csv", "", "OHLCV CSV file (datetime,open,high,low,close,volume)")
	flag.StringVar(&opts.symbol, "symbol", "BTC/USDT", "Symbol name for the loaded series")
	flag.StringVar(&opts.sourceTF, "source-timeframe", "", "Timeframe of the CSV when it must be resampled")
	flag.IntVar(&opts.synthetic, "synthetic", 0, "Generate this many synthetic bars instead of reading a CSV")
	flag.Int64Var(&opts.seed, "seed", 1, "Seed for synthetic bars")
	flag.StringVar(&opts.strategy, "strategy", "", "Strategy (trend, grid, auto); auto picks one from the detected regime")
	flag.StringVar(&opts.timeframe, "timeframe", "", "Run timeframe; overrides config")
	flag.StringVar(&opts.grid, "grid", "", "Walk-forward grid, e.g. oracle.fast_period=5,10;risk.stop_loss_pct=0.01:0.03:0.01")
	flag.IntVar(&opts.windows, "windows", 0, "Walk-forward windows; overrides config")
	flag.Float64Var(&opts.oosPct, "oos", 0, "Walk-forward out-of-sample fraction; overrides config")
	flag.StringVar(&opts.metric, "metric", "", "Ranking metric; overrides config")
	flag.IntVar(&opts.sims, "sims", 0, "Monte Carlo simulations; overrides config")
	flag.BoolVar(&opts.clean, "clean", false, "Drop invalid bars found by the quality check")
	flag.StringVar(&opts.outDir, "out", "./research-out", "Output directory")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, opts); err != nil {
		logger.Fatal("Research run failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *types.AppConfig, opts options) error {
	auto := opts.strategy == autoStrategy
	if opts.strategy != "" && !auto {
		cfg.Backtest.Strategy = opts.strategy
	}
	if opts.timeframe != "" {
		cfg.Backtest.Timeframe = types.Timeframe(opts.timeframe)
	}
	if opts.windows > 0 {
		cfg.WalkForward.NumWindows = opts.windows
	}
	if opts.oosPct > 0 {
		cfg.WalkForward.OOSPct = opts.oosPct
	}
	if opts.metric != "" {
		cfg.WalkForward.Metric = opts.metric
	}
	if opts.sims > 0 {
		cfg.MonteCarlo.NumSimulations = opts.sims
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	bars, err := loadBars(cfg, opts)
	if err != nil {
		return err
	}

	validator := data.NewQualityValidator(logger)
	quality := validator.Validate(opts.symbol, bars)
	logger.Info("Data quality",
		zap.String("symbol", opts.symbol),
		zap.Int("bars", len(bars)),
		zap.Int("score", quality.QualityScore),
		zap.Int("issues", len(quality.Issues)),
	)
	if opts.clean {
		bars = validator.Clean(bars)
	}

	md := types.MarketData{opts.symbol: bars}
	runCfg := config.RunConfig(cfg)
	runCfg.Symbols = []string{opts.symbol}

	var selection *strategy.Selection
	if auto {
		sel, err := selectStrategy(logger, bars, &runCfg)
		if err != nil {
			return err
		}
		selection = &sel
	}

	recorder := metrics.NewRecorder()
	engine := backtester.NewEngine(logger, recorder)

	started := time.Now()
	result, err := engine.Run(ctx, md, runCfg)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}
	recorder.RunCompleted("backtest", time.Since(started))
	logger.Info("Backtest complete",
		zap.Int("trades", result.TotalTrades),
		zap.Float64("totalReturn", result.TotalReturn),
		zap.Float64("sharpe", result.SharpeRatio),
		zap.Float64("maxDrawdown", result.MaxDrawdown),
		zap.Int("guardrailRejections", result.GuardrailRejections),
	)

	started = time.Now()
	mc := montecarlo.NewEngine(logger, cfg.MonteCarlo).Run(result)
	recorder.RunCompleted("montecarlo", time.Since(started))
	logger.Info("Monte Carlo complete",
		zap.Int("simulations", mc.NumSimulations),
		zap.Int64("seed", mc.Seed),
		zap.Float64("probabilityOfLoss", mc.ProbabilityOfLoss),
	)

	report := &Report{
		Symbol:     opts.symbol,
		Bars:       len(bars),
		Quality:    quality,
		Selection:  selection,
		Backtest:   result,
		MonteCarlo: mc,
	}

	if opts.grid != "" {
		grid, err := optimization.ParseGrid(opts.grid)
		if err != nil {
			return err
		}
		for _, dim := range grid.Dimensions() {
			logger.Info("Walk-forward dimension",
				zap.String("param", string(dim.Category)+"."+dim.Name),
				zap.Float64s("values", dim.Values),
			)
		}
		wf := optimization.NewWalkForwardEngine(logger, engine, nil, cfg.WalkForward, recorder)
		started = time.Now()
		report.WalkForward, err = wf.Run(ctx, md, grid, runCfg, func(done, total int) {
			logger.Info("Walk-forward progress", zap.Int("window", done), zap.Int("of", total))
		})
		if err != nil {
			return fmt.Errorf("walk-forward: %w", err)
		}
		recorder.RunCompleted("walkforward", time.Since(started))
		logger.Info("Walk-forward complete",
			zap.Float64("oosReturn", report.WalkForward.OOSTotalReturn),
			zap.Float64("avgDegradation", report.WalkForward.AvgDegradation),
			zap.Ints("skipped", report.WalkForward.SkippedWindows),
		)
	}

	report.Viability = backtester.NewViabilityChecker(nil).Check(result, report.WalkForward)
	logger.Info("Viability", zap.String("grade", report.Viability.Grade), zap.String("summary", report.Viability.Summary))

	return writeOutputs(opts.outDir, report, bars)
}

// selectStrategy detects the regime over the closes and configures cfg with
// the strategy the manager picks for it.
func selectStrategy(logger *zap.Logger, bars []types.OHLCV, cfg *types.RunConfig) (strategy.Selection, error) {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	detCfg := regime.DefaultConfig()
	detCfg.PeriodsPerYear = cfg.Timeframe.PeriodsPerYear()
	state, err := regime.NewDetector(logger, detCfg).Detect(closes)
	if err != nil {
		return strategy.Selection{}, fmt.Errorf("regime: %w", err)
	}

	manager := strategy.NewManager(logger, types.ParameterSet{}, types.ParameterSet{})
	selected, sel, ok := manager.Apply(*cfg, state)
	if !ok {
		return sel, fmt.Errorf("regime %s: %s", sel.Regime, sel.Reason)
	}
	logger.Info("Strategy selected",
		zap.String("regime", string(sel.Regime)),
		zap.String("strategy", sel.Strategy),
		zap.String("reason", sel.Reason),
	)
	*cfg = selected
	return sel, nil
}

func loadBars(cfg *types.AppConfig, opts options) ([]types.OHLCV, error) {
	if opts.synthetic > 0 {
		return data.Synthetic(data.SyntheticConfig{
			Start:     time.Now().UTC().Truncate(cfg.Backtest.Timeframe.Duration()).Add(-time.Duration(opts.synthetic) * cfg.Backtest.Timeframe.Duration()),
			Timeframe: cfg.Backtest.Timeframe,
			Bars:      opts.synthetic,
			Seed:      opts.seed,
		}), nil
	}
	if opts.csvPath == "" {
		return nil, fmt.Errorf("either -csv or -synthetic is required")
	}
	bars, err := data.LoadFile(opts.csvPath)
	if err != nil {
		return nil, err
	}
	if opts.sourceTF != "" && types.Timeframe(opts.sourceTF) != cfg.Backtest.Timeframe {
		return data.Resample(bars, types.Timeframe(opts.sourceTF), cfg.Backtest.Timeframe)
	}
	return bars, nil
}

func writeOutputs(dir string, report *Report, bars []types.OHLCV) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	writers := map[string]func(f *os.File) error{
		"bars.csv":   func(f *os.File) error { return data.WriteBars(f, bars) },
		"trades.csv": func(f *os.File) error { return data.WriteTrades(f, report.Backtest.Trades) },
		"equity.csv": func(f *os.File) error { return data.WriteEquity(f, report.Backtest.EquityCurve) },
		"report.json": func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	if report.WalkForward != nil {
		writers["walkforward_equity.csv"] = func(f *os.File) error {
			return data.WriteEquity(f, report.WalkForward.OOSEquityCurve)
		}
	}

	for name, write := range writers {
		if err := writeFile(filepath.Join(dir, name), write); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
