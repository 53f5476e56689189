package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/guardrails"
	"github.com/atlas-desktop/strategy-lab/internal/montecarlo"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/internal/regime"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DataRequest selects the bars a run uses: inline bars, a synthetic series,
// or symbols read from the data store, in that order of precedence.
type DataRequest struct {
	Symbols   []string              `json:"symbols"`
	Timeframe types.Timeframe       `json:"timeframe"`
	Start     time.Time             `json:"start"`
	End       time.Time             `json:"end"`
	Bars      types.MarketData      `json:"bars,omitempty"`
	Synthetic *data.SyntheticConfig `json:"synthetic,omitempty"`
}

// RunRequest overrides the configured backtest defaults. Zero fields keep
// the default; params are merged over it.
type RunRequest struct {
	Data           DataRequest             `json:"data"`
	Strategy       string                  `json:"strategy"`
	InitialBalance float64                 `json:"initialBalance"`
	Commission     *float64                `json:"commission"`
	SlippageBps    *float64                `json:"slippageBps"`
	Params         types.ParameterSet      `json:"params"`
	Guardrails     *types.GuardrailsConfig `json:"guardrails"`
}

// MonteCarloRequest backtests a configuration then bootstraps its trades.
type MonteCarloRequest struct {
	RunRequest
	Simulations int   `json:"simulations"`
	Seed        int64 `json:"seed"`
}

// OptimizeRequest sweeps a parameter grid.
type OptimizeRequest struct {
	RunRequest
	Grid      []optimization.Dimension `json:"grid"`
	Metric    string                   `json:"metric"`
	Ascending *bool                    `json:"ascending"`
}

// WalkForwardRequest runs rolling in-sample optimisation with out-of-sample tests.
type WalkForwardRequest struct {
	RunRequest
	Grid       []optimization.Dimension `json:"grid"`
	NumWindows int                      `json:"numWindows"`
	OOSPct     float64                  `json:"oosPct"`
	Metric     string                   `json:"metric"`
}

// BacktestReport is the result of a backtest job.
type BacktestReport struct {
	Backtest  *types.BacktestResult       `json:"backtest"`
	Viability *backtester.ViabilityReport `json:"viability"`
}

// MonteCarloReport is the result of a Monte Carlo job.
type MonteCarloReport struct {
	Backtest   *types.BacktestResult   `json:"backtest"`
	MonteCarlo *types.MonteCarloResult `json:"monteCarlo"`
}

// ValidateOrderRequest asks whether an order passes the guardrails.
type ValidateOrderRequest struct {
	Symbol     string                  `json:"symbol"`
	Side       types.PositionSide      `json:"side"`
	Quantity   float64                 `json:"quantity"`
	EntryPrice float64                 `json:"entryPrice"`
	StopLoss   *float64                `json:"stopLoss"`
	Portfolio  *portfolio.State        `json:"portfolio"`
	Guardrails *types.GuardrailsConfig `json:"guardrails"`
}

// ValidateOrderResponse carries the order verdict and the drawdown check.
type ValidateOrderResponse struct {
	Order    guardrails.CheckResult `json:"order"`
	Drawdown guardrails.CheckResult `json:"drawdown"`
}

// GridPlanRequest lays out a grid around the current price.
type GridPlanRequest struct {
	Config       strategy.GridConfig `json:"config"`
	CurrentPrice float64             `json:"currentPrice"`
}

// GridPlanResponse is the initial state of a grid.
type GridPlanResponse struct {
	Levels         []float64            `json:"levels"`
	CapitalPerCell float64              `json:"capitalPerCell"`
	InRange        bool                 `json:"inRange"`
	Orders         []strategy.GridOrder `json:"orders"`
}

// RegimeRequest classifies a close series and picks a strategy for it.
type RegimeRequest struct {
	Closes         []float64          `json:"closes"`
	WindowSize     int                `json:"windowSize"`
	PeriodsPerYear float64            `json:"periodsPerYear"`
	Trend          types.ParameterSet `json:"trend"`
	Grid           types.ParameterSet `json:"grid"`
}

// RegimeResponse is the detected regime and the selected profile.
type RegimeResponse struct {
	Regime    *regime.RegimeState `json:"regime"`
	Selection strategy.Selection  `json:"selection"`
}

// jobFunc runs a job body, reporting progress as it goes.
type jobFunc func(ctx context.Context, progress func(done, total int)) (interface{}, error)

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	md, cfg, ok := s.prepare(w, r, &req)
	if !ok {
		return
	}

	s.submit(w, JobBacktest, func(ctx context.Context, progress func(done, total int)) (interface{}, error) {
		result, err := s.engine.Run(ctx, md, cfg)
		if err != nil {
			return nil, err
		}
		progress(1, 1)
		report := backtester.NewViabilityChecker(nil).Check(result, nil)
		return &BacktestReport{Backtest: result, Viability: report}, nil
	})
}

func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	var req MonteCarloRequest
	if !decode(w, r, &req) {
		return
	}
	md, cfg, ok := s.prepare(w, r, &req.RunRequest)
	if !ok {
		return
	}

	mcConfig := s.config.MonteCarlo
	if req.Simulations > 0 {
		mcConfig.NumSimulations = req.Simulations
	}
	if req.Seed != 0 {
		mcConfig.Seed = req.Seed
	}
	engine := montecarlo.NewEngine(s.logger, mcConfig)

	s.submit(w, JobMonteCarlo, func(ctx context.Context, progress func(done, total int)) (interface{}, error) {
		result, err := s.engine.Run(ctx, md, cfg)
		if err != nil {
			return nil, err
		}
		progress(1, 2)
		mc := engine.Run(result)
		progress(2, 2)
		return &MonteCarloReport{Backtest: result, MonteCarlo: mc}, nil
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !decode(w, r, &req) {
		return
	}
	grid, ok := parseGrid(w, req.Grid)
	if !ok {
		return
	}
	opts := optimization.Options{Metric: req.Metric, Ascending: req.Ascending}
	if opts.Metric == "" {
		opts.Metric = s.config.Optimization.Metric
	}
	if !types.IsMetric(opts.Metric) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric %q", opts.Metric))
		return
	}
	md, cfg, ok := s.prepare(w, r, &req.RunRequest)
	if !ok {
		return
	}

	optimizer := optimization.NewOptimizer(s.logger, s.engine, s.recorder)
	s.submit(w, JobOptimize, func(ctx context.Context, progress func(done, total int)) (interface{}, error) {
		opts.Progress = progress
		return optimizer.Optimize(ctx, md, grid, cfg, opts)
	})
}

func (s *Server) handleWalkForward(w http.ResponseWriter, r *http.Request) {
	var req WalkForwardRequest
	if !decode(w, r, &req) {
		return
	}
	grid, ok := parseGrid(w, req.Grid)
	if !ok {
		return
	}
	wfConfig := s.config.WalkForward
	if req.NumWindows > 0 {
		wfConfig.NumWindows = req.NumWindows
	}
	if req.OOSPct != 0 {
		wfConfig.OOSPct = req.OOSPct
	}
	if req.Metric != "" {
		wfConfig.Metric = req.Metric
	}
	if !types.IsMetric(wfConfig.Metric) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown metric %q", wfConfig.Metric))
		return
	}
	if wfConfig.OOSPct <= 0 || wfConfig.OOSPct >= 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("oosPct must be in (0, 1), got %v", wfConfig.OOSPct))
		return
	}
	md, cfg, ok := s.prepare(w, r, &req.RunRequest)
	if !ok {
		return
	}

	engine := optimization.NewWalkForwardEngine(s.logger, s.engine, nil, wfConfig, s.recorder)
	s.submit(w, JobWalkForward, func(ctx context.Context, progress func(done, total int)) (interface{}, error) {
		return engine.Run(ctx, md, grid, cfg, progress)
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.jobs.List(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req ValidateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Portfolio == nil {
		writeError(w, http.StatusBadRequest, "portfolio is required")
		return
	}
	limitsConfig := s.config.Guardrails
	if req.Guardrails != nil {
		limitsConfig = *req.Guardrails
	}
	limits, err := guardrails.FromConfig(limitsConfig)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Portfolio.Recompute()
	enforcer := guardrails.NewEnforcer(s.logger, limits, s.recorder)
	writeJSON(w, http.StatusOK, ValidateOrderResponse{
		Order:    enforcer.ValidateOrder(req.Symbol, req.Side, req.Quantity, req.EntryPrice, req.StopLoss, req.Portfolio),
		Drawdown: enforcer.CheckDrawdown(req.Portfolio),
	})
}

func (s *Server) handleGridPlan(w http.ResponseWriter, r *http.Request) {
	var req GridPlanRequest
	if !decode(w, r, &req) {
		return
	}
	grid, err := strategy.NewGridStrategy(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CurrentPrice <= 0 {
		writeError(w, http.StatusBadRequest, "currentPrice must be positive")
		return
	}
	writeJSON(w, http.StatusOK, GridPlanResponse{
		Levels:         grid.Levels(),
		CapitalPerCell: grid.CapitalPerCell(),
		InRange:        grid.CheckPriceInRange(req.CurrentPrice),
		Orders:         grid.GenerateInitialOrders(req.CurrentPrice),
	})
}

func (s *Server) handleRegimeSelect(w http.ResponseWriter, r *http.Request) {
	var req RegimeRequest
	if !decode(w, r, &req) {
		return
	}
	cfg := regime.DefaultConfig()
	if req.WindowSize > 0 {
		cfg.WindowSize = req.WindowSize
	}
	if req.PeriodsPerYear > 0 {
		cfg.PeriodsPerYear = req.PeriodsPerYear
	}
	state, err := regime.NewDetector(s.logger, cfg).Detect(req.Closes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	manager := strategy.NewManager(s.logger, req.Trend, req.Grid)
	writeJSON(w, http.StatusOK, RegimeResponse{
		Regime:    state,
		Selection: manager.Select(state),
	})
}

// prepare resolves a request's data and run configuration, writing a 400
// when either is unusable.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, req *RunRequest) (types.MarketData, types.RunConfig, bool) {
	cfg := s.runConfig(req)
	md, err := s.loadData(r.Context(), req.Data, cfg.Timeframe)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, cfg, false
	}
	if md.Empty() {
		writeError(w, http.StatusBadRequest, backtester.ErrEmptyDataset.Error())
		return nil, cfg, false
	}
	return md, cfg, true
}

func (s *Server) runConfig(req *RunRequest) types.RunConfig {
	cfg := config.RunConfig(s.config)
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.Data.Timeframe != "" {
		cfg.Timeframe = req.Data.Timeframe
	}
	if req.InitialBalance != 0 {
		cfg.InitialBalance = req.InitialBalance
	}
	if req.Commission != nil {
		cfg.Commission = *req.Commission
	}
	if req.SlippageBps != nil {
		cfg.SlippageBps = *req.SlippageBps
	}
	if req.Guardrails != nil {
		cfg.Guardrails = *req.Guardrails
	}
	cfg.Symbols = append([]string(nil), req.Data.Symbols...)
	cfg.Params = cfg.Params.Merge(req.Params)
	return cfg
}

func (s *Server) loadData(ctx context.Context, req DataRequest, timeframe types.Timeframe) (types.MarketData, error) {
	switch {
	case len(req.Bars) > 0:
		return req.Bars, nil
	case req.Synthetic != nil:
		synth := *req.Synthetic
		if synth.Timeframe == "" {
			synth.Timeframe = timeframe
		}
		if synth.Bars <= 0 {
			return nil, errors.New("synthetic bars must be positive")
		}
		symbol := "SYNTH"
		if len(req.Symbols) > 0 {
			symbol = req.Symbols[0]
		}
		return types.MarketData{symbol: data.Synthetic(synth)}, nil
	case s.store == nil:
		return nil, errors.New("no data store configured; send bars inline")
	case len(req.Symbols) == 0:
		return nil, errors.New("data.symbols is required")
	default:
		return s.store.Load(ctx, req.Symbols, timeframe, req.Start, req.End)
	}
}

func parseGrid(w http.ResponseWriter, dims []optimization.Dimension) (*optimization.ParameterGrid, bool) {
	grid := optimization.NewParameterGrid(dims...)
	if err := grid.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return grid, true
}

// submit queues fn as a job and answers 202 with the queued job.
func (s *Server) submit(w http.ResponseWriter, kind JobKind, fn jobFunc) {
	job := s.jobs.Create(kind)
	logger := s.logger.With(zap.String("job", job.ID), zap.String("kind", string(kind)))
	s.hub.PublishJob(MsgTypeJobQueued, job)

	s.recorder.JobStarted()
	err := s.pool.SubmitFunc(func(ctx context.Context) error {
		defer s.recorder.JobFinished()
		return s.runJob(ctx, logger, job.ID, kind, fn)
	})
	if err != nil {
		s.recorder.JobFinished()
		logger.Warn("Job rejected", zap.Error(err))
		if failed, ok := s.jobs.Fail(job.ID, err); ok {
			s.hub.PublishJob(MsgTypeJobFailed, failed)
		}
		status := http.StatusInternalServerError
		if errors.Is(err, workers.ErrQueueFull) || errors.Is(err, workers.ErrPoolStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	logger.Info("Job queued")
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) runJob(ctx context.Context, logger *zap.Logger, id string, kind JobKind, fn jobFunc) error {
	if job, ok := s.jobs.Start(id); ok {
		s.hub.PublishJob(MsgTypeJobStarted, job)
	}

	started := time.Now()
	result, err := fn(ctx, func(done, total int) {
		if job, ok := s.jobs.Progress(id, done, total); ok {
			s.hub.PublishJob(MsgTypeJobProgress, job)
		}
	})
	if err != nil {
		logger.Warn("Job failed", zap.Error(err))
		if job, ok := s.jobs.Fail(id, err); ok {
			s.hub.PublishJob(MsgTypeJobFailed, job)
		}
		return err
	}

	elapsed := time.Since(started)
	s.recorder.RunCompleted(string(kind), elapsed)
	logger.Info("Job completed", zap.Duration("duration", elapsed))
	if job, ok := s.jobs.Complete(id, result); ok {
		job.Result = nil
		s.hub.PublishJob(MsgTypeJobCompleted, job)
	}
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
