// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/api"
	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/guardrails"
	"github.com/atlas-desktop/strategy-lab/internal/metrics"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/portfolio"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setupTestServer(t *testing.T) (*data.Store, *httptest.Server) {
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}

	server := api.NewServer(logger, config.Default(), dataStore, metrics.NewRecorder())
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})

	return dataStore, ts
}

// sineBars oscillates around 100 so the trend follower crosses often.
func sineBars(n int) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	prev := 100.0
	for i := range bars {
		c := 100 + 10*math.Sin(float64(i)/6)
		bars[i] = types.OHLCV{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      prev,
			High:      math.Max(prev, c),
			Low:       math.Min(prev, c),
			Close:     c,
			Volume:    1000,
		}
		prev = c
	}
	return bars
}

func runRequest(n int) api.RunRequest {
	return api.RunRequest{
		Data:     api.DataRequest{Bars: types.MarketData{"BTC": sineBars(n)}},
		Strategy: types.StrategyTrend,
		Params:   types.ParameterSet{Oracle: types.Params{"fast_period": 3, "slow_period": 12}},
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// submitJob posts a job request and returns the queued job's id.
func submitJob(t *testing.T, url string, body interface{}) string {
	t.Helper()
	resp := postJSON(t, url, body)
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("Expected status 202, got %d: %s", resp.StatusCode, raw)
	}
	var job api.Job
	decodeBody(t, resp, &job)
	if job.ID == "" || job.Status != api.JobQueued {
		t.Fatalf("Unexpected job: %+v", job)
	}
	return job.ID
}

// waitForJob polls a job until it finishes and decodes it into v.
func waitForJob(t *testing.T, ts *httptest.Server, id string, v interface{}) api.JobStatus {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("Job request failed: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		var status struct {
			Status api.JobStatus `json:"status"`
			Error  string        `json:"error"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			t.Fatalf("Failed to decode job: %v", err)
		}
		if status.Status.Finished() {
			if err := json.Unmarshal(raw, v); err != nil {
				t.Fatalf("Failed to decode job result: %v", err)
			}
			if status.Status == api.JobFailed {
				t.Logf("job failed: %s", status.Error)
			}
			return status.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return ""
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	decodeBody(t, resp, &result)

	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestDataEndpoints(t *testing.T) {
	store, ts := setupTestServer(t)
	if err := store.SaveOHLCV("BTCUSDT", types.Timeframe1h, sineBars(48)); err != nil {
		t.Fatalf("Failed to save bars: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("Symbols request failed: %v", err)
	}
	var symbols struct {
		Symbols []string `json:"symbols"`
	}
	decodeBody(t, resp, &symbols)
	if len(symbols.Symbols) != 1 || symbols.Symbols[0] != "BTCUSDT" {
		t.Errorf("Expected [BTCUSDT], got %v", symbols.Symbols)
	}

	resp, err = http.Get(ts.URL + "/api/v1/data/history/BTCUSDT?timeframe=4h&start=2024-01-01T04:00:00Z")
	if err != nil {
		t.Fatalf("History request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var history struct {
		Count int           `json:"count"`
		Bars  []types.OHLCV `json:"bars"`
	}
	decodeBody(t, resp, &history)
	// 48 hourly bars resample to 12 four-hour bars; the first is before start.
	if history.Count != 11 {
		t.Errorf("Expected 11 bars, got %d", history.Count)
	}

	resp, err = http.Get(ts.URL + "/api/v1/data/history/ETHUSDT")
	if err != nil {
		t.Fatalf("History request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestBacktestJob(t *testing.T) {
	_, ts := setupTestServer(t)

	id := submitJob(t, ts.URL+"/api/v1/backtest", runRequest(200))

	var job struct {
		Status api.JobStatus      `json:"status"`
		Done   int                `json:"done"`
		Result api.BacktestReport `json:"result"`
	}
	if status := waitForJob(t, ts, id, &job); status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s", status)
	}

	bt := job.Result.Backtest
	if bt == nil {
		t.Fatal("Expected a backtest result")
	}
	if bt.InitialBalance != 10000 {
		t.Errorf("Expected initial balance from config defaults, got %v", bt.InitialBalance)
	}
	if bt.Params.Oracle["slow_period"] != 12 {
		t.Errorf("Expected request params to be applied, got %v", bt.Params.Oracle)
	}
	if len(bt.EquityCurve) != 200 {
		t.Errorf("Expected 200 equity points, got %d", len(bt.EquityCurve))
	}
	if job.Result.Viability == nil || job.Result.Viability.Grade == "" {
		t.Error("Expected a viability report")
	}
	if job.Done != 1 {
		t.Errorf("Expected progress 1, got %d", job.Done)
	}
}

func TestBacktestRejectsBadRequests(t *testing.T) {
	_, ts := setupTestServer(t)

	tests := map[string]interface{}{
		"no data":          api.RunRequest{},
		"unknown symbol":   api.RunRequest{Data: api.DataRequest{Symbols: []string{"NOPE"}}},
		"bad synthetic":    api.RunRequest{Data: api.DataRequest{Synthetic: &data.SyntheticConfig{}}},
		"malformed params": map[string]interface{}{"params": "fast"},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/backtest", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestFailedJobIsReported(t *testing.T) {
	_, ts := setupTestServer(t)

	req := runRequest(50)
	req.Strategy = "martingale"
	id := submitJob(t, ts.URL+"/api/v1/backtest", req)

	var job api.Job
	if status := waitForJob(t, ts, id, &job); status != api.JobFailed {
		t.Fatalf("Expected failed job, got %s", status)
	}
	if !strings.Contains(job.Error, "martingale") {
		t.Errorf("Expected error naming the strategy, got %q", job.Error)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("Job request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestMonteCarloJob(t *testing.T) {
	_, ts := setupTestServer(t)

	id := submitJob(t, ts.URL+"/api/v1/montecarlo", api.MonteCarloRequest{
		RunRequest:  runRequest(200),
		Simulations: 50,
		Seed:        7,
	})

	var job struct {
		Result api.MonteCarloReport `json:"result"`
	}
	if status := waitForJob(t, ts, id, &job); status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s", status)
	}
	mc := job.Result.MonteCarlo
	if mc == nil {
		t.Fatal("Expected a Monte Carlo result")
	}
	if mc.Seed != 7 {
		t.Errorf("Expected seed 7, got %d", mc.Seed)
	}
	if mc.NumTrades != job.Result.Backtest.TotalTrades {
		t.Errorf("Expected %d resampled trades, got %d", job.Result.Backtest.TotalTrades, mc.NumTrades)
	}
	if mc.NumTrades > 0 && mc.NumSimulations != 50 {
		t.Errorf("Expected 50 simulations, got %d", mc.NumSimulations)
	}
}

func TestOptimizeJob(t *testing.T) {
	_, ts := setupTestServer(t)

	id := submitJob(t, ts.URL+"/api/v1/optimize", api.OptimizeRequest{
		RunRequest: runRequest(150),
		Grid: []optimization.Dimension{
			{Category: optimization.CategoryOracle, Name: "fast_period", Values: []float64{3, 5}},
			{Category: optimization.CategoryRisk, Name: "stop_loss_pct", Values: []float64{0.02, 0.05}},
		},
		Metric: "total_return",
	})

	var job struct {
		Done   int                             `json:"done"`
		Total  int                             `json:"total"`
		Result optimization.OptimizationResult `json:"result"`
	}
	if status := waitForJob(t, ts, id, &job); status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s", status)
	}
	if job.Done != 4 || job.Total != 4 {
		t.Errorf("Expected progress 4/4, got %d/%d", job.Done, job.Total)
	}
	if len(job.Result.Results) != 4 {
		t.Fatalf("Expected 4 ranked results, got %d", len(job.Result.Results))
	}
	for i := 1; i < len(job.Result.Results); i++ {
		if job.Result.Results[i-1].Metric < job.Result.Results[i].Metric {
			t.Errorf("Results not ranked descending at %d", i)
		}
	}
}

func TestOptimizeRejectsBadGrid(t *testing.T) {
	_, ts := setupTestServer(t)

	tests := map[string]api.OptimizeRequest{
		"empty values": {
			RunRequest: runRequest(50),
			Grid:       []optimization.Dimension{{Category: optimization.CategoryOracle, Name: "fast_period"}},
		},
		"unknown metric": {
			RunRequest: runRequest(50),
			Grid:       []optimization.Dimension{{Category: optimization.CategoryOracle, Name: "fast_period", Values: []float64{3}}},
			Metric:     "alpha",
		},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/optimize", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestWalkForwardJob(t *testing.T) {
	_, ts := setupTestServer(t)

	id := submitJob(t, ts.URL+"/api/v1/walkforward", api.WalkForwardRequest{
		RunRequest: runRequest(400),
		Grid: []optimization.Dimension{
			{Category: optimization.CategoryOracle, Name: "fast_period", Values: []float64{3, 5}},
		},
		NumWindows: 2,
		OOSPct:     0.25,
		Metric:     "total_return",
	})

	var job struct {
		Done   int                     `json:"done"`
		Result types.WalkForwardResult `json:"result"`
	}
	if status := waitForJob(t, ts, id, &job); status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s", status)
	}
	if job.Done != 2 {
		t.Errorf("Expected 2 windows processed, got %d", job.Done)
	}
	if got := len(job.Result.Windows) + len(job.Result.SkippedWindows); got != 2 {
		t.Errorf("Expected 2 windows accounted for, got %d", got)
	}
	if job.Result.Metric != "total_return" {
		t.Errorf("Expected metric total_return, got %s", job.Result.Metric)
	}
}

func TestValidateOrder(t *testing.T) {
	_, ts := setupTestServer(t)

	pf := portfolio.NewState(10000, t0)
	stop := 95.0

	tests := []struct {
		name      string
		quantity  float64
		violation guardrails.ViolationType
		allowed   bool
	}{
		{"within limits", 5, guardrails.ViolationNone, true},
		{"oversized", 50, guardrails.ViolationPositionTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/guardrails/validate", api.ValidateOrderRequest{
				Symbol:     "BTC",
				Side:       types.PositionSideLong,
				Quantity:   tt.quantity,
				EntryPrice: 100,
				StopLoss:   &stop,
				Portfolio:  pf,
			})
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", resp.StatusCode)
			}
			var out api.ValidateOrderResponse
			decodeBody(t, resp, &out)
			if out.Order.Allowed != tt.allowed || out.Order.Violation != tt.violation {
				t.Errorf("Expected allowed=%v violation=%q, got %+v", tt.allowed, tt.violation, out.Order)
			}
			if !out.Drawdown.Allowed {
				t.Errorf("Expected drawdown check to pass, got %+v", out.Drawdown)
			}
		})
	}

	resp := postJSON(t, ts.URL+"/api/v1/guardrails/validate", api.ValidateOrderRequest{Symbol: "BTC"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 without a portfolio, got %d", resp.StatusCode)
	}
}

func TestGridPlan(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/grid/plan", api.GridPlanRequest{
		Config: strategy.GridConfig{
			Symbol:          "BTC",
			LowerPrice:      90,
			UpperPrice:      110,
			GridCount:       4,
			TotalInvestment: 1000,
			Spacing:         strategy.GridSpacingArithmetic,
		},
		CurrentPrice: 100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var plan api.GridPlanResponse
	decodeBody(t, resp, &plan)

	want := []float64{90, 95, 100, 105, 110}
	if len(plan.Levels) != len(want) {
		t.Fatalf("Expected %d levels, got %v", len(want), plan.Levels)
	}
	for i := range want {
		if math.Abs(plan.Levels[i]-want[i]) > 1e-9 {
			t.Errorf("Level %d: expected %v, got %v", i, want[i], plan.Levels[i])
		}
	}
	if plan.CapitalPerCell != 250 {
		t.Errorf("Expected capital per cell 250, got %v", plan.CapitalPerCell)
	}
	if !plan.InRange {
		t.Error("Expected price in range")
	}
	// No order at the level equal to the current price.
	if len(plan.Orders) != 4 {
		t.Errorf("Expected 4 initial orders, got %d", len(plan.Orders))
	}

	resp = postJSON(t, ts.URL+"/api/v1/grid/plan", api.GridPlanRequest{
		Config:       strategy.GridConfig{Symbol: "BTC", LowerPrice: 110, UpperPrice: 90, GridCount: 4, TotalInvestment: 1000},
		CurrentPrice: 100,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for inverted range, got %d", resp.StatusCode)
	}
}

func TestRegimeSelect(t *testing.T) {
	_, ts := setupTestServer(t)

	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100*math.Pow(1.004, float64(i)) + 0.5*math.Sin(float64(i))
	}
	resp := postJSON(t, ts.URL+"/api/v1/regime/select", api.RegimeRequest{Closes: closes})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var out api.RegimeResponse
	decodeBody(t, resp, &out)
	if out.Regime == nil || out.Regime.Observations == 0 {
		t.Fatalf("Expected a detected regime, got %+v", out.Regime)
	}
	if out.Selection.Regime != out.Regime.Primary {
		t.Errorf("Selection regime %s does not match detected %s", out.Selection.Regime, out.Regime.Primary)
	}

	resp = postJSON(t, ts.URL+"/api/v1/regime/select", api.RegimeRequest{Closes: []float64{100, 101}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a short series, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	id := submitJob(t, ts.URL+"/api/v1/backtest", runRequest(60))
	var job api.Job
	waitForJob(t, ts, id, &job)

	// The job is marked complete before its counters settle.
	deadline := time.Now().Add(5 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/metrics")
		if err != nil {
			t.Fatalf("Metrics request failed: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(raw)
		if strings.Contains(body, "strategy_lab_jobs_in_flight 0") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, `strategy_lab_runs_completed_total{kind="backtest"} 1`) {
		t.Errorf("Expected a completed backtest in metrics, got:\n%s", body)
	}
	if !strings.Contains(body, "strategy_lab_jobs_in_flight 0") {
		t.Errorf("Expected no jobs in flight, got:\n%s", body)
	}
}

func TestWebSocketJobEvents(t *testing.T) {
	_, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	read := func() api.WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("WebSocket read failed: %v", err)
		}
		return msg
	}

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypePing}); err != nil {
		t.Fatalf("WebSocket write failed: %v", err)
	}
	if msg := read(); msg.Type != api.MsgTypePong {
		t.Fatalf("Expected pong, got %s", msg.Type)
	}

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelJobs}); err != nil {
		t.Fatalf("WebSocket write failed: %v", err)
	}
	if msg := read(); msg.Type != api.MsgTypeSubscribed || msg.Channel != api.ChannelJobs {
		t.Fatalf("Expected subscription ack, got %+v", msg)
	}

	id := submitJob(t, ts.URL+"/api/v1/backtest", runRequest(80))

	var seen []api.MessageType
	for {
		msg := read()
		if msg.Type == api.MsgTypeHeartbeat {
			continue
		}
		var job api.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			t.Fatalf("Failed to decode job event: %v", err)
		}
		if job.ID != id {
			t.Fatalf("Event for unexpected job %s", job.ID)
		}
		seen = append(seen, msg.Type)
		if msg.Type == api.MsgTypeJobCompleted || msg.Type == api.MsgTypeJobFailed {
			break
		}
	}

	want := []api.MessageType{api.MsgTypeJobQueued, api.MsgTypeJobStarted, api.MsgTypeJobProgress, api.MsgTypeJobCompleted}
	if len(seen) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestInvalidBarsFailJob(t *testing.T) {
	_, ts := setupTestServer(t)

	// Bars that fail engine validation pass the handler and fail the job.
	bars := sineBars(10)
	bars[3].Timestamp = bars[2].Timestamp
	req := api.RunRequest{Data: api.DataRequest{Bars: types.MarketData{"BTC": bars}}}
	id := submitJob(t, ts.URL+"/api/v1/backtest", req)

	var job api.Job
	if status := waitForJob(t, ts, id, &job); status != api.JobFailed {
		t.Fatalf("Expected failed job, got %s", status)
	}
	if !strings.Contains(job.Error, "not sorted") {
		t.Errorf("Expected ordering error, got %q", job.Error)
	}
}
