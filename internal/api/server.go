// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/metrics"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.AppConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	hub      *Hub
	jobs     *JobStore
	pool     *workers.Pool
	store    *data.Store
	recorder *metrics.Recorder
	engine   backtester.Backtester

	cancel context.CancelFunc
}

// NewServer creates a new API server and starts its job worker. store and
// recorder may be nil: requests must then carry their bars inline and
// /metrics is not served.
func NewServer(logger *zap.Logger, config *types.AppConfig, store *data.Store, recorder *metrics.Recorder) *Server {
	logger = logger.Named("api")

	poolConfig := workers.DefaultPoolConfig("research")
	if config.Server.JobQueueSize > 0 {
		poolConfig.QueueSize = config.Server.JobQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		jobs:     NewJobStore(DefaultJobRetention),
		pool:     workers.NewPool(logger, poolConfig),
		store:    store,
		recorder: recorder,
		engine:   backtester.NewEngine(logger, recorder),
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	server.pool.Start()
	go server.hub.Run(ctx)
	return server
}

// Router exposes the route table, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Data endpoints
	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	// Research jobs
	api.HandleFunc("/backtest", s.handleBacktest).Methods("POST")
	api.HandleFunc("/montecarlo", s.handleMonteCarlo).Methods("POST")
	api.HandleFunc("/optimize", s.handleOptimize).Methods("POST")
	api.HandleFunc("/walkforward", s.handleWalkForward).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")

	// Synchronous tools
	api.HandleFunc("/guardrails/validate", s.handleValidateOrder).Methods("POST")
	api.HandleFunc("/grid/plan", s.handleGridPlan).Methods("POST")
	api.HandleFunc("/regime/select", s.handleRegimeSelect).Methods("POST")

	if s.recorder != nil {
		api.Handle("/metrics", s.recorder.Handler()).Methods("GET")
	}

	wsPath := s.config.Server.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.handleWebSocket)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server. Running jobs see their context cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.hub.Close()

	var errs []error
	if err := s.pool.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"queue":      s.pool.QueueLength(),
		"wsClients":  s.hub.ClientCount(),
		"jobsTotal":  s.pool.Stats().TasksSubmitted,
		"jobsFailed": s.pool.Stats().TasksFailed,
	})
}

// handleGetSymbols returns the symbols with stored data
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := []string{}
	if s.store != nil {
		symbols = s.store.Symbols()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

// handleGetHistory returns stored bars for a symbol
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no data store configured")
		return
	}
	symbol := mux.Vars(r)["symbol"]

	timeframe := types.Timeframe(r.URL.Query().Get("timeframe"))
	if timeframe == "" {
		timeframe = s.config.Backtest.Timeframe
	}

	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := data.ParseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
			return
		}
		*dst = t
	}

	bars, err := s.store.LoadOHLCV(r.Context(), symbol, timeframe, start, end)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, data.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := s.hub.NewClient(uuid.New().String(), conn)
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
