package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fyield/treasury/internal/logger"
	"github.com/fyield/treasury/internal/orchestrator"
	"github.com/fyield/treasury/internal/state"
	"github.com/fyield/treasury/internal/types"
)

// Controller is the orchestrator surface exposed over HTTP.
type Controller interface {
	Status() orchestrator.Status
	Parameters() types.ReconcileParameters
	Trigger() bool
}

// PriceSource provides the display price.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) types.PriceQuote
}

// Config holds the dependencies of the dashboard server.
type Config struct {
	Port         string
	Store        state.Store
	Controller   Controller
	Prices       PriceSource // optional
	PriceSymbol  string
	AllowTrigger bool
	// DBCheck reports database health; nil means no database is used.
	DBCheck func(ctx context.Context) error
}

// WebServer serves the treasury audit API and metrics.
type WebServer struct {
	router *mux.Router
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) (*WebServer, error) {
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Controller == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		cfg:    cfg,
		logger: logger.GetForComponent("web_server"),
	}
	server.setupRoutes()
	return server, nil
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET")
	api.HandleFunc("/summary", ws.handleSummary).Methods("GET")
	api.HandleFunc("/parameters", ws.handleParameters).Methods("GET")
	api.HandleFunc("/price", ws.handlePrice).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")
	api.HandleFunc("/cycles/trigger", ws.handleTrigger).Methods("POST", "OPTIONS")
	api.HandleFunc("/cycles/{id}", ws.handleGetCycle).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the routed handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (ws *WebServer) Start() error {
	ws.logger.Info().Str("port", ws.cfg.Port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.cfg.Port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ws.mu.Lock()
	ws.server = server
	ws.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a started server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.mu.Lock()
	server := ws.server
	ws.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// handleHealth reports process, database and orchestrator health
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := ws.cfg.Controller.Status()
	degraded := status.Halted || status.State == types.StateFaulted

	dbHealthy := true
	if ws.cfg.DBCheck != nil {
		if err := ws.cfg.DBCheck(r.Context()); err != nil {
			ws.logger.Warn().Err(err).Msg("Database health check failed")
			dbHealthy = false
			degraded = true
		}
	}

	cycleInfo := map[string]interface{}{
		"cycles_run":     status.CyclesRun,
		"last_cycle_id":  nil,
		"last_outcome":   "unknown",
		"last_fault":     nil,
		"last_cycle_end": nil,
	}
	if last := status.LastCycle; last != nil {
		cycleInfo["last_cycle_id"] = last.CycleID
		cycleInfo["last_outcome"] = last.Outcome
		cycleInfo["last_cycle_end"] = last.FinishedAt
		if last.FaultKind != "" {
			cycleInfo["last_fault"] = last.FaultKind
		}
	}

	overall := "OK"
	statusCode := http.StatusOK
	if degraded {
		overall = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
		},
		"component": map[string]interface{}{
			"name":    "treasury-orchestrator",
			"version": "1.0.0",
		},
		"treasury_status": map[string]interface{}{
			"state":            status.State,
			"halted":           status.Halted,
			"database_healthy": dbHealthy,
			"cycle_info":       cycleInfo,
		},
	}
	ws.writeJSONResponse(w, statusCode, response)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.cfg.Controller.Status())
}

func (ws *WebServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := ws.cfg.Store.Summary(r.Context())
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get treasury summary")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve summary")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, summary)
}

func (ws *WebServer) handleParameters(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"parameters": ws.cfg.Controller.Parameters(),
		"timestamp":  time.Now().UTC(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handlePrice returns the display price; it never fails, falling back to the fixed price.
func (ws *WebServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	if ws.cfg.Prices == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Price feed not configured")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = ws.cfg.PriceSymbol
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.cfg.Prices.GetPrice(r.Context(), symbol))
}

// handleGetCycles returns the most recent cycle records
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	cycles, err := ws.cfg.Store.RecentCycles(r.Context(), limit)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	response := map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetCycle returns a specific cycle by its cycle id
func (ws *WebServer) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cycle, err := ws.cfg.Store.CycleByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrCycleNotFound) {
			ws.writeErrorResponse(w, http.StatusNotFound, "Cycle not found")
			return
		}
		ws.logger.Error().Err(err).Str("cycleId", id).Msg("Failed to get cycle")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycle")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

// handleGetLatestCycle returns the most recent cycle
func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := ws.cfg.Store.LatestCycle(r.Context())
	if err != nil {
		if !errors.Is(err, state.ErrCycleNotFound) {
			ws.logger.Error().Err(err).Msg("Failed to get latest cycle")
		}
		ws.writeErrorResponse(w, http.StatusNotFound, "No cycles found")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, cycle)
}

// handleTrigger queues a manual cycle on the running loop.
func (ws *WebServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !ws.cfg.AllowTrigger {
		ws.writeErrorResponse(w, http.StatusForbidden, "Manual triggers are disabled")
		return
	}
	accepted := ws.cfg.Controller.Trigger()
	statusCode := http.StatusAccepted
	if !accepted {
		statusCode = http.StatusConflict
	}
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"accepted":  accepted,
		"timestamp": time.Now().UTC(),
	})
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		ws.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}
	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		ws.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
