// Package api provides the HTTP API of the discovery daemon: health and
// queue status, per-rule scheduling state, errors, progress and hosts,
// Prometheus metrics, and a websocket stream of host events.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/discoverer/internal/api/middleware"
	"github.com/anstrom/discoverer/internal/config"
	"github.com/anstrom/discoverer/internal/discovery"
	"github.com/anstrom/discoverer/internal/logging"
	"github.com/anstrom/discoverer/internal/metrics"
	"github.com/anstrom/discoverer/internal/results"
	"github.com/anstrom/discoverer/internal/rules"
	"github.com/anstrom/discoverer/internal/scheduler"
)

var (
	errResultsUnavailable = stderrors.New("results are not available")
	errInvalidRuleFilter  = stderrors.New("invalid rule_id filter")
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	idleTimeout           = 60 * time.Second
	maxHeaderBytes        = 1 << 20
)

// Engine exposes the state of the discovery queue. *discovery.Manager
// implements it.
type Engine interface {
	Stats() discovery.QueueStats
	RuleErrors(ruleID uint64) string
}

// Results exposes collected discovery results. *results.Collector implements
// it.
type Results interface {
	Progress(ruleID uint64) (results.Progress, bool)
	Hosts(ruleID uint64, upOnly bool) []results.Host
	Subscribe(buffer int) (uuid.UUID, <-chan results.Event)
	Unsubscribe(id uuid.UUID)
}

// Schedule exposes and controls rule scheduling. *scheduler.Scheduler
// implements it.
type Schedule interface {
	Rules() []scheduler.ScheduledRule
	Rule(ruleID uint64) (scheduler.ScheduledRule, bool)
	RunNow(ruleID uint64) error
	EnableRule(ruleID uint64) error
	DisableRule(ruleID uint64) error
}

// ReloadFunc reloads the rules file and returns what changed.
type ReloadFunc func() (rules.Changes, error)

// Dependencies are the daemon components served by the API. Reload and
// Prometheus are optional.
type Dependencies struct {
	Engine     Engine
	Results    Results
	Schedule   Schedule
	Reload     ReloadFunc
	Prometheus *metrics.PrometheusMetrics
	Version    string
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	deps       Dependencies
	logger     *logging.Logger
	startTime  time.Time
}

// New creates a new API server instance.
func New(cfg config.APIConfig, deps Dependencies) *Server {
	server := &Server{
		router:    mux.NewRouter(),
		deps:      deps,
		logger:    logging.Default().WithComponent("api"),
		startTime: time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:        handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{server.logger}))(server.router),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return server
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves the API on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.indexHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.metricsHandler).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)

	api.HandleFunc("/rules", s.listRulesHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/reload", s.reloadRulesHandler).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}", s.getRuleHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id:[0-9]+}/errors", s.ruleErrorsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id:[0-9]+}/progress", s.ruleProgressHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id:[0-9]+}/hosts", s.ruleHostsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id:[0-9]+}/run", s.runRuleHandler).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}/enable", s.enableRuleHandler).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id:[0-9]+}/disable", s.disableRuleHandler).Methods(http.MethodPost)

	api.HandleFunc("/ws/events", s.eventsHandler).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics())
	s.router.Use(middleware.SecurityHeaders())
}

// recoveryLogger adapts the logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Panic in API handler", "panic", fmt.Sprint(v...))
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeError writes a standardized error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("API error",
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"error", err,
			"request_id", middleware.GetRequestID(r))
	}

	s.writeJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}

// queryBool gets a boolean query parameter with a default value.
func queryBool(r *http.Request, key string, defaultValue bool) bool {
	if value := r.URL.Query().Get(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ruleID parses the {id} route variable.
func ruleID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid rule id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service": "discoverer",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"health":  "/api/v1/health",
			"status":  "/api/v1/status",
			"rules":   "/api/v1/rules",
			"events":  "/api/v1/ws/events",
			"metrics": "/metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if s.deps.Engine != nil {
		if s.deps.Engine.Stats().Workers > 0 {
			checks["workers"] = "ok"
		} else {
			status = "unhealthy"
			checks["workers"] = "no workers attached to the queue"
		}
	} else {
		checks["workers"] = "not configured"
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, statusCode, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Service   string               `json:"service"`
	Version   string               `json:"version"`
	Uptime    string               `json:"uptime"`
	Timestamp time.Time            `json:"timestamp"`
	Queue     discovery.QueueStats `json:"queue"`
	Rules     int                  `json:"rules"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Service:   "discoverer",
		Version:   s.deps.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	if s.deps.Engine != nil {
		response.Queue = s.deps.Engine.Stats()
		publishQueueStats(response.Queue)
	}
	if s.deps.Schedule != nil {
		response.Rules = len(s.deps.Schedule.Rules())
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	pm := s.deps.Prometheus
	if pm == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("prometheus metrics are not enabled"))
		return
	}

	pm.UpdateSystemMetrics()
	if s.deps.Engine != nil {
		stats := s.deps.Engine.Stats()
		publishQueueStats(stats)
		pm.SetQueueStats(stats.Active, stats.Pending, stats.Permits)
	}
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func publishQueueStats(stats discovery.QueueStats) {
	metrics.SetQueueStats(stats.Active, stats.Pending, stats.Permits)
}
