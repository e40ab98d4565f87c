// Package api exposes the monitor, optimizer and dashboard over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/dashboard"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/optimizer"
)

const (
	defaultReportHours = 24
	maxReportHours     = 24 * 30
	maxBodyBytes       = 64 << 10
)

// Config holds HTTP server settings
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the performance API
type Server struct {
	router     *mux.Router
	monitor    *monitoring.Monitor
	optimizer  *optimizer.Optimizer
	dashboard  *dashboard.Dashboard
	presence   *Presence
	logger     *zap.Logger
	config     Config
	httpServer *http.Server
}

// NewServer wires routes over the given components. The registry is served
// at /metrics; a nil registry disables the endpoint.
func NewServer(
	m *monitoring.Monitor,
	o *optimizer.Optimizer,
	d *dashboard.Dashboard,
	registry *prometheus.Registry,
	logger *zap.Logger,
	config Config,
) (*Server, error) {
	if m == nil || o == nil || d == nil {
		return nil, errors.New("monitor, optimizer and dashboard are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	s := &Server{
		router:    mux.NewRouter(),
		monitor:   m,
		optimizer: o,
		dashboard: d,
		presence:  NewPresence(m, logger),
		logger:    logger,
		config:    config,
	}
	m.OnAlert(s.presence.Broadcast)

	s.setupRoutes(registry)
	s.router.Use(RecordRequests(m))
	s.router.Use(recoverPanics(logger))
	return s, nil
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/metrics/current", s.handleCurrentMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	v1.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/reports", s.handleReport).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPatch)
	v1.HandleFunc("/optimizer", s.handleOptimizerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/optimizer/memory", s.handleOptimizeMemory).Methods(http.MethodPost)

	s.router.Handle("/ws/presence", s.presence).Methods(http.MethodGet)

	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			Registry: registry,
		})).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Presence returns the websocket hub
func (s *Server) Presence() *Presence {
	return s.presence
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.httpServer = &http.Server{
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown disconnects websocket clients and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.presence.Close()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.monitor.GetCurrentMetrics())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.monitor.GetPerformanceSummary())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.dashboard.GetDashboardData())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.dashboard.GetHealthStatus()
	status := http.StatusOK
	if health.Status == monitoring.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	hours := defaultReportHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n > maxReportHours {
			s.respondError(w, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("hours must be an integer between 1 and %d", maxReportHours))
			return
		}
		hours = n
	}

	report, err := s.dashboard.GenerateReport(hours)
	switch {
	case errors.Is(err, dashboard.ErrInsufficientData):
		s.respondError(w, http.StatusNotFound, "insufficient_data", err.Error())
	case errors.Is(err, dashboard.ErrInvalidWindow):
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case err != nil:
		s.logger.Error("Report generation failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal", "report generation failed")
	default:
		s.respondJSON(w, http.StatusOK, report)
	}
}

// configPatch is the body of PATCH /api/v1/config. Monitor fields sit at
// the top level; optimizer fields are nested.
type configPatch struct {
	monitoring.ConfigUpdate
	Optimizer *optimizer.ConfigUpdate `json:"optimizer,omitempty"`
}

type configPatchResponse struct {
	Applied bool     `json:"applied"`
	Ignored []string `json:"ignored,omitempty"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}

	// validate both halves before applying either
	_, ignored, err := s.monitor.Config().Merge(patch.ConfigUpdate)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}
	if patch.Optimizer != nil {
		if _, err := s.optimizer.Config().Merge(*patch.Optimizer); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_config", err.Error())
			return
		}
	}

	if err := s.monitor.UpdateConfig(patch.ConfigUpdate); err != nil {
		s.respondError(w, http.StatusConflict, "invalid_config", err.Error())
		return
	}
	if patch.Optimizer != nil {
		if err := s.optimizer.UpdateConfig(*patch.Optimizer); err != nil {
			s.respondError(w, http.StatusConflict, "invalid_config", err.Error())
			return
		}
	}

	s.respondJSON(w, http.StatusOK, configPatchResponse{Applied: true, Ignored: ignored})
}

func (s *Server) handleOptimizerStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.optimizer.GetStatus())
}

func (s *Server) handleOptimizeMemory(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.optimizer.OptimizeMemoryUsage())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
