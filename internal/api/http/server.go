// Package http serves the plan control REST API, health checks, metrics and
// the WebSocket state stream.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/db"
	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/scheduler"
)

// streamBuffer is the engine subscription buffer of the WebSocket hub.
const streamBuffer = 256

// Server provides the HTTP endpoints.
type Server struct {
	server   *http.Server
	pool     *db.Pool
	engine   *scheduler.Engine
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
}

// NewServer creates a new HTTP server. pool and gatherer may be nil.
func NewServer(
	address string,
	engine *scheduler.Engine,
	pool *db.Pool,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		pool:     pool,
		engine:   engine,
		hub:      NewHub(logger),
		gatherer: gatherer,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.gatherer != nil {
		mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	NewHandler(s.engine, s.logger).RegisterRoutes(mux)
	return mux
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// startStream runs the hub and feeds it the engine's state changes.
func (s *Server) startStream() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		stream, unsubscribe := s.engine.Subscribe(streamBuffer)
		go s.hub.Run()
		go func() {
			defer unsubscribe()
			s.hub.Pump(ctx, stream)
		}()
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.startStream()
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Shutdown()
	return s.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// Version is reported by /health. cmd/server sets it at startup.
var Version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Services: make(map[string]string),
	}

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			response.Services["postgres"] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
		} else {
			response.Services["postgres"] = "healthy"
		}
	}

	if s.engine != nil {
		response.Services["engine"] = "healthy"
	} else {
		response.Services["engine"] = "not configured"
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness probe).
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness probe).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database unavailable: " + err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// MetricsResponse represents the metrics response.
type MetricsResponse struct {
	Engine    EngineMetrics    `json:"engine"`
	WebSocket WebSocketMetrics `json:"websocket"`
	Database  *DatabaseMetrics `json:"database,omitempty"`
}

// EngineMetrics summarizes the active plans.
type EngineMetrics struct {
	ActivePlans   int     `json:"active_plans"`
	PausedPlans   int     `json:"paused_plans"`
	TotalJobs     int     `json:"total_jobs"`
	PendingJobs   int     `json:"pending_jobs"`
	RunningJobs   int     `json:"running_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	BestFitness   float64 `json:"best_fitness"`
}

// WebSocketMetrics reports the state stream.
type WebSocketMetrics struct {
	Clients int `json:"clients"`
}

// DatabaseMetrics represents database-related metrics.
type DatabaseMetrics struct {
	TotalConnections  int32 `json:"total_connections"`
	AcquiredConns     int32 `json:"acquired_connections"`
	IdleConns         int32 `json:"idle_connections"`
	MaxConns          int32 `json:"max_connections"`
	ConstructingConns int32 `json:"constructing_connections"`
}

// handleMetrics handles the /metrics endpoint.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := MetricsResponse{
		WebSocket: WebSocketMetrics{Clients: s.hub.GetClientCount()},
	}

	if s.engine != nil {
		scored := false
		for _, st := range s.engine.GetAllActive() {
			m := &response.Engine
			m.ActivePlans++
			if st.Status == domain.PlanStatusPaused {
				m.PausedPlans++
			}
			m.TotalJobs += st.TotalJobs
			m.PendingJobs += st.PendingJobs
			m.RunningJobs += st.RunningJobs
			m.CompletedJobs += st.CompletedJobs
			m.FailedJobs += st.FailedJobs
			if st.ScoredJobs > 0 && (!scored || st.BestFitness > m.BestFitness) {
				m.BestFitness = st.BestFitness
				scored = true
			}
		}
	}

	if s.pool != nil {
		poolStats := s.pool.Stats()
		response.Database = &DatabaseMetrics{
			TotalConnections:  poolStats.TotalConns(),
			AcquiredConns:     poolStats.AcquiredConns(),
			IdleConns:         poolStats.IdleConns(),
			MaxConns:          poolStats.MaxConns(),
			ConstructingConns: poolStats.ConstructingConns(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
