// Package ops exposes the daemon's operational HTTP surface: liveness and
// readiness probes, Prometheus metrics and on-demand environment health
// summaries. It is not a control API; rollouts are driven in-process.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/health"
	"github.com/mkrenz/stackpilot/internal/shell/store"
)

const shutdownTimeout = 5 * time.Second

// Store is the slice of persistence the ops surface needs.
type Store interface {
	Ping(ctx context.Context) error
	GetLatestSnapshotsForEnvironment(ctx context.Context, environmentID string) ([]domain.HealthSnapshot, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
}

// ServerConfig holds configuration for the ops HTTP server.
type ServerConfig struct {
	Addr    string
	Store   Store
	Metrics *Metrics
	Logger  *slog.Logger
}

// Server serves the operational endpoints. It starts unready; the daemon
// flips readiness once workers are running.
type Server struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger
	ready   atomic.Bool
	httpSrv *http.Server
}

// NewServer builds the ops server and its router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "ops_server"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/environments/{environmentID}/health", s.handleEnvironmentHealth)

	return r
}

// Handler exposes the router, mainly for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// SetReady flips the readiness state reported by /readyz.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("ops server starting", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleEnvironmentHealth(w http.ResponseWriter, r *http.Request) {
	environmentID := chi.URLParam(r, "environmentID")
	ctx := r.Context()

	snapshots, err := s.store.GetLatestSnapshotsForEnvironment(ctx, environmentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load snapshots: %w", err))
		return
	}

	// Resolve the current status for every deployment the snapshots name, so
	// removed deployments are excluded even when their snapshots are not yet
	// pruned.
	statuses := make(map[string]domain.DeploymentStatus, len(snapshots))
	for _, snap := range snapshots {
		if _, ok := statuses[snap.DeploymentID]; ok {
			continue
		}
		d, err := s.store.GetDeployment(ctx, snap.DeploymentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Snapshot outlived its deployment record.
			statuses[snap.DeploymentID] = domain.StatusRemoved
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load deployment %s: %w", snap.DeploymentID, err))
			return
		default:
			statuses[snap.DeploymentID] = d.Status
		}
	}

	summary := health.SummarizeEnvironment(environmentID, snapshots, statuses)
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("ops request failed", "error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
