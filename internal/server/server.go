// Package server exposes nodewatchd over HTTP.
//
// Routes:
//
//	/metrics                     Prometheus metrics
//	/healthz                     liveness, always 200 while serving
//	/readyz                      200 once a refresh has succeeded
//	/v1/nodes/{node}/history     stored history of a node (JSON)
//	/v1/nodes/{node}/current     live state of a node (JSON)
//
// The API is read-only and carries no authentication; bind it to a
// trusted interface.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/controller"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/validation"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Controller answers the node routes (required).
	Controller *controller.Controller

	// Listen is the address to listen on (e.g., "127.0.0.1:9464").
	Listen string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the nodewatchd HTTP server.
type Server struct {
	cfg   Config
	ctrl  *controller.Controller
	http  *http.Server
	ready atomic.Bool
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.NewMissingField("controller")
	}
	if cfg.Listen == "" {
		return nil, errors.NewMissingField("metrics.listen")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, ctrl: cfg.Controller}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.DefaultMetricsReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /v1/nodes/{node}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/nodes/{node}/current", s.handleCurrent)
	return mux
}

// SetReady marks the server as ready to serve traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Listen)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info("listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	if err := validation.ValidateNodeName(node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	history := s.ctrl.HistoryFor(node)
	if history == nil {
		history = []snapshot.NodeSnapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	if err := validation.ValidateNodeName(node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	snap, err := s.ctrl.CurrentStateFor(r.Context(), node)
	switch {
	case errors.Is(err, errors.ErrNoSnapshot):
		writeError(w, http.StatusNotFound, err)
	case errors.IsFetchError(err):
		log.Warn("current state unavailable", "node", node, "error", err)
		writeError(w, http.StatusBadGateway, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}
