// Package admin serves the master's operational HTTP endpoints:
//
//	GET /health    200 while the master is serving
//	GET /workers   registry snapshot, sorted by worker id
//	GET /sessions  active session count and the sessions themselves
//	GET /metrics   Prometheus exposition
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/broker"
	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/log"
)

// WorkerSource lists the workers known to the master.
type WorkerSource interface {
	Snapshot() []cluster.WorkerInfo
}

// SessionSource lists the established sessions.
type SessionSource interface {
	Sessions() []broker.SessionInfo
}

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Sessions []broker.SessionInfo `json:"sessions"`
	Active   int                  `json:"active"`
}

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	Workers []cluster.WorkerInfo `json:"workers"`
	Live    int                  `json:"live"`
}

// NewRouter builds the admin routes.
func NewRouter(workers WorkerSource, sessions SessionSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/workers", func(w http.ResponseWriter, _ *http.Request) {
		snap := workers.Snapshot()
		live := 0
		for _, wi := range snap {
			if wi.Liveness == cluster.LivenessAlive {
				live++
			}
		}
		writeJSON(w, WorkersResponse{Workers: snap, Live: live})
	})
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		list := sessions.Sessions()
		writeJSON(w, SessionsResponse{Sessions: list, Active: len(list)})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Server runs the admin router on its own listener.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates an admin server for addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithComponent("admin"),
	}
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str(log.FieldAddr, ln.Addr().String()).Msg("admin listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
