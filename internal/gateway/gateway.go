// Package gateway exposes the read-only observability surface for a run:
// a health probe, status counts, a task listing, and a live websocket feed
// of bus events. It never mutates the graph or the store.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/store"
)

type Config struct {
	Store *store.Store
	Bus   *bus.Bus

	// Graph is the live run, when one is in flight. Status falls back to the
	// store when nil.
	Graph *graph.Graph

	// RunID identifies the run served when the request carries no run_id.
	RunID string

	// AuthToken guards every endpoint except /healthz. Empty disables auth;
	// the default bind address is loopback-only.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in status.
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg  Config
	log  *slog.Logger
	http *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	return mux
}

// Serve binds addr and serves until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dbOK := true
	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.EventCount(r.Context(), s.cfg.RunID); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"run_id":  s.cfg.RunID,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = s.cfg.RunID
	}

	var counts graph.Counts
	switch {
	case s.cfg.Graph != nil && (runID == "" || runID == s.cfg.Graph.RunID()):
		counts = s.cfg.Graph.Counts()
		runID = s.cfg.Graph.RunID()
	case s.cfg.Store != nil:
		var err error
		counts, err = s.cfg.Store.Counts(r.Context(), runID)
		if err != nil {
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "no run", http.StatusNotFound)
		return
	}

	payload := map[string]any{
		"run_id":             runID,
		"counts":             counts,
		"total":              counts.Total(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = s.cfg.RunID
	}

	var tasks []*graph.Task
	if s.cfg.Graph != nil && runID == s.cfg.Graph.RunID() {
		tasks = s.cfg.Graph.Snapshot()
	} else if s.cfg.Store != nil {
		var err error
		tasks, err = s.cfg.Store.ListTasks(r.Context(), runID)
		if err != nil {
			http.Error(w, "tasks unavailable", http.StatusInternalServerError)
			return
		}
	}
	if tasks == nil {
		tasks = []*graph.Task{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"run_id": runID,
		"tasks":  tasks,
	})
}

// authorize checks the bearer token. With no token configured every request
// passes; the gateway is then expected to be bound to loopback.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := extractToken(r)
	return token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// extractToken checks, in order: Authorization: Bearer <token>, then the
// token query param. The query param exists for websocket clients that
// cannot set headers.
func extractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	return r.URL.Query().Get("token")
}
