// Package api serves the fleet status over HTTP while `fleet monitor` runs.
//
// Routes:
//
//	GET  /health              liveness of the supervisor, node counts by status
//	GET  /nodes               status of every node, with its health record
//	GET  /nodes/{id}          status of one node
//	POST /nodes/{id}/restart  stop and relaunch one node
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/health"
	"github.com/dreamware/fleet/internal/registry"
)

// Fleet is the part of cluster.Manager the API exposes.
type Fleet interface {
	Status(ctx context.Context) ([]cluster.Node, error)
	NodeStatus(ctx context.Context, id int) (cluster.Node, error)
	Restart(ctx context.Context, id int) (int, error)
}

// HealthSource provides the monitor's per-node records. May be nil.
type HealthSource interface {
	GetNodeHealth(id int) *health.NodeHealth
	GetAllNodeHealth() map[int]*health.NodeHealth
}

// HealthResponse is the body of GET /health. Nodes counts the monitor's
// records by status and is omitted when no monitor runs.
type HealthResponse struct {
	Status string         `json:"status"`
	Uptime string         `json:"uptime"`
	Nodes  map[string]int `json:"nodes,omitempty"`
}

// NodeView is a status row plus the monitor's record of the node.
type NodeView struct {
	cluster.Node
	Health *health.NodeHealth `json:"health,omitempty"`
}

// Server holds the API dependencies.
type Server struct {
	fleet   Fleet
	monitor HealthSource
	log     *zap.Logger
	started time.Time
}

// NewServer creates the API server. monitor may be nil when no health
// monitor runs in this process.
func NewServer(fleet Fleet, monitor HealthSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{fleet: fleet, monitor: monitor, log: log, started: time.Now()}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.handleListNodes)
		r.Get("/{id}", s.handleGetNode)
		r.Post("/{id}/restart", s.handleRestart)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.monitor != nil {
		resp.Nodes = map[string]int{}
		for _, h := range s.monitor.GetAllNodeHealth() {
			resp.Nodes[h.Status]++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.fleet.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]NodeView, len(nodes))
	for i, n := range nodes {
		views[i] = s.view(n)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	n, err := s.fleet.NodeStatus(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if n.State == cluster.StateUnprovisioned {
		writeError(w, http.StatusNotFound, registry.ErrNotProvisioned)
		return
	}
	writeJSON(w, http.StatusOK, s.view(n))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	pid, err := s.fleet.Restart(r.Context(), id)
	switch {
	case errors.Is(err, registry.ErrNotProvisioned):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.log.Warn("restart via api failed", zap.Int("node_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, cluster.RestartResponse{NodeID: id, Error: err.Error()})
	default:
		s.log.Info("node restarted via api", zap.Int("node_id", id), zap.Int("pid", pid))
		writeJSON(w, http.StatusOK, cluster.RestartResponse{NodeID: id, PID: pid})
	}
}

func (s *Server) view(n cluster.Node) NodeView {
	v := NodeView{Node: n}
	if s.monitor != nil {
		v.Health = s.monitor.GetNodeHealth(n.ID)
	}
	return v
}

func nodeID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve runs the API on addr until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
