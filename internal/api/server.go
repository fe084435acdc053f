// Package api exposes the orchestrator over HTTP and websocket.
//
// The HTTP surface mirrors the MCP tool surface so that worker
// processes (which only have the API address in their environment)
// can spawn children, poll status, and collect results without a
// stdio channel back to the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krizzo101/arbor/internal/collector"
	"github.com/krizzo101/arbor/internal/ledger"
	"github.com/krizzo101/arbor/internal/scheduler"
	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

var log = slog.Default()

// Server serves the orchestrator REST API plus the /ws event stream.
type Server struct {
	scheduler *scheduler.Scheduler
	collector *collector.Collector
	hub       *Hub
	metrics   http.Handler
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

// Options configures a Server. Scheduler and Collector are required;
// Hub and Metrics are optional and disable their routes when nil.
type Options struct {
	Scheduler *scheduler.Scheduler
	Collector *collector.Collector
	Hub       *Hub
	Metrics   http.Handler
}

// NewServer wires the route table. Serve must still be called to
// accept connections.
func NewServer(opts Options) (*Server, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("api: scheduler is required")
	}
	if opts.Collector == nil {
		return nil, errors.New("api: collector is required")
	}

	s := &Server{
		scheduler: opts.Scheduler,
		collector: opts.Collector,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.handleSpawn)
	mux.HandleFunc("GET /api/jobs", s.handleList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/jobs/{id}/kill", s.handleKill)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleRemove)
	mux.HandleFunc("POST /api/collect", s.handleCollect)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
	}
	return mux
}

// Handler returns the route table for in-process testing.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Serve accepts connections on l until Shutdown or a fatal error.
func (s *Server) Serve(l net.Listener) error {
	log.Info("API listening", "addr", l.Addr().String())
	return s.httpSrv.Serve(l)
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// ============================================================================
// Request / response bodies
// ============================================================================

// spawnRequest accepts either a single task or a batch, never both.
type spawnRequest struct {
	Task     string       `json:"task,omitempty"`
	Tasks    []string     `json:"tasks,omitempty"`
	ParentID *types.JobID `json:"parent_id,omitempty"`
}

type spawnResponse struct {
	Handles []types.JobHandle `json:"handles"`
}

type listResponse struct {
	Jobs []*types.Job `json:"jobs"`
}

// collectRequest drives both plain collection and aggregation.
// Aggregate implies Wait; TimeoutSeconds zero means wait indefinitely.
type collectRequest struct {
	JobIDs         []types.JobID `json:"job_ids"`
	Wait           bool          `json:"wait,omitempty"`
	TimeoutSeconds float64       `json:"timeout_seconds,omitempty"`
	Aggregate      bool          `json:"aggregate,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// Handlers
// ============================================================================

// handleSpawn creates one job or an all-or-nothing batch.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Task != "" && len(req.Tasks) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task and tasks are mutually exclusive"})
		return
	}

	tasks := req.Tasks
	if req.Task != "" {
		tasks = []string{req.Task}
	}

	handles, err := s.scheduler.SpawnBatch(tasks, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spawnResponse{Handles: handles})
}

// handleList returns job snapshots, optionally filtered by the
// state, parent, and depth query parameters.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	q := r.URL.Query()
	if v := q.Get("state"); v != "" {
		st := types.JobState(v)
		f.State = &st
	}
	if v := q.Get("parent"); v != "" {
		pid := types.JobID(v)
		f.Parent = &pid
	}
	if v := q.Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid depth: " + v})
			return
		}
		f.Depth = &d
	}

	jobs := s.scheduler.List(f)
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
}

// handleStatus returns a single job snapshot, falling back to the
// archive for jobs already removed from memory.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Status(types.JobID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleKill terminates a job and returns its terminal snapshot.
// Killing an already terminal job is a no-op, not an error.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := s.scheduler.Kill(id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.scheduler.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRemove evicts a terminal job from memory. The archive row,
// if any, survives.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Remove(types.JobID(r.PathValue("id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCollect gathers results for a set of jobs. A timeout that
// expires mid-wait yields 200 with the unfinished ids listed under
// "pending", not an error.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))

	if req.Aggregate {
		combined, err := s.collector.Aggregate(r.Context(), req.JobIDs, timeout)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, combined)
		return
	}

	coll, err := s.collector.Collect(r.Context(), req.JobIDs, req.Wait, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coll)
}

// handleStats returns the orchestrator-wide counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS upgrades the connection and hands it to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	s.hub.Add(conn)
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse{Error: err.Error()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var limitErr *ledger.LimitError
	var transErr *store.TransitionError

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests
	case errors.As(err, &transErr):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrNoTasks),
		errors.Is(err, scheduler.ErrEmptyTask),
		errors.Is(err, scheduler.ErrParentTerminal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
