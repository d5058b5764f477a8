// Package server exposes the scheduler's operator surface over HTTP:
// submission, control, reads, maintenance, a live websocket event stream,
// and the Prometheus endpoint. Authentication is the surrounding service's
// concern; callers identify themselves via the submission payload or the
// X-User-ID header.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mertmtlu/teias-scheduler/internal/admission"
	"github.com/mertmtlu/teias-scheduler/internal/events"
	"github.com/mertmtlu/teias-scheduler/internal/scheduler"
	"github.com/mertmtlu/teias-scheduler/internal/store"
	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// Server wires the scheduler into an HTTP router.
type Server struct {
	scheduler *scheduler.Scheduler
	hub       *events.Hub
	logger    *slog.Logger
	router    *mux.Router
}

// New creates the HTTP adapter. hub may be nil when live events are disabled.
func New(sched *scheduler.Scheduler, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{scheduler: sched, hub: hub, logger: logger, router: mux.NewRouter()}
	s.routes()
	return s
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/programs/{program}/execute", s.handleExecuteProgram).Methods(http.MethodPost)
	api.HandleFunc("/programs/{program}/versions/{version}/execute", s.handleExecuteVersion).Methods(http.MethodPost)
	api.HandleFunc("/programs/{program}/schedule", s.handleSchedule).Methods(http.MethodPost)

	api.HandleFunc("/executions", s.handleRecent).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleResult).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancelScheduled).Methods(http.MethodPost)

	api.HandleFunc("/pool", s.handlePoolStats).Methods(http.MethodGet)
	api.HandleFunc("/reservations", s.handleReservations).Methods(http.MethodGet)
	api.HandleFunc("/maintenance/cleanup", s.handleCleanup).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/sweep", s.handleSweep).Methods(http.MethodPost)

	if s.hub != nil {
		s.router.Handle("/ws/events", s.hub)
	}
	s.router.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admission.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, admission.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, admission.ErrLimitExceeded), errors.Is(err, store.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, admission.ErrVersionNotExecutable),
		errors.Is(err, scheduler.ErrInvalidSubmission),
		errors.Is(err, scheduler.ErrNotScheduled):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSchedulerStopped):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decodeSubmission(r *http.Request) (types.ExecutionSubmission, error) {
	var sub types.ExecutionSubmission
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return sub, fmt.Errorf("%w: %v", scheduler.ErrInvalidSubmission, err)
		}
	}

	vars := mux.Vars(r)
	sub.ProgramID = types.ProgramID(vars["program"])
	if v, ok := vars["version"]; ok {
		sub.VersionID = types.VersionID(v)
	}
	if sub.UserID == "" {
		sub.UserID = types.UserID(r.Header.Get("X-User-ID"))
	}
	return sub, nil
}

func (s *Server) handleExecuteProgram(w http.ResponseWriter, r *http.Request) {
	sub, err := s.decodeSubmission(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.scheduler.ExecuteProgram(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleExecuteVersion(w http.ResponseWriter, r *http.Request) {
	sub, err := s.decodeSubmission(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.scheduler.ExecuteVersion(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sub, err := s.decodeSubmission(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.scheduler.ScheduleExecution(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func jobID(r *http.Request) types.JobID {
	return types.JobID(mux.Vars(r)["id"])
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.GetStatus(r.Context(), jobID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.JobStatus{"status": status})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.scheduler.GetResult(r.Context(), jobID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	out, err := s.scheduler.GetLogs(r.Context(), jobID(r), lines)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": out})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	viewer := types.UserID(r.Header.Get("X-User-ID"))
	if v := r.URL.Query().Get("viewer"); v != "" {
		viewer = types.UserID(v)
	}

	recs, err := s.scheduler.GetRecentExecutions(r.Context(), limit, viewer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.StopExecution(r.Context(), jobID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopping"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.PauseExecution(r.Context(), jobID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ResumeExecution(r.Context(), jobID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "running"})
}

func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.CancelScheduled(r.Context(), jobID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "cancelled"})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.PoolStats())
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Reservations())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DaysToKeep int `json:"days_to_keep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DaysToKeep <= 0 {
		s.writeError(w, fmt.Errorf("%w: days_to_keep must be a positive integer", scheduler.ErrInvalidSubmission))
		return
	}

	removed, err := s.scheduler.CleanupOld(r.Context(), body.DaysToKeep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxAgeMinutes int `json:"max_age_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MaxAgeMinutes <= 0 {
		s.writeError(w, fmt.Errorf("%w: max_age_minutes must be a positive integer", scheduler.ErrInvalidSubmission))
		return
	}

	reclaimed := s.scheduler.CleanStaleReservations(time.Duration(body.MaxAgeMinutes) * time.Minute)
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}
