package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/retry"
	"github.com/aristath/fundwatch/internal/scheduler"
)

// RunJobResponse reports a manual job run
type RunJobResponse struct {
	Job     string            `json:"job"`
	Outcome scheduler.Outcome `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func analysisType(r *http.Request) string {
	if t := r.URL.Query().Get("type"); t != "" {
		return t
	}
	return queue.AnalysisHoldings
}

// handleQueueStats handles GET /api/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Tasks.GetStats(r.Context(), analysisType(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleListTasks handles GET /api/queue/tasks?status=S&limit=N
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	tasks, err := s.cfg.Tasks.List(r.Context(), analysisType(r), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

// handleGetTask handles GET /api/queue/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	task, err := s.cfg.Tasks.Get(r.Context(), id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleRequeueTask handles POST /api/queue/tasks/{id}/requeue.
// Only failed tasks can be requeued; this also clears the permanent flag.
func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.cfg.Tasks.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, queue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	task, err := s.cfg.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleListJobs handles GET /api/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Jobs.JobNames())
}

// handleJobHistory handles GET /api/jobs/history?job=NAME&limit=N
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("job is required"))
		return
	}

	execs, err := s.cfg.History.Recent(r.Context(), job, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if execs == nil {
		execs = []scheduler.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

// handleRunJob handles POST /api/jobs/{name}/run. The job runs through the guard, so a
// job that is already running answers 409 with a skipped outcome.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	outcome, err := s.cfg.Jobs.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	resp := RunJobResponse{Job: name, Outcome: outcome}
	if outcome.Reason != nil {
		resp.Reason = outcome.Reason.Error()
	}

	switch {
	case outcome.Skipped:
		s.writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		resp.Reason = err.Error()
		s.writeJSON(w, http.StatusInternalServerError, resp)
	default:
		s.writeJSON(w, http.StatusOK, resp)
	}
}

// handleListRetries handles GET /api/retries?status=S&limit=N
func (s *Server) handleListRetries(w http.ResponseWriter, r *http.Request) {
	status := retry.Status(r.URL.Query().Get("status"))
	switch status {
	case "", retry.StatusPending, retry.StatusRetrying, retry.StatusResolved, retry.StatusAbandoned:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}

	entries, err := s.cfg.Retries.List(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []retry.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}
