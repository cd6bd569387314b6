package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/scheduler"
)

// handleHealthz reports liveness plus the state of the vault and the queue.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ok"

	if err := s.deps.Secrets.HealthCheck(r.Context()); err != nil {
		checks["vault"] = err.Error()
		status = "degraded"
	} else {
		checks["vault"] = "ok"
	}

	depth, err := s.deps.Jobs.Depth(r.Context())
	if err != nil {
		checks["queue"] = err.Error()
		status = "degraded"
	} else {
		checks["queue"] = "ok"
	}

	if s.deps.Cache != nil {
		if st := s.deps.Cache.Stats(); !st.Healthy {
			checks["secret_cache"] = st.LastError
			status = "degraded"
		} else {
			checks["secret_cache"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, HealthzResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		Checks:        checks,
		CheckedAt:     time.Now().UTC(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs, err := s.deps.Events.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evs == nil {
		evs = []*eventstore.Event{}
	}
	resp := EventListResponse{Events: evs, Limit: f.Limit, Offset: f.Offset}
	if r.URL.Query().Get("counts") == "true" {
		counts, err := s.deps.Events.CountByOutcome(r.Context())
		if err != nil {
			s.logger.Error("count events failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to count events")
			return
		}
		resp.Counts = counts
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.deps.Events.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.logger.Error("get event failed", "event_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Jobs.Depth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	counts, err := s.deps.Jobs.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	respondJSON(w, http.StatusOK, JobStatsResponse{Depth: depth, Counts: counts})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	respondJSON(w, http.StatusOK, SchedulerResponse{
		Paused: s.deps.Scheduler.Paused(),
		Tasks:  s.deps.Scheduler.Status(),
	})
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	s.deps.Scheduler.Pause()
	s.logger.Info("scheduler paused via API", "user", userName(r))
	s.handleSchedulerStatus(w, r)
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	s.deps.Scheduler.Resume()
	s.logger.Info("scheduler resumed via API", "user", userName(r))
	s.handleSchedulerStatus(w, r)
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	name := chi.URLParam(r, "task")
	s.logger.Info("scheduler task triggered via API", "task", name, "user", userName(r))

	err := s.deps.Scheduler.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		s.writeError(w, http.StatusNotFound, "unknown task")
	case err != nil:
		respondJSON(w, http.StatusOK, map[string]any{"task": name, "status": "error", "error": err.Error()})
	default:
		respondJSON(w, http.StatusOK, map[string]any{"task": name, "status": "ok"})
	}
}

func parseEventFilter(r *http.Request) (eventstore.Filter, error) {
	q := r.URL.Query()
	var f eventstore.Filter

	if v := q.Get("endpoint"); v != "" {
		ep, err := endpoint.Parse(v)
		if err != nil {
			return f, err
		}
		f.Endpoint = ep
	}
	switch o := eventstore.Outcome(q.Get("outcome")); o {
	case "", eventstore.OutcomeSuccess, eventstore.OutcomeFailed:
		f.Outcome = o
	default:
		return f, errors.New("outcome must be success or failed")
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
		f.Since = t
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, errors.New("limit must be a non-negative integer")
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, errors.New("offset must be a non-negative integer")
	}
	return f, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
