package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/manager"
	"github.com/clipworks/mediaq/internal/queue"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// errorStatus maps manager sentinel errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrQueueNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrQueueExists):
		return http.StatusConflict
	case errors.Is(err, manager.ErrQueueNotEmpty):
		return http.StatusConflict
	case errors.Is(err, manager.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrEmptyPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.Manager.SubmitJob(req.Payload, req.Options, manager.SubmitOptions{
		Priority:  req.Priority,
		QueueName: req.Queue,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SubmitResponse{
		JobID:     res.JobID,
		QueueName: res.QueueName,
		Status:    string(jobs.StatusPending),
	})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Payloads) == 0 {
		s.writeError(w, http.StatusBadRequest, jobs.ErrEmptyPayload)
		return
	}

	results, err := s.Manager.SubmitBatchJobs(req.Payloads, req.Options, manager.BatchOptions{
		SubmitOptions: manager.SubmitOptions{
			Priority:  req.Priority,
			QueueName: req.Queue,
			Metadata:  req.Metadata,
		},
		DistributeAcrossQueues: req.DistributeAcrossQueues,
		Distribution:           manager.Distribution(req.Distribution),
	})

	resp := BatchResponse{Submitted: results}
	if err != nil {
		// Partial failures do not abort the batch; surface them alongside
		// whatever landed.
		resp.Errors = strings.Split(err.Error(), "\n")
	}
	status := http.StatusCreated
	if len(results) == 0 && err != nil {
		status = errorStatus(err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{Status: jobs.Status(r.URL.Query().Get("status"))}

	if name := r.URL.Query().Get("queue"); name != "" {
		q, err := s.Manager.GetQueue(name)
		if err != nil {
			s.writeError(w, errorStatus(err), err)
			return
		}
		s.writeJSON(w, http.StatusOK, q.GetJobs(filter))
		return
	}

	s.writeJSON(w, http.StatusOK, s.Manager.GetJobs(filter))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.Manager.GetJob(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, jobs.ErrJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Manager.CancelJob(id) {
		s.writeError(w, http.StatusNotFound, jobs.ErrJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	sched := manager.Schedule{
		Type: manager.ScheduleType(req.Type),
		Expr: req.Expr,
	}
	if req.ExecuteAt != nil {
		sched.ExecuteAt = *req.ExecuteAt
	}

	id, err := s.Manager.ScheduleJob(req.Name, req.Payload, req.Options, sched,
		manager.SubmitOptions{Priority: req.Priority}, req.Queue)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, ScheduleResponse{ScheduleID: id})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Manager.GetScheduledJobs())
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Manager.CancelScheduledJob(id) {
		s.writeError(w, http.StatusNotFound, manager.ErrScheduleNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"schedule_id": id, "status": "disabled"})
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := queue.Options{
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		MaxRetries:        req.MaxRetries,
		RetryDelay:        time.Duration(req.RetryDelayMS) * time.Millisecond,
		JobTimeout:        time.Duration(req.JobTimeoutMS) * time.Millisecond,
		PriorityMode:      queue.Policy(req.PriorityMode),
		AutoStart:         true,
	}

	if _, err := s.Manager.CreateQueue(req.Name, opts); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleRemoveQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Manager.RemoveQueue(name); err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "removed"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Manager.GetAllStats())
}

func (s *Server) handleAggregatedStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Manager.GetAggregatedStats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	entries := s.Manager.GetJobHistory(manager.HistoryFilter{
		Status:    jobs.Status(r.URL.Query().Get("status")),
		QueueName: r.URL.Query().Get("queue"),
		Limit:     limit,
	})
	s.writeJSON(w, http.StatusOK, entries)
}
