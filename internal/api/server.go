// Package api exposes the submission surface over HTTP. It is a thin
// collaborator layer: every handler translates a request into one
// manager call and reports the synchronous result; job outcomes are
// observed by polling or event subscription, never by blocking here.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clipworks/mediaq/internal/manager"
)

type Server struct {
	Manager *manager.Manager
	Logger  *slog.Logger
}

func NewServer(mgr *manager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Manager: mgr,
		Logger:  logger,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/batch", s.handleSubmitBatch)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Post("/schedules", s.handleSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Delete("/schedules/{id}", s.handleCancelSchedule)

		r.Post("/queues", s.handleCreateQueue)
		r.Delete("/queues/{name}", s.handleRemoveQueue)

		r.Get("/stats", s.handleStats)
		r.Get("/stats/aggregated", s.handleAggregatedStats)
		r.Get("/history", s.handleHistory)
	})

	return r
}
