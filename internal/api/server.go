// Package api is the gateway's admin and diagnostics surface: camera
// lifecycle, zone layout, license status, tasks, usage summaries and the
// live event stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/data"
	"github.com/technosupport/ts-edge/internal/events"
	"github.com/technosupport/ts-edge/internal/license"
	"github.com/technosupport/ts-edge/internal/middleware"
	"github.com/technosupport/ts-edge/internal/registry"
	"github.com/technosupport/ts-edge/internal/tasks"
	"github.com/technosupport/ts-edge/internal/usage"
)

type Server struct {
	Registry  *registry.Registry
	Validator *license.Validator
	Tracker   *usage.Tracker
	Usage     data.UsageModel
	Executor  *tasks.Executor
	Hub       *events.Hub
	Metrics   http.Handler
	Log       zerolog.Logger
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.Log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/license/status", s.handleLicenseStatus)

		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Post("/", s.handleCreateCamera)
			r.Get("/{id}", s.handleGetCamera)
			r.Delete("/{id}", s.handleDeleteCamera)
			r.Get("/{id}/zones", s.handleZoneStatus)
			r.Put("/{id}/zones", s.handleApplyZones)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleTaskStatus)
		})

		r.Get("/usage/summary", s.handleUsageSummary)

		if s.Hub != nil {
			r.Get("/events/ws", s.Hub.ServeWS)
		}
	})

	return r
}
