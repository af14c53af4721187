package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/facesift/internal/web/handlers"
)

func (s *Server) setupRoutes(h *handlers.Handler) {
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	// Operator surface: configuration, registry and job control.
	s.router.Route("/api/operator", func(r chi.Router) {
		r.Get("/config", h.GetJobConfig)
		r.Put("/config", h.SetJobConfig)

		r.Get("/persons", h.ListPersons)
		r.Post("/persons", h.SeedPerson)
		r.Delete("/persons/{id}", h.DeletePerson)
		r.Post("/persons/{id}/references", h.AddReference)
		r.Get("/persons/{id}/thumbnail", h.PersonThumbnail)

		r.Get("/browse/folders", h.BrowseFolders)
		r.Get("/browse/images", h.ImagesInFolder)

		r.Get("/job/status", h.JobStatus)
		r.Post("/job/start", h.StartJob)
		r.Post("/job/stop", h.StopJob)
		r.Post("/job/terminate", h.TerminateJob)
	})

	// Tracker surface: read-only snapshots, usable even when the
	// worker is down.
	s.router.Route("/api/tracker", func(r chi.Router) {
		r.Get("/progress", h.Progress)
		r.Get("/worker", h.WorkerStatus)
	})
}
