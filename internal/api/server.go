// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vrsandeep/chapterdl/internal/core"
)

// Server holds the dependencies for our API.
type Server struct {
	app *core.App
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{app: app}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleGetStats)

		// Downloads
		r.Get("/downloads", s.handleGetDownloads)
		r.With(RequireJSON).Post("/downloads", s.handleEnqueueDownload)
		r.Route("/downloads/{seriesID}/{chapter}", func(r chi.Router) {
			r.Delete("/", s.handleDequeueDownload)
			r.Get("/progress", s.handleGetDownloadProgress)
			r.Post("/{action}", s.handleDownloadAction)
		})
		r.Delete("/chapters/{seriesID}/{chapter}", s.handleDeleteChapter)

		r.With(RequireJSON).Post("/queue/action", s.handleQueueAction)
		r.Post("/lifecycle/{state}", s.handleLifecycle)

		// Jobs
		r.Get("/jobs/status", s.handleGetJobsStatus)
		r.With(RequireJSON).Post("/jobs/run", s.handleRunJob)
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry(), promhttp.HandlerOpts{}))

	return r
}
