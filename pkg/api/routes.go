package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(
				s.cfg.Server.RateLimit.Public,
			))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)

		// Test set management.
		r.Route("/test-sets", func(r chi.Router) {
			r.Get("/", s.handleListTestSets)
			r.Post("/", s.handleCreateTestSet)
			r.Get("/{id}", s.handleGetTestSet)
			r.Put("/{id}", s.handleUpdateTestSet)
			r.Delete("/{id}", s.handleDeleteTestSet)
		})

		// Test run operations.
		r.Route("/test-runs", func(r chi.Router) {
			r.Get("/", s.handleListTestRuns)
			r.Post("/compare", s.handleCompareTestRuns)
			r.Get("/{id}", s.handleGetTestRun)
			r.Get("/{id}/status", s.handleGetTestRunStatus)
			r.Post("/{id}/progress", s.handleRecordProgress)
			r.Post("/{id}/finalize", s.handleFinalizeTestRun)

			// Submission gets its own, tighter rate limit tier.
			r.Group(func(r chi.Router) {
				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(
						s.cfg.Server.RateLimit.Submission,
					))
				}

				r.Post("/", s.handleStartTestRun)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
