package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler, staticDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	// The frontend is served from a different origin during development.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Post("/convert", h.CreateConversionJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", h.GetJobStatus)
			r.Get("/download/walkthrough", h.DownloadWalkthrough)
			r.Get("/download/scene", h.DownloadScene)
		})
	})

	// Job outputs are published under the static tree and are served as-is.
	fileServer := http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir)))
	r.Get("/static/*", fileServer.ServeHTTP)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
