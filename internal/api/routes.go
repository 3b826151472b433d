package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskrelay/internal/limiter"
	"taskrelay/internal/middleware"
)

// Routes builds the HTTP surface. lim may be nil.
func (s *Server) Routes(allowedOrigins []string, lim *limiter.Limiter) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recover(s.Logger))
	router.Use(middleware.AccessLog(s.Logger))
	router.Use(cors.Handler(cors.Options{AllowedOrigins: allowedOrigins, AllowedMethods: []string{"GET", "POST"}, AllowedHeaders: []string{"*"}}))
	router.Use(func(next http.Handler) http.Handler { return otelhttp.NewHandler(next, "http") })
	router.MethodNotAllowed(s.MethodNotAllowed)

	router.Get("/health", s.Health)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/done", s.Done)

	feedback := func(r chi.Router) {
		r.Use(middleware.RateLimit(lim, s.Logger))
		r.Get("/", s.Feedback)
		r.Post("/", s.Feedback)
	}
	router.Route("/api/feedback", func(r chi.Router) {
		feedback(r)
		r.Get("/{sid}", s.FeedbackStatus)
	})
	router.Route("/.netlify/functions/feedback", feedback)

	return router
}
