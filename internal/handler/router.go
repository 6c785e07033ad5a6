package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/region-router/internal/middleware"
	"github.com/mir00r/region-router/pkg/logger"
)

// RouterOptions selects the optional parts of the admin server
type RouterOptions struct {
	// MetricsPath serves Gatherer in the Prometheus format when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer
	Auth        *middleware.JWTAuthMiddleware
	RateLimiter *middleware.RateLimiter
}

// NewRouter assembles the admin server's handler: health probes, metrics
// and the admin API behind the middleware chain.
func NewRouter(admin *AdminHandler, health *HealthHandler, opts RouterOptions, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.Discard()
	}
	r := mux.NewRouter()

	r.HandleFunc("/health/live", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", health.ReadinessHandler).Methods(http.MethodGet)

	if opts.MetricsPath != "" && opts.Gatherer != nil {
		r.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{
			ErrorLog: promLogger{log},
		})).Methods(http.MethodGet)
	}

	admin.RegisterRoutes(r)

	middlewares := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	if opts.RateLimiter != nil {
		middlewares = append(middlewares, opts.RateLimiter.RateLimitMiddleware())
	}
	if opts.Auth != nil {
		middlewares = append(middlewares, opts.Auth.JWTAuth())
	}
	return middleware.Chain(r, middlewares...)
}

// promLogger adapts the logger to promhttp's error log
type promLogger struct {
	log *logger.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.log.WithField("component", "metrics").Error(v...)
}
