package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/pkg/logger"
)

// HeaderRequestID carries the request id in and out of the admin API
const HeaderRequestID = "X-Request-ID"

type contextKey int

const (
	requestIDKey contextKey = iota
	claimsKey
)

// RequestID returns the id LoggingMiddleware assigned to the request
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggingMiddleware provides structured request logging. The caller's
// X-Request-ID is kept when present, otherwise a new one is generated.
func LoggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))
			w.Header().Set(HeaderRequestID, requestID)

			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			requestLogger := log.RequestLogger(requestID, r.Method, r.URL.Path, r.RemoteAddr)
			requestLogger.Debug("Request started")

			next.ServeHTTP(wrappedWriter, r)

			logEntry := requestLogger.WithFields(logrus.Fields{
				"status_code":   wrappedWriter.statusCode,
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": wrappedWriter.size,
			})

			switch {
			case wrappedWriter.statusCode >= 500:
				logEntry.Error("Request completed with error")
			case wrappedWriter.statusCode >= 400:
				logEntry.Warn("Request completed with warning")
			default:
				logEntry.Info("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// RecoveryMiddleware provides panic recovery with logging
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(logrus.Fields{
						"request_id": RequestID(r.Context()),
						"path":       r.URL.Path,
						"method":     r.Method,
						"panic":      err,
					}).Error("Panic recovered in request handler")

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies middlewares so the first one is the outermost
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
