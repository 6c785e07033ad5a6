package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/pkg/logger"
)

// idleClientTTL is how long a client's limiter survives without requests
const idleClientTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits admin API requests per client IP
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	logger   *logger.Logger
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config domain.RateLimitConfig, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Discard()
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(config.RequestsPerSecond),
		burst:    config.BurstSize,
		logger:   log.MiddlewareLogger("rate_limiter"),
		now:      time.Now,
	}
}

// getLimiter gets or creates the limiter of a client and drops limiters
// idle for longer than idleClientTTL.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, c := range rl.limiters {
		if now.Sub(c.lastSeen) > idleClientTTL {
			delete(rl.limiters, key)
		}
	}

	c, exists := rl.limiters[ip]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// RateLimitMiddleware rejects requests above the client's rate with 429
func (rl *RateLimiter) RateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			limit := fmt.Sprintf("%.2f", float64(rl.rate))

			if !rl.getLimiter(clientIP).AllowN(rl.now(), 1) {
				rl.logger.WithFields(logrus.Fields{
					"client_ip": clientIP,
					"path":      r.URL.Path,
					"method":    r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")

				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			next.ServeHTTP(w, r)
		})
	}
}

// Clients returns the number of clients currently tracked
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
