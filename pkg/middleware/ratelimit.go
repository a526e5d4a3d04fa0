// Package middleware contains HTTP middleware shared by the API routes.
package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/ratelimit"
)

// RateLimiter rejects requests beyond a global budget or a per-client budget
type RateLimiter struct {
	global            *ratelimit.TokenBucket
	clients           *ratelimit.KeyedLimiter
	trustForwardedFor bool
	logger            logger.Logger
}

// RateLimiterConfig configures the RateLimiter
type RateLimiterConfig struct {
	GlobalBurst       float64
	GlobalRate        float64
	ClientBurst       float64
	ClientRate        float64
	TrustForwardedFor bool
}

// NewRateLimiter creates a new RateLimiter
func NewRateLimiter(cfg RateLimiterConfig, logger logger.Logger) *RateLimiter {
	return &RateLimiter{
		global:            ratelimit.NewTokenBucket(cfg.GlobalBurst, cfg.GlobalRate),
		clients:           ratelimit.NewKeyedLimiter(cfg.ClientBurst, cfg.ClientRate),
		trustForwardedFor: cfg.TrustForwardedFor,
		logger:            logger,
	}
}

// Clients returns the per-client limiter so its pruning loop can be run
func (m *RateLimiter) Clients() *ratelimit.KeyedLimiter {
	return m.clients
}

// Middleware returns a middleware function
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.ClientIP(r)

		if !m.clients.Allow(ip) {
			m.logger.Warn("Client rate limit exceeded", "method", r.Method, "path", r.URL.Path, "ip", ip)
			reject(w, m.clients.RetryAfter(ip), "Too many bulk requests from this client. Please try again later.")
			return
		}

		if !m.global.Allow() {
			m.logger.Warn("Global rate limit exceeded", "method", r.Method, "path", r.URL.Path)
			reject(w, m.global.RetryAfter(), "Too many bulk requests. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client address, honoring X-Forwarded-For when trusted
func (m *RateLimiter) ClientIP(r *http.Request) string {
	if m.trustForwardedFor {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			first, _, _ := strings.Cut(forwardedFor, ",")
			return strings.TrimSpace(first)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func reject(w http.ResponseWriter, retryAfter time.Duration, message string) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
