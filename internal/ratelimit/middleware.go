// Package ratelimit provides the global and per-IP request limiters sitting
// in front of the public endpoints.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ZecPay/facilitator/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global limit across all callers.
	GlobalEnabled bool
	GlobalLimit   int // requests per window
	GlobalWindow  time.Duration

	// Per-IP limit for individual callers.
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional).
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits that stop obvious floods without
// restricting legitimate clients.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func limitHandler(limitType string, windowSeconds int, identify func(*http.Request) string, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if identify != nil {
			if id := identify(r); id != "" {
				identifier = id
			}
		}
		if m != nil {
			m.ObserveRateLimit(limitType, identifier)
		}

		message := "Rate limit exceeded. Please try again later."
		if limitType == "per_ip" {
			message = "IP rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter limits the total request rate across all callers.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			limitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics),
		),
	)
}

// IPLimiter limits the request rate per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics),
		),
	)
}
