package idempotency

import (
	"bytes"
	"net/http"
	"time"

	"github.com/ZecPay/facilitator/internal/apikey"
)

const (
	// HeaderKey is the idempotency key request header.
	HeaderKey = "Idempotency-Key"

	// HeaderReplay marks a response served from the idempotency cache.
	HeaderReplay = "X-Idempotency-Replay"

	// DefaultTTL is how long a cached response stays replayable.
	DefaultTTL = 24 * time.Hour
)

// responseWriter captures the status, headers, and body of a response so a
// successful one can be cached.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	headers    map[string]string
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
		headers:        make(map[string]string),
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) captureHeaders() {
	for key := range rw.ResponseWriter.Header() {
		rw.headers[key] = rw.ResponseWriter.Header().Get(key)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays cached responses for requests repeating an
// Idempotency-Key. Keys are scoped per merchant, method, and path, so one
// merchant's key cannot collide with another's and a key cannot be reused
// across endpoints. Requests without the header pass through untouched.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			scope := ""
			if merchant, ok := apikey.MerchantFromContext(r.Context()); ok {
				scope = merchant.ID
			}
			key := scope + ":" + r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, found := store.Get(r.Context(), key); found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			// Only successful responses replay; errors stay retryable.
			if rw.statusCode >= 200 && rw.statusCode < 300 {
				rw.captureHeaders()
				store.Set(r.Context(), key, &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
