package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with the given timeout and a transport
// that keeps idle connections to recently used hosts. Webhook delivery and
// node RPC hit the same endpoints over and over; connection reuse keeps
// their latency flat.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
