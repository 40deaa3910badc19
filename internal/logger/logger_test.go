package logger

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContextChainsOffTheCall(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), zerolog.New(&buf))

	FromContext(ctx).Info().Str("intent_id", "pi_1").Msg("request_logged")

	out := buf.String()
	if !strings.Contains(out, "request_logged") || !strings.Contains(out, "pi_1") {
		t.Errorf("expected the context logger to receive the event, got %q", out)
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	// Both a bare and a nil context yield a usable disabled logger.
	FromContext(context.Background()).Warn().Msg("dropped")
	FromContext(nil).Error().Msg("dropped")
}

func TestMiddlewareRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := Middleware(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request id missing from context")
		}
		FromContext(r.Context()).Info().Msg("handled")
	}))

	// A caller-supplied ID survives the round trip.
	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	req.Header.Set("X-Request-ID", "req_caller")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req_caller" {
		t.Errorf("expected caller id echoed, got %q", got)
	}
	if out := buf.String(); !strings.Contains(out, "req_caller") || !strings.Contains(out, "http.request") {
		t.Errorf("request log missing id or event: %q", out)
	}

	// Without one, the middleware mints an ID.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/supported", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestClientAddrPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:4000"
	if got := clientAddr(r); got != "10.0.0.9:4000" {
		t.Errorf("bare request: got %q", got)
	}

	r.Header.Set("X-Real-IP", "203.0.113.7")
	if got := clientAddr(r); got != "203.0.113.7" {
		t.Errorf("x-real-ip: got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	if got := clientAddr(r); got != "198.51.100.4" {
		t.Errorf("forwarded chain: got %q", got)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	logger := New(Config{Level: "error", Format: "json", Service: "facilitator-test"})

	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected global level error, got %s", zerolog.GlobalLevel())
	}
	logger.Error().Msg("kept")
}
