package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled {
		t.Error("expected global rate limiting enabled by default")
	}
	if cfg.GlobalLimit != 1000 {
		t.Errorf("expected global limit 1000, got %d", cfg.GlobalLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("expected per-IP rate limiting enabled by default")
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  time.Minute,
	})(okHandler())

	var limited int
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
		switch rec.Code {
		case http.StatusOK:
		case http.StatusTooManyRequests:
			limited++
			if rec.Header().Get("Retry-After") == "" {
				t.Error("429 response missing Retry-After header")
			}
		default:
			t.Fatalf("request %d: unexpected status %d", i, rec.Code)
		}
	}
	if limited == 0 {
		t.Error("expected some requests to be rate limited")
	}
}

func TestIPLimiter_IsolatesClients(t *testing.T) {
	handler := IPLimiter(Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  time.Minute,
	})(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d from first client: expected 200, got %d", i, code)
		}
	}
	if code := send("10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Errorf("exhausted client: expected 429, got %d", code)
	}
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("fresh client: expected 200, got %d", code)
	}
}

func TestIPLimiter_Disabled(t *testing.T) {
	handler := IPLimiter(Config{PerIPEnabled: false})(okHandler())

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}
