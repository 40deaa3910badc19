package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}

	if m.IntentsCreatedTotal == nil {
		t.Error("IntentsCreatedTotal should be initialized")
	}
	if m.TransitionsTotal == nil {
		t.Error("TransitionsTotal should be initialized")
	}
	if m.IntentsByState == nil {
		t.Error("IntentsByState should be initialized")
	}
	if m.BlocksScannedTotal == nil {
		t.Error("BlocksScannedTotal should be initialized")
	}
	if m.RPCCallsTotal == nil {
		t.Error("RPCCallsTotal should be initialized")
	}
	if m.WebhooksTotal == nil {
		t.Error("WebhooksTotal should be initialized")
	}
}

func TestObserveTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveTransition("created", "awaiting_confirmation")

	count := promtest.ToFloat64(m.TransitionsTotal.WithLabelValues("created", "awaiting_confirmation"))
	if count != 1 {
		t.Errorf("expected 1 transition, got %.0f", count)
	}
}

func TestObserveVerification(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveVerification("transparent", "ok")
	m.ObserveVerification("transparent", "bad_signature")

	ok := promtest.ToFloat64(m.VerificationsTotal.WithLabelValues("transparent", "ok"))
	if ok != 1 {
		t.Errorf("expected 1 ok verification, got %.0f", ok)
	}
	bad := promtest.ToFloat64(m.VerificationsTotal.WithLabelValues("transparent", "bad_signature"))
	if bad != 1 {
		t.Errorf("expected 1 failed verification, got %.0f", bad)
	}
}

func TestObserveRPCCall(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantErrors float64
		errorType  string
	}{
		{"successful RPC call", nil, 0, ""},
		{"failed RPC call with connection error", &testError{msg: "connection reset"}, 1, "connection"},
		{"failed RPC call with timeout", &testError{msg: "context deadline exceeded: timeout"}, 1, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveRPCCall("getrawtransaction", "mainnet", 100*time.Millisecond, tt.err)

			calls := promtest.ToFloat64(m.RPCCallsTotal.WithLabelValues("getrawtransaction", "mainnet"))
			if calls != 1 {
				t.Errorf("expected 1 RPC call, got %.0f", calls)
			}

			if tt.err != nil {
				errors := promtest.ToFloat64(m.RPCErrorsTotal.WithLabelValues("getrawtransaction", "mainnet", tt.errorType))
				if errors != tt.wantErrors {
					t.Errorf("expected %.0f RPC errors of type %s, got %.0f", tt.wantErrors, tt.errorType, errors)
				}
			}
		})
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// First attempt succeeds
	m.ObserveWebhook("payment.settled", "sent", 500*time.Millisecond, 1, false)

	webhooks := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("payment.settled", "sent"))
	if webhooks != 1 {
		t.Errorf("expected 1 webhook delivery, got %.0f", webhooks)
	}

	// Fifth attempt fails terminally
	m.ObserveWebhook("payment.failed", "failed", 2*time.Second, 5, true)

	retries := promtest.ToFloat64(m.WebhookRetriesTotal.WithLabelValues("payment.failed", "5"))
	if retries != 1 {
		t.Errorf("expected 1 webhook retry record, got %.0f", retries)
	}

	failed := promtest.ToFloat64(m.WebhookFailedTotal.WithLabelValues("payment.failed"))
	if failed != 1 {
		t.Errorf("expected 1 terminal webhook failure, got %.0f", failed)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_ip", "10.0.0.1")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_ip", "10.0.0.1"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveArchival(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveArchival(1500)

	runs := promtest.ToFloat64(m.ArchivalRunsTotal)
	if runs != 1 {
		t.Errorf("expected 1 archival run, got %.0f", runs)
	}

	deleted := promtest.ToFloat64(m.ArchivalRecordsDeleted)
	if deleted != 1500 {
		t.Errorf("expected 1500 records deleted, got %.0f", deleted)
	}
}

// testError is a simple error type for testing
type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
