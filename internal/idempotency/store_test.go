package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	ctx := context.Background()
	resp := &Response{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"intent":{}}`),
		CachedAt:   time.Now(),
	}

	if err := store.Set(ctx, "k1", resp, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, found := store.Get(ctx, "k1")
	if !found {
		t.Fatal("expected cached response")
	}
	if got.StatusCode != 201 || string(got.Body) != `{"intent":{}}` {
		t.Errorf("unexpected cached response: %d %s", got.StatusCode, got.Body)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found := store.Get(ctx, "k1"); found {
		t.Error("expected deleted key to miss")
	}
}

func TestStoreExpiry(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	ctx := context.Background()
	store.Set(ctx, "short", &Response{StatusCode: 200}, 10*time.Millisecond)

	if _, found := store.Get(ctx, "short"); !found {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, found := store.Get(ctx, "short"); found {
		t.Error("expected miss after expiry")
	}
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStoreWithSize(3)
	defer store.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		store.Set(ctx, fmt.Sprintf("k%d", i), &Response{StatusCode: 200}, time.Minute)
	}

	// Touch k0 so k1 becomes the eviction candidate.
	store.Get(ctx, "k0")
	store.Set(ctx, "k3", &Response{StatusCode: 200}, time.Minute)

	if _, found := store.Get(ctx, "k1"); found {
		t.Error("expected k1 to be evicted")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, found := store.Get(ctx, key); !found {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
}

func TestStoreUpdateRefreshesTTL(t *testing.T) {
	store := NewMemoryStoreWithSize(10)
	defer store.Stop()

	ctx := context.Background()
	store.Set(ctx, "k", &Response{StatusCode: 200}, 10*time.Millisecond)
	store.Set(ctx, "k", &Response{StatusCode: 201}, time.Minute)

	time.Sleep(20 * time.Millisecond)
	got, found := store.Get(ctx, "k")
	if !found {
		t.Fatal("expected refreshed entry to survive the original TTL")
	}
	if got.StatusCode != 201 {
		t.Errorf("expected updated response, got %d", got.StatusCode)
	}
}
