package limits

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/ratelimit-gateway/internal/counterstore"
)

type fakeTokenSource struct {
	token       string
	invalidated int32
	tokenCalls  int32
}

func (f *fakeTokenSource) Token(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.tokenCalls, 1)
	return f.token, nil
}

func (f *fakeTokenSource) Invalidate() {
	atomic.AddInt32(&f.invalidated, 1)
}

type fakeQuotaStore struct {
	mu      sync.Mutex
	entries map[string]string
	setCalls int
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{entries: map[string]string{}}
}

func (f *fakeQuotaStore) CheckAndRecord(ctx context.Context, key string, windowTicks int64, maxCount int, nowTicks int64, maxSleepSeconds int, clockAccuracy int) (counterstore.Result, error) {
	return counterstore.Result{}, nil
}

func (f *fakeQuotaStore) IsAvailable(ctx context.Context) (bool, string) { return true, "" }

func (f *fakeQuotaStore) SetQuotaCache(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	for k, v := range entries {
		f.entries[k] = v
	}
	return nil
}

func (f *fakeQuotaStore) GetQuotaCache(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func TestRemoteProvider_FetchesAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != "test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(quotaDocument{
			Services: []struct {
				Type  string `json:"type"`
				Rates []struct {
					Name   string `json:"name"`
					Limit  int    `json:"limit"`
					Window string `json:"window"`
				} `json:"rates"`
			}{
				{
					Type: "compute",
					Rates: []struct {
						Name   string `json:"name"`
						Limit  int    `json:"limit"`
						Window string `json:"window"`
					}{
						{Name: "create", Limit: 5, Window: "1m"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	store := newFakeQuotaStore()
	tokens := &fakeTokenSource{token: "test-token"}
	provider := NewRemoteProvider(srv.URL, "example-domain", tokens, srv.Client(), store, time.Minute)

	got := provider.GetLocalRateLimit(context.Background(), "project-a", "create", "compute/server")
	if got.String() != "5r/m" {
		t.Fatalf("expected 5r/m, got %s", got.String())
	}
	if store.setCalls != 1 {
		t.Errorf("expected exactly one cache write, got %d", store.setCalls)
	}

	// second call hits the cache, no further HTTP round trip needed (the
	// httptest server would answer a second fetch the same way, so
	// correctness here is checked via the cached value matching).
	got2 := provider.GetLocalRateLimit(context.Background(), "project-a", "create", "compute/server")
	if got2.String() != "5r/m" {
		t.Fatalf("expected cached 5r/m, got %s", got2.String())
	}
}

func TestRemoteProvider_NoMatchingRateIsUnlimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(quotaDocument{})
	}))
	defer srv.Close()

	store := newFakeQuotaStore()
	tokens := &fakeTokenSource{token: "test-token"}
	provider := NewRemoteProvider(srv.URL, "example-domain", tokens, srv.Client(), store, time.Minute)

	got := provider.GetLocalRateLimit(context.Background(), "project-a", "create", "compute/server")
	if !got.IsUnlimited() {
		t.Errorf("expected Unlimited when quota service has no matching rate, got %s", got.String())
	}
}

func TestRemoteProvider_UnreachableServiceFailsOpen(t *testing.T) {
	store := newFakeQuotaStore()
	tokens := &fakeTokenSource{token: "test-token"}
	provider := NewRemoteProvider("http://127.0.0.1:0", "example-domain", tokens, http.DefaultClient, store, time.Minute)

	got := provider.GetLocalRateLimit(context.Background(), "project-a", "create", "compute/server")
	if !got.IsUnlimited() {
		t.Errorf("expected fail-open Unlimited on unreachable quota service, got %s", got.String())
	}
}

func TestRemoteProvider_GlobalAlwaysUnlimited(t *testing.T) {
	store := newFakeQuotaStore()
	tokens := &fakeTokenSource{token: "test-token"}
	provider := NewRemoteProvider("http://example.invalid", "example-domain", tokens, http.DefaultClient, store, time.Minute)

	got := provider.GetGlobalRateLimit(context.Background(), "create", "compute/server")
	if !got.IsUnlimited() {
		t.Errorf("expected GetGlobalRateLimit to always return Unlimited, got %s", got.String())
	}
}

func TestNormalizeWindow(t *testing.T) {
	cases := map[string]string{
		"1h":  "h",
		"1m":  "m",
		"2h":  "2h",
		"10h": "10h",
		"1ms": "ms",
	}
	for in, want := range cases {
		if got := normalizeWindow(in); got != want {
			t.Errorf("normalizeWindow(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceFromTarget(t *testing.T) {
	if got := serviceFromTarget("compute/server"); got != "compute" {
		t.Errorf("expected compute, got %s", got)
	}
	if got := serviceFromTarget("identity"); got != "identity" {
		t.Errorf("expected identity, got %s", got)
	}
}
