package entitlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, premium bool, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req checkRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.FamilyID != "fam-1" {
			t.Errorf("unexpected family: %q", req.FamilyID)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(checkResponse{Premium: premium})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestIsPremiumCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, true, &calls)
	c := NewClient(Config{URL: server.URL, APIKey: "k", CacheTTL: time.Minute})

	for range 3 {
		premium, err := c.IsPremium(context.Background(), "fam-1")
		if err != nil {
			t.Fatalf("IsPremium: %v", err)
		}
		if !premium {
			t.Error("expected premium")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	st, ok := c.Status("fam-1")
	if !ok || st.Plan != "premium" {
		t.Errorf("status = %+v, %v", st, ok)
	}
}

func TestIsPremiumRefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, false, &calls)
	c := NewClient(Config{URL: server.URL, APIKey: "k", CacheTTL: time.Minute})

	base := time.Now()
	c.now = func() time.Time { return base }
	c.IsPremium(context.Background(), "fam-1")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.IsPremium(context.Background(), "fam-1")

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestIsPremiumServesCacheWithinGrace(t *testing.T) {
	var calls atomic.Int32
	server := newTestServer(t, true, &calls)
	c := NewClient(Config{URL: server.URL, APIKey: "k", CacheTTL: time.Minute, GracePeriod: time.Hour})

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.IsPremium(context.Background(), "fam-1"); err != nil {
		t.Fatalf("IsPremium: %v", err)
	}

	server.Close()
	c.now = func() time.Time { return base.Add(10 * time.Minute) }
	premium, err := c.IsPremium(context.Background(), "fam-1")
	if err != nil {
		t.Fatalf("expected cached answer within grace, got %v", err)
	}
	if !premium {
		t.Error("expected cached premium")
	}
	if st, _ := c.Status("fam-1"); !st.Offline {
		t.Error("expected offline flag")
	}

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := c.IsPremium(context.Background(), "fam-1"); err == nil {
		t.Error("expected error once grace has passed")
	}
}

func TestIsPremiumServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(Config{URL: server.URL})
	if _, err := c.IsPremium(context.Background(), "fam-1"); err == nil {
		t.Error("expected error for non-200 response")
	}
	if _, ok := c.Status("fam-1"); ok {
		t.Error("failed lookups should not be cached")
	}
}

func TestStatic(t *testing.T) {
	o := Static{"fam-1": true}
	if p, _ := o.IsPremium(context.Background(), "fam-1"); !p {
		t.Error("fam-1 should be premium")
	}
	if p, _ := o.IsPremium(context.Background(), "fam-2"); p {
		t.Error("fam-2 should not be premium")
	}
}
