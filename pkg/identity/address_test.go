package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tor-switch/pkg/model"
	"tor-switch/pkg/pending"
)

func addressServer(t *testing.T, hits *int32, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveServesFreshCache(t *testing.T) {
	var hits int32
	srv := addressServer(t, &hits, `{"ip":"1.2.3.4"}`, http.StatusOK)
	cache := newTestCache(newClock())
	cache.PutAddress(model.SlotBefore, "9.9.9.9")
	cache.PutCountry(model.SlotBefore, "Sweden")
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)

	res := r.Resolve(context.Background(), model.SlotBefore, true)
	if !res.Succeeded || !res.FromCache {
		t.Fatalf("expected cached result, got %+v", res)
	}
	if res.Address != "9.9.9.9" || res.Country != "Sweden" {
		t.Fatalf("unexpected cached values: %+v", res)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("expected zero network calls, got %d", n)
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var hits int32
	srv := addressServer(t, &hits, `{"ip":"1.2.3.4"}`, http.StatusOK)
	cache := newTestCache(newClock())
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)

	fetched := make(chan string, 1)
	r.onAddress = func(_ model.Slot, addr string) { fetched <- addr }

	res := r.Resolve(context.Background(), model.SlotBefore, true)
	if !res.Succeeded || res.FromCache {
		t.Fatalf("expected fresh fetch, got %+v", res)
	}
	if res.Address != "1.2.3.4" {
		t.Fatalf("unexpected address %q", res.Address)
	}
	if addr, _, _ := cache.Get(model.SlotBefore); addr != "1.2.3.4" {
		t.Fatalf("fetch was not written through to cache, got %q", addr)
	}
	select {
	case addr := <-fetched:
		if addr != "1.2.3.4" {
			t.Fatalf("hook saw %q", addr)
		}
	case <-time.After(time.Second):
		t.Fatalf("geolocation hook never fired")
	}
}

func TestResolveFallsBackToCachedAddress(t *testing.T) {
	var hits int32
	srv := addressServer(t, &hits, "boom", http.StatusInternalServerError)
	cache := newTestCache(newClock())
	cache.PutAddress(model.SlotAfter, "5.6.7.8")
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)

	res := r.Resolve(context.Background(), model.SlotAfter, false)
	if !res.Succeeded || !res.FromCache || res.Address != "5.6.7.8" {
		t.Fatalf("expected cached fallback, got %+v", res)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected exactly one attempt, got %d", n)
	}
}

func TestResolveSentinelWithoutCache(t *testing.T) {
	var hits int32
	srv := addressServer(t, &hits, "boom", http.StatusInternalServerError)
	cache := newTestCache(newClock())
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)

	res := r.Resolve(context.Background(), model.SlotBefore, true)
	if res.Succeeded || res.FromCache {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Address != model.AddrFetchFailed {
		t.Fatalf("expected sentinel failure address, got %q", res.Address)
	}
	if addr, _, _ := cache.Get(model.SlotBefore); addr != "" {
		t.Fatalf("sentinel must never be cached, got %q", addr)
	}
}

func TestResolveTimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"ip":"1.2.3.4"}`))
	}))
	t.Cleanup(srv.Close)

	cache := newTestCache(newClock())
	cache.PutAddress(model.SlotBefore, "9.9.9.9")
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)
	r.timeout = 20 * time.Millisecond

	res := r.Resolve(context.Background(), model.SlotBefore, false)
	if !res.Succeeded || !res.FromCache || res.Address != "9.9.9.9" {
		t.Fatalf("expected cached fallback after timeout, got %+v", res)
	}
}

func TestResolveStaleCacheQueriesNetwork(t *testing.T) {
	var hits int32
	srv := addressServer(t, &hits, `{"ip":"1.2.3.4"}`, http.StatusOK)
	ck := newClock()
	cache := newTestCache(ck)
	cache.PutAddress(model.SlotBefore, "9.9.9.9")
	ck.advance(CacheDuration + time.Second)
	r := NewAddressResolver(cache, pending.NewRegistry(), srv.URL)

	res := r.Resolve(context.Background(), model.SlotBefore, true)
	if res.FromCache || res.Address != "1.2.3.4" {
		t.Fatalf("stale cache must not be served, got %+v", res)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected one network call, got %d", n)
	}
}
