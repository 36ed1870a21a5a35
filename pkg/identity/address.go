package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tor-switch/pkg/model"
	"tor-switch/pkg/pending"
)

const (
	// DefaultAddressURL returns the externally-visible address as JSON.
	DefaultAddressURL = "https://api.ipify.org?format=json"

	addressTimeout = 3 * time.Second
)

// AddressResult is the outcome of one resolve call.
type AddressResult struct {
	Address   string
	Country   string
	Succeeded bool
	FromCache bool
}

// AddressResolver fetches the current externally-visible address. One network
// attempt per call, no retries. Concurrent calls are not coalesced; the
// orchestrator's loading state is what keeps duplicate resolves from being
// launched, cooperatively rather than enforced.
type AddressResolver struct {
	cache   *Cache
	reg     *pending.Registry
	client  *http.Client
	url     string
	timeout time.Duration

	// onAddress fires after a successful network fetch so geolocation can be
	// chained without blocking the caller.
	onAddress func(slot model.Slot, addr string)
}

func NewAddressResolver(cache *Cache, reg *pending.Registry, url string) *AddressResolver {
	if url == "" {
		url = DefaultAddressURL
	}
	return &AddressResolver{
		cache:   cache,
		reg:     reg,
		client:  &http.Client{},
		url:     url,
		timeout: addressTimeout,
	}
}

// Resolve returns the current address for the slot. With useCache set and a
// fresh record, the cached address is returned without any network call. On
// fetch failure the cached address is the fallback; without one, the sentinel
// failure address is returned.
func (r *AddressResolver) Resolve(ctx context.Context, slot model.Slot, useCache bool) AddressResult {
	if useCache {
		addr, country, fresh := r.cache.Get(slot)
		if fresh && model.ValidAddress(addr) {
			return AddressResult{Address: addr, Country: country, Succeeded: true, FromCache: true}
		}
	}

	addr, err := r.fetch(ctx)
	if err != nil {
		cached, country, _ := r.cache.Get(slot)
		if model.ValidAddress(cached) {
			return AddressResult{Address: cached, Country: country, Succeeded: true, FromCache: true}
		}
		return AddressResult{Address: model.AddrFetchFailed}
	}

	r.cache.PutAddress(slot, addr)
	if r.onAddress != nil {
		r.onAddress(slot, addr)
	}
	return AddressResult{Address: addr, Succeeded: true}
}

func (r *AddressResolver) fetch(ctx context.Context) (string, error) {
	rctx, done := r.reg.WithTimeout(ctx, r.timeout)
	defer done()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("address lookup returned %s", resp.Status)
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode address response: %w", err)
	}
	addr := strings.TrimSpace(body.IP)
	if !model.ValidAddress(addr) {
		return "", fmt.Errorf("address lookup returned empty body")
	}
	return addr, nil
}
