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
	// DefaultGeoURL is a template; %s is replaced with the address.
	DefaultGeoURL = "http://ip-api.com/json/%s"

	geoTimeout = 2 * time.Second
)

// GeoResolver looks up the country for an address. Geolocation is best-effort:
// every failure path degrades to whatever country is already cached for the
// slot, never an error.
type GeoResolver struct {
	cache   *Cache
	reg     *pending.Registry
	client  *http.Client
	urlTmpl string
	timeout time.Duration
}

func NewGeoResolver(cache *Cache, reg *pending.Registry, urlTmpl string) *GeoResolver {
	if urlTmpl == "" {
		urlTmpl = DefaultGeoURL
	}
	return &GeoResolver{
		cache:   cache,
		reg:     reg,
		client:  &http.Client{},
		urlTmpl: urlTmpl,
		timeout: geoTimeout,
	}
}

// Resolve returns the country for addr, or "" when none is known. A fresh
// cached country for this exact address is served without a network call. An
// empty country from the remote side means "no data" and is not cached, so a
// later call queries again.
func (g *GeoResolver) Resolve(ctx context.Context, slot model.Slot, addr string) string {
	if !model.ValidAddress(addr) {
		return ""
	}
	cachedAddr, cachedCountry, fresh := g.cache.Get(slot)
	if fresh && cachedAddr == addr && cachedCountry != "" {
		return cachedCountry
	}

	country, err := g.fetch(ctx, addr)
	if err != nil {
		_, fallback, _ := g.cache.Get(slot)
		return fallback
	}
	if country == "" {
		return ""
	}
	g.cache.PutCountry(slot, country)
	return country
}

func (g *GeoResolver) fetch(ctx context.Context, addr string) (string, error) {
	rctx, done := g.reg.WithTimeout(ctx, g.timeout)
	defer done()

	url := fmt.Sprintf(g.urlTmpl, addr)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("geo lookup returned %s", resp.Status)
	}
	var body struct {
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode geo response: %w", err)
	}
	return strings.TrimSpace(body.Country), nil
}
