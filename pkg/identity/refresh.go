package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"tor-switch/pkg/model"
	"tor-switch/pkg/pending"
)

// Display status classes for the UI surface.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusNone    Status = ""
)

// LoadingText is shown while a slot refresh is in flight.
const LoadingText = "Loading..."

// settleDelay gives a newly applied egress policy a moment to take effect
// before trusting lookups for the "after" slot. It elapses even when the cache
// would have been usable.
const settleDelay = 50 * time.Millisecond

// Surface is the two-slot text projection the orchestrator writes into.
// The core never reads it back.
type Surface interface {
	SetSlot(slot model.Slot, text string, status Status)
}

// Orchestrator decides, per slot, whether to serve cached identity, show a
// loading state, or run a fresh resolve-then-geolocate sequence. Background
// geolocation completions always land in the cache but touch the display only
// while it still shows the address they were looked up for.
type Orchestrator struct {
	mu        sync.Mutex
	displayed map[model.Slot]string

	cache   *Cache
	addr    *AddressResolver
	geo     *GeoResolver
	reg     *pending.Registry
	surface Surface
}

func NewOrchestrator(cache *Cache, addr *AddressResolver, geo *GeoResolver, reg *pending.Registry, surface Surface) *Orchestrator {
	o := &Orchestrator{
		displayed: make(map[model.Slot]string),
		cache:     cache,
		addr:      addr,
		geo:       geo,
		reg:       reg,
		surface:   surface,
	}
	// Chain geolocation off fresh address fetches without blocking the
	// resolver's caller.
	addr.onAddress = func(slot model.Slot, fetched string) {
		go o.applyCountry(slot, fetched)
	}
	return o
}

// Refresh updates one slot. Non-forced refreshes serve a fresh cache directly
// with zero network activity; everything else goes through loading state,
// settle delay for the proxied slot, and the resolver chain. Refreshing one
// slot never touches the other.
func (o *Orchestrator) Refresh(ctx context.Context, slot model.Slot, force bool) {
	if !force {
		addr, country, fresh := o.cache.Get(slot)
		if fresh && model.ValidAddress(addr) {
			o.project(slot, displayText(addr, country), StatusSuccess)
			return
		}
	}

	o.project(slot, LoadingText, StatusLoading)
	if slot == model.SlotAfter {
		o.settle(ctx)
	}

	res := o.addr.Resolve(ctx, slot, true)
	if !res.Succeeded {
		o.project(slot, res.Address, StatusError)
		return
	}
	o.project(slot, displayText(res.Address, res.Country), StatusSuccess)

	// A cache hit without a country still wants geolocation; fresh fetches
	// already chained it via the resolver hook.
	if res.FromCache && res.Country == "" {
		go o.applyCountry(slot, res.Address)
	}
}

// Displayed returns the current display text for a slot.
func (o *Orchestrator) Displayed(slot model.Slot) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.displayed[slot]
}

// settle waits the settle delay through the registry so shutdown cuts it short.
func (o *Orchestrator) settle(ctx context.Context) {
	wctx, done := o.reg.WithTimeout(ctx, settleDelay)
	<-wctx.Done()
	done()
}

// applyCountry runs a background geolocation and reconciles the result against
// the display. The cache write happens inside the resolver regardless; the
// display is only appended to when it still shows the same address, so a late
// completion can never overwrite a newer value.
func (o *Orchestrator) applyCountry(slot model.Slot, addr string) {
	country := o.geo.Resolve(context.Background(), slot, addr)
	if country == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if baseAddress(o.displayed[slot]) != addr {
		return
	}
	o.displayed[slot] = displayText(addr, country)
	o.surface.SetSlot(slot, o.displayed[slot], StatusSuccess)
}

func (o *Orchestrator) project(slot model.Slot, text string, status Status) {
	o.mu.Lock()
	o.displayed[slot] = text
	o.mu.Unlock()
	o.surface.SetSlot(slot, text, status)
}

func displayText(addr, country string) string {
	if country == "" {
		return addr
	}
	return addr + " (" + country + ")"
}

// baseAddress strips the trailing country annotation from a display string.
func baseAddress(text string) string {
	if i := strings.Index(text, " ("); i >= 0 {
		return text[:i]
	}
	return text
}
