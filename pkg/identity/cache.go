package identity

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"tor-switch/pkg/model"
	"tor-switch/pkg/store"
)

// CacheDuration is the validity window for the identity record.
const CacheDuration = 30 * time.Second

// Cache holds the last known identity per slot. One timestamp covers the whole
// record: writing any slot refreshes the freshness of both. Writes persist to
// the KV store asynchronously and best-effort; the in-memory record stays
// authoritative for the process lifetime.
type Cache struct {
	mu  sync.Mutex
	rec model.IdentityRecord
	kv  store.KV
	now func() time.Time
}

// NewCache loads the persisted record if its timestamp is still fresh;
// otherwise the cache starts empty.
func NewCache(kv store.KV) *Cache {
	c := &Cache{kv: kv, now: time.Now}
	if kv == nil {
		return c
	}
	raw, ok, err := kv.Get(store.KeyIdentity)
	if err != nil || !ok {
		return c
	}
	var rec model.IdentityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return c
	}
	if c.now().Sub(rec.Timestamp) < CacheDuration {
		c.rec = rec
	}
	return c
}

// Get returns the slot's address and country plus whether the record as a
// whole is still fresh. Reads never write.
func (c *Cache) Get(slot model.Slot) (addr, country string, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh = c.now().Sub(c.rec.Timestamp) < CacheDuration
	if slot == model.SlotAfter {
		return c.rec.After, c.rec.AfterCountry, fresh
	}
	return c.rec.Before, c.rec.BeforeCountry, fresh
}

// PutAddress sets the slot's address and refreshes the shared timestamp.
func (c *Cache) PutAddress(slot model.Slot, addr string) {
	c.mu.Lock()
	if slot == model.SlotAfter {
		c.rec.After = addr
	} else {
		c.rec.Before = addr
	}
	c.rec.Timestamp = c.now()
	rec := c.rec
	c.mu.Unlock()
	c.persist(rec)
}

// PutCountry sets the slot's country without touching the address. It also
// refreshes the shared timestamp.
func (c *Cache) PutCountry(slot model.Slot, country string) {
	c.mu.Lock()
	if slot == model.SlotAfter {
		c.rec.AfterCountry = country
	} else {
		c.rec.BeforeCountry = country
	}
	c.rec.Timestamp = c.now()
	rec := c.rec
	c.mu.Unlock()
	c.persist(rec)
}

// ClearSlot blanks the slot's address and country. The shared timestamp is
// left alone, so the other slot keeps whatever freshness it had.
func (c *Cache) ClearSlot(slot model.Slot) {
	c.mu.Lock()
	if slot == model.SlotAfter {
		c.rec.After = ""
		c.rec.AfterCountry = ""
	} else {
		c.rec.Before = ""
		c.rec.BeforeCountry = ""
	}
	rec := c.rec
	c.mu.Unlock()
	c.persist(rec)
}

// Snapshot returns a copy of the current record.
func (c *Cache) Snapshot() model.IdentityRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Cache) persist(rec model.IdentityRecord) {
	if c.kv == nil {
		return
	}
	go func() {
		raw, err := json.Marshal(rec)
		if err != nil {
			return
		}
		if err := c.kv.Set(store.KeyIdentity, raw); err != nil {
			log.Printf("identity persist failed: %v", err)
		}
	}()
}
