package cache

import (
	"sync"
	"time"

	"github.com/instoredealz/claim-service/internal/models"
)

type dealEntry struct {
	deal    models.Deal
	expires time.Time
}

// DealCache keeps recently read deals for ttl. Redemption counters in a
// cached deal may be stale; callers that need them read the store.
type DealCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	store map[int64]dealEntry
}

func NewDealCache(ttl time.Duration) *DealCache {
	return &DealCache{
		ttl:   ttl,
		now:   time.Now,
		store: make(map[int64]dealEntry),
	}
}

func (c *DealCache) Get(id int64) (*models.Deal, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.store[id]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	d := e.deal
	return &d, true
}

func (c *DealCache) Set(d *models.Deal) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[d.ID] = dealEntry{deal: *d, expires: c.now().Add(c.ttl)}
	if len(c.store) > 1024 {
		c.evictExpiredLocked()
	}
}

func (c *DealCache) Invalidate(id int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, id)
}

func (c *DealCache) evictExpiredLocked() {
	now := c.now()
	for id, e := range c.store {
		if !now.Before(e.expires) {
			delete(c.store, id)
		}
	}
}
