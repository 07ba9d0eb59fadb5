// Package pricecache holds the latest trade price per (venue, instrument).
package pricecache

import (
	"crypto-exchange-arbitrage/internal/domain"
	"sync"
	"time"
)

type key struct {
	venue  domain.Venue
	native string
}

// Cache is safe for concurrent use. Each Put replaces the whole quote, so a
// reader never observes a price from one update with a timestamp from another.
type Cache struct {
	mu     sync.RWMutex
	quotes map[key]domain.Quote
	maxAge time.Duration
	now    func() time.Time
}

// New returns an empty cache. Quotes older than maxAge read as absent; zero disables the check.
func New(maxAge time.Duration) *Cache {
	return &Cache{
		quotes: make(map[key]domain.Quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Put stores q, last write wins. Non-positive prices are dropped.
func (c *Cache) Put(q domain.Quote) {
	if !q.Price.IsPositive() {
		return
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = c.now()
	}
	c.mu.Lock()
	c.quotes[key{q.Venue, q.NativeSymbol}] = q
	c.mu.Unlock()
}

// Get returns a copy of the quote, or false when the feed has not warmed up or the quote is stale.
func (c *Cache) Get(venue domain.Venue, native string) (domain.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[key{venue, native}]
	c.mu.RUnlock()
	if !ok {
		return domain.Quote{}, false
	}
	if c.maxAge > 0 && c.now().Sub(q.ObservedAt) > c.maxAge {
		return domain.Quote{}, false
	}
	return q, true
}

// Snapshot copies every fresh quote.
func (c *Cache) Snapshot() []domain.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]domain.Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		if c.maxAge > 0 && now.Sub(q.ObservedAt) > c.maxAge {
			continue
		}
		out = append(out, q)
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
