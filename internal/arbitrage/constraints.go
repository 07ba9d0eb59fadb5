package arbitrage

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"sync"
)

type constraintKey struct {
	venue  domain.Venue
	native string
}

// ConstraintCache remembers lot constraints for the process lifetime. Failed
// lookups are not cached, so the next run asks the venue again.
type ConstraintCache struct {
	mu      sync.RWMutex
	entries map[constraintKey]domain.LotConstraint
}

func NewConstraintCache() *ConstraintCache {
	return &ConstraintCache{entries: make(map[constraintKey]domain.LotConstraint)}
}

func (c *ConstraintCache) Get(ctx context.Context, ex domain.Exchanger, native string) (domain.LotConstraint, error) {
	k := constraintKey{venue: ex.GetVenue(), native: native}
	c.mu.RLock()
	lc, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return lc, nil
	}

	lc, err := ex.GetLotConstraint(ctx, native)
	if err != nil {
		return domain.LotConstraint{}, err
	}
	c.mu.Lock()
	c.entries[k] = lc
	c.mu.Unlock()
	return lc, nil
}
