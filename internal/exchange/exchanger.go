package exchange

import (
	"crypto-exchange-arbitrage/internal/domain"
	"fmt"
	"sync"
)

// Registry resolves a venue to its adapter. Adapters are added at startup;
// lookups are safe concurrently with that.
type Registry struct {
	mu      sync.RWMutex
	byVenue map[domain.Venue]domain.Exchanger
	order   []domain.Venue
}

func NewRegistry(exchanges ...domain.Exchanger) *Registry {
	r := &Registry{byVenue: make(map[domain.Venue]domain.Exchanger)}
	for _, ex := range exchanges {
		r.Add(ex)
	}
	return r
}

func (r *Registry) Add(ex domain.Exchanger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	venue := ex.GetVenue()
	if _, exists := r.byVenue[venue]; !exists {
		r.order = append(r.order, venue)
	}
	r.byVenue[venue] = ex
}

func (r *Registry) Get(venue domain.Venue) (domain.Exchanger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byVenue[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", domain.ErrUnknownVenue, venue)
	}
	return ex, nil
}

// All returns adapters in the order they were added.
func (r *Registry) All() []domain.Exchanger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Exchanger, 0, len(r.order))
	for _, venue := range r.order {
		out = append(out, r.byVenue[venue])
	}
	return out
}
