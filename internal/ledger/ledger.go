package ledger

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"sync"
)

// Store is an append-only record of trade attempts. List returns entries
// newest first.
type Store interface {
	Append(ctx context.Context, entry domain.LedgerEntry) error
	List(ctx context.Context) ([]domain.LedgerEntry, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// List returns a copy; callers cannot reach the stored entries.
func (s *MemoryStore) List(_ context.Context) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out, nil
}
