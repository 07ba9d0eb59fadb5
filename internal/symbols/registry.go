// Package symbols maps canonical asset tickers to each venue's native instrument id.
package symbols

import (
	"crypto-exchange-arbitrage/internal/domain"
	"fmt"
	"slices"
)

// Registry is immutable once built; lookups are safe from any goroutine.
type Registry struct {
	native    map[string]map[domain.Venue]string
	canonical map[domain.Venue]map[string]string
	symbols   []string
	venues    []domain.Venue
}

// DefaultMapping lists the supported USDT-quoted spot markets.
func DefaultMapping() map[string]map[domain.Venue]string {
	return map[string]map[domain.Venue]string{
		"BTC": {domain.Binance: "BTCUSDT", domain.OKX: "BTC-USDT", domain.Luno: "XBTUSDT"},
		"ETH": {domain.Binance: "ETHUSDT", domain.OKX: "ETH-USDT", domain.Luno: "ETHUSDT"},
		"XRP": {domain.Binance: "XRPUSDT", domain.OKX: "XRP-USDT", domain.Luno: "XRPUSDT"},
		"SOL": {domain.Binance: "SOLUSDT", domain.OKX: "SOL-USDT", domain.Luno: "SOLUSDT"},
		"ADA": {domain.Binance: "ADAUSDT", domain.OKX: "ADA-USDT", domain.Luno: "ADAUSDT"},
	}
}

// New builds a registry for the given venues. Every symbol must have exactly one
// native id on every venue, and no native id may be shared by two symbols.
func New(mapping map[string]map[domain.Venue]string, venues []domain.Venue) (*Registry, error) {
	if len(venues) == 0 {
		return nil, fmt.Errorf("symbols: no venues configured")
	}
	r := &Registry{
		native:    make(map[string]map[domain.Venue]string, len(mapping)),
		canonical: make(map[domain.Venue]map[string]string, len(venues)),
		venues:    slices.Clone(venues),
	}
	for _, venue := range venues {
		r.canonical[venue] = make(map[string]string)
	}
	for symbol, natives := range mapping {
		r.native[symbol] = make(map[domain.Venue]string, len(venues))
		for _, venue := range venues {
			id, ok := natives[venue]
			if !ok || id == "" {
				return nil, fmt.Errorf("symbols: %s has no %s instrument", symbol, venue)
			}
			if other, dup := r.canonical[venue][id]; dup {
				return nil, fmt.Errorf("symbols: %s instrument %s mapped by %s and %s", venue, id, other, symbol)
			}
			r.native[symbol][venue] = id
			r.canonical[venue][id] = symbol
		}
		r.symbols = append(r.symbols, symbol)
	}
	slices.Sort(r.symbols)
	return r, nil
}

// Restrict keeps only the listed symbols. An empty list keeps everything.
func (r *Registry) Restrict(symbols []string) (*Registry, error) {
	if len(symbols) == 0 {
		return r, nil
	}
	mapping := make(map[string]map[domain.Venue]string, len(symbols))
	for _, s := range symbols {
		natives, ok := r.native[s]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, s)
		}
		mapping[s] = natives
	}
	return New(mapping, r.venues)
}

func (r *Registry) Native(symbol string, venue domain.Venue) (string, error) {
	natives, ok := r.native[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	id, ok := natives[venue]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownVenue, venue)
	}
	return id, nil
}

// Natives lists a venue's instrument ids in canonical symbol order.
func (r *Registry) Natives(venue domain.Venue) []string {
	out := make([]string, 0, len(r.symbols))
	for _, s := range r.symbols {
		if id, ok := r.native[s][venue]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Symbols() []string {
	return slices.Clone(r.symbols)
}

func (r *Registry) Venues() []domain.Venue {
	return slices.Clone(r.venues)
}

// HasVenue reports whether venue was configured when the registry was built.
func (r *Registry) HasVenue(venue domain.Venue) bool {
	return slices.Contains(r.venues, venue)
}
