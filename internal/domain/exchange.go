package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchanger is the capability set every venue adapter implements.
type Exchanger interface {
	GetName() string
	GetVenue() Venue
	GetPrice(ctx context.Context, nativeSymbol string) (decimal.Decimal, error)
	GetLotConstraint(ctx context.Context, nativeSymbol string) (LotConstraint, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderFill, error)
	GetBalances(ctx context.Context) ([]Balance, error)
}

// QuoteSink receives quotes from feeds. The price cache is the only implementation
// wired in production.
type QuoteSink interface {
	Put(q Quote)
}

// Streamer is implemented by venues that push prices over a socket.
// SubscribeSocket blocks until ctx is done, reconnecting as needed.
type Streamer interface {
	SubscribeSocket(ctx context.Context, sink QuoteSink, nativeSymbols []string) error
}
