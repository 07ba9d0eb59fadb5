package server

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/ledger"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"crypto-exchange-arbitrage/internal/symbols"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// TradeExecutor runs one manual arbitrage cycle.
type TradeExecutor interface {
	Execute(ctx context.Context, symbol string, buyVenue, sellVenue domain.Venue) (*domain.LedgerEntry, error)
}

// QuoteReader is the read side of the price cache.
type QuoteReader interface {
	Get(venue domain.Venue, native string) (domain.Quote, bool)
	Len() int
}

type Options struct {
	Symbols      *symbols.Registry
	Exchanges    *exchange.Registry
	Quotes       QuoteReader
	Executor     TradeExecutor
	Ledger       ledger.Store
	PushInterval time.Duration
	Logger       *zap.Logger
}

type FiberServer struct {
	*fiber.App

	symbols      *symbols.Registry
	exchanges    *exchange.Registry
	quotes       QuoteReader
	executor     TradeExecutor
	ledger       ledger.Store
	pushInterval time.Duration
	logger       *zap.Logger
	started      time.Time
}

func New(opts Options) *FiberServer {
	if opts.PushInterval <= 0 {
		opts.PushInterval = time.Second
	}
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader: "crypto-exchange-arbitrage",
			AppName:      "crypto-exchange-arbitrage",
		}),

		symbols:      opts.Symbols,
		exchanges:    opts.Exchanges,
		quotes:       opts.Quotes,
		executor:     opts.Executor,
		ledger:       opts.Ledger,
		pushInterval: opts.PushInterval,
		logger:       logger.OrNop(opts.Logger),
		started:      time.Now(),
	}

	return server
}
