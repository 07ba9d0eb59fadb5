package pricecache

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"time"

	"go.uber.org/zap"
)

// Poller is the pull-based feed: it asks a venue for each instrument's price
// on a fixed interval and writes the result to a sink.
type Poller struct {
	Exchange domain.Exchanger
	Sink     domain.QuoteSink
	Natives  []string
	Interval time.Duration
	logger   *zap.Logger
}

func NewPoller(ex domain.Exchanger, sink domain.QuoteSink, natives []string, interval time.Duration, l *zap.Logger) *Poller {
	return &Poller{Exchange: ex, Sink: sink, Natives: natives, Interval: interval, logger: logger.OrNop(l)}
}

// Run polls immediately, then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.logger.Info("Start polling prices", zap.String("exchange", p.Exchange.GetName()), zap.Duration("interval", p.Interval))
	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stop polling prices", zap.String("exchange", p.Exchange.GetName()))
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches every instrument once. Failures are logged and leave the
// previous quote in place.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, native := range p.Natives {
		if ctx.Err() != nil {
			return
		}
		price, err := p.Exchange.GetPrice(ctx, native)
		if err != nil {
			p.logger.Warn("Failed to poll price", zap.String("exchange", p.Exchange.GetName()), zap.String("symbol", native), zap.Error(err))
			continue
		}
		p.Sink.Put(domain.Quote{
			Venue:        p.Exchange.GetVenue(),
			NativeSymbol: native,
			Price:        price,
			ObservedAt:   time.Now(),
		})
	}
}
