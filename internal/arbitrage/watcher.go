package arbitrage

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor is the part of the Orchestrator the watcher drives.
type Executor interface {
	ExecuteBest(ctx context.Context, symbol string) (*domain.LedgerEntry, error)
}

// ArbitrageScheduledWatcher triggers one run per symbol on every tick. A
// symbol whose previous run is still going is skipped for that tick.
type ArbitrageScheduledWatcher struct {
	Executor Executor
	Pairs    []string
	Interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewArbitrageScheduledWatcher(executor Executor, pairs []string, interval time.Duration, l *zap.Logger) *ArbitrageScheduledWatcher {
	return &ArbitrageScheduledWatcher{Executor: executor, Pairs: pairs, Interval: interval, logger: logger.OrNop(l)}
}

// Start blocks until ctx is done and all runs it started have finished.
func (watcher *ArbitrageScheduledWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(watcher.Interval)
	defer ticker.Stop()
	defer watcher.wg.Wait()

	watcher.logger.Info("Start watching",
		zap.Strings("pairs", watcher.Pairs),
		zap.Duration("interval", watcher.Interval))

	for {
		select {
		case <-ctx.Done():
			watcher.logger.Info("Stop watching")
			return
		case <-ticker.C:
			watcher.Tick(ctx)
		}
	}
}

// Tick starts a run for every pair without waiting for them.
func (watcher *ArbitrageScheduledWatcher) Tick(ctx context.Context) {
	for _, pair := range watcher.Pairs {
		watcher.wg.Add(1)
		go func(pair string) {
			defer watcher.wg.Done()
			watcher.Watch(ctx, pair)
		}(pair)
	}
}

func (watcher *ArbitrageScheduledWatcher) Watch(ctx context.Context, pair string) {
	entry, err := watcher.Executor.ExecuteBest(ctx, pair)
	switch {
	case err == nil:
		watcher.logger.Info("Arbitrage trade settled",
			zap.String("pair", pair),
			zap.String("status", entry.Status.String()),
			zap.String("profit", nullable(entry.Profit)))
	case errors.Is(err, domain.ErrNotProfitable),
		errors.Is(err, domain.ErrQuotesUnavailable),
		errors.Is(err, domain.ErrTradeInProgress),
		errors.Is(err, context.Canceled):
		watcher.logger.Debug("No trade", zap.String("pair", pair), zap.Error(err))
	case errors.Is(err, domain.ErrPartialFailure):
		watcher.logger.Error("Arbitrage trade left an open position", zap.String("pair", pair), zap.Error(err))
	default:
		watcher.logger.Warn("Arbitrage trade failed", zap.String("pair", pair), zap.Error(err))
	}
}

// Wait blocks until every run started by Tick has returned.
func (watcher *ArbitrageScheduledWatcher) Wait() {
	watcher.wg.Wait()
}
