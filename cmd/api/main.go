package main

import (
	"context"
	"crypto-exchange-arbitrage/internal/arbitrage"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/exchange/binance"
	"crypto-exchange-arbitrage/internal/exchange/luno"
	"crypto-exchange-arbitrage/internal/exchange/okx"
	"crypto-exchange-arbitrage/internal/ledger"
	"crypto-exchange-arbitrage/internal/platform/config"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"crypto-exchange-arbitrage/internal/pricecache"
	"crypto-exchange-arbitrage/internal/server"
	"crypto-exchange-arbitrage/internal/symbols"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/joho/godotenv/autoload"
)

var Logger = logger.Get()

func gracefulShutdown(ctx context.Context, fiberServer *server.FiberServer, done chan bool) {
	// Listen for the interrupt signal.
	<-ctx.Done()

	Logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The server has 5 seconds to finish the requests it is currently handling
	if err := fiberServer.ShutdownWithTimeout(5 * time.Second); err != nil {
		Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func transportConfig(cfg *config.Config, venue domain.Venue) exchange.TransportConfig {
	ex := cfg.Exchange[venue]
	return exchange.TransportConfig{
		Timeout: cfg.HTTP.Timeout,
		Calls:   ex.RateLimit.Calls,
		Per:     ex.RateLimit.Per,
		Retry: exchange.RetryPolicy{
			Attempts: cfg.HTTP.RetryAttempts,
			Base:     cfg.HTTP.RetryBase,
			Factor:   cfg.HTTP.RetryFactor,
		},
	}
}

func createExchange(cfg *config.Config, venue domain.Venue) domain.Exchanger {
	ex := cfg.Exchange[venue]
	Logger.Info("Creating exchange client",
		zap.String("exchange", venue.String()),
		zap.String("base_url", ex.BaseUrl),
		logger.Secret("api_key", ex.ApiKey))
	switch venue {
	case domain.Binance:
		return binance.CreateClient(binance.Options{
			ApiBaseUrl: ex.BaseUrl,
			StreamUrl:  ex.StreamUrl,
			ApiKey:     ex.ApiKey,
			ApiSecret:  ex.ApiSecret,
			Transport:  transportConfig(cfg, venue),
			Logger:     Logger,
			FeedLogger: logger.GetFeedLogger(),
		})
	case domain.OKX:
		return okx.CreateClient(okx.Options{
			ApiBaseUrl: ex.BaseUrl,
			StreamUrl:  ex.StreamUrl,
			ApiKey:     ex.ApiKey,
			ApiSecret:  ex.ApiSecret,
			Passphrase: ex.Passphrase,
			Simulated:  ex.Simulated,
			Transport:  transportConfig(cfg, venue),
			Logger:     Logger,
			FeedLogger: logger.GetFeedLogger(),
		})
	default:
		return luno.CreateClient(luno.Options{
			ApiBaseUrl:       ex.BaseUrl,
			WebsocketBaseUrl: ex.StreamUrl,
			ApiKeyId:         ex.ApiKey,
			ApiKeySecret:     ex.ApiSecret,
			Transport:        transportConfig(cfg, venue),
			Logger:           Logger,
			FeedLogger:       logger.GetFeedLogger(),
		})
	}
}

// startFeeds keeps the price cache warm: a socket per streaming venue, or a
// poller when polling is configured or the venue cannot stream.
func startFeeds(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, reg *symbols.Registry, exchanges *exchange.Registry, cache *pricecache.Cache) {
	for _, ex := range exchanges.All() {
		natives := reg.Natives(ex.GetVenue())
		streamer, canStream := ex.(domain.Streamer)
		wg.Add(1)
		if cfg.Feed.Mode == domain.Stream && canStream {
			go func(ex domain.Exchanger) {
				defer wg.Done()
				if err := streamer.SubscribeSocket(ctx, cache, natives); err != nil && ctx.Err() == nil {
					Logger.Error("Price feed stopped", zap.String("exchange", ex.GetName()), zap.Error(err))
				}
			}(ex)
			continue
		}
		poller := pricecache.NewPoller(ex, cache, natives, cfg.Feed.PollInterval, Logger)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}
}

func openLedger(ctx context.Context, dsn string) (ledger.Store, func(), error) {
	if dsn == "" {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	store, err := ledger.OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			Logger.Error("Failed to close ledger", zap.Error(err))
		}
	}, nil
}

func createAlerter(webhookUrl string) (arbitrage.Alerter, func()) {
	if webhookUrl == "" {
		return arbitrage.LogAlerter{Logger: Logger}, func() {}
	}
	alerter, err := arbitrage.NewDiscordAlerter(webhookUrl, Logger)
	if err != nil {
		Logger.Warn("Discord alerts disabled", zap.Error(err))
		return arbitrage.LogAlerter{Logger: Logger}, func() {}
	}
	return alerter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		alerter.Close(ctx)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	venues := cfg.EnabledVenues()
	reg, err := symbols.New(symbols.DefaultMapping(), venues)
	if err != nil {
		return err
	}
	if reg, err = reg.Restrict(cfg.Arbitrage.Symbols); err != nil {
		return err
	}

	exchanges := exchange.NewRegistry()
	fees := make(map[domain.Venue]decimal.Decimal, len(venues))
	for _, venue := range venues {
		exchanges.Add(createExchange(cfg, venue))
		fees[venue] = cfg.Exchange[venue].TakerFee
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := pricecache.New(cfg.Arbitrage.MaxQuoteAge)
	var workers sync.WaitGroup
	startFeeds(ctx, &workers, cfg, reg, exchanges, cache)

	store, closeLedger, err := openLedger(ctx, cfg.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeLedger()

	alerter, closeAlerter := createAlerter(cfg.Discord.WebhookUrl)
	defer closeAlerter()

	orchestrator := arbitrage.NewOrchestrator(arbitrage.OrchestratorOptions{
		Symbols:     reg,
		Exchanges:   exchanges,
		Quotes:      cache,
		Ledger:      store,
		Alerter:     alerter,
		Sizing:      arbitrage.Sizing{NotionalFloor: cfg.Arbitrage.NotionalFloor, MinQuantity: cfg.Arbitrage.MinQuantity},
		FeeRates:    fees,
		Logger:      Logger,
		TradeLogger: logger.GetTradeLogger(),
	})
	defer orchestrator.WaitAlerts()

	if cfg.Arbitrage.AutoExecute {
		watcher := arbitrage.NewArbitrageScheduledWatcher(orchestrator, reg.Symbols(), cfg.Arbitrage.Interval, Logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			watcher.Start(ctx)
		}()
	}

	fiberServer := server.New(server.Options{
		Symbols:   reg,
		Exchanges: exchanges,
		Quotes:    cache,
		Executor:  orchestrator,
		Ledger:    orchestrator.Ledger(),
		Logger:    Logger,
	})
	fiberServer.RegisterFiberRoutes()

	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- fiberServer.Listen(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(ctx, fiberServer, done)

	Logger.Info("Arbitrage service started",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("symbols", reg.Symbols()),
		zap.Bool("auto_execute", cfg.Arbitrage.AutoExecute),
		zap.String("feed_mode", cfg.Feed.Mode.String()))

	select {
	case err := <-listenErr:
		stop()
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	case <-done:
	}

	// In-flight runs finish their legs even after the signal.
	workers.Wait()
	Logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	err := run()
	memguard.Purge()
	if err != nil {
		Logger.Error("Exiting", zap.Error(err))
	}
	_ = Logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
