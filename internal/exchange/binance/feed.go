package binance

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var reconnectPolicy = exchange.RetryPolicy{Base: time.Second, Factor: 2}

const maxReconnectDelay = 30 * time.Second

func (ex *BinanceExchange) streamEndpoint(nativeSymbols []string) string {
	streams := make([]string, 0, len(nativeSymbols))
	for _, s := range nativeSymbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	return ex.streamUrl + "?streams=" + strings.Join(streams, "/")
}

// SubscribeSocket follows the combined trade stream and writes every trade
// price into sink. Dropped connections are retried with capped backoff until
// ctx is done.
func (ex *BinanceExchange) SubscribeSocket(ctx context.Context, sink domain.QuoteSink, nativeSymbols []string) error {
	if len(nativeSymbols) == 0 {
		return nil
	}
	endpoint := ex.streamEndpoint(nativeSymbols)
	for failures := 0; ; failures++ {
		connected, err := ex.stream(ctx, endpoint, sink)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		delay := min(exchange.Backoff(reconnectPolicy, failures), maxReconnectDelay)
		ex.feedLogger.Warn("Binance stream disconnected",
			zap.Error(err),
			zap.Duration("reconnect_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (ex *BinanceExchange) stream(ctx context.Context, endpoint string, sink domain.QuoteSink) (bool, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	ex.feedLogger.Info("Binance stream connected", zap.String("url", endpoint))
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		if err := handleTradeMessage(sink, msg, time.Now()); err != nil {
			ex.feedLogger.Debug("Skipping Binance stream message", zap.Error(err))
		}
	}
}

var errNotTrade = errors.New("not a trade event")

func handleTradeMessage(sink domain.QuoteSink, msg []byte, now time.Time) error {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	if env.Data.EventType != "trade" || env.Data.Symbol == "" {
		return errNotTrade
	}
	if !env.Data.Price.IsPositive() {
		return fmt.Errorf("non-positive price for %s", env.Data.Symbol)
	}
	sink.Put(domain.Quote{
		Venue:        domain.Binance,
		NativeSymbol: env.Data.Symbol,
		Price:        env.Data.Price,
		ObservedAt:   now,
	})
	return nil
}
