package okx

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var reconnectPolicy = exchange.RetryPolicy{Base: time.Second, Factor: 2}

// OKX drops connections that stay idle for 30s.
const (
	maxReconnectDelay = 30 * time.Second
	readTimeout       = 60 * time.Second
	pingInterval      = 25 * time.Second
)

// SubscribeSocket follows the public tickers channel and writes the last
// traded price of every push into sink until ctx is done.
func (ex *OkxExchange) SubscribeSocket(ctx context.Context, sink domain.QuoteSink, nativeSymbols []string) error {
	if len(nativeSymbols) == 0 {
		return nil
	}
	for failures := 0; ; failures++ {
		connected, err := ex.stream(ctx, sink, nativeSymbols)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		delay := min(exchange.Backoff(reconnectPolicy, failures), maxReconnectDelay)
		ex.feedLogger.Warn("OKX stream disconnected", zap.Error(err), zap.Duration("reconnect_in", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (ex *OkxExchange) stream(ctx context.Context, sink domain.QuoteSink, nativeSymbols []string) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ex.streamUrl, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	args := make([]subscribeArg, 0, len(nativeSymbols))
	for _, s := range nativeSymbols {
		args = append(args, subscribeArg{Channel: "tickers", InstId: s})
	}
	sub, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
	if err != nil {
		return false, fmt.Errorf("encode subscribe: %w", err)
	}
	if err := write(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	ex.feedLogger.Info("OKX stream connected", zap.Strings("inst_ids", nativeSymbols))

	// Closing the connection unblocks ReadMessage when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := write([]byte("ping")); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := handleTickerMessage(sink, msg, time.Now()); err != nil {
			ex.feedLogger.Debug("Skipping OKX stream message", zap.Error(err))
		}
	}
}

func handleTickerMessage(sink domain.QuoteSink, msg []byte, now time.Time) error {
	if string(msg) == "pong" {
		return nil
	}
	var push tickerPush
	if err := json.Unmarshal(msg, &push); err != nil {
		return err
	}
	if push.Event != "" {
		if push.Event == "error" {
			return fmt.Errorf("stream error event: %s", msg)
		}
		return nil
	}
	if push.Arg.Channel != "tickers" {
		return fmt.Errorf("unexpected channel %q", push.Arg.Channel)
	}
	for _, t := range push.Data {
		price := parseDecimal(t.Last)
		if !price.IsPositive() || t.InstId == "" {
			continue
		}
		sink.Put(domain.Quote{Venue: domain.OKX, NativeSymbol: t.InstId, Price: price, ObservedAt: now})
	}
	return nil
}
