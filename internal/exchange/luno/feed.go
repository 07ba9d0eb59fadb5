package luno

import (
	"bytes"
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var reconnectPolicy = exchange.RetryPolicy{Base: time.Second, Factor: 2}

const maxReconnectDelay = 30 * time.Second

// pairStream tracks the sequence of one pair's stream. A fresh connection
// always starts with a snapshot.
type pairStream struct {
	pair        string
	sequence    int64
	initialized bool
}

// handle returns the quote implied by the last trade in msg, if any.
func (s *pairStream) handle(msg []byte, now time.Time) (*domain.Quote, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte(`""`)) {
		return nil, nil
	}
	var m LunoStreamMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Luno stream message: %w", err)
	}
	if !s.initialized {
		s.sequence = m.Sequence
		s.initialized = true
		return nil, nil
	}
	if m.Sequence != s.sequence+1 {
		return nil, &SequenceIncorrectError{ExpectedSequence: s.sequence + 1, ActualSequence: m.Sequence}
	}
	s.sequence = m.Sequence

	var quote *domain.Quote
	for _, trade := range m.TradeUpdates {
		if !trade.Base.IsPositive() {
			continue
		}
		quote = &domain.Quote{
			Venue:        domain.Luno,
			NativeSymbol: s.pair,
			Price:        trade.Counter.DivRound(trade.Base, 8),
			ObservedAt:   now,
		}
	}
	return quote, nil
}

// SubscribeSocket opens one authenticated stream per pair and writes the
// price of every trade into sink until ctx is done.
func (lunoExchange *LunoExchange) SubscribeSocket(ctx context.Context, sink domain.QuoteSink, nativeSymbols []string) error {
	var wg sync.WaitGroup
	for _, pair := range nativeSymbols {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			lunoExchange.followPair(ctx, sink, pair)
		}(pair)
	}
	wg.Wait()
	return nil
}

func (lunoExchange *LunoExchange) followPair(ctx context.Context, sink domain.QuoteSink, pair string) {
	for failures := 0; ; failures++ {
		connected, err := lunoExchange.streamPair(ctx, sink, pair)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}
		var seqErr *SequenceIncorrectError
		if errors.As(err, &seqErr) {
			lunoExchange.feedLogger.Warn("Resubscribing to Luno stream", zap.String("pair", pair), zap.Error(err))
			continue
		}
		delay := min(exchange.Backoff(reconnectPolicy, failures), maxReconnectDelay)
		lunoExchange.feedLogger.Warn("Luno stream disconnected",
			zap.String("pair", pair),
			zap.Error(err),
			zap.Duration("reconnect_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (lunoExchange *LunoExchange) streamPair(ctx context.Context, sink domain.QuoteSink, pair string) (bool, error) {
	c, _, err := websocket.Dial(ctx, lunoExchange.websocketBaseUrl+pair, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial Luno websocket: %w", err)
	}
	defer c.CloseNow()
	c.SetReadLimit(-1) // snapshots exceed the default limit

	if err := lunoExchange.sendAuthenticationMessage(ctx, c); err != nil {
		return false, err
	}
	lunoExchange.feedLogger.Info("Luno stream connected", zap.String("pair", pair))

	state := &pairStream{pair: pair}
	for {
		messageType, message, err := c.Read(ctx)
		if err != nil {
			return true, err
		}
		if messageType != websocket.MessageText {
			continue
		}
		quote, err := state.handle(message, time.Now())
		if err != nil {
			var seqErr *SequenceIncorrectError
			if errors.As(err, &seqErr) {
				c.Close(websocket.StatusNormalClosure, "")
				return true, err
			}
			lunoExchange.feedLogger.Debug("Skipping Luno stream message", zap.String("pair", pair), zap.Error(err))
			continue
		}
		if quote != nil {
			sink.Put(*quote)
		}
	}
}

func (lunoExchange *LunoExchange) sendAuthenticationMessage(ctx context.Context, c *websocket.Conn) error {
	return lunoExchange.apiKeySecret.Use(func(secret []byte) error {
		authMessageBytes, err := json.Marshal(LunoWebsocketAuthenticationRequest{
			ApiKeyId:     lunoExchange.apiKeyId,
			ApiKeySecret: string(secret),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal authentication message: %w", err)
		}
		if err := c.Write(ctx, websocket.MessageText, authMessageBytes); err != nil {
			return fmt.Errorf("failed to send authentication message to Luno websocket: %w", err)
		}
		return nil
	})
}
