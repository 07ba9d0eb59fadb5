package luno

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/luno/luno-go"
	lunodecimal "github.com/luno/luno-go/decimal"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const LunoApiBaseUrl = "https://api.luno.com"
const lunoWebsocketBaseUrl = "wss://ws.luno.com/api/1/stream/"

type LunoExchange struct {
	lunoClient       *luno.Client
	websocketBaseUrl string
	apiKeyId         string
	apiKeySecret     *exchange.Secret
	limiter          limiter
	retry            exchange.RetryPolicy
	fillPolls        int
	fillPollDelay    time.Duration
	logger           *zap.Logger
	feedLogger       *zap.Logger
}

type limiter interface {
	Wait(ctx context.Context) error
}

type Options struct {
	ApiBaseUrl       string
	WebsocketBaseUrl string
	ApiKeyId         string
	ApiKeySecret     string
	Transport        exchange.TransportConfig
	Logger           *zap.Logger
	FeedLogger       *zap.Logger
}

func CreateClient(opts Options) *LunoExchange {
	l := logger.OrNop(opts.Logger)
	lunoClient := luno.NewClient()
	if opts.ApiKeyId != "" {
		if err := lunoClient.SetAuth(opts.ApiKeyId, opts.ApiKeySecret); err != nil {
			l.Error("Failed to set Luno credentials", zap.Error(err))
		}
	}
	if opts.ApiBaseUrl != "" {
		lunoClient.SetBaseURL(opts.ApiBaseUrl)
	}
	if opts.Transport.Timeout > 0 {
		lunoClient.SetTimeout(opts.Transport.Timeout)
	}
	wsUrl := opts.WebsocketBaseUrl
	if wsUrl == "" {
		wsUrl = lunoWebsocketBaseUrl
	}

	l.Info("Luno client created", zap.String("api_key_id", logger.Redact(opts.ApiKeyId)))

	return &LunoExchange{
		lunoClient:       lunoClient,
		websocketBaseUrl: wsUrl,
		apiKeyId:         opts.ApiKeyId,
		apiKeySecret:     exchange.NewSecret(opts.ApiKeySecret),
		limiter:          exchange.NewLimiter(opts.Transport.Calls, opts.Transport.Per),
		retry:            opts.Transport.Retry,
		fillPolls:        5,
		fillPollDelay:    200 * time.Millisecond,
		logger:           l,
		feedLogger:       logger.OrNop(opts.FeedLogger),
	}
}

func (lunoExchange *LunoExchange) GetName() string {
	return domain.Luno.String()
}

func (lunoExchange *LunoExchange) GetVenue() domain.Venue {
	return domain.Luno
}

// call runs fn under the venue budget, retrying SDK transport failures.
func (lunoExchange *LunoExchange) call(ctx context.Context, op string, retry bool, fn func(ctx context.Context) error) error {
	policy := lunoExchange.retry
	if !retry {
		policy.Attempts = 0
	}
	return exchange.Retry(ctx, policy, func() error {
		if err := lunoExchange.limiter.Wait(ctx); err != nil {
			return &domain.TransportError{Venue: domain.Luno, Op: op, Err: err}
		}
		return classify(op, fn(ctx))
	})
}

// classify maps SDK errors onto the venue error taxonomy. Anything that is not
// a network failure came back from the venue and is treated as a rejection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransportError{Venue: domain.Luno, Op: op, Err: err}
	}
	return &domain.OrderRejectedError{Venue: domain.Luno, Code: op, Message: err.Error()}
}

func toDecimal(d lunodecimal.Decimal) decimal.Decimal {
	out, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero
	}
	return out
}

func (lunoExchange *LunoExchange) GetPrice(ctx context.Context, nativeSymbol string) (decimal.Decimal, error) {
	var res *luno.GetTickerResponse
	err := lunoExchange.call(ctx, "ticker", true, func(ctx context.Context) error {
		var err error
		res, err = lunoExchange.lunoClient.GetTicker(ctx, &luno.GetTickerRequest{Pair: nativeSymbol})
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", domain.ErrQuoteUnavailable, nativeSymbol, err)
	}
	price := toDecimal(res.LastTrade)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: no last trade", domain.ErrQuoteUnavailable, nativeSymbol)
	}
	return price, nil
}

func (lunoExchange *LunoExchange) GetLotConstraint(ctx context.Context, nativeSymbol string) (domain.LotConstraint, error) {
	var res *luno.MarketsResponse
	err := lunoExchange.call(ctx, "markets", true, func(ctx context.Context) error {
		var err error
		res, err = lunoExchange.lunoClient.Markets(ctx, &luno.MarketsRequest{Pair: []string{nativeSymbol}})
		return err
	})
	if err != nil {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %w", domain.ErrConstraintUnavailable, nativeSymbol, err)
	}
	for _, m := range res.Markets {
		if m.MarketId != nativeSymbol {
			continue
		}
		// Luno publishes a volume scale rather than a step: scale 4 means 0.0001.
		step := decimal.New(1, -int32(m.VolumeScale))
		return domain.LotConstraint{StepSize: step, Precision: int32(m.VolumeScale), MinQty: toDecimal(m.MinVolume)}, nil
	}
	return domain.LotConstraint{}, fmt.Errorf("%w: %s: market not listed", domain.ErrConstraintUnavailable, nativeSymbol)
}

// PlaceMarketOrder submits once. The SDK request carries no idempotency key,
// so an ambiguous failure is surfaced instead of risking a duplicate fill.
func (lunoExchange *LunoExchange) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	volume, err := lunodecimal.NewFromString(req.Quantity)
	if err != nil {
		return domain.OrderFill{}, &domain.OrderRejectedError{Venue: domain.Luno, Code: "quantity", Message: err.Error()}
	}
	orderType := luno.OrderTypeBuy
	if req.Side == domain.Sell {
		orderType = luno.OrderTypeSell
	}

	lunoExchange.logger.Info("Placing Luno market order",
		zap.String("pair", req.NativeSymbol),
		zap.String("side", req.Side.String()),
		zap.String("quantity", req.Quantity))

	var posted *luno.PostMarketOrderResponse
	err = lunoExchange.call(ctx, "marketorder", false, func(ctx context.Context) error {
		var err error
		posted, err = lunoExchange.lunoClient.PostMarketOrder(ctx, &luno.PostMarketOrderRequest{
			Pair:       req.NativeSymbol,
			Type:       orderType,
			BaseVolume: volume,
		})
		return err
	})
	if err != nil {
		return domain.OrderFill{}, err
	}

	fill := domain.OrderFill{OrderID: posted.OrderId}
	for i := 0; i < lunoExchange.fillPolls; i++ {
		var order *luno.GetOrderResponse
		err := lunoExchange.call(ctx, "order", true, func(ctx context.Context) error {
			var err error
			order, err = lunoExchange.lunoClient.GetOrder(ctx, &luno.GetOrderRequest{Id: posted.OrderId})
			return err
		})
		if err == nil {
			base, counter := toDecimal(order.Base), toDecimal(order.Counter)
			if base.IsPositive() {
				fill.FilledQty = base
				fill.FilledPrice = counter.DivRound(base, 8)
				return fill, nil
			}
		} else {
			lunoExchange.logger.Warn("Failed to query Luno order", zap.String("order_id", posted.OrderId), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fill, nil
		case <-time.After(lunoExchange.fillPollDelay):
		}
	}
	return fill, nil
}

func (lunoExchange *LunoExchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var res *luno.GetBalancesResponse
	err := lunoExchange.call(ctx, "balance", true, func(ctx context.Context) error {
		var err error
		res, err = lunoExchange.lunoClient.GetBalances(ctx, &luno.GetBalancesRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	balances := make([]domain.Balance, 0, len(res.Balance))
	for _, b := range res.Balance {
		free, locked := toDecimal(b.Balance), toDecimal(b.Reserved)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Asset: b.Asset, Free: free.Sub(locked), Locked: locked})
	}
	return balances, nil
}
