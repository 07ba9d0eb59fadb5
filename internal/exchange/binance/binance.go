package binance

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const BinanceApiBaseUrl = "https://testnet.binance.vision"
const BinanceStreamBaseUrl = "wss://testnet.binance.vision/stream"

// codeNoSuchOrder is returned by the order query endpoint for an unknown order.
const codeNoSuchOrder = "-2013"

type BinanceExchange struct {
	apiBaseUrl string
	streamUrl  string
	apiKey     string
	secret     *exchange.Secret
	transport  *exchange.Transport
	logger     *zap.Logger
	feedLogger *zap.Logger
}

type Options struct {
	ApiBaseUrl string
	StreamUrl  string
	ApiKey     string
	ApiSecret  string
	Transport  exchange.TransportConfig
	Logger     *zap.Logger
	FeedLogger *zap.Logger
}

func CreateClient(opts Options) *BinanceExchange {
	if opts.ApiBaseUrl == "" {
		opts.ApiBaseUrl = BinanceApiBaseUrl
	}
	if opts.StreamUrl == "" {
		opts.StreamUrl = BinanceStreamBaseUrl
	}
	l := logger.OrNop(opts.Logger)
	return &BinanceExchange{
		apiBaseUrl: opts.ApiBaseUrl,
		streamUrl:  opts.StreamUrl,
		apiKey:     opts.ApiKey,
		secret:     exchange.NewSecret(opts.ApiSecret),
		transport:  exchange.NewTransport(domain.Binance, opts.Transport, l),
		logger:     l,
		feedLogger: logger.OrNop(opts.FeedLogger),
	}
}

func (ex *BinanceExchange) GetName() string {
	return domain.Binance.String()
}

func (ex *BinanceExchange) GetVenue() domain.Venue {
	return domain.Binance
}

// serverTime is fetched right before every signature; Binance rejects
// timestamps outside its recvWindow, and the local clock may drift.
func (ex *BinanceExchange) serverTime(ctx context.Context) (int64, error) {
	resp, err := ex.transport.Once(ctx, "time", ex.publicRequest(http.MethodGet, "/api/v3/time", nil))
	if err != nil {
		return 0, err
	}
	var out serverTimeResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(resp.Body, &out) != nil || out.ServerTime == 0 {
		return 0, &domain.TransportError{Venue: domain.Binance, Op: "time", Err: fmt.Errorf("unexpected server time response: status %d", resp.StatusCode)}
	}
	return out.ServerTime, nil
}

func (ex *BinanceExchange) publicRequest(method, path string, params []param) exchange.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		target := ex.apiBaseUrl + path
		if len(params) > 0 {
			target += "?" + encodeParams(params)
		}
		return http.NewRequestWithContext(ctx, method, target, nil)
	}
}

// signedRequest appends the server timestamp and signature to params on every attempt.
func (ex *BinanceExchange) signedRequest(method, path string, params []param) exchange.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		ts, err := ex.serverTime(ctx)
		if err != nil {
			return nil, err
		}
		withTs := append(append([]param(nil), params...), param{"timestamp", strconv.FormatInt(ts, 10)})
		query, err := signedQuery(ex.secret, encodeParams(withTs))
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, ex.apiBaseUrl+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", ex.apiKey)
		return req, nil
	}
}

func (ex *BinanceExchange) GetPrice(ctx context.Context, nativeSymbol string) (decimal.Decimal, error) {
	resp, err := ex.transport.Do(ctx, "ticker", ex.publicRequest(http.MethodGet, "/api/v3/ticker/price", []param{{"symbol", nativeSymbol}}))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", domain.ErrQuoteUnavailable, nativeSymbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s: %s", domain.ErrQuoteUnavailable, nativeSymbol, parseError(resp).Error())
	}
	var out tickerPriceResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: malformed ticker response", domain.ErrQuoteUnavailable, nativeSymbol)
	}
	return out.Price, nil
}

func (ex *BinanceExchange) GetLotConstraint(ctx context.Context, nativeSymbol string) (domain.LotConstraint, error) {
	resp, err := ex.transport.Do(ctx, "exchangeInfo", ex.publicRequest(http.MethodGet, "/api/v3/exchangeInfo", []param{{"symbol", nativeSymbol}}))
	if err != nil {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %w", domain.ErrConstraintUnavailable, nativeSymbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %s", domain.ErrConstraintUnavailable, nativeSymbol, parseError(resp).Error())
	}
	var out exchangeInfoResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %w", domain.ErrConstraintUnavailable, nativeSymbol, err)
	}
	for _, s := range out.Symbols {
		if s.Symbol != nativeSymbol {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" && f.StepSize.IsPositive() {
				return domain.NewLotConstraint(f.StepSize, f.MinQty), nil
			}
		}
	}
	return domain.LotConstraint{}, fmt.Errorf("%w: %s: no LOT_SIZE filter", domain.ErrConstraintUnavailable, nativeSymbol)
}

// PlaceMarketOrder submits the order and retries transport failures. A failed
// submission may still have executed, so every retry first queries the order
// by client id and adopts it when it exists. Without a client id there is
// nothing to query and the order is sent once.
func (ex *BinanceExchange) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	params := []param{
		{"symbol", req.NativeSymbol},
		{"side", req.Side.String()},
		{"type", "MARKET"},
		{"quantity", req.Quantity},
	}
	if req.ClientOrderID != "" {
		params = append(params, param{"newClientOrderId", req.ClientOrderID})
	}
	params = append(params, param{"newOrderRespType", "FULL"})

	ex.logger.Info("Placing Binance market order",
		zap.String("symbol", req.NativeSymbol),
		zap.String("side", req.Side.String()),
		zap.String("quantity", req.Quantity),
		zap.String("client_order_id", req.ClientOrderID))

	policy := ex.transport.RetryPolicy()
	if req.ClientOrderID == "" {
		policy.Attempts = 0
	}

	var fill domain.OrderFill
	submitted := false
	err := exchange.Retry(ctx, policy, func() error {
		if submitted {
			out, found, err := ex.queryOrder(ctx, req.NativeSymbol, req.ClientOrderID)
			if err != nil {
				return err
			}
			if found {
				ex.logger.Warn("Adopting Binance order placed by a failed attempt",
					zap.String("client_order_id", req.ClientOrderID),
					zap.Int64("order_id", out.OrderId),
					zap.String("status", out.Status))
				fill, err = fillFromOrder(out)
				return err
			}
		}
		submitted = true
		resp, err := ex.transport.Once(ctx, "order", ex.signedRequest(http.MethodPost, "/api/v3/order", params))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return parseError(resp)
		}
		var out orderResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			// The venue accepted the order; only the body is unreadable.
			return &domain.TransportError{Venue: domain.Binance, Op: "order", Err: fmt.Errorf("decode order response: %w", err)}
		}
		fill, err = fillFromOrder(out)
		return err
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	return fill, nil
}

// queryOrder looks an order up by client id. found is false when Binance
// reports the order does not exist.
func (ex *BinanceExchange) queryOrder(ctx context.Context, nativeSymbol, clientOrderID string) (orderResponse, bool, error) {
	params := []param{{"symbol", nativeSymbol}, {"origClientOrderId", clientOrderID}}
	resp, err := ex.transport.Once(ctx, "query_order", ex.signedRequest(http.MethodGet, "/api/v3/order", params))
	if err != nil {
		return orderResponse{}, false, err
	}
	if resp.StatusCode != http.StatusOK {
		rejected := parseError(resp)
		if rejected.Code == codeNoSuchOrder {
			return orderResponse{}, false, nil
		}
		return orderResponse{}, false, rejected
	}
	var out orderResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return orderResponse{}, false, &domain.TransportError{Venue: domain.Binance, Op: "query_order", Err: fmt.Errorf("decode order: %w", err)}
	}
	return out, true, nil
}

func fillFromOrder(out orderResponse) (domain.OrderFill, error) {
	if !out.ExecutedQty.IsPositive() {
		return domain.OrderFill{}, &domain.OrderRejectedError{Venue: domain.Binance, Code: out.Status, Message: "market order not filled"}
	}
	return domain.OrderFill{
		OrderID:     strconv.FormatInt(out.OrderId, 10),
		FilledPrice: averageFillPrice(out),
		FilledQty:   out.ExecutedQty,
	}, nil
}

func averageFillPrice(out orderResponse) decimal.Decimal {
	if out.CummulativeQuoteQty.IsPositive() {
		return out.CummulativeQuoteQty.DivRound(out.ExecutedQty, 8)
	}
	notional, qty := decimal.Zero, decimal.Zero
	for _, f := range out.Fills {
		notional = notional.Add(f.Price.Mul(f.Qty))
		qty = qty.Add(f.Qty)
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return notional.DivRound(qty, 8)
}

func (ex *BinanceExchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	resp, err := ex.transport.Do(ctx, "account", ex.signedRequest(http.MethodGet, "/api/v3/account", nil))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	var out accountResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w", err)
	}
	balances := make([]domain.Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		balances = append(balances, domain.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return balances, nil
}

func parseError(resp *exchange.Response) *domain.OrderRejectedError {
	var e binanceError
	if err := json.Unmarshal(resp.Body, &e); err != nil || e.Msg == "" {
		return &domain.OrderRejectedError{Venue: domain.Binance, Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return &domain.OrderRejectedError{Venue: domain.Binance, Code: strconv.Itoa(e.Code), Message: e.Msg}
}
