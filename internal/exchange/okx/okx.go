package okx

import (
	"bytes"
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const OkxApiBaseUrl = "https://www.okx.com"
const OkxStreamBaseUrl = "wss://ws.okx.com:8443/ws/v5/public"

// codeNoSuchOrder is returned by order queries for an unknown order.
const codeNoSuchOrder = "51603"

type OkxExchange struct {
	apiBaseUrl    string
	streamUrl     string
	apiKey        string
	passphrase    string
	simulated     bool
	secret        *exchange.Secret
	transport     *exchange.Transport
	fillPolls     int
	fillPollDelay time.Duration
	logger        *zap.Logger
	feedLogger    *zap.Logger
}

// Options configures a client. Simulated sends x-simulated-trading: 1, which
// routes orders to the OKX demo account.
type Options struct {
	ApiBaseUrl string
	StreamUrl  string
	ApiKey     string
	ApiSecret  string
	Passphrase string
	Simulated  bool
	Transport  exchange.TransportConfig
	Logger     *zap.Logger
	FeedLogger *zap.Logger
}

func CreateClient(opts Options) *OkxExchange {
	if opts.ApiBaseUrl == "" {
		opts.ApiBaseUrl = OkxApiBaseUrl
	}
	if opts.StreamUrl == "" {
		opts.StreamUrl = OkxStreamBaseUrl
	}
	l := logger.OrNop(opts.Logger)
	return &OkxExchange{
		apiBaseUrl:    opts.ApiBaseUrl,
		streamUrl:     opts.StreamUrl,
		apiKey:        opts.ApiKey,
		passphrase:    opts.Passphrase,
		simulated:     opts.Simulated,
		secret:        exchange.NewSecret(opts.ApiSecret),
		transport:     exchange.NewTransport(domain.OKX, opts.Transport, l),
		fillPolls:     5,
		fillPollDelay: 200 * time.Millisecond,
		logger:        l,
		feedLogger:    logger.OrNop(opts.FeedLogger),
	}
}

func (ex *OkxExchange) GetName() string {
	return domain.OKX.String()
}

func (ex *OkxExchange) GetVenue() domain.Venue {
	return domain.OKX
}

func (ex *OkxExchange) serverTime(ctx context.Context) (time.Time, error) {
	resp, err := ex.transport.Once(ctx, "time", ex.publicRequest("/api/v5/public/time", nil))
	if err != nil {
		return time.Time{}, err
	}
	var out envelope[serverTime]
	if resp.StatusCode != http.StatusOK || json.Unmarshal(resp.Body, &out) != nil || out.Code != "0" || len(out.Data) == 0 {
		return time.Time{}, &domain.TransportError{Venue: domain.OKX, Op: "time", Err: fmt.Errorf("unexpected server time response: status %d", resp.StatusCode)}
	}
	ms, err := strconv.ParseInt(out.Data[0].Ts, 10, 64)
	if err != nil {
		return time.Time{}, &domain.TransportError{Venue: domain.OKX, Op: "time", Err: err}
	}
	return time.UnixMilli(ms), nil
}

func (ex *OkxExchange) publicRequest(path string, query url.Values) exchange.RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		target := ex.apiBaseUrl + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}
}

// signedRequest derives timestamp and signature again on every attempt.
func (ex *OkxExchange) signedRequest(method, path string, query url.Values, body []byte) exchange.RequestBuilder {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	return func(ctx context.Context) (*http.Request, error) {
		now, err := ex.serverTime(ctx)
		if err != nil {
			return nil, err
		}
		timestamp := formatTimestamp(now)
		signature, err := Sign(ex.secret, timestamp, method, requestPath, string(body))
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, ex.apiBaseUrl+requestPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("OK-ACCESS-KEY", ex.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", signature)
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", ex.passphrase)
		req.Header.Set("Content-Type", "application/json")
		if ex.simulated {
			req.Header.Set("x-simulated-trading", "1")
		}
		return req, nil
	}
}

func decode[T any](resp *exchange.Response) ([]T, error) {
	var out envelope[T]
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &domain.OrderRejectedError{Venue: domain.OKX, Code: strconv.Itoa(resp.StatusCode), Message: "malformed response"}
	}
	if out.Code != "0" || resp.StatusCode != http.StatusOK {
		return out.Data, &domain.OrderRejectedError{Venue: domain.OKX, Code: out.Code, Message: out.Msg}
	}
	return out.Data, nil
}

func (ex *OkxExchange) GetPrice(ctx context.Context, nativeSymbol string) (decimal.Decimal, error) {
	resp, err := ex.transport.Do(ctx, "ticker", ex.publicRequest("/api/v5/market/ticker", url.Values{"instId": {nativeSymbol}}))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", domain.ErrQuoteUnavailable, nativeSymbol, err)
	}
	data, err := decode[ticker](resp)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", domain.ErrQuoteUnavailable, nativeSymbol, err)
	}
	if len(data) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s: empty ticker", domain.ErrQuoteUnavailable, nativeSymbol)
	}
	price := parseDecimal(data[0].Last)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: malformed last price %q", domain.ErrQuoteUnavailable, nativeSymbol, data[0].Last)
	}
	return price, nil
}

func (ex *OkxExchange) GetLotConstraint(ctx context.Context, nativeSymbol string) (domain.LotConstraint, error) {
	query := url.Values{"instType": {"SPOT"}, "instId": {nativeSymbol}}
	resp, err := ex.transport.Do(ctx, "instruments", ex.publicRequest("/api/v5/public/instruments", query))
	if err != nil {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %w", domain.ErrConstraintUnavailable, nativeSymbol, err)
	}
	data, err := decode[instrument](resp)
	if err != nil {
		return domain.LotConstraint{}, fmt.Errorf("%w: %s: %w", domain.ErrConstraintUnavailable, nativeSymbol, err)
	}
	for _, inst := range data {
		if inst.InstId != nativeSymbol {
			continue
		}
		step := parseDecimal(inst.LotSz)
		if !step.IsPositive() {
			break
		}
		return domain.NewLotConstraint(step, parseDecimal(inst.MinSz)), nil
	}
	return domain.LotConstraint{}, fmt.Errorf("%w: %s: instrument not listed", domain.ErrConstraintUnavailable, nativeSymbol)
}

// PlaceMarketOrder submits the order and retries transport failures. A failed
// submission may still have executed, so every retry first looks the order up
// by clOrdId and adopts it when OKX knows it. Without a client id the order is
// sent once.
func (ex *OkxExchange) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	body, err := json.Marshal(placeOrderRequest{
		InstId:  req.NativeSymbol,
		TdMode:  "cash",
		ClOrdId: req.ClientOrderID,
		Side:    strings.ToLower(req.Side.String()),
		OrdType: "market",
		Sz:      req.Quantity,
		TgtCcy:  "base_ccy",
	})
	if err != nil {
		return domain.OrderFill{}, err
	}

	ex.logger.Info("Placing OKX market order",
		zap.String("inst_id", req.NativeSymbol),
		zap.String("side", req.Side.String()),
		zap.String("quantity", req.Quantity),
		zap.String("client_order_id", req.ClientOrderID))

	policy := ex.transport.RetryPolicy()
	if req.ClientOrderID == "" {
		policy.Attempts = 0
	}

	var fill domain.OrderFill
	submitted := false
	err = exchange.Retry(ctx, policy, func() error {
		if submitted {
			detail, err := ex.lookupOrder(ctx, req.NativeSymbol, req.ClientOrderID)
			if err != nil {
				return err
			}
			if detail != nil {
				ex.logger.Warn("Adopting OKX order placed by a failed attempt",
					zap.String("client_order_id", req.ClientOrderID),
					zap.String("ord_id", detail.OrdId),
					zap.String("state", detail.State))
				fill = domain.OrderFill{OrderID: detail.OrdId, FilledPrice: parseDecimal(detail.AvgPx), FilledQty: parseDecimal(detail.AccFillSz)}
				if detail.State == "canceled" && !fill.FilledQty.IsPositive() {
					return &domain.OrderRejectedError{Venue: domain.OKX, Code: detail.State, Message: "market order canceled unfilled"}
				}
				return nil
			}
		}
		submitted = true
		ordId, err := ex.submitOrder(ctx, body)
		if err != nil {
			return err
		}
		fill = domain.OrderFill{OrderID: ordId}
		return nil
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	if !fill.FilledPrice.IsPositive() {
		ex.pollFill(ctx, req.NativeSymbol, &fill)
	}
	return fill, nil
}

func (ex *OkxExchange) submitOrder(ctx context.Context, body []byte) (string, error) {
	resp, err := ex.transport.Once(ctx, "order", ex.signedRequest(http.MethodPost, "/api/v5/trade/order", nil, body))
	if err != nil {
		return "", err
	}
	data, err := decode[placeOrderResult](resp)
	if len(data) > 0 && data[0].SCode != "" && data[0].SCode != "0" {
		// The per-order code is more specific than the envelope's.
		return "", &domain.OrderRejectedError{Venue: domain.OKX, Code: data[0].SCode, Message: data[0].SMsg}
	}
	if err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].OrdId == "" {
		return "", &domain.OrderRejectedError{Venue: domain.OKX, Code: "empty", Message: "order acknowledged without an order id"}
	}
	return data[0].OrdId, nil
}

// lookupOrder returns nil when OKX has no order with this clOrdId.
func (ex *OkxExchange) lookupOrder(ctx context.Context, instId, clOrdId string) (*orderDetail, error) {
	query := url.Values{"instId": {instId}, "clOrdId": {clOrdId}}
	resp, err := ex.transport.Once(ctx, "query_order", ex.signedRequest(http.MethodGet, "/api/v5/trade/order", query, nil))
	if err != nil {
		return nil, err
	}
	data, err := decode[orderDetail](resp)
	var rejected *domain.OrderRejectedError
	if errors.As(err, &rejected) && rejected.Code == codeNoSuchOrder {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data[0].OrdId == "" {
		return nil, nil
	}
	return &data[0], nil
}

// pollFill reads avgPx for a short while. Market orders usually fill at once,
// but the acknowledgement itself carries no price.
func (ex *OkxExchange) pollFill(ctx context.Context, instId string, fill *domain.OrderFill) {
	query := url.Values{"instId": {instId}, "ordId": {fill.OrderID}}
	for i := 0; i < ex.fillPolls; i++ {
		resp, err := ex.transport.Do(ctx, "order_detail", ex.signedRequest(http.MethodGet, "/api/v5/trade/order", query, nil))
		if err == nil {
			data, derr := decode[orderDetail](resp)
			if derr == nil && len(data) > 0 {
				px, sz := parseDecimal(data[0].AvgPx), parseDecimal(data[0].AccFillSz)
				if px.IsPositive() {
					fill.FilledPrice = px
					fill.FilledQty = sz
					return
				}
			}
			err = derr
		}
		if err != nil {
			ex.logger.Warn("Failed to query OKX order", zap.String("ord_id", fill.OrderID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ex.fillPollDelay):
		}
	}
}

func (ex *OkxExchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	resp, err := ex.transport.Do(ctx, "balance", ex.signedRequest(http.MethodGet, "/api/v5/account/balance", nil, nil))
	if err != nil {
		return nil, err
	}
	data, err := decode[accountBalance](resp)
	if err != nil {
		return nil, err
	}
	var balances []domain.Balance
	for _, account := range data {
		for _, d := range account.Details {
			free, locked := parseDecimal(d.AvailBal), parseDecimal(d.FrozenBal)
			if free.IsZero() && locked.IsZero() {
				continue
			}
			balances = append(balances, domain.Balance{Asset: d.Ccy, Free: free, Locked: locked})
		}
	}
	return balances, nil
}
