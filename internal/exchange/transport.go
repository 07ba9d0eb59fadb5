package exchange

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy retries transport failures Attempts times after the first call,
// sleeping Base*Factor^n before retry n.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Factor   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second, Factor: 2}
}

func Backoff(p RetryPolicy, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	return time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(retry)))
}

// Retry calls fn until it succeeds, returns a non-transport error, the policy
// is exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !domain.IsTransport(err) || attempt >= p.Attempts {
			return err
		}
		timer := time.NewTimer(Backoff(p, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestBuilder creates a fresh request per attempt so that timestamps and
// signatures are derived again on every retry.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Transport is the outbound HTTP path shared by REST adapters: a per-venue call
// budget, a fixed timeout, and retry of transient failures.
type Transport struct {
	venue   domain.Venue
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
	logger  *zap.Logger
}

type TransportConfig struct {
	Timeout time.Duration
	Calls   int
	Per     time.Duration
	Retry   RetryPolicy
}

func NewTransport(venue domain.Venue, cfg TransportConfig, l *zap.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Transport{
		venue:   venue,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: NewLimiter(cfg.Calls, cfg.Per),
		retry:   cfg.Retry,
		logger:  logger.OrNop(l),
	}
}

// NewLimiter spreads calls evenly over per, allowing the whole budget as a burst.
// A non-positive budget disables limiting.
func NewLimiter(calls int, per time.Duration) *rate.Limiter {
	if calls <= 0 || per <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(calls)), calls)
}

// Limiter exposes the venue budget to adapters that call out through an SDK.
func (t *Transport) Limiter() *rate.Limiter {
	return t.limiter
}

func (t *Transport) RetryPolicy() RetryPolicy {
	return t.retry
}

// Do performs the request with retries. Statuses below 500 other than 429 and
// 418 are returned to the caller for venue-specific parsing.
func (t *Transport) Do(ctx context.Context, op string, build RequestBuilder) (*Response, error) {
	var resp *Response
	err := Retry(ctx, t.retry, func() error {
		var err error
		resp, err = t.Once(ctx, op, build)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Once performs a single attempt.
func (t *Transport) Once(ctx context.Context, op string, build RequestBuilder) (*Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &domain.TransportError{Venue: t.venue, Op: op, Err: err}
	}

	req, err := build(ctx)
	if err != nil {
		if domain.IsTransport(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s %s: build request: %w", t.venue, op, err)
	}

	start := time.Now()
	httpResp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Request failed",
			zap.String("exchange", t.venue.String()),
			zap.String("op", op),
			zap.String("url", logger.RedactURL(req.URL)),
			zap.Error(err))
		return nil, &domain.TransportError{Venue: t.venue, Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &domain.TransportError{Venue: t.venue, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	t.logger.Debug("Request done",
		zap.String("exchange", t.venue.String()),
		zap.String("op", op),
		zap.String("method", req.Method),
		zap.String("url", logger.RedactURL(req.URL)),
		zap.Any("headers", logger.RedactHeaders(req.Header)),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == http.StatusTeapot {
		return nil, &domain.TransportError{Venue: t.venue, Op: op, Err: fmt.Errorf("status %d: %s", httpResp.StatusCode, truncate(body, 256))}
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
