package okx

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const testSecret = "22582BD0CFF14C41EDBF1AB98506286D"

func TestSign(t *testing.T) {
	got, err := Sign(exchange.NewSecret(testSecret), "2020-12-08T09:08:57.715Z", "GET", "/api/v5/account/balance?ccy=BTC", "")
	if err != nil {
		t.Fatal(err)
	}
	if want := "HiZhvSfMtWJA3uUIVXV3a/bSXNPCWvYFXoGCVS8V4zY="; got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(time.UnixMilli(1597026383085)); got != "2020-08-10T02:26:23.085Z" {
		t.Fatalf("timestamp = %s", got)
	}
}

func newTestClient(t *testing.T, handler http.Handler, simulated bool) *OkxExchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ex := CreateClient(Options{
		ApiBaseUrl: srv.URL,
		ApiKey:     "okx-key",
		ApiSecret:  testSecret,
		Passphrase: "okx-pass",
		Simulated:  simulated,
		Transport: exchange.TransportConfig{
			Timeout: time.Second,
			Retry:   exchange.RetryPolicy{Attempts: 2, Base: time.Millisecond, Factor: 2},
		},
		Logger: zaptest.NewLogger(t),
	})
	ex.fillPollDelay = time.Millisecond
	return ex
}

func handleTime(w http.ResponseWriter) {
	fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ts":"1597026383085"}]}`)
}

// verifySignature recomputes the signature the way OKX does.
func verifySignature(t *testing.T, r *http.Request, body string) {
	t.Helper()
	ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
	if ts != "2020-08-10T02:26:23.085Z" {
		t.Errorf("timestamp header = %q", ts)
	}
	want, _ := Sign(exchange.NewSecret(testSecret), ts, r.Method, r.URL.RequestURI(), body)
	if r.Header.Get("OK-ACCESS-SIGN") != want {
		t.Errorf("signature mismatch for %s %s", r.Method, r.URL.RequestURI())
	}
	if r.Header.Get("OK-ACCESS-KEY") != "okx-key" || r.Header.Get("OK-ACCESS-PASSPHRASE") != "okx-pass" {
		t.Errorf("missing credential headers")
	}
}

func TestGetPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/market/ticker", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instId") != "BTC-USDT" {
			t.Errorf("instId = %q", r.URL.Query().Get("instId"))
		}
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"101.00","askPx":"101.1"}]}`)
	})
	ex := newTestClient(t, mux, false)

	price, err := ex.GetPrice(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("price = %s", price)
	}
}

func TestGetPriceErrorCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/market/ticker", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	})
	ex := newTestClient(t, mux, false)

	if _, err := ex.GetPrice(context.Background(), "NOPE-USDT"); !errors.Is(err, domain.ErrQuoteUnavailable) {
		t.Fatalf("expected ErrQuoteUnavailable, got %v", err)
	}
}

func TestGetLotConstraint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/instruments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instType") != "SPOT" {
			t.Errorf("instType = %q", r.URL.Query().Get("instType"))
		}
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","lotSz":"0.00000001","minSz":"0.00001","state":"live"}]}`)
	})
	ex := newTestClient(t, mux, false)

	lc, err := ex.GetLotConstraint(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if lc.Precision != 8 || !lc.MinQty.Equal(decimal.RequireFromString("0.00001")) {
		t.Fatalf("unexpected constraint %+v", lc)
	}
}

func TestPlaceMarketOrder(t *testing.T) {
	var detailCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			verifySignature(t, r, string(raw))
			if r.Header.Get("x-simulated-trading") != "1" {
				t.Errorf("simulated header missing")
			}
			var body placeOrderRequest
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Errorf("decode order body: %v", err)
			}
			want := placeOrderRequest{InstId: "BTC-USDT", TdMode: "cash", ClOrdId: "abc123", Side: "sell", OrdType: "market", Sz: "0.1000", TgtCcy: "base_ccy"}
			if body != want {
				t.Errorf("order body = %+v", body)
			}
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"clOrdId":"abc123","ordId":"312269865356374016","sCode":"0","sMsg":""}]}`)
		case http.MethodGet:
			verifySignature(t, r, "")
			if detailCalls.Add(1) == 1 {
				fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"312269865356374016","state":"live","avgPx":"","accFillSz":"0"}]}`)
				return
			}
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"312269865356374016","state":"filled","avgPx":"100.95","accFillSz":"0.1"}]}`)
		}
	})
	ex := newTestClient(t, mux, true)

	fill, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{
		ClientOrderID: "abc123",
		NativeSymbol:  "BTC-USDT",
		Side:          domain.Sell,
		Quantity:      "0.1000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fill.OrderID != "312269865356374016" || !fill.FilledPrice.Equal(decimal.RequireFromString("100.95")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
	if detailCalls.Load() != 2 {
		t.Fatalf("expected two detail polls, got %d", detailCalls.Load())
	}
}

func TestPlaceMarketOrderPriceUnconfirmed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"1","sCode":"0"}]}`)
			return
		}
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"1","state":"live","avgPx":""}]}`)
	})
	ex := newTestClient(t, mux, false)

	fill, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{NativeSymbol: "BTC-USDT", Side: domain.Buy, Quantity: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if fill.OrderID != "1" || fill.PriceKnown() {
		t.Fatalf("expected fill without price, got %+v", fill)
	}
}

func TestPlaceMarketOrderRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"1","msg":"Operation failed.","data":[{"ordId":"","sCode":"51008","sMsg":"Order failed. Insufficient balance"}]}`)
	})
	ex := newTestClient(t, mux, false)

	_, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{NativeSymbol: "BTC-USDT", Side: domain.Sell, Quantity: "1"})
	var rejected *domain.OrderRejectedError
	if !errors.As(err, &rejected) || rejected.Code != "51008" {
		t.Fatalf("expected rejection 51008, got %v", err)
	}
}

func TestPlaceMarketOrderAdoptsOrderFromFailedAttempt(t *testing.T) {
	var posts, lookups atomic.Int32
	var placed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			verifySignature(t, r, "")
			lookups.Add(1)
			if q := r.URL.Query(); q.Get("clOrdId") != "dup-1" || q.Get("instId") != "BTC-USDT" || q.Get("ordId") != "" {
				t.Errorf("unexpected lookup query %s", r.URL.RawQuery)
			}
			if !placed.Load() {
				fmt.Fprint(w, `{"code":"51603","msg":"Order does not exist","data":[]}`)
				return
			}
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"900","clOrdId":"dup-1","state":"filled","avgPx":"100.95","accFillSz":"0.1"}]}`)
			return
		}
		// Every submission executes; the first response is lost.
		placed.Store(true)
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"clOrdId":"dup-1","ordId":"901","sCode":"0","sMsg":""}]}`)
	})
	ex := newTestClient(t, mux, false)

	fill, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{ClientOrderID: "dup-1", NativeSymbol: "BTC-USDT", Side: domain.Buy, Quantity: "0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if posts.Load() != 1 || lookups.Load() != 1 {
		t.Fatalf("expected one submission and one lookup, got %d and %d", posts.Load(), lookups.Load())
	}
	if fill.OrderID != "900" || !fill.FilledPrice.Equal(decimal.RequireFromString("100.95")) || !fill.FilledQty.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestPlaceMarketOrderResubmitsUnknownOrder(t *testing.T) {
	var posts, lookups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if r.URL.Query().Get("clOrdId") != "" {
				lookups.Add(1)
				fmt.Fprint(w, `{"code":"51603","msg":"Order does not exist","data":[]}`)
				return
			}
			fmt.Fprint(w, `{"code":"0","msg":"","data":[{"ordId":"77","state":"filled","avgPx":"99.5","accFillSz":"1"}]}`)
			return
		}
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"clOrdId":"c-2","ordId":"77","sCode":"0","sMsg":""}]}`)
	})
	ex := newTestClient(t, mux, false)

	fill, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{ClientOrderID: "c-2", NativeSymbol: "BTC-USDT", Side: domain.Sell, Quantity: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if posts.Load() != 2 || lookups.Load() != 1 {
		t.Fatalf("expected two submissions around one lookup, got %d and %d", posts.Load(), lookups.Load())
	}
	if fill.OrderID != "77" || !fill.FilledPrice.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("unexpected fill %+v", fill)
	}
}

func TestPlaceMarketOrderWithoutClientIDIsSentOnce(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/trade/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s without a client order id", r.Method)
		}
		posts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ex := newTestClient(t, mux, false)

	_, err := ex.PlaceMarketOrder(context.Background(), domain.OrderRequest{NativeSymbol: "BTC-USDT", Side: domain.Buy, Quantity: "1"})
	if !domain.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if posts.Load() != 1 {
		t.Fatalf("expected a single submission, got %d", posts.Load())
	}
}

func TestGetBalances(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/time", func(w http.ResponseWriter, r *http.Request) { handleTime(w) })
	mux.HandleFunc("/api/v5/account/balance", func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r, "")
		fmt.Fprint(w, `{"code":"0","msg":"","data":[{"details":[{"ccy":"USDT","availBal":"250.5","frozenBal":"0"},{"ccy":"BTC","availBal":"","frozenBal":""}]}]}`)
	})
	ex := newTestClient(t, mux, false)

	balances, err := ex.GetBalances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(balances) != 1 || balances[0].Asset != "USDT" || !balances[0].Free.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

type recordingSink struct {
	quotes chan domain.Quote
}

func (s *recordingSink) Put(q domain.Quote) { s.quotes <- q }

func TestHandleTickerMessage(t *testing.T) {
	sink := &recordingSink{quotes: make(chan domain.Quote, 2)}
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name    string
		msg     string
		quotes  int
		wantErr bool
	}{
		{"pong", `pong`, 0, false},
		{"subscribe ack", `{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`, 0, false},
		{"error event", `{"event":"error","code":"60012","msg":"Invalid request"}`, 0, true},
		{"ticker", `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"64000.1"}]}`, 1, false},
		{"empty last", `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":""}]}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handleTickerMessage(sink, []byte(tt.msg), now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(sink.quotes) != tt.quotes {
				t.Fatalf("got %d quotes, want %d", len(sink.quotes), tt.quotes)
			}
			for len(sink.quotes) > 0 {
				q := <-sink.quotes
				if q.Venue != domain.OKX || q.NativeSymbol != "BTC-USDT" || !q.ObservedAt.Equal(now) {
					t.Fatalf("unexpected quote %+v", q)
				}
			}
		})
	}
}

func TestSubscribeSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeRequest
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0].InstId != "ETH-USDT" {
			t.Errorf("unexpected subscribe %s", msg)
		}
		push := `{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"instId":"ETH-USDT","last":"3000.25"}]}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(push)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ex := CreateClient(Options{StreamUrl: "ws" + strings.TrimPrefix(srv.URL, "http"), FeedLogger: zaptest.NewLogger(t)})
	sink := &recordingSink{quotes: make(chan domain.Quote, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ex.SubscribeSocket(ctx, sink, []string{"ETH-USDT"}) }()

	select {
	case q := <-sink.quotes:
		if !q.Price.Equal(decimal.RequireFromString("3000.25")) {
			t.Fatalf("unexpected quote %+v", q)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no quote received")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubscribeSocket returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SubscribeSocket did not stop")
	}
}
