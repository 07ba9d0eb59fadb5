package arbitrage

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/ledger"
	"crypto-exchange-arbitrage/internal/pricecache"
	"crypto-exchange-arbitrage/internal/symbols"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type fakeExchange struct {
	venue    domain.Venue
	lc       domain.LotConstraint
	lcErr    error
	fill     domain.OrderFill
	orderErr error
	// entered and release let a test hold an order in flight.
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	orders    []domain.OrderRequest
	orderCtxs []context.Context
	lcCalls   atomic.Int32
}

func (f *fakeExchange) GetName() string        { return f.venue.String() }
func (f *fakeExchange) GetVenue() domain.Venue { return f.venue }

func (f *fakeExchange) GetPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, domain.ErrQuoteUnavailable
}

func (f *fakeExchange) GetLotConstraint(context.Context, string) (domain.LotConstraint, error) {
	f.lcCalls.Add(1)
	return f.lc, f.lcErr
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderFill, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	f.orderCtxs = append(f.orderCtxs, ctx)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.fill, f.orderErr
}

func (f *fakeExchange) GetBalances(context.Context) ([]domain.Balance, error) { return nil, nil }

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type recordingAlerter struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func (a *recordingAlerter) Alert(_ context.Context, e domain.LedgerEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type harness struct {
	orch     *Orchestrator
	binance  *fakeExchange
	okx      *fakeExchange
	cache    *pricecache.Cache
	store    *ledger.MemoryStore
	alerter  *recordingAlerter
	statesMu sync.Mutex
	states   []domain.RunState
}

func step4() domain.LotConstraint {
	return domain.NewLotConstraint(d("0.0001"), d("0.0001"))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := symbols.New(symbols.DefaultMapping(), []domain.Venue{domain.Binance, domain.OKX})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		binance: &fakeExchange{venue: domain.Binance, lc: step4(), fill: domain.OrderFill{OrderID: "B-1", FilledPrice: d("100"), FilledQty: d("0.1")}},
		okx:     &fakeExchange{venue: domain.OKX, lc: step4(), fill: domain.OrderFill{OrderID: "O-1", FilledPrice: d("101"), FilledQty: d("0.1")}},
		cache:   pricecache.New(0),
		store:   ledger.NewMemoryStore(),
		alerter: &recordingAlerter{},
	}
	h.orch = NewOrchestrator(OrchestratorOptions{
		Symbols:     reg,
		Exchanges:   exchange.NewRegistry(h.binance, h.okx),
		Quotes:      h.cache,
		Ledger:      h.store,
		Alerter:     h.alerter,
		Sizing:      Sizing{NotionalFloor: d("10"), MinQuantity: d("0.01")},
		Logger:      zaptest.NewLogger(t),
		TradeLogger: zaptest.NewLogger(t),
	})
	h.orch.onTransition = func(_ string, s domain.RunState) {
		h.statesMu.Lock()
		h.states = append(h.states, s)
		h.statesMu.Unlock()
	}
	return h
}

func (h *harness) quote(venue domain.Venue, native, price string) {
	h.cache.Put(domain.Quote{Venue: venue, NativeSymbol: native, Price: d(price), ObservedAt: time.Now()})
}

func (h *harness) ledgerEntries(t *testing.T) []domain.LedgerEntry {
	t.Helper()
	entries, err := h.store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func (h *harness) stateTrail() []domain.RunState {
	h.statesMu.Lock()
	defer h.statesMu.Unlock()
	return append([]domain.RunState(nil), h.states...)
}

func sameStates(got, want []domain.RunState) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteSettlesProfit(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100.00")
	h.quote(domain.OKX, "BTC-USDT", "101.00")

	entry, err := h.orch.Execute(context.Background(), "btc", domain.Binance, domain.OKX)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != domain.Profit || !entry.Profit.Decimal.Equal(d("0.0799")) {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.BuyOrderID != "B-1" || entry.SellOrderID != "O-1" || !entry.Quantity.Equal(d("0.1")) {
		t.Fatalf("unexpected order details %+v", entry)
	}
	if h.binance.orders[0].Quantity != "0.1000" || h.binance.orders[0].Side != domain.Buy || h.okx.orders[0].Side != domain.Sell {
		t.Fatalf("unexpected orders %+v / %+v", h.binance.orders, h.okx.orders)
	}
	if h.binance.orders[0].ClientOrderID == "" || h.binance.orders[0].ClientOrderID == h.okx.orders[0].ClientOrderID {
		t.Fatal("each leg needs its own client order id")
	}

	want := []domain.RunState{domain.Idle, domain.Priced, domain.Validated, domain.Leg1Submitted, domain.Leg2Submitted, domain.Settled}
	if got := h.stateTrail(); !sameStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if entries := h.ledgerEntries(t); len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("ledger = %+v", entries)
	}
	h.orch.WaitAlerts()
	if len(h.alerter.entries) != 1 {
		t.Fatalf("expected one alert, got %d", len(h.alerter.entries))
	}
}

func TestExecuteRealizedLoss(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100.00")
	h.quote(domain.OKX, "BTC-USDT", "101.00")
	// Slippage between validation and fill.
	h.okx.fill.FilledPrice = d("100.1")

	entry, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != domain.Loss || !entry.Profit.Decimal.IsNegative() || !entry.SellPrice.Decimal.Equal(d("100.1")) {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestExecuteUsesQuoteWhenFillPriceUnknown(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100.00")
	h.quote(domain.OKX, "BTC-USDT", "101.00")
	h.okx.fill = domain.OrderFill{OrderID: "O-2"}

	entry, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.SellPrice.Decimal.Equal(d("101")) || entry.Note == "" {
		t.Fatalf("expected quote fallback with a note, got %+v", entry)
	}
}

func TestExecuteEqualQuotesNotProfitable(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")
	h.quote(domain.OKX, "BTC-USDT", "100")

	entry, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
	if !errors.Is(err, domain.ErrNotProfitable) || entry != nil {
		t.Fatalf("expected ErrNotProfitable, got %v %+v", err, entry)
	}
	if h.binance.orderCount()+h.okx.orderCount() != 0 {
		t.Fatal("no order may be submitted")
	}
	if len(h.ledgerEntries(t)) != 0 {
		t.Fatal("no ledger entry for an unprofitable cycle")
	}
}

func TestExecuteQuotesUnavailable(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")

	_, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
	if !errors.Is(err, domain.ErrQuotesUnavailable) {
		t.Fatalf("expected ErrQuotesUnavailable, got %v", err)
	}
	if got := h.stateTrail(); !sameStates(got, []domain.RunState{domain.Idle, domain.Aborted}) {
		t.Fatalf("states = %v", got)
	}
}

func TestExecuteConstraintUnavailable(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")
	h.quote(domain.OKX, "BTC-USDT", "101")
	h.okx.lcErr = fmt.Errorf("%w: instrument not listed", domain.ErrConstraintUnavailable)

	_, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
	if !errors.Is(err, domain.ErrConstraintUnavailable) {
		t.Fatalf("expected ErrConstraintUnavailable, got %v", err)
	}
	if h.binance.orderCount() != 0 {
		t.Fatal("no order may be submitted without a constraint")
	}

	// Failures are not cached; successes are.
	h.okx.lcErr = nil
	if _, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX); err != nil {
		t.Fatal(err)
	}
	if h.okx.lcCalls.Load() != 2 || h.binance.lcCalls.Load() != 1 {
		t.Fatalf("constraint lookups: okx=%d binance=%d", h.okx.lcCalls.Load(), h.binance.lcCalls.Load())
	}
}

func TestExecuteLeg1FailureNeverSells(t *testing.T) {
	for _, legErr := range []error{
		&domain.OrderRejectedError{Venue: domain.Binance, Code: "-2010", Message: "insufficient balance"},
		&domain.TransportError{Venue: domain.Binance, Op: "order", Err: context.DeadlineExceeded},
	} {
		t.Run(fmt.Sprintf("%T", legErr), func(t *testing.T) {
			h := newHarness(t)
			h.quote(domain.Binance, "BTCUSDT", "100")
			h.quote(domain.OKX, "BTC-USDT", "101")
			h.binance.orderErr = legErr

			entry, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
			if !errors.Is(err, domain.ErrLegFailed) {
				t.Fatalf("expected ErrLegFailed, got %v", err)
			}
			if h.okx.orderCount() != 0 {
				t.Fatal("sell leg must not be submitted after a failed buy")
			}
			if entry == nil || entry.Status != domain.Failed || entry.Failure != domain.FailureLeg1 || entry.Error == "" {
				t.Fatalf("unexpected entry %+v", entry)
			}
			if entry.BuyPrice.Valid || entry.SellPrice.Valid {
				t.Fatal("no fill prices for a failed buy")
			}
			if len(h.ledgerEntries(t)) != 1 {
				t.Fatal("a failed buy is recorded")
			}
			if unknown := strings.Contains(entry.Note, "outcome unknown"); unknown != domain.IsTransport(legErr) {
				t.Fatalf("note = %q", entry.Note)
			}
		})
	}
}

func TestExecutePartialFailure(t *testing.T) {
	tests := []struct {
		name        string
		sellErr     error
		rejected    bool
		outcomeNote bool
	}{
		{
			name:     "rejected",
			sellErr:  &domain.OrderRejectedError{Venue: domain.OKX, Code: "51008", Message: "insufficient balance"},
			rejected: true,
		},
		{
			name:        "transport",
			sellErr:     &domain.TransportError{Venue: domain.OKX, Op: "order", Err: context.DeadlineExceeded},
			outcomeNote: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.quote(domain.Binance, "BTCUSDT", "100")
			h.quote(domain.OKX, "BTC-USDT", "101")
			h.binance.fill = domain.OrderFill{OrderID: "B-77", FilledPrice: d("100.05"), FilledQty: d("0.1")}
			h.okx.orderErr = tt.sellErr

			entry, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
			if !errors.Is(err, domain.ErrPartialFailure) {
				t.Fatalf("expected ErrPartialFailure, got %v", err)
			}
			if domain.IsRejected(err) != tt.rejected || domain.IsTransport(err) == tt.rejected {
				t.Fatalf("sell leg cause not inspectable: %v", err)
			}
			if !errors.Is(err, tt.sellErr) {
				t.Fatalf("sell leg error lost: %v", err)
			}
			if tt.outcomeNote && !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("timeout cause lost: %v", err)
			}
			if entry.Status != domain.Failed || !entry.NeedsUnwind() {
				t.Fatalf("unexpected status %s/%s", entry.Status, entry.Failure)
			}
			if entry.BuyOrderID != "B-77" || !entry.BuyPrice.Valid || !entry.BuyPrice.Decimal.Equal(d("100.05")) {
				t.Fatalf("buy fill not retained: %+v", entry)
			}
			if entry.SellPrice.Valid || entry.SellOrderID != "" || entry.Profit.Valid {
				t.Fatalf("sell leg must not be fabricated: %+v", entry)
			}
			if !strings.Contains(entry.Note, "manual unwind required") {
				t.Fatalf("note = %q", entry.Note)
			}
			if strings.Contains(entry.Note, "outcome unknown") != tt.outcomeNote {
				t.Fatalf("note = %q", entry.Note)
			}
			want := []domain.RunState{domain.Idle, domain.Priced, domain.Validated, domain.Leg1Submitted, domain.Leg2Submitted, domain.PartialFailure}
			if got := h.stateTrail(); !sameStates(got, want) {
				t.Fatalf("states = %v", got)
			}
			stored := h.ledgerEntries(t)
			if len(stored) != 1 || !stored[0].NeedsUnwind() || stored[0].BuyOrderID != "B-77" {
				t.Fatalf("partial failure not persisted: %+v", stored)
			}
			h.orch.WaitAlerts()
			if len(h.alerter.entries) != 1 || !h.alerter.entries[0].NeedsUnwind() {
				t.Fatal("partial failure must alert the operator")
			}
		})
	}
}

func TestExecuteConcurrentTriggersRunOnce(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")
	h.quote(domain.OKX, "BTC-USDT", "101")
	h.binance.entered = make(chan struct{}, 1)
	h.binance.release = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX)
		first <- err
	}()
	<-h.binance.entered

	_, err := h.orch.ExecuteBest(context.Background(), "BTC")
	if !errors.Is(err, domain.ErrTradeInProgress) {
		t.Fatalf("second trigger: expected ErrTradeInProgress, got %v", err)
	}

	close(h.binance.release)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	if h.binance.orderCount() != 1 || h.okx.orderCount() != 1 {
		t.Fatalf("orders: binance=%d okx=%d", h.binance.orderCount(), h.okx.orderCount())
	}

	// The lock is released once the run is terminal.
	h.binance.entered, h.binance.release = nil, nil
	if _, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.OKX); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteCancelledBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")
	h.quote(domain.OKX, "BTC-USDT", "101")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.orch.Execute(ctx, "BTC", domain.Binance, domain.OKX); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.binance.orderCount() != 0 {
		t.Fatal("a cancelled run must not submit")
	}
}

func TestExecuteIgnoresCancellationAfterLeg1(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "BTCUSDT", "100")
	h.quote(domain.OKX, "BTC-USDT", "101")
	h.binance.entered = make(chan struct{}, 1)
	h.binance.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Execute(ctx, "BTC", domain.Binance, domain.OKX)
		done <- err
	}()
	<-h.binance.entered
	cancel()
	close(h.binance.release)

	if err := <-done; err != nil {
		t.Fatalf("run must complete after the buy is in flight, got %v", err)
	}
	if h.okx.orderCount() != 1 {
		t.Fatal("sell leg must still run")
	}
	if h.okx.orderCtxs[0].Err() != nil {
		t.Fatal("legs must not see the caller's cancellation")
	}
}

func TestExecuteBestPicksDirection(t *testing.T) {
	h := newHarness(t)
	h.quote(domain.Binance, "ETHUSDT", "101")
	h.quote(domain.OKX, "ETH-USDT", "100")
	h.okx.fill.FilledPrice = d("100")
	h.binance.fill.FilledPrice = d("101")

	entry, err := h.orch.ExecuteBest(context.Background(), "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if entry.BuyVenue != domain.OKX || entry.SellVenue != domain.Binance {
		t.Fatalf("buy=%s sell=%s", entry.BuyVenue, entry.SellVenue)
	}
	if h.okx.orders[0].NativeSymbol != "ETH-USDT" || h.binance.orders[0].NativeSymbol != "ETHUSDT" {
		t.Fatal("orders must use native symbols")
	}
}

func TestExecuteRejectsUnknownInputs(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Execute(context.Background(), "DOGE", domain.Binance, domain.OKX); !errors.Is(err, domain.ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if _, err := h.orch.Execute(context.Background(), "BTC", domain.OKX, domain.OKX); !errors.Is(err, domain.ErrUnknownVenue) {
		t.Fatalf("expected ErrUnknownVenue, got %v", err)
	}
	if _, err := h.orch.Execute(context.Background(), "BTC", domain.Binance, domain.Luno); !errors.Is(err, domain.ErrUnknownVenue) {
		t.Fatalf("expected ErrUnknownVenue for an unconfigured venue, got %v", err)
	}
}
