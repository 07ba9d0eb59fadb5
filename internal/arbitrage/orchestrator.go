package arbitrage

import (
	"context"
	"crypto-exchange-arbitrage/internal/domain"
	"crypto-exchange-arbitrage/internal/exchange"
	"crypto-exchange-arbitrage/internal/ledger"
	"crypto-exchange-arbitrage/internal/platform/logger"
	"crypto-exchange-arbitrage/internal/symbols"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuoteReader is the read side of the price cache.
type QuoteReader interface {
	Get(venue domain.Venue, native string) (domain.Quote, bool)
}

// OrchestratorOptions wires an Orchestrator. FeeRates overrides DefaultFeeRate
// per venue; nil Ledger, Alerter and Constraints get in-memory defaults.
type OrchestratorOptions struct {
	Symbols     *symbols.Registry
	Exchanges   *exchange.Registry
	Quotes      QuoteReader
	Constraints *ConstraintCache
	Ledger      ledger.Store
	Alerter     Alerter
	Sizing      Sizing
	FeeRates    map[domain.Venue]decimal.Decimal
	Logger      *zap.Logger
	TradeLogger *zap.Logger
}

// Orchestrator runs one two-leg trade at a time per symbol.
type Orchestrator struct {
	symbols     *symbols.Registry
	exchanges   *exchange.Registry
	quotes      QuoteReader
	constraints *ConstraintCache
	ledger      ledger.Store
	alerter     Alerter
	sizing      Sizing
	fees        map[domain.Venue]decimal.Decimal
	logger      *zap.Logger
	tradeLogger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	alerts  sync.WaitGroup

	now          func() time.Time
	newID        func() string
	onTransition func(symbol string, state domain.RunState)
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Constraints == nil {
		opts.Constraints = NewConstraintCache()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemoryStore()
	}
	if opts.Alerter == nil {
		opts.Alerter = LogAlerter{Logger: opts.Logger}
	}
	return &Orchestrator{
		symbols:     opts.Symbols,
		exchanges:   opts.Exchanges,
		quotes:      opts.Quotes,
		constraints: opts.Constraints,
		ledger:      opts.Ledger,
		alerter:     opts.Alerter,
		sizing:      opts.Sizing,
		fees:        opts.FeeRates,
		logger:      logger.OrNop(opts.Logger),
		tradeLogger: logger.OrNop(opts.TradeLogger),
		locks:       make(map[string]*sync.Mutex),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Ledger exposes the store entries are appended to.
func (o *Orchestrator) Ledger() ledger.Store {
	return o.ledger
}

// WaitAlerts blocks until alerts already dispatched have been delivered.
func (o *Orchestrator) WaitAlerts() {
	o.alerts.Wait()
}

func (o *Orchestrator) feeRate(v domain.Venue) decimal.Decimal {
	if rate, ok := o.fees[v]; ok {
		return rate
	}
	return DefaultFeeRate
}

func (o *Orchestrator) lockFor(symbol string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		o.locks[symbol] = l
	}
	return l
}

func (o *Orchestrator) transition(symbol string, state domain.RunState) {
	o.logger.Debug("Orchestration state", zap.String("symbol", symbol), zap.String("state", state.String()))
	if o.onTransition != nil {
		o.onTransition(symbol, state)
	}
}

// leg is one side of the run, resolved before any state is entered.
type leg struct {
	venue  domain.Venue
	native string
	ex     domain.Exchanger
}

func (o *Orchestrator) resolve(symbol string, venue domain.Venue) (leg, error) {
	native, err := o.symbols.Native(symbol, venue)
	if err != nil {
		return leg{}, err
	}
	ex, err := o.exchanges.Get(venue)
	if err != nil {
		return leg{}, err
	}
	return leg{venue: venue, native: native, ex: ex}, nil
}

// Execute runs one cycle buying on buyVenue and selling on sellVenue. The
// returned entry is the ledger entry written, if any. A run already in
// progress for symbol makes Execute fail with ErrTradeInProgress.
func (o *Orchestrator) Execute(ctx context.Context, symbol string, buyVenue, sellVenue domain.Venue) (*domain.LedgerEntry, error) {
	symbol = strings.ToUpper(symbol)
	if buyVenue == sellVenue {
		return nil, fmt.Errorf("%w: buy and sell venue are both %s", domain.ErrUnknownVenue, buyVenue)
	}
	buy, err := o.resolve(symbol, buyVenue)
	if err != nil {
		return nil, err
	}
	sell, err := o.resolve(symbol, sellVenue)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, symbol, func() (leg, leg, domain.Quote, domain.Quote, error) {
		buyQuote, okBuy := o.quotes.Get(buy.venue, buy.native)
		sellQuote, okSell := o.quotes.Get(sell.venue, sell.native)
		if !okBuy || !okSell {
			return leg{}, leg{}, domain.Quote{}, domain.Quote{}, fmt.Errorf("%w: %s on %s/%s", domain.ErrQuotesUnavailable, symbol, buy.venue, sell.venue)
		}
		return buy, sell, buyQuote, sellQuote, nil
	})
}

// ExecuteBest runs one cycle buying on the cheapest venue and selling on the
// dearest, across every venue that has a cached quote for symbol.
func (o *Orchestrator) ExecuteBest(ctx context.Context, symbol string) (*domain.LedgerEntry, error) {
	symbol = strings.ToUpper(symbol)
	legs := make(map[domain.Venue]leg)
	for _, venue := range o.symbols.Venues() {
		l, err := o.resolve(symbol, venue)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownSymbol) {
				return nil, err
			}
			continue
		}
		legs[venue] = l
	}
	return o.run(ctx, symbol, func() (leg, leg, domain.Quote, domain.Quote, error) {
		var quotes []domain.Quote
		for _, venue := range o.symbols.Venues() {
			l, ok := legs[venue]
			if !ok {
				continue
			}
			if q, ok := o.quotes.Get(venue, l.native); ok {
				quotes = append(quotes, q)
			}
		}
		buyQuote, sellQuote, ok := Direction(quotes)
		if !ok {
			return leg{}, leg{}, domain.Quote{}, domain.Quote{}, fmt.Errorf("%w: %s has %d quotes", domain.ErrQuotesUnavailable, symbol, len(quotes))
		}
		return legs[buyQuote.Venue], legs[sellQuote.Venue], buyQuote, sellQuote, nil
	})
}

type pricer func() (buy, sell leg, buyQuote, sellQuote domain.Quote, err error)

func (o *Orchestrator) run(ctx context.Context, symbol string, price pricer) (*domain.LedgerEntry, error) {
	lock := o.lockFor(symbol)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", domain.ErrTradeInProgress, symbol)
	}
	defer lock.Unlock()

	o.transition(symbol, domain.Idle)
	if err := ctx.Err(); err != nil {
		o.transition(symbol, domain.Aborted)
		return nil, err
	}

	buy, sell, buyQuote, sellQuote, err := price()
	if err != nil {
		o.transition(symbol, domain.Aborted)
		return nil, err
	}
	o.transition(symbol, domain.Priced)

	opp, lc, err := o.validate(ctx, symbol, buy, sell, buyQuote, sellQuote)
	if err != nil {
		o.transition(symbol, domain.Aborted)
		return nil, err
	}
	if !opp.Profitable() {
		o.transition(symbol, domain.Aborted)
		o.audit(opp)
		return nil, fmt.Errorf("%w: projected %s on %s %s->%s", domain.ErrNotProfitable, opp.NetProfit, symbol, opp.BuyOn, opp.SellOn)
	}
	o.transition(symbol, domain.Validated)

	// Last point at which the run may be abandoned.
	if err := ctx.Err(); err != nil {
		o.transition(symbol, domain.Aborted)
		return nil, err
	}
	return o.submit(context.WithoutCancel(ctx), opp, lc, buy, sell)
}

func (o *Orchestrator) validate(ctx context.Context, symbol string, buy, sell leg, buyQuote, sellQuote domain.Quote) (domain.Opportunity, domain.LotConstraint, error) {
	var (
		wg              sync.WaitGroup
		buyLc, sellLc   domain.LotConstraint
		buyErr, sellErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyLc, buyErr = o.constraints.Get(ctx, buy.ex, buy.native)
	}()
	go func() {
		defer wg.Done()
		sellLc, sellErr = o.constraints.Get(ctx, sell.ex, sell.native)
	}()
	wg.Wait()
	if err := errors.Join(buyErr, sellErr); err != nil {
		if !errors.Is(err, domain.ErrConstraintUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrConstraintUnavailable, err)
		}
		return domain.Opportunity{}, domain.LotConstraint{}, err
	}

	lc, err := CombineConstraints(buyLc, sellLc)
	if err != nil {
		return domain.Opportunity{}, domain.LotConstraint{}, err
	}
	qty, err := NormalizeQuantity(o.sizing, buyQuote.Price, lc)
	if err != nil {
		return domain.Opportunity{}, domain.LotConstraint{}, err
	}
	opp := Analyze(symbol, buyQuote, sellQuote, qty, lc.Precision, o.feeRate(buy.venue), o.feeRate(sell.venue))
	return opp, lc, nil
}

func (o *Orchestrator) audit(opp domain.Opportunity) {
	o.tradeLogger.Info("Not profitable",
		zap.String("symbol", opp.Symbol),
		zap.String("buy_venue", opp.BuyOn.String()),
		zap.String("sell_venue", opp.SellOn.String()),
		zap.String("buy_price", opp.BuyPrice.String()),
		zap.String("sell_price", opp.SellPrice.String()),
		zap.String("quantity", opp.Quantity.String()),
		zap.String("projected_profit", opp.NetProfit.String()))
}

func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// submit drives both legs to a terminal state. ctx is never cancelled here.
func (o *Orchestrator) submit(ctx context.Context, opp domain.Opportunity, lc domain.LotConstraint, buy, sell leg) (*domain.LedgerEntry, error) {
	qty := FormatQuantity(opp.Quantity, lc)
	entry := domain.LedgerEntry{
		ID:              o.newID(),
		Timestamp:       o.now().UTC(),
		Symbol:          opp.Symbol,
		BuyVenue:        opp.BuyOn,
		SellVenue:       opp.SellOn,
		QuotedBuyPrice:  opp.BuyPrice,
		QuotedSellPrice: opp.SellPrice,
		Quantity:        opp.Quantity,
	}

	o.transition(opp.Symbol, domain.Leg1Submitted)
	buyFill, err := buy.ex.PlaceMarketOrder(ctx, domain.OrderRequest{
		ClientOrderID: newClientOrderID(),
		NativeSymbol:  buy.native,
		Side:          domain.Buy,
		Quantity:      qty,
	})
	if err != nil {
		o.transition(opp.Symbol, domain.Aborted)
		entry.Status = domain.Failed
		entry.Failure = domain.FailureLeg1
		entry.Error = err.Error()
		if domain.IsTransport(err) {
			entry.Note = "buy order outcome unknown, check venue"
		}
		o.finish(ctx, entry)
		return &entry, fmt.Errorf("%w: %w", domain.ErrLegFailed, err)
	}

	buyPrice := buyFill.FilledPrice
	var notes []string
	if !buyFill.PriceKnown() {
		buyPrice = opp.BuyPrice
		notes = append(notes, "buy fill price unconfirmed, quote used")
	}
	entry.BuyOrderID = buyFill.OrderID
	entry.BuyPrice = decimal.NewNullDecimal(buyPrice)
	entry.BuyFee = decimal.NewNullDecimal(buyPrice.Mul(opp.Quantity).Mul(o.feeRate(buy.venue)))

	o.transition(opp.Symbol, domain.Leg2Submitted)
	sellFill, err := sell.ex.PlaceMarketOrder(ctx, domain.OrderRequest{
		ClientOrderID: newClientOrderID(),
		NativeSymbol:  sell.native,
		Side:          domain.Sell,
		Quantity:      qty,
	})
	if err != nil {
		o.transition(opp.Symbol, domain.PartialFailure)
		entry.Status = domain.Failed
		entry.Failure = domain.FailurePartial
		entry.Error = err.Error()
		if domain.IsTransport(err) {
			notes = append(notes, "sell order outcome unknown, check venue")
		}
		notes = append(notes, "manual unwind required")
		entry.Note = strings.Join(notes, "; ")
		o.finish(ctx, entry)
		return &entry, fmt.Errorf("%w: %w", domain.ErrPartialFailure, err)
	}

	sellPrice := sellFill.FilledPrice
	if !sellFill.PriceKnown() {
		sellPrice = opp.SellPrice
		notes = append(notes, "sell fill price unconfirmed, quote used")
	}
	profit, buyFee, sellFee := CalculateProfit(buyPrice, sellPrice, opp.Quantity, o.feeRate(buy.venue), o.feeRate(sell.venue))
	entry.SellOrderID = sellFill.OrderID
	entry.SellPrice = decimal.NewNullDecimal(sellPrice)
	entry.BuyFee = decimal.NewNullDecimal(buyFee)
	entry.SellFee = decimal.NewNullDecimal(sellFee)
	entry.Profit = decimal.NewNullDecimal(profit)
	entry.Status = domain.Loss
	if profit.IsPositive() {
		entry.Status = domain.Profit
	}
	entry.Note = strings.Join(notes, "; ")

	o.transition(opp.Symbol, domain.Settled)
	o.finish(ctx, entry)
	return &entry, nil
}

// finish records a terminal outcome: ledger, trade log and operator alert.
func (o *Orchestrator) finish(ctx context.Context, entry domain.LedgerEntry) {
	if err := o.ledger.Append(ctx, entry); err != nil {
		o.logger.Error("Failed to append ledger entry", zap.String("entry_id", entry.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("entry_id", entry.ID),
		zap.String("symbol", entry.Symbol),
		zap.String("buy_venue", entry.BuyVenue.String()),
		zap.String("sell_venue", entry.SellVenue.String()),
		zap.String("quantity", entry.Quantity.String()),
		zap.String("status", entry.Status.String()),
		zap.String("failure", string(entry.Failure)),
		zap.String("buy_order_id", entry.BuyOrderID),
		zap.String("sell_order_id", entry.SellOrderID),
		zap.String("profit", nullable(entry.Profit)),
		zap.String("error", entry.Error),
	}
	if entry.NeedsUnwind() {
		o.tradeLogger.Error("Partial failure", fields...)
		o.logger.Error("Partial failure: manual unwind required", fields...)
	} else {
		o.tradeLogger.Info("Trade finished", fields...)
	}

	o.alerts.Add(1)
	go func() {
		defer o.alerts.Done()
		o.alerter.Alert(ctx, entry)
	}()
}
