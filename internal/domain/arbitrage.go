package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is the projected trade computed from cached quotes before any order is sent.
type Opportunity struct {
	Symbol    string          `json:"symbol"`
	BuyOn     Venue           `json:"buy_venue"`
	SellOn    Venue           `json:"sell_venue"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Precision int32           `json:"precision"`
	BuyFee    decimal.Decimal `json:"buy_fee"`
	SellFee   decimal.Decimal `json:"sell_fee"`
	NetProfit decimal.Decimal `json:"net_profit"`
}

func (o Opportunity) Profitable() bool {
	return o.NetProfit.IsPositive()
}

// LedgerEntry is written once per attempted trade and never modified.
// Fill prices are null when the corresponding leg did not fill.
type LedgerEntry struct {
	ID              string              `json:"id"`
	Timestamp       time.Time           `json:"timestamp"`
	Symbol          string              `json:"symbol"`
	BuyVenue        Venue               `json:"buy_venue"`
	SellVenue       Venue               `json:"sell_venue"`
	QuotedBuyPrice  decimal.Decimal     `json:"quoted_buy_price"`
	QuotedSellPrice decimal.Decimal     `json:"quoted_sell_price"`
	BuyPrice        decimal.NullDecimal `json:"buy_price"`
	SellPrice       decimal.NullDecimal `json:"sell_price"`
	Quantity        decimal.Decimal     `json:"quantity"`
	BuyFee          decimal.NullDecimal `json:"buy_fee"`
	SellFee         decimal.NullDecimal `json:"sell_fee"`
	Profit          decimal.NullDecimal `json:"profit"`
	Status          TradeStatus         `json:"status"`
	Failure         FailureKind         `json:"failure,omitempty"`
	BuyOrderID      string              `json:"buy_order_id,omitempty"`
	SellOrderID     string              `json:"sell_order_id,omitempty"`
	Error           string              `json:"error,omitempty"`
	Note            string              `json:"note,omitempty"`
}

// NeedsUnwind is true when one leg filled and the other did not.
func (e LedgerEntry) NeedsUnwind() bool {
	return e.Failure == FailurePartial
}
