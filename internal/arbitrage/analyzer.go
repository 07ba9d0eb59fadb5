package arbitrage

import (
	"crypto-exchange-arbitrage/internal/domain"

	"github.com/shopspring/decimal"
)

var DefaultFeeRate = decimal.RequireFromString("0.001")

// CalculateProfit returns the net result of buying qty at buyPrice and selling
// it at sellPrice, together with each leg's fee amount.
//
//	profit = sell*qty*(1-sellFeeRate) - buy*qty*(1+buyFeeRate)
func CalculateProfit(buyPrice, sellPrice, qty, buyFeeRate, sellFeeRate decimal.Decimal) (profit, buyFee, sellFee decimal.Decimal) {
	buyNotional := buyPrice.Mul(qty)
	sellNotional := sellPrice.Mul(qty)
	buyFee = buyNotional.Mul(buyFeeRate)
	sellFee = sellNotional.Mul(sellFeeRate)
	profit = sellNotional.Sub(sellFee).Sub(buyNotional.Add(buyFee))
	return profit, buyFee, sellFee
}

// Direction picks the cheapest quote to buy and the dearest to sell. Ties keep
// the earlier quote on the buy side. ok is false with fewer than two quotes.
func Direction(quotes []domain.Quote) (buy, sell domain.Quote, ok bool) {
	if len(quotes) < 2 {
		return domain.Quote{}, domain.Quote{}, false
	}
	buy, sell = quotes[0], quotes[1]
	if sell.Price.LessThan(buy.Price) {
		buy, sell = sell, buy
	}
	for _, q := range quotes[2:] {
		if q.Price.LessThan(buy.Price) {
			buy = q
		} else if q.Price.GreaterThan(sell.Price) {
			sell = q
		}
	}
	return buy, sell, true
}

// Analyze projects the opportunity of trading qty between the two quotes.
func Analyze(symbol string, buy, sell domain.Quote, qty decimal.Decimal, precision int32, buyFeeRate, sellFeeRate decimal.Decimal) domain.Opportunity {
	profit, buyFee, sellFee := CalculateProfit(buy.Price, sell.Price, qty, buyFeeRate, sellFeeRate)
	return domain.Opportunity{
		Symbol:    symbol,
		BuyOn:     buy.Venue,
		SellOn:    sell.Venue,
		BuyPrice:  buy.Price,
		SellPrice: sell.Price,
		Quantity:  qty,
		Precision: precision,
		BuyFee:    buyFee,
		SellFee:   sellFee,
		NetProfit: profit,
	}
}
