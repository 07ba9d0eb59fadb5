package binance

import "github.com/shopspring/decimal"

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type tickerPriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	MinQty     decimal.Decimal `json:"minQty"`
	MaxQty     decimal.Decimal `json:"maxQty"`
	StepSize   decimal.Decimal `json:"stepSize"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string         `json:"symbol"`
		Status  string         `json:"status"`
		Filters []symbolFilter `json:"filters"`
	} `json:"symbols"`
}

type orderFill struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderId             int64           `json:"orderId"`
	ClientOrderId       string          `json:"clientOrderId"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Fills               []orderFill     `json:"fills"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

type streamEnvelope struct {
	Stream string     `json:"stream"`
	Data   tradeEvent `json:"data"`
}

type tradeEvent struct {
	EventType string          `json:"e"`
	Symbol    string          `json:"s"`
	Price     decimal.Decimal `json:"p"`
	TradeTime int64           `json:"T"`
}
