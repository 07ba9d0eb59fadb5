package okx

import "github.com/shopspring/decimal"

// OKX encodes numbers as strings and sends "" for values not yet known, so
// fields stay strings and are parsed with parseDecimal.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type serverTime struct {
	Ts string `json:"ts"`
}

type ticker struct {
	InstId string `json:"instId"`
	Last   string `json:"last"`
}

type instrument struct {
	InstId string `json:"instId"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
	State  string `json:"state"`
}

type placeOrderRequest struct {
	InstId  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	ClOrdId string `json:"clOrdId,omitempty"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	TgtCcy  string `json:"tgtCcy"`
}

type placeOrderResult struct {
	ClOrdId string `json:"clOrdId"`
	OrdId   string `json:"ordId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type orderDetail struct {
	OrdId     string `json:"ordId"`
	State     string `json:"state"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
}

type accountBalance struct {
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
	} `json:"details"`
}

type subscribeArg struct {
	Channel string `json:"channel"`
	InstId  string `json:"instId"`
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type tickerPush struct {
	Event string       `json:"event"`
	Arg   subscribeArg `json:"arg"`
	Data  []ticker     `json:"data"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
