package luno

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type SequenceIncorrectError struct {
	ExpectedSequence int64
	ActualSequence   int64
}

func (e *SequenceIncorrectError) Error() string {
	return fmt.Sprintf("sequence number mismatch. Expected: %d, got: %d", e.ExpectedSequence, e.ActualSequence)
}

type LunoWebsocketAuthenticationRequest struct {
	ApiKeyId     string `json:"api_key_id"`
	ApiKeySecret string `json:"api_key_secret"`
}

// LunoStreamMessage covers both the initial snapshot and later updates. Only
// the sequence and trade updates drive quotes; book updates are ignored.
type LunoStreamMessage struct {
	Sequence     int64                    `json:"sequence,string"`
	Asks         []LunoOrderBookPriceFeed `json:"asks"`
	Bids         []LunoOrderBookPriceFeed `json:"bids"`
	TradeUpdates []LunoStreamTradeUpdate  `json:"trade_updates"`
	StatusUpdate *LunoStreamStatusUpdate  `json:"status_update"`
	Status       string                   `json:"status"`
	Timestamp    int64                    `json:"timestamp"`
}

type LunoOrderBookPriceFeed struct {
	Id     string          `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

type LunoStreamTradeUpdate struct {
	Base         decimal.Decimal `json:"base"`
	Counter      decimal.Decimal `json:"counter"`
	MakerOrderId string          `json:"maker_order_id"`
	TakerOrderId string          `json:"taker_order_id"`
}

type LunoStreamStatusUpdate struct {
	Status string `json:"status"`
}
