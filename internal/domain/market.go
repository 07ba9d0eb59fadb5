package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the last observed trade price of one instrument on one venue.
type Quote struct {
	Venue        Venue           `json:"venue"`
	NativeSymbol string          `json:"native_symbol"`
	Price        decimal.Decimal `json:"price"`
	ObservedAt   time.Time       `json:"observed_at"`
}

type LotConstraint struct {
	StepSize  decimal.Decimal `json:"step_size"`
	Precision int32           `json:"precision"`
	MinQty    decimal.Decimal `json:"min_qty"`
}

// NewLotConstraint derives the precision from the step size, so "0.00010000" yields 4.
func NewLotConstraint(stepSize, minQty decimal.Decimal) LotConstraint {
	return LotConstraint{StepSize: stepSize, Precision: DecimalPlaces(stepSize), MinQty: minQty}
}

// DecimalPlaces counts the significant fractional digits of d.
func DecimalPlaces(d decimal.Decimal) int32 {
	s := d.String()
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return int32(len(s) - i - 1)
		}
	}
	return 0
}

type OrderRequest struct {
	ClientOrderID string
	NativeSymbol  string
	Side          Side
	Quantity      string
}

type OrderFill struct {
	OrderID     string          `json:"order_id"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
}

// PriceKnown reports whether the venue confirmed an average fill price.
func (f OrderFill) PriceKnown() bool {
	return f.FilledPrice.IsPositive()
}

type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
