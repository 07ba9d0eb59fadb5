package arbitrage

import (
	"crypto-exchange-arbitrage/internal/domain"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sizing holds the order size targets shared by every symbol.
type Sizing struct {
	NotionalFloor decimal.Decimal
	MinQuantity   decimal.Decimal
}

// NormalizeQuantity sizes an order worth at least the notional floor at price
// and rounds it to the instrument's step. The result is a whole number of
// steps and never below the larger of the quantity floor and the venue minimum.
func NormalizeQuantity(s Sizing, price decimal.Decimal, lc domain.LotConstraint) (decimal.Decimal, error) {
	if !lc.StepSize.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: step size unavailable", domain.ErrConstraintUnavailable)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", domain.ErrQuotesUnavailable, price)
	}

	floor := decimal.Max(s.MinQuantity, lc.MinQty)
	raw := decimal.Max(floor, s.NotionalFloor.Div(price))

	steps := raw.Div(lc.StepSize).Round(0)
	qty := steps.Mul(lc.StepSize)
	if qty.LessThan(floor) {
		qty = floor.Div(lc.StepSize).Ceil().Mul(lc.StepSize)
	}
	if !qty.IsPositive() {
		qty = lc.StepSize
	}
	return qty.Round(precisionOf(lc)), nil
}

// FormatQuantity renders qty with exactly the instrument's decimal places.
func FormatQuantity(qty decimal.Decimal, lc domain.LotConstraint) string {
	return qty.StringFixed(precisionOf(lc))
}

func precisionOf(lc domain.LotConstraint) int32 {
	return max(lc.Precision, domain.DecimalPlaces(lc.StepSize))
}

// CombineConstraints returns a constraint legal on both venues: the coarser
// step, which must be a whole multiple of the finer one, and the larger minimum.
func CombineConstraints(a, b domain.LotConstraint) (domain.LotConstraint, error) {
	if !a.StepSize.IsPositive() || !b.StepSize.IsPositive() {
		return domain.LotConstraint{}, fmt.Errorf("%w: step size unavailable", domain.ErrConstraintUnavailable)
	}
	coarse, fine := a, b
	if fine.StepSize.GreaterThan(coarse.StepSize) {
		coarse, fine = fine, coarse
	}
	if !coarse.StepSize.Mod(fine.StepSize).IsZero() {
		return domain.LotConstraint{}, fmt.Errorf("%w: step %s is not a multiple of %s",
			domain.ErrConstraintUnavailable, coarse.StepSize, fine.StepSize)
	}
	return domain.LotConstraint{
		StepSize:  coarse.StepSize,
		Precision: precisionOf(coarse),
		MinQty:    decimal.Max(a.MinQty, b.MinQty),
	}, nil
}
