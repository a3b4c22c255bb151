// Package normalize converts raw per-fill gross profit into values that can
// be compared across claims with different quantities and days supply.
package normalize

import (
	"math"

	"github.com/shopspring/decimal"
)

// Hints carries a trigger's optional normalization targets. A zero value
// means "not set".
type Hints struct {
	// ExpectedQty is the quantity of one expected fill of the recommended
	// product. When set, profit is scaled to that fill size.
	ExpectedQty float64
	// ExpectedDaysSupply is the days supply of one expected fill. Used both
	// for per-30-day scaling and as the short-fill floor.
	ExpectedDaysSupply int
}

// Minimum days-supply floors for claims to count as representative fills.
const (
	defaultMinDays   = 20
	perMonthMinDays  = 28
	shortFillPercent = 0.8
)

// EstimateDaysSupply returns the claim's days supply, falling back to a
// quantity heuristic when the claim did not report one.
func EstimateDaysSupply(daysSupply int, quantity float64) int {
	if daysSupply > 0 {
		return daysSupply
	}
	switch {
	case quantity > 60:
		return 90
	case quantity > 34:
		return 60
	default:
		return 30
	}
}

// PerFill normalizes a claim's raw gross profit using the trigger's hints.
// The boolean is false when the claim is too short a fill to be
// representative and must be excluded from ranking entirely.
func PerFill(rawGP decimal.Decimal, quantity float64, daysSupply int, h Hints) (decimal.Decimal, bool) {
	estDays := EstimateDaysSupply(daysSupply, quantity)

	switch {
	case h.ExpectedQty > 0:
		if !meetsMinDays(estDays, h.ExpectedDaysSupply) {
			return decimal.Zero, false
		}
		qty := quantity
		if qty < 1 {
			qty = 1
		}
		ratio := decimal.NewFromFloat(h.ExpectedQty).Div(decimal.NewFromFloat(qty))
		return rawGP.Mul(ratio).Round(4), true

	case h.ExpectedDaysSupply > 0:
		if !meetsMinDays(estDays, h.ExpectedDaysSupply) {
			return decimal.Zero, false
		}
		ratio := decimal.NewFromInt(30).Div(decimal.NewFromInt(int64(estDays)))
		return rawGP.Mul(ratio).Round(4), true

	default:
		if estDays < perMonthMinDays {
			return decimal.Zero, false
		}
		months := int64(math.Ceil(float64(estDays) / 30))
		if months < 1 {
			months = 1
		}
		return rawGP.Div(decimal.NewFromInt(months)).Round(4), true
	}
}

// meetsMinDays applies the short-fill filter: below 80% of the expected days
// supply, or below 20 days when no expectation is configured.
func meetsMinDays(estDays, expectedDays int) bool {
	if expectedDays > 0 {
		return float64(estDays) >= shortFillPercent*float64(expectedDays)
	}
	return estDays >= defaultMinDays
}
