package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PRO-RATA ALLOCATION
// =============================================================================

// Allocate splits total across weights in proportion, rounded to cents.
//
// The rounding residual is assigned to the largest weight, so
// Σ result == RoundMoney(total) exactly. Zero or negative total weight yields
// all zeros; callers must treat that as "nothing to allocate" rather than
// divide by zero.
func Allocate(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	for i := range out {
		out[i] = decimal.Zero
	}

	sum := decimal.Zero
	largest := -1
	for i, w := range weights {
		if w.IsNegative() {
			continue
		}
		sum = sum.Add(w)
		if largest < 0 || w.GreaterThan(weights[largest]) {
			largest = i
		}
	}
	if !sum.IsPositive() || largest < 0 {
		return out
	}

	target := RoundMoney(total)
	allocated := decimal.Zero
	for i, w := range weights {
		if w.IsNegative() {
			continue
		}
		share := RoundMoney(target.Mul(w).Div(sum))
		out[i] = share
		allocated = allocated.Add(share)
	}
	out[largest] = out[largest].Add(target.Sub(allocated))
	return out
}

// Sum adds a slice of decimals.
func Sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
