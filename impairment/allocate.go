package impairment

import (
	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// PURE ALLOCATION
// =============================================================================

// Target is one component under test with its carrying amount at the as-of
// date.
type Target struct {
	Component generic.Component
	Carrying  decimal.Decimal
	// Estimated marks a carrying amount taken from pct_of_rou × opening ROU
	// because the component had no schedule row yet.
	Estimated bool
}

// Measurement is the result of Measure; it performs no I/O.
type Measurement struct {
	TotalCarrying decimal.Decimal
	Loss          decimal.Decimal
	Lines         []generic.ImpairmentLine
}

// Measure computes loss = max(0, Σ carrying - recoverable) and allocates it
// pro-rata to the carrying amounts. A zero total yields zero loss.
func Measure(targets []Target, recoverable decimal.Decimal) Measurement {
	m := Measurement{TotalCarrying: decimal.Zero, Loss: decimal.Zero}
	weights := make([]decimal.Decimal, len(targets))
	for i, t := range targets {
		carrying := generic.RoundMoney(generic.MaxZero(t.Carrying))
		weights[i] = carrying
		m.TotalCarrying = m.TotalCarrying.Add(carrying)
	}

	if m.TotalCarrying.IsPositive() {
		m.Loss = generic.RoundMoney(generic.MaxZero(m.TotalCarrying.Sub(recoverable)))
	}
	shares := generic.Allocate(m.Loss, weights)

	m.Lines = make([]generic.ImpairmentLine, len(targets))
	for i, t := range targets {
		m.Lines[i] = generic.ImpairmentLine{
			CompanyID:         t.Component.CompanyID,
			ComponentID:       t.Component.ID,
			CarryingAmount:    weights[i],
			AllocatedLoss:     shares[i],
			AllocatedReversal: decimal.Zero,
			AfterAmount:       generic.MaxZero(weights[i].Sub(shares[i])),
			Estimated:         t.Estimated,
		}
	}
	return m
}

// ApplyReversal spreads amount over lines by their original loss share and
// returns the updated lines. after = max(0, carrying - loss + reversal).
func ApplyReversal(lines []generic.ImpairmentLine, amount decimal.Decimal) []generic.ImpairmentLine {
	weights := make([]decimal.Decimal, len(lines))
	for i, l := range lines {
		weights[i] = l.AllocatedLoss
	}
	shares := generic.Allocate(amount, weights)

	out := make([]generic.ImpairmentLine, len(lines))
	for i, l := range lines {
		l.AllocatedReversal = l.AllocatedReversal.Add(shares[i])
		l.AfterAmount = generic.MaxZero(l.CarryingAmount.Sub(l.AllocatedLoss).Add(l.AllocatedReversal))
		out[i] = l
	}
	return out
}
