package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// LIABILITY PATH - Lease-level liability amortization
// =============================================================================

// LiabilityRow is one month of the lease liability roll-forward.
// Remeasurement is the deltaLiability booked in the month, if any.
type LiabilityRow struct {
	Period        generic.Period
	OpenBalance   decimal.Decimal
	Interest      decimal.Decimal
	Remeasurement decimal.Decimal
	Payment       decimal.Decimal
	CloseBalance  decimal.Decimal
}

// AppliedRemeasurement is what the liability path replays from one stored
// artifact.
type AppliedRemeasurement struct {
	Kind           generic.EventKind
	Period         generic.Period
	RateBefore     decimal.Decimal
	RateAfter      decimal.Decimal
	DeltaLiability decimal.Decimal
}

// ComputeLiabilitySchedule rolls the lease liability forward over the term:
// close = open + open × rate/12 - payments due that month.
// OpenBalance is the carrying liability at the start of the month, which is
// what a remeasurement effective in that month is measured against.
//
// It is independent of the component schedules and is what reconciliation
// and period posting measure interest against.
func ComputeLiabilitySchedule(lease generic.Lease, opening generic.OpeningMeasures, flows []generic.Cashflow) []LiabilityRow {
	return ComputeLiabilityPath(lease, opening, flows, nil)
}

// ComputeLiabilityPath is ComputeLiabilitySchedule with applied
// remeasurements replayed in effective-month order. The first applied
// artifact's prior rate is the rate from commencement. In an effective month
// deltaLiability is booked on the opening balance and interest accrues at the
// new rate. The path stops after a TERMINATION month.
func ComputeLiabilityPath(lease generic.Lease, opening generic.OpeningMeasures, flows []generic.Cashflow, history []AppliedRemeasurement) []LiabilityRow {
	months := lease.TermMonths()
	start := lease.Commence.Period()

	rate := lease.DiscountRate
	if len(history) > 0 {
		rate = history[0].RateBefore
	}
	events := append([]AppliedRemeasurement(nil), history...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Period.Before(events[j].Period) })

	payments := make(map[generic.Period]decimal.Decimal, len(flows))
	for _, f := range flows {
		p := f.DueOn.Period()
		payments[p] = payments[p].Add(f.Amount)
	}

	rows := make([]LiabilityRow, 0, months)
	balance := generic.RoundMoney(opening.InitialLiability)
	next := 0
	for i := 0; i < months; i++ {
		period := start.Add(i)
		payment := generic.RoundMoney(payments[period])

		delta := decimal.Zero
		terminated := false
		for ; next < len(events) && events[next].Period.BeforeOrEqual(period); next++ {
			ev := events[next]
			delta = delta.Add(ev.DeltaLiability)
			rate = ev.RateAfter
			if ev.Kind == generic.EventTermination {
				terminated = true
			}
		}
		remeasured := balance.Add(delta)
		interest := generic.RoundMoney(remeasured.Mul(generic.MonthlyRate(rate)))
		if terminated {
			interest, payment = decimal.Zero, decimal.Zero
		}
		closeBalance := remeasured.Add(interest).Sub(payment)

		rows = append(rows, LiabilityRow{
			Period:        period,
			OpenBalance:   balance,
			Interest:      interest,
			Remeasurement: delta,
			Payment:       payment,
			CloseBalance:  closeBalance,
		})
		if terminated {
			break
		}
		balance = closeBalance
	}
	return rows
}

// LiabilityRowFor returns the row for period, or false outside the path.
func LiabilityRowFor(rows []LiabilityRow, period generic.Period) (LiabilityRow, bool) {
	if len(rows) == 0 {
		return LiabilityRow{}, false
	}
	i := rows[0].Period.MonthsUntil(period)
	if i < 0 || i >= len(rows) {
		return LiabilityRow{}, false
	}
	return rows[i], true
}

// =============================================================================
// HISTORY - Applied remeasurements read back from their artifacts
// =============================================================================

// artifactTotals is the part of a stored document the history needs.
type artifactTotals struct {
	Inputs  Inputs  `json:"inputs"`
	Outputs Outputs `json:"outputs"`
}

// DecodeApplied reads an AppliedRemeasurement from a stored artifact.
func DecodeApplied(a generic.RemeasurementArtifact) (AppliedRemeasurement, error) {
	var doc artifactTotals
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return AppliedRemeasurement{}, fmt.Errorf("decode artifact %s: %w", a.ID, err)
	}
	return AppliedRemeasurement{
		Kind:           a.Kind,
		Period:         doc.Inputs.EffectiveOn.Period(),
		RateBefore:     doc.Inputs.CurrentRate,
		RateAfter:      doc.Outputs.NewRate,
		DeltaLiability: a.DeltaLiability,
	}, nil
}

// loadLiabilityPath replays every applied remeasurement of the lease over its
// cashflows.
func loadLiabilityPath(ctx context.Context, s generic.Store, lease generic.Lease, opening generic.OpeningMeasures) ([]LiabilityRow, error) {
	flows, err := s.ListCashflows(ctx, lease.CompanyID, lease.ID, lease.Commence)
	if err != nil {
		return nil, fmt.Errorf("list cashflows: %w", err)
	}
	artifacts, err := s.ListArtifacts(ctx, lease.CompanyID, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	history := make([]AppliedRemeasurement, 0, len(artifacts))
	for _, a := range artifacts {
		applied, err := DecodeApplied(a)
		if err != nil {
			return nil, err
		}
		history = append(history, applied)
	}
	return ComputeLiabilityPath(lease, opening, flows, history), nil
}

// LiabilitySchedule loads the liability path of a stored lease.
func (e *Engine) LiabilitySchedule(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) ([]LiabilityRow, error) {
	lease, opening, err := loadLease(ctx, e.Store, companyID, leaseID)
	if err != nil {
		return nil, err
	}
	return loadLiabilityPath(ctx, e.Store, *lease, *opening)
}
