/*
reconcile.go - ReconciliationChecker: component totals vs lease totals

PURPOSE:
  After a build, certifies that the component schedules tie to figures
  computed at lease level without looking at the rows.

CHECKS:
  ROU           Σ first-row open carry        vs opening.InitialROU
                + Σ carry step at Remeasured     - opening.UnscheduledROU
                  rows
  Amortization  Σ row amortization            vs Σ min(rou_c, monthly_c × term)
                                                 per segment between
                                                 Remeasured rows
  Passed        both |difference| < 0.01

REMEASUREMENTS:
  A partial rebuild adds the component's deltaROU share to the carry at its
  first regenerated row and restarts the closed form there. A deltaROU that
  rebuilt nothing sits in opening.UnscheduledROU and is left out of the
  lease-level ROU until the next full build.

INFORMATIONAL:
  Component rows charge interest on the ROU carrying balance while the lease
  liability path charges it on the liability. Both totals are reported with
  their difference; the gap is expected and does not fail reconciliation.
*/
package lease

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/metrics"
)

// ReconciliationResult is always returned to the caller.
type ReconciliationResult struct {
	ComponentROU   decimal.Decimal `json:"component_rou"`
	LeaseROU       decimal.Decimal `json:"lease_rou"`
	UnscheduledROU decimal.Decimal `json:"unscheduled_rou"`
	ROUDifference  decimal.Decimal `json:"rou_difference"`
	ROUPassed      bool            `json:"rou_passed"`

	ComponentAmortization  decimal.Decimal `json:"component_amortization"`
	LeaseAmortization      decimal.Decimal `json:"lease_amortization"`
	AmortizationDifference decimal.Decimal `json:"amortization_difference"`
	AmortizationPassed     bool            `json:"amortization_passed"`

	ComponentInterest  decimal.Decimal `json:"component_interest"`
	LiabilityInterest  decimal.Decimal `json:"liability_interest"`
	InterestDifference decimal.Decimal `json:"interest_difference"`

	Passed bool `json:"reconciliation_passed"`
}

// Reconcile compares component schedules with lease-level totals. liability
// is the lease liability path and only feeds the interest comparison.
func Reconcile(lease generic.Lease, opening generic.OpeningMeasures, components []generic.Component, schedules map[generic.ComponentID][]generic.ScheduleRow, liability []LiabilityRow) ReconciliationResult {
	var r ReconciliationResult
	r.ComponentROU, r.ComponentAmortization, r.ComponentInterest = decimal.Zero, decimal.Zero, decimal.Zero

	rebased := decimal.Zero
	for _, c := range components {
		rows := schedules[c.ID]
		if len(rows) > 0 {
			r.ComponentROU = r.ComponentROU.Add(rows[0].OpenCarry)
		}
		for i, row := range rows {
			if i > 0 && row.Remeasured {
				rebased = rebased.Add(row.OpenCarry.Sub(rows[i-1].CloseCarry))
			}
			r.ComponentAmortization = r.ComponentAmortization.Add(row.Amortization)
			r.ComponentInterest = r.ComponentInterest.Add(row.Interest)
		}
	}
	r.ComponentROU = r.ComponentROU.Add(rebased)

	r.UnscheduledROU = generic.RoundMoney(opening.UnscheduledROU)
	r.LeaseROU = generic.RoundMoney(opening.InitialROU).Sub(r.UnscheduledROU)
	r.LeaseAmortization = expectedAmortization(lease, r.LeaseROU.Sub(rebased), components, schedules)

	r.LiabilityInterest = decimal.Zero
	for _, row := range liability {
		r.LiabilityInterest = r.LiabilityInterest.Add(row.Interest)
	}

	r.ROUDifference = r.ComponentROU.Sub(r.LeaseROU)
	r.AmortizationDifference = r.ComponentAmortization.Sub(r.LeaseAmortization)
	r.InterestDifference = r.ComponentInterest.Sub(r.LiabilityInterest)

	r.ROUPassed = r.ROUDifference.Abs().LessThan(generic.Cent)
	r.AmortizationPassed = r.AmortizationDifference.Abs().LessThan(generic.Cent)
	r.Passed = r.ROUPassed && r.AmortizationPassed
	return r
}

// ExpectedAmortization is the closed-form amortization over the lease term:
// per component min(rou_c, monthly_c × termMonths), summed.
func ExpectedAmortization(lease generic.Lease, opening generic.OpeningMeasures, components []generic.Component) decimal.Decimal {
	return expectedAmortization(lease, opening.InitialROU, components, nil)
}

// expectedAmortization splits each component's term at its Remeasured rows.
// The first segment starts from the component's share of basis, later ones
// from the open carry of their Remeasured row with the life RebuildFrom
// uses. Each segment contributes min(base, monthly × months).
func expectedAmortization(lease generic.Lease, basis decimal.Decimal, components []generic.Component, schedules map[generic.ComponentID][]generic.ScheduleRow) decimal.Decimal {
	term := lease.TermMonths()
	start := lease.Commence.Period()
	rous := ComponentROUs(basis, components)

	total := decimal.Zero
	for _, c := range components {
		base, from := rous[c.ID], 0
		rows := schedules[c.ID]
		for i := 1; i < len(rows); i++ {
			if !rows[i].Remeasured {
				continue
			}
			elapsed := start.MonthsUntil(rows[i].Period)
			total = total.Add(segmentAmortization(c, base, from, elapsed-from))
			base, from = rows[i].OpenCarry, elapsed
		}
		total = total.Add(segmentAmortization(c, base, from, term-from))
	}
	return total
}

func segmentAmortization(c generic.Component, base decimal.Decimal, elapsed, months int) decimal.Decimal {
	if months <= 0 {
		return decimal.Zero
	}
	life := c.UsefulLifeMonths
	if c.Method != generic.MethodDoubleDeclining && elapsed > 0 {
		life = c.UsefulLifeMonths - elapsed
		if life < 1 {
			life = 1
		}
	}
	expected := MonthlyAmortization(c.Method, base, life).Mul(decimal.NewFromInt(int64(months)))
	if expected.GreaterThan(base) {
		expected = base
	}
	return generic.RoundMoney(expected)
}

// Check reconciles the stored schedules of a lease without rebuilding them.
func (e *Engine) Check(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) (*ReconciliationResult, error) {
	lease, opening, err := loadLease(ctx, e.Store, companyID, leaseID)
	if err != nil {
		return nil, err
	}
	all, err := e.Store.ListComponents(ctx, companyID, leaseID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	active := generic.ActiveComponents(all)
	if len(active) == 0 {
		return nil, fmt.Errorf("lease %s: %w", leaseID, generic.ErrNoActiveComponents)
	}

	schedules := make(map[generic.ComponentID][]generic.ScheduleRow, len(active))
	for _, c := range active {
		if schedules[c.ID], err = e.Store.ListScheduleRows(ctx, companyID, c.ID); err != nil {
			return nil, fmt.Errorf("list rows %s: %w", c.ID, err)
		}
	}
	path, err := loadLiabilityPath(ctx, e.Store, *lease, *opening)
	if err != nil {
		return nil, err
	}

	r := Reconcile(*lease, *opening, active, schedules, path)
	metrics.RecordReconciliation(r.Passed)
	return &r, nil
}
