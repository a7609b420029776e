/*
schedule.go - ScheduleBuilder: per-component monthly amortization rows

PURPOSE:
  Generates the amortization schedule of each ACTIVE component of a lease
  from the opening ROU, the component's method and useful life, and the
  lease term.

FORMULAS:
  componentROU = pct_of_rou × opening.InitialROU (allocated to the cent,
                 residual to the largest component so Σ == InitialROU)
  monthly      = SL:    componentROU / usefulLifeMonths
                 DDB:   componentROU × (2 / usefulLifeMonths) / 12
                 UNITS: same as SL until consumption data exists
  per row      = amort    = min(monthly-to-date, carry)
                 close    = max(0, carry - amort)
                 interest = carry × discountRate / 12

ROUNDING:
  Amortization is cumulative-bounded: row i books
  round(monthly × i) - Σ previous amortization, capped at the carry. Drift
  never accumulates past one cent and close carry never goes negative.

REBUILDS:
  Build is a FULL replace: every row of the component is deleted and the new
  set inserted, in one transaction, and the lease's unscheduled ROU is reset.
  RebuildFrom is a PARTIAL replace used by remeasurement: rows before the
  effective month are kept, the rest are regenerated from the last kept close
  carry with the current rate. The first regenerated row is flagged
  Remeasured so reconciliation can find the segment.

SEE ALSO:
  - reconcile.go: certifies the totals of a build
  - remeasurer.go: triggers RebuildFrom
*/
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/metrics"
)

// =============================================================================
// PURE SCHEDULE COMPUTATION
// =============================================================================

// ScheduleInput is everything ComputeSchedule needs; it performs no I/O.
type ScheduleInput struct {
	CompanyID        generic.CompanyID
	ComponentID      generic.ComponentID
	Method           generic.AmortizationMethod
	Base             decimal.Decimal // carrying amount at Start
	UsefulLifeMonths int             // life the method spreads Base over
	Months           int             // number of rows to generate
	Start            generic.Period
	AnnualRate       decimal.Decimal
}

// MonthlyAmortization returns the unrounded monthly charge for a method.
func MonthlyAmortization(method generic.AmortizationMethod, base decimal.Decimal, usefulLifeMonths int) decimal.Decimal {
	if usefulLifeMonths <= 0 || !base.IsPositive() {
		return decimal.Zero
	}
	life := decimal.NewFromInt(int64(usefulLifeMonths))
	switch method {
	case generic.MethodDoubleDeclining:
		return base.Mul(decimal.NewFromInt(2).Div(life)).Div(generic.Twelve)
	default:
		// SL, and UNITS pending consumption-driver data.
		return base.Div(life)
	}
}

// ComputeSchedule rolls the carrying amount forward month by month.
// Identical inputs always produce identical rows.
func ComputeSchedule(in ScheduleInput) []generic.ScheduleRow {
	if in.Months <= 0 {
		return nil
	}
	monthly := MonthlyAmortization(in.Method, in.Base, in.UsefulLifeMonths)
	monthlyRate := generic.MonthlyRate(in.AnnualRate)

	rows := make([]generic.ScheduleRow, 0, in.Months)
	carry := generic.RoundMoney(generic.MaxZero(in.Base))
	booked := decimal.Zero

	for i := 0; i < in.Months; i++ {
		target := generic.RoundMoney(monthly.Mul(decimal.NewFromInt(int64(i + 1))))
		amort := generic.MaxZero(target.Sub(booked))
		if amort.GreaterThan(carry) {
			amort = carry
		}
		closeCarry := generic.MaxZero(carry.Sub(amort))

		rows = append(rows, generic.ScheduleRow{
			ComponentID:  in.ComponentID,
			CompanyID:    in.CompanyID,
			Period:       in.Start.Add(i),
			OpenCarry:    carry,
			Amortization: amort,
			Interest:     generic.RoundMoney(carry.Mul(monthlyRate)),
			CloseCarry:   closeCarry,
		})

		booked = booked.Add(amort)
		carry = closeCarry
	}
	return rows
}

// ComponentROUs allocates the opening ROU across components by pct_of_rou.
func ComponentROUs(initialROU decimal.Decimal, components []generic.Component) map[generic.ComponentID]decimal.Decimal {
	weights := make([]decimal.Decimal, len(components))
	for i, c := range components {
		weights[i] = c.PctOfROU
	}
	shares := generic.Allocate(initialROU, weights)

	out := make(map[generic.ComponentID]decimal.Decimal, len(components))
	for i, c := range components {
		out[c.ID] = shares[i]
	}
	return out
}

// ComputeLeaseSchedules computes full schedules for every given component.
func ComputeLeaseSchedules(lease generic.Lease, opening generic.OpeningMeasures, components []generic.Component) map[generic.ComponentID][]generic.ScheduleRow {
	rous := ComponentROUs(opening.InitialROU, components)
	start := lease.Commence.Period()
	out := make(map[generic.ComponentID][]generic.ScheduleRow, len(components))
	for _, c := range components {
		out[c.ID] = ComputeSchedule(ScheduleInput{
			CompanyID:        lease.CompanyID,
			ComponentID:      c.ID,
			Method:           c.Method,
			Base:             rous[c.ID],
			UsefulLifeMonths: c.UsefulLifeMonths,
			Months:           lease.TermMonths(),
			Start:            start,
			AnnualRate:       lease.DiscountRate,
		})
	}
	return out
}

// =============================================================================
// BUILD - Full replace inside one transaction
// =============================================================================

// BuildResult is returned by Build and Design.
type BuildResult struct {
	Lease          generic.Lease
	Opening        generic.OpeningMeasures
	Components     []generic.Component
	Schedules      map[generic.ComponentID][]generic.ScheduleRow
	Reconciliation ReconciliationResult
}

// Build regenerates the full schedule of every ACTIVE component of a lease.
func (e *Engine) Build(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) (*BuildResult, error) {
	started := time.Now()
	var result *BuildResult
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		var err error
		result, err = e.buildTx(ctx, s, companyID, leaseID)
		return err
	})
	metrics.ObserveScheduleBuild("full", started, err)
	if err != nil {
		e.Log.Warn("schedule build failed",
			zap.String("company_id", string(companyID)),
			zap.String("lease_id", string(leaseID)),
			zap.Error(err))
		return nil, err
	}

	metrics.RecordReconciliation(result.Reconciliation.Passed)
	e.Log.Info("schedule built",
		zap.String("company_id", string(companyID)),
		zap.String("lease_id", string(leaseID)),
		zap.Int("components", len(result.Components)),
		zap.Bool("reconciled", result.Reconciliation.Passed))
	return result, nil
}

func (e *Engine) buildTx(ctx context.Context, s generic.Store, companyID generic.CompanyID, leaseID generic.LeaseID) (*BuildResult, error) {
	lease, opening, err := loadLease(ctx, s, companyID, leaseID)
	if err != nil {
		return nil, err
	}
	all, err := s.ListComponents(ctx, companyID, leaseID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	active := generic.ActiveComponents(all)
	if len(active) == 0 {
		return nil, fmt.Errorf("lease %s: %w", leaseID, generic.ErrNoActiveComponents)
	}

	schedules := ComputeLeaseSchedules(*lease, *opening, active)
	for _, c := range active {
		if err := s.ReplaceSchedule(ctx, companyID, c.ID, schedules[c.ID]); err != nil {
			return nil, fmt.Errorf("replace schedule %s: %w", c.ID, err)
		}
	}
	if !opening.UnscheduledROU.IsZero() {
		if err := s.SetUnscheduledROU(ctx, companyID, leaseID, decimal.Zero); err != nil {
			return nil, fmt.Errorf("reset unscheduled ROU: %w", err)
		}
		opening.UnscheduledROU = decimal.Zero
	}

	path, err := loadLiabilityPath(ctx, s, *lease, *opening)
	if err != nil {
		return nil, err
	}

	return &BuildResult{
		Lease:          *lease,
		Opening:        *opening,
		Components:     active,
		Schedules:      schedules,
		Reconciliation: Reconcile(*lease, *opening, active, schedules, path),
	}, nil
}

// =============================================================================
// REBUILD FROM - Partial replace after a remeasurement
// =============================================================================

// RebuildFrom regenerates rows at or after `from` for every ACTIVE component,
// using the lease's current discount rate. deltaROU is spread across the
// components by pct_of_rou and added to the last kept close carry.
//
// It runs on the caller's transactional store s.
func (e *Engine) RebuildFrom(ctx context.Context, s generic.Store, lease generic.Lease, from generic.Period, deltaROU decimal.Decimal) (map[generic.ComponentID][]generic.ScheduleRow, error) {
	started := time.Now()
	out, err := rebuildFrom(ctx, s, lease, from, deltaROU)
	metrics.ObserveScheduleBuild("partial", started, err)
	return out, err
}

func rebuildFrom(ctx context.Context, s generic.Store, lease generic.Lease, from generic.Period, deltaROU decimal.Decimal) (map[generic.ComponentID][]generic.ScheduleRow, error) {
	all, err := s.ListComponents(ctx, lease.CompanyID, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	active := generic.ActiveComponents(all)
	if len(active) == 0 {
		return nil, fmt.Errorf("lease %s: %w", lease.ID, generic.ErrNoActiveComponents)
	}

	start := lease.Commence.Period()
	term := lease.TermMonths()
	if from.Before(start) {
		from = start
	}
	elapsed := start.MonthsUntil(from)
	remaining := term - elapsed
	if remaining <= 0 {
		return map[generic.ComponentID][]generic.ScheduleRow{}, nil
	}

	weights := make([]decimal.Decimal, len(active))
	for i, c := range active {
		weights[i] = c.PctOfROU
	}
	shares := generic.Allocate(deltaROU, weights)

	out := make(map[generic.ComponentID][]generic.ScheduleRow, len(active))
	for i, c := range active {
		base, err := carryBefore(ctx, s, lease, c, from)
		if err != nil {
			return nil, err
		}
		base = generic.MaxZero(base.Add(shares[i]))

		life := c.UsefulLifeMonths
		if c.Method != generic.MethodDoubleDeclining {
			// SL spreads what is left over the remaining useful life.
			life = c.UsefulLifeMonths - elapsed
			if life < 1 {
				life = 1
			}
		}

		rows := ComputeSchedule(ScheduleInput{
			CompanyID:        lease.CompanyID,
			ComponentID:      c.ID,
			Method:           c.Method,
			Base:             base,
			UsefulLifeMonths: life,
			Months:           remaining,
			Start:            from,
			AnnualRate:       lease.DiscountRate,
		})
		if len(rows) > 0 {
			rows[0].Remeasured = true
		}
		if err := s.ReplaceScheduleFrom(ctx, lease.CompanyID, c.ID, from, rows); err != nil {
			return nil, fmt.Errorf("replace schedule %s from %s: %w", c.ID, from, err)
		}
		out[c.ID] = rows
	}
	return out, nil
}

// carryBefore returns the close carry of the last row before `from`, or the
// component's opening share when no earlier row exists.
func carryBefore(ctx context.Context, s generic.Store, lease generic.Lease, c generic.Component, from generic.Period) (decimal.Decimal, error) {
	row, err := s.LatestScheduleRow(ctx, lease.CompanyID, c.ID, from.Add(-1))
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest row %s: %w", c.ID, err)
	}
	if row != nil {
		return row.CloseCarry, nil
	}
	first, err := s.ListScheduleRows(ctx, lease.CompanyID, c.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list rows %s: %w", c.ID, err)
	}
	if len(first) > 0 {
		return first[0].OpenCarry, nil
	}
	opening, err := s.GetOpeningMeasures(ctx, lease.CompanyID, lease.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return generic.RoundMoney(c.PctOfROU.Mul(opening.InitialROU)), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func loadLease(ctx context.Context, s generic.Store, companyID generic.CompanyID, leaseID generic.LeaseID) (*generic.Lease, *generic.OpeningMeasures, error) {
	lease, err := s.GetLease(ctx, companyID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	opening, err := s.GetOpeningMeasures(ctx, companyID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	return lease, opening, nil
}
