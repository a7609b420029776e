package lease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/lease"
)

func (f *fixture) recordEvent(t *testing.T, ev generic.RemeasurementEvent) *generic.RemeasurementEvent {
	t.Helper()
	ev.CompanyID = company
	ev.LeaseID = leaseID
	saved, err := f.engine.RecordEvent(context.Background(), ev)
	require.NoError(t, err)
	return saved
}

// =============================================================================
// APPLY TESTS
// =============================================================================

func TestApply_RateChange_PartialRebuildFromEffectiveMonth(t *testing.T) {
	// GIVEN: A designed lease and a RATE event effective 2026-01-01
	// WHEN: The event is applied
	// THEN: The artifact is stored, opening ROU moves by deltaROU,
	//       the lease rate is updated and only rows from 2026-01 change

	f := newFixture(t)
	ctx := context.Background()
	res := f.design(t, twoComponents())
	building := componentByCode(t, res.Components, "BUILDING")

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventRate,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
		NewRate:     ptr(dec("0.06")),
	})

	out, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Event.AppliedAt)
	assert.Regexp(t, hex64, out.Artifact.Checksum)
	require.NoError(t, lease.VerifyArtifact(out.Artifact.Document))

	stored, err := f.store.GetArtifactByEvent(ctx, company, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Artifact.Checksum, stored.Checksum)

	opening, err := f.store.GetOpeningMeasures(ctx, company, leaseID)
	require.NoError(t, err)
	assert.True(t, opening.InitialROU.Equal(dec("100000").Add(out.Remeasurement.Outputs.DeltaROU)))

	l, err := f.store.GetLease(ctx, company, leaseID)
	require.NoError(t, err)
	assert.Equal(t, "0.06", l.DiscountRate.String())

	rows, err := f.store.ListScheduleRows(ctx, company, building.ID)
	require.NoError(t, err)
	require.Len(t, rows, 60)
	original := res.Schedules[building.ID]
	assert.Equal(t, rowStrings(original[:12]), rowStrings(rows[:12]))
	assert.NotEqual(t, rowStrings(original[12:13]), rowStrings(rows[12:13]))
	require.Contains(t, out.Rebuilt, building.ID)
	assert.True(t, rows[59].CloseCarry.IsZero())
}

func TestApply_MidTermRateChange_MeasuresAgainstCarryingLiability(t *testing.T) {
	// GIVEN: A designed lease at 5% and a RATE event to 5.00001% effective
	//        2026-01-01, twelve months into the term
	// WHEN: The event is applied
	// THEN: The current liability is the liability path open balance of
	//       2026-01 and a negligible rate move gives a negligible delta

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	path, err := f.engine.LiabilitySchedule(ctx, company, leaseID)
	require.NoError(t, err)
	jan, ok := lease.LiabilityRowFor(path, generic.NewPeriod(2026, time.January))
	require.True(t, ok)
	assert.Equal(t, "81944.54", jan.OpenBalance.String())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventRate,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
		NewRate:     ptr(dec("0.0500001")),
	})
	out, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)

	r := out.Remeasurement
	assert.Equal(t, jan.OpenBalance.String(), r.Inputs.CurrentLiability.String())
	assert.True(t, r.Outputs.RateChanged)
	assert.True(t, r.Outputs.DeltaLiability.Abs().LessThan(dec("1")), "delta liability %s", r.Outputs.DeltaLiability)
	assert.True(t, r.Outputs.DeltaROU.Abs().LessThan(dec("1")), "delta ROU %s", r.Outputs.DeltaROU)

	// 32,000 of BUILDING and 56,666.67 of FITOUT are carried into 2026-01.
	assert.Equal(t, "88666.67", r.Inputs.CurrentROU.String())
}

func TestApply_RateChange_ReplaysIntoLiabilityPath(t *testing.T) {
	// GIVEN: A RATE event to 6% applied from 2026-01
	// THEN: The liability path books deltaLiability in 2026-01, accrues at
	//       6% from there and still runs off to zero at the end of the term

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventRate,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
		NewRate:     ptr(dec("0.06")),
	})
	out, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)
	delta := out.Remeasurement.Outputs.DeltaLiability
	assert.True(t, delta.IsNegative())

	path, err := f.engine.LiabilitySchedule(ctx, company, leaseID)
	require.NoError(t, err)
	require.Len(t, path, 60)

	jan := path[12]
	assert.Equal(t, delta.String(), jan.Remeasurement.String())
	assert.Equal(t, out.Remeasurement.Outputs.NewLiability.String(), jan.OpenBalance.Add(jan.Remeasurement).String())
	assert.Equal(t, generic.RoundMoney(jan.OpenBalance.Add(delta).Mul(dec("0.005"))).String(), jan.Interest.String())
	assert.True(t, path[11].Remeasurement.IsZero())
	assert.True(t, path[59].CloseBalance.Abs().LessThan(dec("1")), "residual %s", path[59].CloseBalance)
}

func TestApply_SecondRemeasurementStartsFromReplayedPath(t *testing.T) {
	// GIVEN: A RATE event to 6% applied from 2026-01
	// WHEN: A zero SCOPE change is applied from 2027-01
	// THEN: It is measured against the replayed 6% path and changes nothing

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	first := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventRate,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
		NewRate:     ptr(dec("0.06")),
	})
	_, err := f.engine.Apply(ctx, company, first.ID)
	require.NoError(t, err)

	path, err := f.engine.LiabilitySchedule(ctx, company, leaseID)
	require.NoError(t, err)
	jan27, ok := lease.LiabilityRowFor(path, generic.NewPeriod(2027, time.January))
	require.True(t, ok)

	second := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:           generic.EventScope,
		EffectiveOn:    generic.NewDate(2027, time.January, 1),
		ScopeChangePct: ptr(dec("0")),
	})
	out, err := f.engine.Apply(ctx, company, second.ID)
	require.NoError(t, err)
	assert.Equal(t, jan27.OpenBalance.String(), out.Remeasurement.Inputs.CurrentLiability.String())
	assert.Equal(t, "0.06", out.Remeasurement.Inputs.CurrentRate.String())
	assert.True(t, out.Remeasurement.Outputs.DeltaLiability.IsZero())
}

func TestApply_Twice_FailsAlreadyApplied(t *testing.T) {
	// GIVEN: An applied SCOPE event
	// WHEN: Applying it again
	// THEN: ErrEventAlreadyApplied and the ROU delta is not doubled

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:           generic.EventScope,
		EffectiveOn:    generic.NewDate(2025, time.January, 1),
		ScopeChangePct: ptr(dec("10")),
	})

	_, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, company, ev.ID)
	assert.ErrorIs(t, err, generic.ErrEventAlreadyApplied)
	assert.True(t, generic.IsConflict(err))

	opening, err := f.store.GetOpeningMeasures(ctx, company, leaseID)
	require.NoError(t, err)
	assert.Equal(t, "110000", opening.InitialROU.String())
}

func TestApply_ScopeDoesNotRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.design(t, twoComponents())
	building := componentByCode(t, res.Components, "BUILDING")

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:           generic.EventScope,
		EffectiveOn:    generic.NewDate(2025, time.January, 1),
		ScopeChangePct: ptr(dec("-20")),
	})
	out, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, out.Rebuilt)
	assert.Equal(t, "20000", out.Artifact.PnLImpact.String())

	rows, err := f.store.ListScheduleRows(ctx, company, building.ID)
	require.NoError(t, err)
	assert.Equal(t, rowStrings(res.Schedules[building.ID]), rowStrings(rows))
}

func TestApply_TerminationClosesComponents(t *testing.T) {
	// GIVEN: A designed lease terminated in March 2027
	// THEN: The carrying liability and ROU of that month are derecognized,
	//       every component is closed and the liability path stops there

	f := newFixture(t)
	ctx := context.Background()
	res := f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventTermination,
		EffectiveOn: generic.NewDate(2027, time.March, 31),
		Reason:      "early exit",
	})
	march := generic.NewPeriod(2027, time.March)
	before, err := f.engine.LiabilitySchedule(ctx, company, leaseID)
	require.NoError(t, err)
	liabilityRow, ok := lease.LiabilityRowFor(before, march)
	require.True(t, ok)

	out, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)

	carrying := decimal.Zero
	for _, c := range res.Components {
		carrying = carrying.Add(res.Schedules[c.ID][26].OpenCarry)
	}
	assert.Equal(t, liabilityRow.OpenBalance.Neg().String(), out.Remeasurement.Outputs.DeltaLiability.String())
	assert.Equal(t, carrying.Neg().String(), out.Remeasurement.Outputs.DeltaROU.String())
	assert.True(t, out.Remeasurement.Outputs.NewLiability.IsZero())
	assert.True(t, out.Remeasurement.Outputs.NewROU.IsZero())

	components, err := f.store.ListComponents(ctx, company, leaseID)
	require.NoError(t, err)
	assert.Empty(t, generic.ActiveComponents(components))

	opening, err := f.store.GetOpeningMeasures(ctx, company, leaseID)
	require.NoError(t, err)
	assert.True(t, opening.InitialROU.Equal(dec("100000").Sub(carrying)))

	after, err := f.engine.LiabilitySchedule(ctx, company, leaseID)
	require.NoError(t, err)
	last := after[len(after)-1]
	assert.Equal(t, march, last.Period)
	assert.True(t, last.CloseBalance.IsZero())
}

func TestApply_MissingFieldLeavesNoTrace(t *testing.T) {
	// GIVEN: An INDEX event without index_rate
	// THEN: Apply fails naming the field; no artifact, event not applied

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventIndex,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
	})
	_, err := f.engine.Apply(ctx, company, ev.ID)
	var merr *generic.MissingFieldError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "index_rate", merr.Field)

	_, err = f.store.GetArtifactByEvent(ctx, company, ev.ID)
	assert.ErrorIs(t, err, generic.ErrArtifactNotFound)

	stored, err := f.store.GetEvent(ctx, company, ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Applied())
}

func TestApply_UnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Apply(context.Background(), company, "missing")
	assert.ErrorIs(t, err, generic.ErrEventNotFound)
}

func TestRecordEvent_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordEvent(ctx, generic.RemeasurementEvent{
		CompanyID: company, LeaseID: leaseID, Kind: "BOGUS",
		EffectiveOn: generic.NewDate(2026, time.January, 1),
	})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.engine.RecordEvent(ctx, generic.RemeasurementEvent{
		CompanyID: company, LeaseID: leaseID, Kind: generic.EventTermination,
		EffectiveOn: generic.NewDate(2024, time.January, 1),
	})
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "effective_on", verr.Field)

	_, err = f.engine.RecordEvent(ctx, generic.RemeasurementEvent{
		CompanyID: company, LeaseID: "missing", Kind: generic.EventTermination,
		EffectiveOn: generic.NewDate(2026, time.January, 1),
	})
	assert.ErrorIs(t, err, generic.ErrLeaseNotFound)
}

// =============================================================================
// POST TESTS
// =============================================================================

func TestPostRemeasurement_BalancedOncePerEvent(t *testing.T) {
	// GIVEN: An applied SCOPE reduction of a quarter from July 2025
	// WHEN: Posting twice
	// THEN: One balanced journal; the second call is ErrAlreadyPosted

	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:           generic.EventScope,
		EffectiveOn:    generic.NewDate(2025, time.July, 1),
		ScopeChangePct: ptr(dec("-25")),
	})
	_, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)

	id, err := f.engine.PostRemeasurement(ctx, company, ev.ID)
	require.NoError(t, err)

	j, ok := f.journal.Get(id)
	require.True(t, ok)
	debit, credit := j.Totals()
	assert.True(t, debit.Equal(credit))
	assert.Equal(t, lease.RemeasurementLockKey(ev.ID), j.Reference)
	assert.Equal(t, "2025-07-01", j.PostingDate.String())

	_, err = f.engine.PostRemeasurement(ctx, company, ev.ID)
	assert.ErrorIs(t, err, generic.ErrAlreadyPosted)
	assert.Len(t, f.journal.All(), 1)
}

func TestPostRemeasurement_GLFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.design(t, twoComponents())

	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventTermination,
		EffectiveOn: generic.NewDate(2027, time.January, 1),
	})
	_, err := f.engine.Apply(ctx, company, ev.ID)
	require.NoError(t, err)

	gl := errors.New("gl unavailable")
	f.journal.FailNext = gl
	_, err = f.engine.PostRemeasurement(ctx, company, ev.ID)
	assert.ErrorIs(t, err, gl)

	n, err := f.store.CountPostingLocks(ctx, company, lease.RemeasurementLockKey(ev.ID))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.PostRemeasurement(ctx, company, ev.ID)
	assert.NoError(t, err)
}

func TestPostRemeasurement_NotApplied(t *testing.T) {
	f := newFixture(t)
	ev := f.recordEvent(t, generic.RemeasurementEvent{
		Kind:        generic.EventTermination,
		EffectiveOn: generic.NewDate(2027, time.January, 1),
	})
	_, err := f.engine.PostRemeasurement(context.Background(), company, ev.ID)
	assert.ErrorIs(t, err, generic.ErrArtifactNotFound)
}
