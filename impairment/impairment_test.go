package impairment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/generic/store"
	"github.com/warp/lease-engine/impairment"
	"github.com/warp/lease-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const company generic.CompanyID = "acme"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	allocator *impairment.Allocator
	store     *sqlite.Store
	journal   *store.Journal
	fx        *store.StaticFX
}

// newFixture stores one lease (opening ROU 100,000) with components:
//
//	A  CGU-1  pct 0.3  close carry 30,000 at 2025-05
//	B  CGU-1  pct 0.7  close carry 70,000 at 2025-05
//	C  CGU-2  pct 0.5  no schedule rows
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	l := generic.Lease{
		ID:               "lease-1",
		CompanyID:        company,
		Code:             "WAREHOUSE",
		Commence:         generic.NewDate(2025, time.January, 1),
		End:              generic.NewDate(2029, time.December, 31),
		DiscountRate:     dec("0.05"),
		Currency:         "USD",
		PaymentFrequency: generic.FrequencyMonthly,
	}
	require.NoError(t, s.SaveLease(ctx, l))
	require.NoError(t, s.SaveOpeningMeasures(ctx, generic.OpeningMeasures{
		LeaseID:          l.ID,
		CompanyID:        company,
		InitialLiability: dec("100000"),
		InitialROU:       dec("100000"),
	}))

	seed := func(id generic.ComponentID, cgu, pct, closeCarry string) {
		require.NoError(t, s.SaveComponent(ctx, generic.Component{
			ID:               id,
			CompanyID:        company,
			LeaseID:          l.ID,
			Code:             string(id),
			CGUCode:          cgu,
			PctOfROU:         dec(pct),
			UsefulLifeMonths: 60,
			Method:           generic.MethodStraightLine,
			StartOn:          l.Commence,
			EndOn:            l.End,
			Status:           generic.ComponentActive,
		}))
		if closeCarry == "" {
			return
		}
		require.NoError(t, s.ReplaceSchedule(ctx, company, id, []generic.ScheduleRow{{
			ComponentID:  id,
			CompanyID:    company,
			Period:       generic.NewPeriod(2025, time.May),
			OpenCarry:    dec(closeCarry).Add(dec("500")),
			Amortization: dec("500"),
			Interest:     decimal.Zero,
			CloseCarry:   dec(closeCarry),
		}}))
	}
	seed("A", "CGU-1", "0.3", "30000")
	seed("B", "CGU-1", "0.7", "70000")
	seed("C", "CGU-2", "0.5", "")

	journal := store.NewJournal()
	fx := store.NewStaticFX()
	return &fixture{
		allocator: impairment.NewAllocator(s, journal, fx, nil),
		store:     s,
		journal:   journal,
		fx:        fx,
	}
}

func cguRequest(recoverable string) impairment.AssessRequest {
	return impairment.AssessRequest{
		CompanyID:         company,
		CGUCode:           "CGU-1",
		Level:             generic.LevelCGU,
		Method:            generic.MethodVIU,
		DiscountRate:      dec("0.08"),
		RecoverableAmount: dec(recoverable),
		AsOf:              "2025-06-30",
	}
}

func (f *fixture) assess(t *testing.T, req impairment.AssessRequest) *impairment.Assessment {
	t.Helper()
	out, err := f.allocator.Assess(context.Background(), req)
	require.NoError(t, err)
	return out
}

func targets(carrying ...string) []impairment.Target {
	out := make([]impairment.Target, len(carrying))
	for i, c := range carrying {
		out[i] = impairment.Target{
			Component: generic.Component{ID: generic.ComponentID(string(rune('A' + i))), CompanyID: company},
			Carrying:  dec(c),
		}
	}
	return out
}

// =============================================================================
// PURE ALLOCATION TESTS
// =============================================================================

func TestMeasure_ProRata(t *testing.T) {
	// GIVEN: Carrying 30,000 and 70,000, recoverable 40,000
	// THEN: Loss 60,000 allocated 18,000 / 42,000

	m := impairment.Measure(targets("30000", "70000"), dec("40000"))

	assert.Equal(t, "100000", m.TotalCarrying.String())
	assert.Equal(t, "60000", m.Loss.String())
	require.Len(t, m.Lines, 2)
	assert.Equal(t, "18000", m.Lines[0].AllocatedLoss.String())
	assert.Equal(t, "42000", m.Lines[1].AllocatedLoss.String())
	assert.Equal(t, "12000", m.Lines[0].AfterAmount.String())
	assert.Equal(t, "28000", m.Lines[1].AfterAmount.String())
}

func TestMeasure_ResidualCentToLargestLine(t *testing.T) {
	m := impairment.Measure(targets("100", "100", "200"), dec("300"))

	// Loss 100 over 1:1:2 is 25 / 25 / 50, exact.
	assert.Equal(t, "25", m.Lines[0].AllocatedLoss.String())
	assert.Equal(t, "50", m.Lines[2].AllocatedLoss.String())

	m = impairment.Measure(targets("1", "1", "1"), dec("2.9"))

	// 0.10 over three equal lines: 0.03 each, the residual cent goes to the first.
	assert.Equal(t, "0.04", m.Lines[0].AllocatedLoss.String())
	assert.Equal(t, "0.03", m.Lines[1].AllocatedLoss.String())
	assert.Equal(t, "0.03", m.Lines[2].AllocatedLoss.String())

	sum := decimal.Zero
	for _, l := range m.Lines {
		sum = sum.Add(l.AllocatedLoss)
	}
	assert.True(t, sum.Equal(m.Loss))
}

func TestMeasure_RecoverableCoversCarrying(t *testing.T) {
	for _, recoverable := range []string{"100000", "150000"} {
		m := impairment.Measure(targets("30000", "70000"), dec(recoverable))
		assert.True(t, m.Loss.IsZero(), recoverable)
		for _, l := range m.Lines {
			assert.True(t, l.AllocatedLoss.IsZero())
			assert.True(t, l.AfterAmount.Equal(l.CarryingAmount))
		}
	}
}

func TestMeasure_ZeroCarrying(t *testing.T) {
	m := impairment.Measure(targets("0", "0"), dec("0"))
	assert.True(t, m.TotalCarrying.IsZero())
	assert.True(t, m.Loss.IsZero())
	assert.Len(t, m.Lines, 2)
}

func TestApplyReversal_ByLossShare(t *testing.T) {
	m := impairment.Measure(targets("30000", "70000"), dec("40000"))

	lines := impairment.ApplyReversal(m.Lines, dec("10000"))
	assert.Equal(t, "3000", lines[0].AllocatedReversal.String())
	assert.Equal(t, "7000", lines[1].AllocatedReversal.String())
	assert.Equal(t, "15000", lines[0].AfterAmount.String())
	assert.Equal(t, "35000", lines[1].AfterAmount.String())

	// The input lines are left untouched.
	assert.True(t, m.Lines[0].AllocatedReversal.IsZero())
}

// =============================================================================
// ASSESS TESTS
// =============================================================================

func TestAssess_CGU_UsesLatestScheduleRows(t *testing.T) {
	// GIVEN: CGU-1 with A (30,000) and B (70,000); C belongs to CGU-2
	// WHEN: Assessed with recoverable 40,000
	// THEN: MEASURED test, loss 60,000, two persisted lines

	f := newFixture(t)
	ctx := context.Background()

	out := f.assess(t, cguRequest("40000"))
	assert.Equal(t, generic.TestMeasured, out.Test.Status)
	assert.Equal(t, "60000", out.Test.ImpairmentLoss.String())
	assert.Equal(t, "60000", out.Test.ReversalCap.String())
	assert.Equal(t, generic.Currency("USD"), out.Test.Currency)

	stored, err := f.store.GetImpairmentTest(ctx, company, out.Test.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.TestMeasured, stored.Status)
	assert.Equal(t, "100000", stored.TotalCarrying.String())

	lines, err := f.store.ListImpairmentLines(ctx, company, out.Test.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, generic.ComponentID("A"), lines[0].ComponentID)
	assert.Equal(t, "18000", lines[0].AllocatedLoss.String())
	assert.Equal(t, "42000", lines[1].AllocatedLoss.String())
	assert.False(t, lines[0].Estimated)
}

func TestAssess_BeforeFirstRow_FallsBackToOpeningShare(t *testing.T) {
	// GIVEN: An as-of month before any schedule row
	// THEN: Carrying = pct × opening ROU and the lines are flagged Estimated

	f := newFixture(t)
	req := cguRequest("90000")
	req.AsOf = "2025-03-31"

	out := f.assess(t, req)
	require.Len(t, out.Lines, 2)
	assert.Equal(t, "30000", out.Lines[0].CarryingAmount.String())
	assert.True(t, out.Lines[0].Estimated)
	assert.True(t, out.Lines[1].Estimated)
	assert.Equal(t, "10000", out.Test.ImpairmentLoss.String())
}

func TestAssess_ComponentLevel(t *testing.T) {
	f := newFixture(t)
	req := cguRequest("20000")
	req.Level = generic.LevelComponent
	req.ComponentIDs = []generic.ComponentID{"A", "C"}

	out := f.assess(t, req)
	require.Len(t, out.Lines, 2)
	// A from its row, C from 0.5 × 100,000.
	assert.Equal(t, "30000", out.Lines[0].CarryingAmount.String())
	assert.Equal(t, "50000", out.Lines[1].CarryingAmount.String())
	assert.True(t, out.Lines[1].Estimated)
	assert.Equal(t, "60000", out.Test.ImpairmentLoss.String())
}

func TestAssess_ComponentLevel_DuplicateIDsRejected(t *testing.T) {
	// GIVEN: A COMPONENT-level request naming component A twice
	// THEN: A client error on component_ids before anything is stored

	f := newFixture(t)
	req := cguRequest("20000")
	req.Level = generic.LevelComponent
	req.ComponentIDs = []generic.ComponentID{"A", "C", "A"}

	_, err := f.allocator.Assess(context.Background(), req)
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "component_ids", verr.Field)
	assert.Contains(t, verr.Reason, "A")
	assert.True(t, generic.IsClientError(err))
}

func TestAssess_NoLossBoundary(t *testing.T) {
	f := newFixture(t)
	out := f.assess(t, cguRequest("100000"))

	assert.True(t, out.Test.ImpairmentLoss.IsZero())
	for _, l := range out.Lines {
		assert.False(t, l.AllocatedLoss.IsPositive())
	}
}

func TestAssess_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*impairment.AssessRequest)
		field  string
	}{
		{"missing cgu", func(r *impairment.AssessRequest) { r.CGUCode = "" }, "cgu_code"},
		{"zero rate", func(r *impairment.AssessRequest) { r.DiscountRate = dec("0") }, "discount_rate"},
		{"rate of one", func(r *impairment.AssessRequest) { r.DiscountRate = dec("1") }, "discount_rate"},
		{"negative recoverable", func(r *impairment.AssessRequest) { r.RecoverableAmount = dec("-1") }, "recoverable_amount"},
		{"component level without ids", func(r *impairment.AssessRequest) { r.Level = generic.LevelComponent }, "component_ids"},
		{"duplicate component ids", func(r *impairment.AssessRequest) {
			r.Level = generic.LevelComponent
			r.ComponentIDs = []generic.ComponentID{"c-1", "c-1"}
		}, "component_ids"},
		{"bad date", func(r *impairment.AssessRequest) { r.AsOf = "2025-02-30" }, "as_of_date"},
		{"unknown method", func(r *impairment.AssessRequest) { r.Method = "DCF" }, "method"},
		{"unknown level", func(r *impairment.AssessRequest) { r.Level = "GROUP" }, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cguRequest("40000")
			tt.mutate(&req)
			_, err := f.allocator.Assess(context.Background(), req)
			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAssess_UnknownTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := cguRequest("1")
	req.CGUCode = "CGU-9"
	_, err := f.allocator.Assess(ctx, req)
	assert.ErrorIs(t, err, generic.ErrNoActiveComponents)

	req = cguRequest("1")
	req.Level = generic.LevelComponent
	req.ComponentIDs = []generic.ComponentID{"missing"}
	_, err = f.allocator.Assess(ctx, req)
	assert.ErrorIs(t, err, generic.ErrComponentNotFound)
}

// =============================================================================
// POST TESTS
// =============================================================================

func TestPost_Twice_FailsAlreadyPosted(t *testing.T) {
	// GIVEN: A MEASURED test with loss 60,000
	// WHEN: Posted twice
	// THEN: One balanced journal; the second call is ErrAlreadyPosted

	f := newFixture(t)
	ctx := context.Background()
	out := f.assess(t, cguRequest("40000"))

	posted, err := f.allocator.Post(ctx, company, out.Test.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.TestPosted, posted.Status)
	require.NotEmpty(t, posted.JournalID)

	j, ok := f.journal.Get(posted.JournalID)
	require.True(t, ok)
	debit, credit := j.Totals()
	assert.Equal(t, "60000", debit.String())
	assert.True(t, debit.Equal(credit))
	assert.Equal(t, "2025-06-30", j.PostingDate.String())
	assert.Len(t, j.Lines, 4)

	_, err = f.allocator.Post(ctx, company, out.Test.ID)
	assert.ErrorIs(t, err, generic.ErrAlreadyPosted)
	assert.Len(t, f.journal.All(), 1)

	stored, err := f.store.GetImpairmentTest(ctx, company, out.Test.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.TestPosted, stored.Status)
	assert.Equal(t, posted.JournalID, stored.JournalID)
}

func TestPost_GLFailureRollsBackLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.assess(t, cguRequest("40000"))

	gl := errors.New("gl unavailable")
	f.journal.FailNext = gl
	_, err := f.allocator.Post(ctx, company, out.Test.ID)
	assert.ErrorIs(t, err, gl)

	n, err := f.store.CountPostingLocks(ctx, company, string(out.Test.ID))
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.store.GetImpairmentTest(ctx, company, out.Test.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.TestMeasured, stored.Status)

	_, err = f.allocator.Post(ctx, company, out.Test.ID)
	assert.NoError(t, err)
}

func TestPost_ZeroLossPostsWithoutJournal(t *testing.T) {
	f := newFixture(t)
	out := f.assess(t, cguRequest("200000"))

	posted, err := f.allocator.Post(context.Background(), company, out.Test.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.TestPosted, posted.Status)
	assert.Empty(t, posted.JournalID)
	assert.Empty(t, f.journal.All())
}

func TestPost_ConvertsToPresentationCurrency(t *testing.T) {
	f := newFixture(t)
	f.allocator.PresentationCurrency = "USD"
	f.fx.Set("EUR", "USD", dec("1.1"))

	req := cguRequest("40000")
	req.Currency = "EUR"
	out := f.assess(t, req)

	posted, err := f.allocator.Post(context.Background(), company, out.Test.ID)
	require.NoError(t, err)

	j, _ := f.journal.Get(posted.JournalID)
	assert.Equal(t, generic.Currency("USD"), j.Currency)
	debit, credit := j.Totals()
	assert.Equal(t, "66000", debit.String())
	assert.True(t, debit.Equal(credit))
}

func TestPost_MissingFXRate(t *testing.T) {
	f := newFixture(t)
	f.allocator.PresentationCurrency = "USD"

	req := cguRequest("40000")
	req.Currency = "GBP"
	out := f.assess(t, req)

	_, err := f.allocator.Post(context.Background(), company, out.Test.ID)
	assert.ErrorIs(t, err, store.ErrRateNotFound)
}

// =============================================================================
// REVERSAL TESTS
// =============================================================================

func TestReverse_BoundedByCap(t *testing.T) {
	// GIVEN: A posted 60,000 loss
	// WHEN: Reversing 10,000 in December, then the rest in January
	// THEN: Reversals follow the 30/70 loss shares and never exceed 60,000

	f := newFixture(t)
	ctx := context.Background()
	out := f.assess(t, cguRequest("40000"))
	_, err := f.allocator.Post(ctx, company, out.Test.ID)
	require.NoError(t, err)

	dec25 := generic.NewDate(2025, time.December, 31)
	r, err := f.allocator.Reverse(ctx, company, out.Test.ID, dec("10000"), dec25)
	require.NoError(t, err)
	assert.Equal(t, "3000", r.Lines[0].AllocatedReversal.String())
	assert.Equal(t, "7000", r.Lines[1].AllocatedReversal.String())
	assert.Equal(t, "15000", r.Lines[0].AfterAmount.String())
	assert.Equal(t, "10000", r.Test.ReversedAmount.String())

	j, ok := f.journal.Get(r.JournalID)
	require.True(t, ok)
	assert.Equal(t, impairment.ReversalLockKey(out.Test.ID), j.Reference)
	for _, l := range j.Lines {
		if l.Role == generic.RoleAccumulatedImpairment {
			assert.True(t, l.Credit.IsZero())
		}
	}

	_, err = f.allocator.Reverse(ctx, company, out.Test.ID, dec("50000.01"), generic.NewDate(2026, time.January, 31))
	assert.ErrorIs(t, err, generic.ErrReversalExceedsCap)
	assert.True(t, generic.IsClientError(err))

	_, err = f.allocator.Reverse(ctx, company, out.Test.ID, dec("1000"), dec25)
	assert.ErrorIs(t, err, generic.ErrAlreadyPosted)

	r, err = f.allocator.Reverse(ctx, company, out.Test.ID, dec("50000"), generic.NewDate(2026, time.January, 31))
	require.NoError(t, err)
	assert.Equal(t, "60000", r.Test.ReversedAmount.String())
	assert.Equal(t, "30000", r.Lines[0].AfterAmount.String())
	assert.Equal(t, "70000", r.Lines[1].AfterAmount.String())

	_, err = f.allocator.Reverse(ctx, company, out.Test.ID, dec("0.01"), generic.NewDate(2026, time.February, 28))
	assert.ErrorIs(t, err, generic.ErrReversalExceedsCap)
}

func TestReverse_RequiresPostedTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.assess(t, cguRequest("40000"))

	_, err := f.allocator.Reverse(ctx, company, out.Test.ID, dec("100"), generic.NewDate(2025, time.December, 31))
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	_, err = f.allocator.Reverse(ctx, company, out.Test.ID, dec("0"), generic.NewDate(2025, time.December, 31))
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.allocator.Reverse(ctx, company, "missing", dec("100"), generic.NewDate(2025, time.December, 31))
	assert.ErrorIs(t, err, generic.ErrTestNotFound)
}
