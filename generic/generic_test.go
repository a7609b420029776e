package generic_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/generic"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decs(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = dec(s)
	}
	return out
}

func strs(ds []decimal.Decimal) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.StringFixed(2)
	}
	return out
}

// =============================================================================
// PERIOD AND DATE
// =============================================================================

func TestPeriod_Arithmetic(t *testing.T) {
	p := generic.NewPeriod(2025, time.November)

	assert.Equal(t, "2026-01", p.Add(2).String())
	assert.Equal(t, "2024-12", p.Add(-11).String())
	assert.Equal(t, 14, p.MonthsUntil(generic.NewPeriod(2027, time.January)))
	assert.True(t, p.BeforeOrEqual(p))
	assert.True(t, p.Before(p.Next()))
	assert.True(t, p.AfterOrEqual(p))
	assert.Equal(t, "2025-11-30", p.End().String())
	assert.Equal(t, "2025-11-01", p.Start().String())
	assert.Equal(t, p, generic.PeriodFromIndex(p.Index()))
}

func TestPeriod_Validate(t *testing.T) {
	assert.NoError(t, generic.NewPeriod(2025, time.January).Validate())

	var verr *generic.ValidationError
	require.ErrorAs(t, generic.NewPeriod(2025, 13).Validate(), &verr)
	assert.Equal(t, "month", verr.Field)
	require.ErrorAs(t, generic.NewPeriod(10, time.March).Validate(), &verr)
	assert.Equal(t, "year", verr.Field)
}

func TestDate_EndOfMonthAndMonthsBetween(t *testing.T) {
	assert.Equal(t, "2024-02-29", generic.EndOfMonth(2024, time.February).String())
	assert.Equal(t, "2025-02-28", generic.EndOfMonth(2025, time.February).String())
	assert.Equal(t, "2025-12-31", generic.EndOfMonth(2025, time.December).String())

	start := generic.NewDate(2025, time.January, 15)
	assert.Equal(t, 1, generic.MonthsBetween(start, generic.NewDate(2025, time.February, 15)))
	assert.Equal(t, 0, generic.MonthsBetween(start, generic.NewDate(2025, time.February, 14)))
	assert.Equal(t, -1, generic.MonthsBetween(start, generic.NewDate(2024, time.December, 15)))

	// AddMonths normalizes past the end of a short month.
	assert.Equal(t, "2025-03-03", generic.NewDate(2025, time.January, 31).AddMonths(1).String())
}

func TestDate_TextRoundTrip(t *testing.T) {
	type payload struct {
		On generic.Date `json:"on"`
	}
	b, err := json.Marshal(payload{On: generic.NewDate(2025, time.June, 30)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"on": "2025-06-30"}`, string(b))

	var p payload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.True(t, p.On.Equal(generic.NewDate(2025, time.June, 30)))

	_, err = generic.ParseDate("as_of_date", "2025-02-30")
	var verr *generic.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "as_of_date", verr.Field)
}

func TestLease_TermMonths(t *testing.T) {
	l := generic.Lease{
		Commence: generic.NewDate(2025, time.January, 1),
		End:      generic.NewDate(2029, time.December, 31),
	}
	assert.Equal(t, 60, l.TermMonths())

	l.End = generic.NewDate(2025, time.January, 10)
	assert.Equal(t, 1, l.TermMonths())
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate(t *testing.T) {
	tests := []struct {
		name    string
		total   string
		weights []decimal.Decimal
		want    []string
	}{
		{"proportional", "60000", decs("30000", "70000"), []string{"18000.00", "42000.00"}},
		{"residual to largest", "100", decs("1", "2"), []string{"33.33", "66.67"}},
		{"tie goes to first", "0.10", decs("1", "1", "1"), []string{"0.04", "0.03", "0.03"}},
		{"zero weights", "100", decs("0", "0"), []string{"0.00", "0.00"}},
		{"negative weight skipped", "10", decs("-5", "5"), []string{"0.00", "10.00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generic.Allocate(dec(tt.total), tt.weights)
			assert.Equal(t, tt.want, strs(got))
		})
	}
}

func TestAllocate_SumsToRoundedTotal(t *testing.T) {
	weights := decs("0.137", "0.251", "0.612")
	for _, total := range []string{"1", "999.99", "12345.678", "0.05"} {
		got := generic.Allocate(dec(total), weights)
		assert.True(t, generic.Sum(got).Equal(generic.RoundMoney(dec(total))), fmt.Sprintf("total %s", total))
	}
}

// =============================================================================
// JOURNAL
// =============================================================================

func TestJournal_DebitCredit(t *testing.T) {
	accounts := generic.DefaultAccountMap()
	var j generic.Journal

	j.DebitCredit(accounts, generic.RoleAmortizationExpense, generic.RoleAccumulatedAmortization, dec("944.445"), "amortization")
	j.DebitCredit(accounts, generic.RoleROUAsset, generic.RoleLeaseLiability, dec("-250"), "scope")
	j.DebitCredit(accounts, generic.RoleROUAsset, generic.RoleLeaseLiability, decimal.Zero, "nothing")

	require.Len(t, j.Lines, 4)
	assert.Equal(t, "6100", j.Lines[0].Account)
	assert.Equal(t, "944.45", j.Lines[0].Debit.String())

	// Negative amount swaps the sides.
	assert.Equal(t, generic.RoleLeaseLiability, j.Lines[2].Role)
	assert.Equal(t, "250", j.Lines[2].Debit.String())
	assert.Equal(t, generic.RoleROUAsset, j.Lines[3].Role)

	debit, credit := j.Totals()
	assert.True(t, debit.Equal(credit))
	assert.NoError(t, generic.ValidateBalanced(j.Lines))
}

func TestJournal_ConvertStaysBalanced(t *testing.T) {
	var j generic.Journal
	j.Currency = "EUR"
	j.DebitCredit(nil, generic.RoleImpairmentLoss, generic.RoleAccumulatedImpairment, dec("18000"), "A")
	j.DebitCredit(nil, generic.RoleImpairmentLoss, generic.RoleAccumulatedImpairment, dec("0.03"), "B")

	out := j.Convert("USD", dec("1.1"))
	assert.Equal(t, generic.Currency("USD"), out.Currency)
	assert.Equal(t, generic.Currency("EUR"), j.Currency)
	assert.Equal(t, "19800", out.Lines[0].Debit.String())
	assert.NoError(t, generic.ValidateBalanced(out.Lines))

	// Unmapped roles post to the role name.
	assert.Equal(t, "impairment_loss", out.Lines[0].Account)
}

func TestValidateBalanced_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		lines []generic.JournalLine
	}{
		{"unbalanced", []generic.JournalLine{{Debit: dec("10")}, {Credit: dec("9.99")}}},
		{"negative", []generic.JournalLine{{Debit: dec("-10")}, {Credit: dec("-10")}}},
		{"both sides", []generic.JournalLine{{Debit: dec("10"), Credit: dec("10")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, generic.ValidateBalanced(tt.lines), generic.ErrUnbalancedJournal)
		})
	}
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorCategories(t *testing.T) {
	posted := &generic.AlreadyPostedError{EntityKey: "lease-1/c1", Period: generic.NewPeriod(2025, time.January)}
	assert.True(t, generic.IsConflict(fmt.Errorf("post: %w", posted)))
	assert.True(t, generic.IsClientError(&generic.ValidationError{Field: "amount", Reason: "must be positive"}))
	assert.True(t, generic.IsNotFound(fmt.Errorf("load: %w", generic.ErrLeaseNotFound)))
	assert.False(t, generic.IsClientError(generic.ErrLeaseNotFound))
}
