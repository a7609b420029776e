package lease_test

import (
	"bytes"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/lease"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func monthlyFlows(from generic.Period, n int, amount string) []generic.Cashflow {
	flows := make([]generic.Cashflow, n)
	for i := range flows {
		flows[i] = generic.Cashflow{LeaseID: leaseID, DueOn: from.Add(i).End(), Amount: dec(amount)}
	}
	return flows
}

func calcInput(kind generic.EventKind, liability, rou string) lease.RemeasurementInput {
	return lease.RemeasurementInput{
		Event: generic.RemeasurementEvent{
			ID:          "ev-1",
			CompanyID:   company,
			LeaseID:     leaseID,
			Kind:        kind,
			EffectiveOn: generic.NewDate(2025, time.January, 1),
		},
		Lease: generic.Lease{
			ID:           leaseID,
			CompanyID:    company,
			Commence:     generic.NewDate(2025, time.January, 1),
			End:          generic.NewDate(2029, time.December, 31),
			DiscountRate: dec("0.05"),
			Currency:     "USD",
		},
		Opening: generic.OpeningMeasures{
			LeaseID:          leaseID,
			CompanyID:        company,
			InitialLiability: dec(liability),
			InitialROU:       dec(rou),
		},
		Cashflows: monthlyFlows(generic.NewPeriod(2025, time.January), 60, "1887.12"),
	}
}

// =============================================================================
// PER-KIND CALCULATION TESTS
// =============================================================================

func TestCalculate_Index_ScalesROUWithLiability(t *testing.T) {
	// GIVEN: rate 5%, liability = ROU = 100,000, index_rate 1.1
	// THEN: new rate 5.5%, deltaROU / deltaLiability == ROU / liability

	in := calcInput(generic.EventIndex, "100000", "100000")
	in.Event.IndexRate = ptr(dec("1.1"))

	r, err := lease.Calculate(in)
	require.NoError(t, err)

	assert.Equal(t, "0.055", r.Outputs.NewRate.String())
	assert.True(t, r.Outputs.RateChanged)
	assert.True(t, r.Outputs.DeltaLiability.IsNegative(), "higher rate lowers PV")
	assert.True(t, r.Outputs.DeltaROU.Equal(r.Outputs.DeltaLiability))

	calc, ok := r.Calculation.(lease.IndexCalculation)
	require.True(t, ok)
	assert.Len(t, calc.Cashflows, 60)
	assert.True(t, calc.NewPV.Sub(dec("100000")).Equal(r.Outputs.DeltaLiability))
}

func TestCalculate_Index_ProportionalScaling(t *testing.T) {
	in := calcInput(generic.EventIndex, "100000", "80000")
	in.Event.IndexRate = ptr(dec("1.1"))

	r, err := lease.Calculate(in)
	require.NoError(t, err)

	expected := generic.RoundMoney(r.Outputs.DeltaLiability.Mul(dec("0.8")))
	assert.True(t, expected.Equal(r.Outputs.DeltaROU), "got %s want %s", r.Outputs.DeltaROU, expected)
	assert.Equal(t, "0.8", r.Calculation.(lease.IndexCalculation).ROURatio.String())
}

func TestCalculate_Rate_DiscountsMonthlyFromEffective(t *testing.T) {
	// GIVEN: One payment of 1,000 due 12 months after the effective date
	// WHEN: The rate moves to 12%
	// THEN: PV = 1000 / 1.01^12 = 887.45

	in := calcInput(generic.EventRate, "1000", "1000")
	in.Event.NewRate = ptr(dec("0.12"))
	in.Cashflows = []generic.Cashflow{
		{LeaseID: leaseID, DueOn: generic.NewDate(2024, time.December, 1), Amount: dec("500")},
		{LeaseID: leaseID, DueOn: generic.NewDate(2026, time.January, 1), Amount: dec("1000")},
	}

	r, err := lease.Calculate(in)
	require.NoError(t, err)

	calc := r.Calculation.(lease.RateCalculation)
	require.Len(t, calc.Cashflows, 1, "cashflows before the effective date are ignored")
	assert.Equal(t, 12, calc.Cashflows[0].Months)
	assert.Equal(t, "887.45", calc.NewPV.String())
	assert.Equal(t, "-112.55", r.Outputs.DeltaLiability.String())
	assert.Equal(t, "-112.55", r.Outputs.DeltaROU.String())
	assert.Equal(t, "0.12", r.Outputs.NewRate.String())
}

func TestCalculate_Rate_PaymentLaterInEffectiveMonthIsDiscounted(t *testing.T) {
	// GIVEN: 500 due on the effective date and 1,010 due at that month's end
	// WHEN: The rate moves to 12%
	// THEN: The month-end payment is discounted one period: PV = 500 + 1000

	in := calcInput(generic.EventRate, "1000", "1000")
	in.Event.NewRate = ptr(dec("0.12"))
	in.Cashflows = []generic.Cashflow{
		{LeaseID: leaseID, DueOn: generic.NewDate(2025, time.January, 1), Amount: dec("500")},
		{LeaseID: leaseID, DueOn: generic.NewDate(2025, time.January, 31), Amount: dec("1010")},
	}

	r, err := lease.Calculate(in)
	require.NoError(t, err)

	calc := r.Calculation.(lease.RateCalculation)
	require.Len(t, calc.Cashflows, 2)
	assert.Equal(t, 0, calc.Cashflows[0].Months)
	assert.Equal(t, 1, calc.Cashflows[1].Months)
	assert.Equal(t, "1500", calc.NewPV.String())
}

func TestCalculate_CurrentMeasuresOverrideOpening(t *testing.T) {
	// GIVEN: Opening measures of 100,000 but 80,000 liability and 70,000 ROU
	//        carried into the effective month
	// THEN: A 10% scope increase scales the carried amounts

	in := calcInput(generic.EventScope, "100000", "100000")
	in.Event.ScopeChangePct = ptr(dec("10"))
	in.CurrentLiability = ptr(dec("80000"))
	in.CurrentROU = ptr(dec("70000"))

	r, err := lease.Calculate(in)
	require.NoError(t, err)
	assert.Equal(t, "80000", r.Inputs.CurrentLiability.String())
	assert.Equal(t, "70000", r.Inputs.CurrentROU.String())
	assert.Equal(t, "8000", r.Outputs.DeltaLiability.String())
	assert.Equal(t, "7000", r.Outputs.DeltaROU.String())
	assert.Equal(t, "88000", r.Outputs.NewLiability.String())
}

func TestCalculate_Rate_SameRateIsNotAChange(t *testing.T) {
	in := calcInput(generic.EventRate, "100000", "100000")
	in.Event.NewRate = ptr(dec("0.0500"))

	r, err := lease.Calculate(in)
	require.NoError(t, err)
	assert.False(t, r.Outputs.RateChanged)
}

func TestCalculate_Term_UsesDeltaPayDirectly(t *testing.T) {
	in := calcInput(generic.EventTerm, "100000", "80000")
	term := 12
	in.Event.DeltaTerm = &term
	in.Event.DeltaPay = ptr(dec("5000"))

	r, err := lease.Calculate(in)
	require.NoError(t, err)

	assert.Equal(t, "5000", r.Outputs.DeltaLiability.String())
	assert.Equal(t, "4000", r.Outputs.DeltaROU.String())
	assert.False(t, r.Outputs.RateChanged)
	assert.Equal(t, 12, r.Calculation.(lease.TermCalculation).DeltaTerm)
}

func TestCalculate_Scope(t *testing.T) {
	t.Run("reduction routes the delta to P&L", func(t *testing.T) {
		in := calcInput(generic.EventScope, "100000", "80000")
		in.Event.ScopeChangePct = ptr(dec("-25"))

		r, err := lease.Calculate(in)
		require.NoError(t, err)
		assert.Equal(t, "-25000", r.Outputs.DeltaLiability.String())
		assert.Equal(t, "-20000", r.Outputs.DeltaROU.String())
		assert.Equal(t, "25000", r.Outputs.PnLImpact.String())
	})

	t.Run("increase has no P&L impact", func(t *testing.T) {
		in := calcInput(generic.EventScope, "100000", "80000")
		in.Event.ScopeChangePct = ptr(dec("10"))

		r, err := lease.Calculate(in)
		require.NoError(t, err)
		assert.Equal(t, "10000", r.Outputs.DeltaLiability.String())
		assert.Equal(t, "8000", r.Outputs.DeltaROU.String())
		assert.True(t, r.Outputs.PnLImpact.IsZero())
	})
}

func TestCalculate_Termination_FullDerecognition(t *testing.T) {
	r, err := lease.Calculate(calcInput(generic.EventTermination, "100000", "80000"))
	require.NoError(t, err)

	assert.Equal(t, "-100000", r.Outputs.DeltaLiability.String())
	assert.Equal(t, "-80000", r.Outputs.DeltaROU.String())
	assert.True(t, r.Outputs.NewLiability.IsZero())
	assert.True(t, r.Outputs.NewROU.IsZero())
}

func TestCalculate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		kind    generic.EventKind
		liab    string
		missing string // expected missing field, empty for ValidationError
		field   string
	}{
		{name: "unknown kind", kind: "REVALUATION", liab: "100000", field: "kind"},
		{name: "index without index_rate", kind: generic.EventIndex, liab: "100000", missing: "index_rate"},
		{name: "rate without new_rate", kind: generic.EventRate, liab: "100000", missing: "new_rate"},
		{name: "term without delta_term", kind: generic.EventTerm, liab: "100000", missing: "delta_term"},
		{name: "scope without pct", kind: generic.EventScope, liab: "100000", missing: "scope_change_pct"},
		{name: "zero liability", kind: generic.EventTerm, liab: "0", field: "current_liability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := calcInput(tt.kind, tt.liab, "100000")
			if tt.field == "current_liability" {
				term := 6
				in.Event.DeltaTerm = &term
			}

			_, err := lease.Calculate(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrValidation)

			if tt.missing != "" {
				var merr *generic.MissingFieldError
				require.ErrorAs(t, err, &merr)
				assert.Equal(t, tt.missing, merr.Field)
				assert.Contains(t, err.Error(), tt.missing)
				return
			}
			var verr *generic.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

// =============================================================================
// ARTIFACT TESTS
// =============================================================================

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestArtifact_ChecksumIsStableSHA256Hex(t *testing.T) {
	in := calcInput(generic.EventIndex, "100000", "100000")
	in.Event.IndexRate = ptr(dec("1.1"))

	a, err := lease.Calculate(in)
	require.NoError(t, err)
	b, err := lease.Calculate(in)
	require.NoError(t, err)

	sumA, err := a.Checksum()
	require.NoError(t, err)
	sumB, err := b.Checksum()
	require.NoError(t, err)

	assert.Regexp(t, hex64, sumA)
	assert.Equal(t, sumA, sumB, "identical inputs hash identically")

	in.Event.IndexRate = ptr(dec("1.2"))
	c, err := lease.Calculate(in)
	require.NoError(t, err)
	sumC, err := c.Checksum()
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumC)
}

func TestArtifact_DocumentShapeAndVerify(t *testing.T) {
	in := calcInput(generic.EventScope, "100000", "80000")
	in.Event.ScopeChangePct = ptr(dec("-25"))
	r, err := lease.Calculate(in)
	require.NoError(t, err)

	doc, sum, err := r.Document()
	require.NoError(t, err)
	require.NoError(t, lease.VerifyArtifact(doc))

	var parsed struct {
		Inputs       map[string]any `json:"inputs"`
		Calculations map[string]any `json:"calculations"`
		Outputs      map[string]any `json:"outputs"`
		Checksum     string         `json:"checksum"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, sum, parsed.Checksum)
	assert.Equal(t, "SCOPE", parsed.Calculations["kind"])
	assert.Equal(t, "-25", parsed.Calculations["scope_change_pct"])
	assert.Equal(t, "25000", parsed.Outputs["pnl_impact"])
	assert.Equal(t, "2025-01-01", parsed.Inputs["effective_on"])
	assert.NotContains(t, parsed.Inputs, "index_rate")

	assert.True(t, bytes.HasPrefix(doc, []byte(`{"inputs":`)), "canonical field order")
}

func TestArtifact_TamperDetected(t *testing.T) {
	r, err := lease.Calculate(calcInput(generic.EventTermination, "100000", "80000"))
	require.NoError(t, err)
	doc, _, err := r.Document()
	require.NoError(t, err)

	tampered := bytes.Replace(doc, []byte(`"delta_rou":"-80000"`), []byte(`"delta_rou":"-1"`), 1)
	require.NotEqual(t, doc, tampered)

	err = lease.VerifyArtifact(tampered)
	assert.ErrorIs(t, err, lease.ErrChecksumMismatch)
}

func TestRemeasurement_DeltaIsNotIdempotent(t *testing.T) {
	// Calculate has no memory: feeding its output back in yields a second,
	// equal delta. The applied flag on the event is what stops a double apply.
	in := calcInput(generic.EventScope, "100000", "100000")
	in.Event.ScopeChangePct = ptr(dec("10"))

	first, err := lease.Calculate(in)
	require.NoError(t, err)

	in.Opening.InitialROU = first.Outputs.NewROU
	second, err := lease.Calculate(in)
	require.NoError(t, err)

	assert.True(t, second.Outputs.DeltaROU.GreaterThan(decimal.Zero))
	assert.Equal(t, "11000", second.Outputs.DeltaROU.String())
}
