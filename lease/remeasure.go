/*
remeasure.go - RemeasurementCalculator: deltas per event kind

PURPOSE:
  Computes the liability and ROU deltas of a remeasurement event from the
  lease, its opening measures and the cashflows still to be paid. The result
  is a tagged union with one strongly typed variant per event kind, which is
  what the artifact checksum is computed over.

PER KIND:
  INDEX        newRate = currentRate × index_rate, then PV recompute
  RATE         newRate = new_rate, then PV recompute
  TERM         deltaLiability = delta_pay (cashflows are not regenerated)
  SCOPE        deltaLiability = liability × pct/100, deltaROU = ROU × pct/100
  TERMINATION  deltaLiability = -liability, deltaROU = -ROU

CURRENT MEASURES:
  currentLiability = liability path open balance of the effective month
  currentROU       = Σ component carrying amount entering the effective month

PV RECOMPUTE:
  pv_i  = amount_i / (1 + newRate/12)^n_i, n_i = months from effective,
          a part month rounded up
  newPV = Σ pv_i (rounded to cents)
  deltaLiability = newPV - currentLiability
  deltaROU       = deltaLiability × currentROU / currentLiability

IDEMPOTENCY:
  Calculate is NOT idempotent in effect: applying its result twice doubles
  the delta. The Remeasurer guards with the event's applied flag.

SEE ALSO:
  - artifact.go: Canonical JSON and checksum
  - remeasurer.go: Persistence, partial rebuild, GL posting
*/
package lease

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/generic"
)

// discountScale bounds the precision of compounded discount factors.
const discountScale int32 = 20

// =============================================================================
// INPUT
// =============================================================================

// RemeasurementInput holds everything Calculate reads.
type RemeasurementInput struct {
	Event     generic.RemeasurementEvent
	Lease     generic.Lease
	Opening   generic.OpeningMeasures
	Cashflows []generic.Cashflow // due on or after Event.EffectiveOn

	// CurrentLiability and CurrentROU are the carrying amounts at the start
	// of the effective month. Nil falls back to the opening measures.
	CurrentLiability *decimal.Decimal
	CurrentROU       *decimal.Decimal
}

// =============================================================================
// CALCULATION - Tagged union, one variant per event kind
// =============================================================================

// Calculation is the kind-specific working of a remeasurement.
// Implemented by IndexCalculation, RateCalculation, TermCalculation,
// ScopeCalculation and TerminationCalculation.
type Calculation interface {
	Kind() generic.EventKind
	isCalculation()
}

// DiscountedCashflow is one line of a PV recompute.
type DiscountedCashflow struct {
	DueOn  generic.Date    `json:"due_on"`
	Months int             `json:"months"`
	Amount decimal.Decimal `json:"amount"`
	Factor decimal.Decimal `json:"factor"`
	PV     decimal.Decimal `json:"pv"`
}

type IndexCalculation struct {
	EventKind   generic.EventKind    `json:"kind"`
	IndexRate   decimal.Decimal      `json:"index_rate"`
	CurrentRate decimal.Decimal      `json:"current_rate"`
	NewRate     decimal.Decimal      `json:"new_rate"`
	MonthlyRate decimal.Decimal      `json:"monthly_rate"`
	Cashflows   []DiscountedCashflow `json:"cashflows"`
	NewPV       decimal.Decimal      `json:"new_pv"`
	ROURatio    decimal.Decimal      `json:"rou_ratio"`
}

type RateCalculation struct {
	EventKind   generic.EventKind    `json:"kind"`
	CurrentRate decimal.Decimal      `json:"current_rate"`
	NewRate     decimal.Decimal      `json:"new_rate"`
	MonthlyRate decimal.Decimal      `json:"monthly_rate"`
	Cashflows   []DiscountedCashflow `json:"cashflows"`
	NewPV       decimal.Decimal      `json:"new_pv"`
	ROURatio    decimal.Decimal      `json:"rou_ratio"`
}

type TermCalculation struct {
	EventKind generic.EventKind `json:"kind"`
	DeltaTerm int               `json:"delta_term"`
	DeltaPay  decimal.Decimal   `json:"delta_pay"`
	ROURatio  decimal.Decimal   `json:"rou_ratio"`
}

type ScopeCalculation struct {
	EventKind      generic.EventKind `json:"kind"`
	ScopeChangePct decimal.Decimal   `json:"scope_change_pct"`
	Fraction       decimal.Decimal   `json:"fraction"`
}

type TerminationCalculation struct {
	EventKind             generic.EventKind `json:"kind"`
	DerecognizedLiability decimal.Decimal   `json:"derecognized_liability"`
	DerecognizedROU       decimal.Decimal   `json:"derecognized_rou"`
}

func (c IndexCalculation) Kind() generic.EventKind       { return generic.EventIndex }
func (c RateCalculation) Kind() generic.EventKind        { return generic.EventRate }
func (c TermCalculation) Kind() generic.EventKind        { return generic.EventTerm }
func (c ScopeCalculation) Kind() generic.EventKind       { return generic.EventScope }
func (c TerminationCalculation) Kind() generic.EventKind { return generic.EventTermination }

func (IndexCalculation) isCalculation()       {}
func (RateCalculation) isCalculation()        {}
func (TermCalculation) isCalculation()        {}
func (ScopeCalculation) isCalculation()       {}
func (TerminationCalculation) isCalculation() {}

// =============================================================================
// RESULT
// =============================================================================

// CashflowInput is a remaining cashflow as recorded in the artifact inputs.
type CashflowInput struct {
	DueOn  generic.Date    `json:"due_on"`
	Amount decimal.Decimal `json:"amount"`
}

// Inputs is the "inputs" object of the artifact.
type Inputs struct {
	EventID          generic.EventID   `json:"event_id"`
	LeaseID          generic.LeaseID   `json:"lease_id"`
	Kind             generic.EventKind `json:"kind"`
	EffectiveOn      generic.Date      `json:"effective_on"`
	CurrentRate      decimal.Decimal   `json:"current_rate"`
	CurrentLiability decimal.Decimal   `json:"current_liability"`
	CurrentROU       decimal.Decimal   `json:"current_rou"`
	IndexRate        *decimal.Decimal  `json:"index_rate,omitempty"`
	NewRate          *decimal.Decimal  `json:"new_rate,omitempty"`
	DeltaTerm        *int              `json:"delta_term,omitempty"`
	DeltaPay         *decimal.Decimal  `json:"delta_pay,omitempty"`
	ScopeChangePct   *decimal.Decimal  `json:"scope_change_pct,omitempty"`
	Cashflows        []CashflowInput   `json:"remaining_cashflows"`
}

// Outputs is the "outputs" object of the artifact.
type Outputs struct {
	DeltaLiability decimal.Decimal `json:"delta_liability"`
	DeltaROU       decimal.Decimal `json:"delta_rou"`
	PnLImpact      decimal.Decimal `json:"pnl_impact"`
	NewLiability   decimal.Decimal `json:"new_liability"`
	NewROU         decimal.Decimal `json:"new_rou"`
	NewRate        decimal.Decimal `json:"new_rate"`
	RateChanged    bool            `json:"rate_changed"`
}

// Remeasurement is the result of Calculate.
type Remeasurement struct {
	Inputs      Inputs
	Calculation Calculation
	Outputs     Outputs
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate computes the deltas of one remeasurement event. It performs no
// I/O and does not check whether the event was already applied.
func Calculate(in RemeasurementInput) (*Remeasurement, error) {
	ev := in.Event
	if !ev.Kind.Valid() {
		return nil, &generic.ValidationError{Field: "kind", Reason: "unknown remeasurement kind " + string(ev.Kind)}
	}
	if ev.EffectiveOn.IsZero() {
		return nil, &generic.MissingFieldError{Kind: ev.Kind, Field: "effective_on"}
	}

	liability := in.Opening.InitialLiability
	if in.CurrentLiability != nil {
		liability = *in.CurrentLiability
	}
	rou := in.Opening.InitialROU
	if in.CurrentROU != nil {
		rou = *in.CurrentROU
	}
	rate := in.Lease.DiscountRate

	inputs := Inputs{
		EventID:          ev.ID,
		LeaseID:          in.Lease.ID,
		Kind:             ev.Kind,
		EffectiveOn:      ev.EffectiveOn,
		CurrentRate:      rate,
		CurrentLiability: liability,
		CurrentROU:       rou,
		IndexRate:        ev.IndexRate,
		NewRate:          ev.NewRate,
		DeltaTerm:        ev.DeltaTerm,
		DeltaPay:         ev.DeltaPay,
		ScopeChangePct:   ev.ScopeChangePct,
		Cashflows:        remainingCashflows(in.Cashflows, ev.EffectiveOn),
	}

	var (
		calc           Calculation
		deltaLiability decimal.Decimal
		deltaROU       decimal.Decimal
		pnl            = decimal.Zero
		newRate        = rate
	)

	switch ev.Kind {
	case generic.EventIndex:
		if ev.IndexRate == nil {
			return nil, &generic.MissingFieldError{Kind: ev.Kind, Field: "index_rate"}
		}
		if !ev.IndexRate.IsPositive() {
			return nil, &generic.ValidationError{Field: "index_rate", Reason: "must be positive"}
		}
		newRate = generic.RoundRate(rate.Mul(*ev.IndexRate))
		ratio, err := rouRatio(rou, liability)
		if err != nil {
			return nil, err
		}
		lines, pv := presentValue(inputs.Cashflows, ev.EffectiveOn, newRate)
		deltaLiability = pv.Sub(liability)
		deltaROU = generic.RoundMoney(deltaLiability.Mul(ratio))
		calc = IndexCalculation{
			EventKind:   ev.Kind,
			IndexRate:   *ev.IndexRate,
			CurrentRate: rate,
			NewRate:     newRate,
			MonthlyRate: generic.MonthlyRate(newRate),
			Cashflows:   lines,
			NewPV:       pv,
			ROURatio:    ratio,
		}

	case generic.EventRate:
		if ev.NewRate == nil {
			return nil, &generic.MissingFieldError{Kind: ev.Kind, Field: "new_rate"}
		}
		if ev.NewRate.IsNegative() {
			return nil, &generic.ValidationError{Field: "new_rate", Reason: "must not be negative"}
		}
		newRate = generic.RoundRate(*ev.NewRate)
		ratio, err := rouRatio(rou, liability)
		if err != nil {
			return nil, err
		}
		lines, pv := presentValue(inputs.Cashflows, ev.EffectiveOn, newRate)
		deltaLiability = pv.Sub(liability)
		deltaROU = generic.RoundMoney(deltaLiability.Mul(ratio))
		calc = RateCalculation{
			EventKind:   ev.Kind,
			CurrentRate: rate,
			NewRate:     newRate,
			MonthlyRate: generic.MonthlyRate(newRate),
			Cashflows:   lines,
			NewPV:       pv,
			ROURatio:    ratio,
		}

	case generic.EventTerm:
		if ev.DeltaTerm == nil {
			return nil, &generic.MissingFieldError{Kind: ev.Kind, Field: "delta_term"}
		}
		deltaPay := decimal.Zero
		if ev.DeltaPay != nil {
			deltaPay = *ev.DeltaPay
		}
		ratio, err := rouRatio(rou, liability)
		if err != nil {
			return nil, err
		}
		deltaLiability = generic.RoundMoney(deltaPay)
		deltaROU = generic.RoundMoney(deltaLiability.Mul(ratio))
		calc = TermCalculation{
			EventKind: ev.Kind,
			DeltaTerm: *ev.DeltaTerm,
			DeltaPay:  deltaPay,
			ROURatio:  ratio,
		}

	case generic.EventScope:
		if ev.ScopeChangePct == nil {
			return nil, &generic.MissingFieldError{Kind: ev.Kind, Field: "scope_change_pct"}
		}
		fraction := ev.ScopeChangePct.Div(generic.Hundred)
		deltaLiability = generic.RoundMoney(liability.Mul(fraction))
		deltaROU = generic.RoundMoney(rou.Mul(fraction))
		if ev.ScopeChangePct.IsNegative() {
			pnl = deltaLiability.Abs()
		}
		calc = ScopeCalculation{
			EventKind:      ev.Kind,
			ScopeChangePct: *ev.ScopeChangePct,
			Fraction:       fraction,
		}

	case generic.EventTermination:
		deltaLiability = liability.Neg()
		deltaROU = rou.Neg()
		calc = TerminationCalculation{
			EventKind:             ev.Kind,
			DerecognizedLiability: liability,
			DerecognizedROU:       rou,
		}
	}

	deltaLiability = generic.RoundMoney(deltaLiability)
	deltaROU = generic.RoundMoney(deltaROU)

	return &Remeasurement{
		Inputs:      inputs,
		Calculation: calc,
		Outputs: Outputs{
			DeltaLiability: deltaLiability,
			DeltaROU:       deltaROU,
			PnLImpact:      pnl,
			NewLiability:   liability.Add(deltaLiability),
			NewROU:         rou.Add(deltaROU),
			NewRate:        newRate,
			RateChanged:    !newRate.Equal(rate),
		},
	}, nil
}

// rouRatio returns currentROU / currentLiability, refusing a zero liability.
func rouRatio(rou, liability decimal.Decimal) (decimal.Decimal, error) {
	if liability.IsZero() {
		return decimal.Zero, &generic.ValidationError{
			Field:  "current_liability",
			Reason: "is zero; ROU delta cannot be scaled",
		}
	}
	return rou.Div(liability), nil
}

func remainingCashflows(flows []generic.Cashflow, effective generic.Date) []CashflowInput {
	out := make([]CashflowInput, 0, len(flows))
	for _, f := range flows {
		if f.DueOn.Before(effective) {
			continue
		}
		out = append(out, CashflowInput{DueOn: f.DueOn, Amount: f.Amount})
	}
	return out
}

// presentValue discounts flows at annualRate/12, compounded monthly from
// effective. The total is rounded to cents.
func presentValue(flows []CashflowInput, effective generic.Date, annualRate decimal.Decimal) ([]DiscountedCashflow, decimal.Decimal) {
	onePlus := generic.One.Add(generic.MonthlyRate(annualRate))
	lines := make([]DiscountedCashflow, 0, len(flows))
	total := decimal.Zero
	for _, f := range flows {
		n := discountPeriods(effective, f.DueOn)
		factor := compound(onePlus, n)
		pv := f.Amount.DivRound(factor, discountScale)
		lines = append(lines, DiscountedCashflow{
			DueOn:  f.DueOn,
			Months: n,
			Amount: f.Amount,
			Factor: factor,
			PV:     generic.RoundMoney(pv),
		})
		total = total.Add(pv)
	}
	return lines, generic.RoundMoney(total)
}

// discountPeriods counts the months from effective to due, a part month
// counting as a whole one. A payment due later in the effective month is
// discounted one period, matching the month-end accrual of the liability path.
func discountPeriods(effective, due generic.Date) int {
	n := generic.MonthsBetween(effective, due)
	if n < 0 {
		return 0
	}
	if effective.AddMonths(n).Before(due) {
		n++
	}
	return n
}

// compound returns base^n, rounded at each step so precision stays bounded.
func compound(base decimal.Decimal, n int) decimal.Decimal {
	result := generic.One
	for i := 0; i < n; i++ {
		result = result.Mul(base).Round(discountScale)
	}
	return result
}

// String implements fmt.Stringer for log fields.
func (r *Remeasurement) String() string {
	return fmt.Sprintf("%s dL=%s dROU=%s", r.Inputs.Kind, r.Outputs.DeltaLiability, r.Outputs.DeltaROU)
}
