/*
Package generic provides the core types shared by the lease calculation engine.

PURPOSE:
  This package contains the data model, decimal helpers, identifiers, error
  types and collaborator interfaces (persistence, GL posting, FX) that the
  lease and impairment packages build on. It has no knowledge of how
  schedules are computed; it only defines what is computed and stored.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe IDs so a LeaseID can never be passed as a ComponentID
  - Decimal helpers: money is ALWAYS decimal.Decimal, never float64
  - Rounding policy: cents for money, a fixed scale for rates

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere; floats only at the API edge
  2. Company scoping: every entity carries a CompanyID
  3. Immutability: events and artifacts are written once
  4. Auditability: remeasurements leave a checksummed artifact

USAGE:
  rou := generic.MustParseDecimal("100000")
  share := rou.Mul(generic.MustParseDecimal("0.25"))
  fmt.Println(generic.RoundMoney(share)) // 25000

SEE ALSO:
  - model.go: Lease, Component, ScheduleRow and friends
  - store.go: Persistence interface
  - ledger.go: GL posting collaborator
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CompanyID string
type LeaseID string
type ComponentID string
type EventID string
type ArtifactID string
type TestID string
type JournalID string

type Currency string

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

const (
	// MoneyScale is the number of decimal places kept for persisted amounts.
	MoneyScale int32 = 2

	// RateScale is the number of decimal places kept for persisted rates.
	RateScale int32 = 10
)

var (
	// Cent is the reconciliation tolerance: totals tie if |diff| < Cent.
	Cent = decimal.New(1, -2)

	// PctTolerance bounds Σ pct_of_rou around 1.0 at design time.
	PctTolerance = decimal.New(1, -5)

	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
	Twelve  = decimal.NewFromInt(12)
)

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseDecimal parses s and reports which field was malformed.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: "not a decimal: " + s}
	}
	return d, nil
}

func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }
func RoundRate(d decimal.Decimal) decimal.Decimal  { return d.Round(RateScale) }

// MaxZero clamps negative values to zero.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// MonthlyRate converts an annual rate to the monthly rate used for compounding.
func MonthlyRate(annual decimal.Decimal) decimal.Decimal { return annual.Div(Twelve) }

// WithinTolerance reports whether |a-b| < tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tol)
}
