/*
model.go - Data model of the lease calculation engine

PURPOSE:
  Defines every record the engine reads or writes. Persistence adapters map
  these structs one-to-one onto tables; calculation code never sees rows.

ENTITIES:
  Lease              Contract header: dates, discount rate, currency
  Cashflow           Scheduled lease payment (source of PV recompute)
  OpeningMeasures    Initial liability/ROU, updated in place by remeasurement
  Component          Share of the ROU asset amortized on its own method
  ScheduleRow        One month of a component's amortization schedule
  RemeasurementEvent Business event that changes the lease measures
  RemeasurementArtifact  Immutable, checksummed audit record of a remeasurement
  ImpairmentTest     CGU/component impairment assessment
  ImpairmentLine     Per-component allocation of an impairment test
  PostingLock        Guard row: one posting per (entity, period)

INVARIANTS:
  - Lease.End after Lease.Commence
  - Σ Component.PctOfROU over ACTIVE components == 1 ± 1e-5 at design time
  - ScheduleRow.CloseCarry == max(0, OpenCarry - Amortization)
  - Σ ImpairmentLine.AllocatedLoss == ImpairmentTest.ImpairmentLoss
  - PostingLock unique on (CompanyID, EntityKey, Year, Month)

SEE ALSO:
  - store.go: Persistence interface over these types
  - lease/: Schedule, remeasurement, reconciliation
  - impairment/: Impairment allocation and posting
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEASE
// =============================================================================

type PaymentFrequency string

const (
	FrequencyMonthly   PaymentFrequency = "MONTHLY"
	FrequencyQuarterly PaymentFrequency = "QUARTERLY"
	FrequencyAnnual    PaymentFrequency = "ANNUAL"
)

func (f PaymentFrequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyAnnual:
		return true
	}
	return false
}

type Lease struct {
	ID               LeaseID
	CompanyID        CompanyID
	Code             string
	Commence         Date
	End              Date
	DiscountRate     decimal.Decimal // annual
	Currency         Currency
	PaymentFrequency PaymentFrequency
	CreatedAt        time.Time
}

// TermMonths returns the lease term in whole months. The end date is
// inclusive: a lease from 2025-01-01 to 2029-12-31 runs 60 months.
func (l Lease) TermMonths() int {
	months := MonthsBetween(l.Commence, l.End.AddDays(1))
	if months < 1 {
		return 1
	}
	return months
}

// Validate checks the header invariants.
func (l Lease) Validate() error {
	if l.ID == "" {
		return &ValidationError{Field: "lease_id", Reason: "required"}
	}
	if l.CompanyID == "" {
		return &ValidationError{Field: "company_id", Reason: "required"}
	}
	if l.Commence.IsZero() || l.End.IsZero() {
		return &ValidationError{Field: "commence_on", Reason: "commence and end dates are required"}
	}
	if !l.End.After(l.Commence) {
		return &ValidationError{Field: "end_on", Reason: "end must be after commence"}
	}
	if l.DiscountRate.IsNegative() {
		return &ValidationError{Field: "discount_rate", Reason: "must not be negative"}
	}
	if l.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "required"}
	}
	if !l.PaymentFrequency.Valid() {
		return &ValidationError{Field: "payment_frequency", Reason: "unknown frequency " + string(l.PaymentFrequency)}
	}
	return nil
}

// Cashflow is a scheduled lease payment.
type Cashflow struct {
	LeaseID LeaseID
	DueOn   Date
	Amount  decimal.Decimal
}

// =============================================================================
// OPENING MEASURES
// =============================================================================

// OpeningMeasures are the initial recognition figures of a lease.
// Remeasurement applies deltaROU to InitialROU in place; rows are never deleted.
type OpeningMeasures struct {
	LeaseID            LeaseID
	CompanyID          CompanyID
	InitialLiability   decimal.Decimal
	InitialROU         decimal.Decimal
	IncentivesReceived decimal.Decimal
	InitialDirectCosts decimal.Decimal
	RestorationCost    decimal.Decimal
	// UnscheduledROU is the part of InitialROU added by remeasurements that
	// did not rebuild the schedules. A full build resets it to zero.
	UnscheduledROU decimal.Decimal
	UpdatedAt      time.Time
}

// =============================================================================
// COMPONENT
// =============================================================================

type AmortizationMethod string

const (
	MethodStraightLine    AmortizationMethod = "SL"
	MethodDoubleDeclining AmortizationMethod = "DDB"
	MethodUnits           AmortizationMethod = "UNITS"
)

func (m AmortizationMethod) Valid() bool {
	switch m {
	case MethodStraightLine, MethodDoubleDeclining, MethodUnits:
		return true
	}
	return false
}

type ComponentStatus string

const (
	ComponentActive ComponentStatus = "ACTIVE"
	ComponentClosed ComponentStatus = "CLOSED"
)

type Component struct {
	ID                    ComponentID
	CompanyID             CompanyID
	LeaseID               LeaseID
	Code                  string
	Class                 string
	CGUCode               string
	PctOfROU              decimal.Decimal // (0, 1]
	UsefulLifeMonths      int
	Method                AmortizationMethod
	IncentiveAllocation   decimal.Decimal
	RestorationAllocation decimal.Decimal
	StartOn               Date
	EndOn                 Date
	Status                ComponentStatus
	CreatedAt             time.Time
}

func (c Component) IsActive() bool { return c.Status == ComponentActive }

// ActiveComponents filters to ACTIVE components, keeping order.
func ActiveComponents(cs []Component) []Component {
	var out []Component
	for _, c := range cs {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// SCHEDULE ROW
// =============================================================================

// ScheduleRow is one month of a component's amortization schedule.
// Unique on (ComponentID, Period).
type ScheduleRow struct {
	ComponentID  ComponentID
	CompanyID    CompanyID
	Period       Period
	OpenCarry    decimal.Decimal
	Amortization decimal.Decimal
	Interest     decimal.Decimal
	CloseCarry   decimal.Decimal
	// Remeasured marks the first row regenerated by a partial rebuild.
	Remeasured bool
}

// =============================================================================
// REMEASUREMENT
// =============================================================================

type EventKind string

const (
	EventIndex       EventKind = "INDEX"
	EventRate        EventKind = "RATE"
	EventTerm        EventKind = "TERM"
	EventScope       EventKind = "SCOPE"
	EventTermination EventKind = "TERMINATION"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventIndex, EventRate, EventTerm, EventScope, EventTermination:
		return true
	}
	return false
}

// RemeasurementEvent is created once per business event and never changed,
// except for AppliedAt which records that the engine has consumed it.
type RemeasurementEvent struct {
	ID             EventID
	CompanyID      CompanyID
	LeaseID        LeaseID
	Kind           EventKind
	EffectiveOn    Date
	IndexRate      *decimal.Decimal
	NewRate        *decimal.Decimal
	DeltaTerm      *int
	DeltaPay       *decimal.Decimal
	ScopeChangePct *decimal.Decimal
	Reason         string
	CreatedAt      time.Time
	AppliedAt      *time.Time
}

func (e RemeasurementEvent) Applied() bool { return e.AppliedAt != nil }

// RemeasurementArtifact is the append-only audit record of one applied event.
type RemeasurementArtifact struct {
	ID             ArtifactID
	CompanyID      CompanyID
	EventID        EventID
	LeaseID        LeaseID
	Kind           EventKind
	Document       []byte // canonical JSON {inputs, calculations, outputs, checksum}
	Checksum       string // lowercase hex SHA-256
	DeltaLiability decimal.Decimal
	DeltaROU       decimal.Decimal
	PnLImpact      decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// IMPAIRMENT
// =============================================================================

type ImpairmentLevel string

const (
	LevelComponent ImpairmentLevel = "COMPONENT"
	LevelCGU       ImpairmentLevel = "CGU"
)

type ImpairmentMethod string

const (
	MethodVIU    ImpairmentMethod = "VIU"
	MethodFVLCD  ImpairmentMethod = "FVLCD"
	MethodHigher ImpairmentMethod = "HIGHER"
)

type TestStatus string

const (
	TestDraft    TestStatus = "DRAFT"
	TestMeasured TestStatus = "MEASURED"
	TestPosted   TestStatus = "POSTED"
)

// CanTransition reports whether from -> to is a legal step of
// DRAFT -> MEASURED -> POSTED. POSTED is terminal.
func (s TestStatus) CanTransition(to TestStatus) bool {
	switch s {
	case TestDraft:
		return to == TestMeasured
	case TestMeasured:
		return to == TestPosted
	}
	return false
}

type ImpairmentTest struct {
	ID                TestID
	CompanyID         CompanyID
	CGUCode           string
	Level             ImpairmentLevel
	Method            ImpairmentMethod
	DiscountRate      decimal.Decimal
	RecoverableAmount decimal.Decimal
	AsOf              Date
	Currency          Currency
	TotalCarrying     decimal.Decimal
	ImpairmentLoss    decimal.Decimal
	ReversalCap       decimal.Decimal
	ReversedAmount    decimal.Decimal
	Status            TestStatus
	JournalID         JournalID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ImpairmentLine struct {
	TestID            TestID
	CompanyID         CompanyID
	ComponentID       ComponentID
	CarryingAmount    decimal.Decimal
	AllocatedLoss     decimal.Decimal
	AllocatedReversal decimal.Decimal
	AfterAmount       decimal.Decimal
	// Estimated is set when no schedule row existed and the carrying amount
	// fell back to pct_of_rou × opening ROU.
	Estimated bool
}

// =============================================================================
// POSTING LOCK
// =============================================================================

// PostingLock is created before any GL side effect. Its uniqueness on
// (CompanyID, EntityKey, Year, Month) is what makes double posting fail.
type PostingLock struct {
	ID        string
	CompanyID CompanyID
	EntityKey string // test id, "<lease>/<component>", "remeasurement:<event>"
	Period    Period
	JournalID JournalID
	CreatedAt time.Time
}
