/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the domain
  model from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Decimals marshal as JSON strings ("1887.12"); request amounts are strings
  too and are parsed with the field name reported on failure.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/lease.go: Lease document schema used by POST /leases
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/factory"
	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/impairment"
	"github.com/warp/lease-engine/lease"
)

// =============================================================================
// LEASE
// =============================================================================

type LeaseDTO struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id"`
	Code             string          `json:"code"`
	CommenceOn       string          `json:"commence_on"`
	EndOn            string          `json:"end_on"`
	TermMonths       int             `json:"term_months"`
	DiscountRate     decimal.Decimal `json:"discount_rate"`
	Currency         string          `json:"currency"`
	PaymentFrequency string          `json:"payment_frequency"`
	Opening          *OpeningDTO     `json:"opening,omitempty"`
}

type OpeningDTO struct {
	InitialLiability   decimal.Decimal `json:"initial_liability"`
	InitialROU         decimal.Decimal `json:"initial_rou"`
	IncentivesReceived decimal.Decimal `json:"incentives_received"`
	InitialDirectCosts decimal.Decimal `json:"initial_direct_costs"`
	RestorationCost    decimal.Decimal `json:"restoration_cost"`
	UnscheduledROU     decimal.Decimal `json:"unscheduled_rou"`
}

// CreateLeaseResponse is returned by POST /leases. Build is set when the
// document carried components.
type CreateLeaseResponse struct {
	Lease     LeaseDTO  `json:"lease"`
	Cashflows int       `json:"cashflows"`
	Build     *BuildDTO `json:"build,omitempty"`
}

func toLeaseDTO(l generic.Lease, m *generic.OpeningMeasures) LeaseDTO {
	dto := LeaseDTO{
		ID:               string(l.ID),
		CompanyID:        string(l.CompanyID),
		Code:             l.Code,
		CommenceOn:       l.Commence.String(),
		EndOn:            l.End.String(),
		TermMonths:       l.TermMonths(),
		DiscountRate:     l.DiscountRate,
		Currency:         string(l.Currency),
		PaymentFrequency: string(l.PaymentFrequency),
	}
	if m != nil {
		dto.Opening = &OpeningDTO{
			InitialLiability:   m.InitialLiability,
			InitialROU:         m.InitialROU,
			IncentivesReceived: m.IncentivesReceived,
			InitialDirectCosts: m.InitialDirectCosts,
			RestorationCost:    m.RestorationCost,
			UnscheduledROU:     m.UnscheduledROU,
		}
	}
	return dto
}

// =============================================================================
// COMPONENTS & SCHEDULES
// =============================================================================

// DesignRequest is the body of POST /leases/{id}/components.
type DesignRequest struct {
	Components []factory.ComponentJSON `json:"components"`
}

type ComponentDTO struct {
	ID                    string           `json:"id"`
	Code                  string           `json:"code"`
	Class                 string           `json:"class,omitempty"`
	CGUCode               string           `json:"cgu_code,omitempty"`
	PctOfROU              decimal.Decimal  `json:"pct_of_rou"`
	UsefulLifeMonths      int              `json:"useful_life_months"`
	Method                string           `json:"method"`
	IncentiveAllocation   decimal.Decimal  `json:"incentive_allocation"`
	RestorationAllocation decimal.Decimal  `json:"restoration_allocation"`
	Status                string           `json:"status"`
	Rows                  []ScheduleRowDTO `json:"rows,omitempty"`
}

type ScheduleRowDTO struct {
	Period       string          `json:"period"`
	OpenCarry    decimal.Decimal `json:"open_carry"`
	Amortization decimal.Decimal `json:"amortization"`
	Interest     decimal.Decimal `json:"interest"`
	CloseCarry   decimal.Decimal `json:"close_carry"`
}

// BuildDTO is returned by design and build.
type BuildDTO struct {
	LeaseID        string                     `json:"lease_id"`
	Components     []ComponentDTO             `json:"components"`
	Reconciliation lease.ReconciliationResult `json:"reconciliation"`
}

type LiabilityRowDTO struct {
	Period        string          `json:"period"`
	OpenBalance   decimal.Decimal `json:"open_balance"`
	Interest      decimal.Decimal `json:"interest"`
	Remeasurement decimal.Decimal `json:"remeasurement"`
	Payment       decimal.Decimal `json:"payment"`
	CloseBalance  decimal.Decimal `json:"close_balance"`
}

func toComponentDTO(c generic.Component, rows []generic.ScheduleRow) ComponentDTO {
	dto := ComponentDTO{
		ID:                    string(c.ID),
		Code:                  c.Code,
		Class:                 c.Class,
		CGUCode:               c.CGUCode,
		PctOfROU:              c.PctOfROU,
		UsefulLifeMonths:      c.UsefulLifeMonths,
		Method:                string(c.Method),
		IncentiveAllocation:   c.IncentiveAllocation,
		RestorationAllocation: c.RestorationAllocation,
		Status:                string(c.Status),
	}
	for _, r := range rows {
		dto.Rows = append(dto.Rows, ScheduleRowDTO{
			Period:       r.Period.String(),
			OpenCarry:    r.OpenCarry,
			Amortization: r.Amortization,
			Interest:     r.Interest,
			CloseCarry:   r.CloseCarry,
		})
	}
	return dto
}

func toBuildDTO(res *lease.BuildResult) BuildDTO {
	dto := BuildDTO{LeaseID: string(res.Lease.ID), Reconciliation: res.Reconciliation}
	for _, c := range res.Components {
		dto.Components = append(dto.Components, toComponentDTO(c, res.Schedules[c.ID]))
	}
	return dto
}

// =============================================================================
// REMEASUREMENT
// =============================================================================

// EventRequest is the body of POST /leases/{id}/events.
type EventRequest struct {
	Kind           string  `json:"kind"`
	EffectiveOn    string  `json:"effective_on"`
	IndexRate      *string `json:"index_rate,omitempty"`
	NewRate        *string `json:"new_rate,omitempty"`
	DeltaTerm      *int    `json:"delta_term,omitempty"`
	DeltaPay       *string `json:"delta_pay,omitempty"`
	ScopeChangePct *string `json:"scope_change_pct,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

type EventDTO struct {
	ID          string  `json:"id"`
	LeaseID     string  `json:"lease_id"`
	Kind        string  `json:"kind"`
	EffectiveOn string  `json:"effective_on"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at"`
	AppliedAt   *string `json:"applied_at,omitempty"`
}

type ApplyDTO struct {
	Event             EventDTO      `json:"event"`
	ArtifactID        string        `json:"artifact_id"`
	Checksum          string        `json:"checksum"`
	Outputs           lease.Outputs `json:"outputs"`
	RebuiltFrom       string        `json:"rebuilt_from,omitempty"`
	RebuiltComponents int           `json:"rebuilt_components"`
}

type JournalDTO struct {
	JournalID string `json:"journal_id"`
}

func toEventDTO(e generic.RemeasurementEvent) EventDTO {
	dto := EventDTO{
		ID:          string(e.ID),
		LeaseID:     string(e.LeaseID),
		Kind:        string(e.Kind),
		EffectiveOn: e.EffectiveOn.String(),
		Reason:      e.Reason,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
	if e.AppliedAt != nil {
		s := e.AppliedAt.Format(time.RFC3339)
		dto.AppliedAt = &s
	}
	return dto
}

// =============================================================================
// PERIOD POSTING
// =============================================================================

type PeriodPostingDTO struct {
	LeaseID      string          `json:"lease_id"`
	Period       string          `json:"period"`
	JournalID    string          `json:"journal_id"`
	Amortization decimal.Decimal `json:"amortization"`
	Interest     decimal.Decimal `json:"interest"`
	Locks        []string        `json:"locks"`
}

// =============================================================================
// IMPAIRMENT
// =============================================================================

// AssessRequest is the body of POST /impairment-tests.
type AssessRequest struct {
	CGUCode           string   `json:"cgu_code"`
	Level             string   `json:"level"`
	Method            string   `json:"method"`
	DiscountRate      string   `json:"discount_rate"`
	RecoverableAmount string   `json:"recoverable_amount"`
	AsOfDate          string   `json:"as_of_date"`
	Currency          string   `json:"currency,omitempty"`
	ComponentIDs      []string `json:"component_ids,omitempty"`
}

// ReverseRequest is the body of POST /impairment-tests/{id}/reverse.
type ReverseRequest struct {
	Amount       string `json:"amount"`
	ReversalDate string `json:"reversal_date"`
}

type ImpairmentTestDTO struct {
	ID                string              `json:"id"`
	CGUCode           string              `json:"cgu_code"`
	Level             string              `json:"level"`
	Method            string              `json:"method"`
	DiscountRate      decimal.Decimal     `json:"discount_rate"`
	RecoverableAmount decimal.Decimal     `json:"recoverable_amount"`
	AsOfDate          string              `json:"as_of_date"`
	Currency          string              `json:"currency"`
	TotalCarrying     decimal.Decimal     `json:"total_carrying"`
	ImpairmentLoss    decimal.Decimal     `json:"impairment_loss"`
	ReversalCap       decimal.Decimal     `json:"reversal_cap"`
	ReversedAmount    decimal.Decimal     `json:"reversed_amount"`
	Status            string              `json:"status"`
	JournalID         string              `json:"journal_id,omitempty"`
	Lines             []ImpairmentLineDTO `json:"lines,omitempty"`
}

type ImpairmentLineDTO struct {
	ComponentID       string          `json:"component_id"`
	CarryingAmount    decimal.Decimal `json:"carrying_amount"`
	AllocatedLoss     decimal.Decimal `json:"allocated_loss"`
	AllocatedReversal decimal.Decimal `json:"allocated_reversal"`
	AfterAmount       decimal.Decimal `json:"after_amount"`
	Estimated         bool            `json:"estimated,omitempty"`
}

func toImpairmentDTO(t generic.ImpairmentTest, lines []generic.ImpairmentLine) ImpairmentTestDTO {
	dto := ImpairmentTestDTO{
		ID:                string(t.ID),
		CGUCode:           t.CGUCode,
		Level:             string(t.Level),
		Method:            string(t.Method),
		DiscountRate:      t.DiscountRate,
		RecoverableAmount: t.RecoverableAmount,
		AsOfDate:          t.AsOf.String(),
		Currency:          string(t.Currency),
		TotalCarrying:     t.TotalCarrying,
		ImpairmentLoss:    t.ImpairmentLoss,
		ReversalCap:       t.ReversalCap,
		ReversedAmount:    t.ReversedAmount,
		Status:            string(t.Status),
		JournalID:         string(t.JournalID),
	}
	for _, l := range lines {
		dto.Lines = append(dto.Lines, ImpairmentLineDTO{
			ComponentID:       string(l.ComponentID),
			CarryingAmount:    l.CarryingAmount,
			AllocatedLoss:     l.AllocatedLoss,
			AllocatedReversal: l.AllocatedReversal,
			AfterAmount:       l.AfterAmount,
			Estimated:         l.Estimated,
		})
	}
	return dto
}

// ReversalDTO is returned by POST /impairment-tests/{id}/reverse.
type ReversalDTO struct {
	Test      ImpairmentTestDTO `json:"test"`
	Amount    decimal.Decimal   `json:"amount"`
	JournalID string            `json:"journal_id"`
}

func toReversalDTO(r *impairment.Reversal) ReversalDTO {
	return ReversalDTO{
		Test:      toImpairmentDTO(r.Test, r.Lines),
		Amount:    r.Amount,
		JournalID: string(r.JournalID),
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}
