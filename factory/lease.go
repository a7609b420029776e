/*
Package factory converts lease documents into engine records.

PURPOSE:
  Leases arrive as JSON (API) or YAML (seed files). The factory parses the
  document, validates it and produces the lease header, opening measures,
  cashflows and component specs the engine works with. Nothing here
  computes schedules.

DOCUMENT SCHEMA (YAML shown; JSON uses the same keys):
  lease:
    id: hq-office
    code: HQ-OFFICE
    commence_on: "2025-01-01"
    end_on: "2029-12-31"
    discount_rate: "0.05"
    currency: USD
    payment_frequency: MONTHLY
  opening:
    initial_liability: "100000"
    initial_rou: "100000"
    incentives_received: "1000"
    restoration_cost: "5000"
  payment:                   # optional, generates cashflows
    amount: "1887.12"
    timing: end              # start | end of each payment period
  cashflows:                 # optional, explicit schedule
    - due_on: "2025-01-31"
      amount: "1887.12"
  components:                # optional, passed to Design
    - code: BUILDING
      class: property
      cgu_code: CGU-1
      pct_of_rou: "0.4"
      useful_life_months: 60
      method: SL

  Decimals are strings so no value ever passes through float64.
  Explicit cashflows win over a payment block.

USAGE:
  doc, err := factory.ParseLeaseDocument(companyID, data, factory.FormatYAML)
  if err != nil { ... }
  err = factory.SaveLease(ctx, store, doc)
  res, err := engine.Design(ctx, companyID, doc.Lease.ID, doc.Components)

SEE ALSO:
  - lease/design.go: Validates and persists the components
  - cmd/server/main.go: -seed flag
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/lease"
)

// Format selects the document syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromContentType maps a Content-Type or file extension to a Format.
func FormatFromContentType(ct string) Format {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "yaml") || strings.HasSuffix(ct, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// LeaseDocumentJSON is the wire form of a lease document.
type LeaseDocumentJSON struct {
	Lease      LeaseJSON       `json:"lease" yaml:"lease"`
	Opening    OpeningJSON     `json:"opening" yaml:"opening"`
	Payment    *PaymentJSON    `json:"payment,omitempty" yaml:"payment,omitempty"`
	Cashflows  []CashflowJSON  `json:"cashflows,omitempty" yaml:"cashflows,omitempty"`
	Components []ComponentJSON `json:"components,omitempty" yaml:"components,omitempty"`
}

type LeaseJSON struct {
	ID               string `json:"id" yaml:"id"`
	Code             string `json:"code" yaml:"code"`
	CommenceOn       string `json:"commence_on" yaml:"commence_on"`
	EndOn            string `json:"end_on" yaml:"end_on"`
	DiscountRate     string `json:"discount_rate" yaml:"discount_rate"`
	Currency         string `json:"currency" yaml:"currency"`
	PaymentFrequency string `json:"payment_frequency,omitempty" yaml:"payment_frequency,omitempty"`
}

type OpeningJSON struct {
	InitialLiability   string `json:"initial_liability" yaml:"initial_liability"`
	InitialROU         string `json:"initial_rou" yaml:"initial_rou"`
	IncentivesReceived string `json:"incentives_received,omitempty" yaml:"incentives_received,omitempty"`
	InitialDirectCosts string `json:"initial_direct_costs,omitempty" yaml:"initial_direct_costs,omitempty"`
	RestorationCost    string `json:"restoration_cost,omitempty" yaml:"restoration_cost,omitempty"`
}

// PaymentJSON generates one cashflow per payment period of the lease.
type PaymentJSON struct {
	Amount string `json:"amount" yaml:"amount"`
	Timing string `json:"timing,omitempty" yaml:"timing,omitempty"` // start, end (default)
}

type CashflowJSON struct {
	DueOn  string `json:"due_on" yaml:"due_on"`
	Amount string `json:"amount" yaml:"amount"`
}

type ComponentJSON struct {
	Code             string `json:"code" yaml:"code"`
	Class            string `json:"class,omitempty" yaml:"class,omitempty"`
	CGUCode          string `json:"cgu_code,omitempty" yaml:"cgu_code,omitempty"`
	PctOfROU         string `json:"pct_of_rou" yaml:"pct_of_rou"`
	UsefulLifeMonths int    `json:"useful_life_months" yaml:"useful_life_months"`
	Method           string `json:"method" yaml:"method"`
	StartOn          string `json:"start_on,omitempty" yaml:"start_on,omitempty"`
	EndOn            string `json:"end_on,omitempty" yaml:"end_on,omitempty"`
}

// LeaseDocument is a parsed and validated lease document.
type LeaseDocument struct {
	Lease      generic.Lease
	Opening    generic.OpeningMeasures
	Cashflows  []generic.Cashflow
	Components []lease.ComponentSpec
}

// =============================================================================
// PARSING
// =============================================================================

// ParseLeaseDocument decodes and validates a document for companyID.
func ParseLeaseDocument(companyID generic.CompanyID, data []byte, format Format) (*LeaseDocument, error) {
	var dj LeaseDocumentJSON
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &dj); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &dj); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return FromJSON(companyID, dj)
}

// FromJSON converts the wire form into engine records.
func FromJSON(companyID generic.CompanyID, dj LeaseDocumentJSON) (*LeaseDocument, error) {
	if companyID == "" {
		return nil, &generic.ValidationError{Field: "company_id", Reason: "required"}
	}
	l, err := parseLease(companyID, dj.Lease)
	if err != nil {
		return nil, err
	}
	opening, err := parseOpening(l, dj.Opening)
	if err != nil {
		return nil, err
	}

	doc := &LeaseDocument{Lease: l, Opening: opening}
	switch {
	case len(dj.Cashflows) > 0:
		if doc.Cashflows, err = parseCashflows(l, dj.Cashflows); err != nil {
			return nil, err
		}
	case dj.Payment != nil:
		if doc.Cashflows, err = generateCashflows(l, *dj.Payment); err != nil {
			return nil, err
		}
	}

	if doc.Components, err = ParseComponents(dj.Components); err != nil {
		return nil, err
	}
	if len(doc.Components) > 0 {
		if err := lease.ValidateDesign(l.TermMonths(), doc.Components); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func parseLease(companyID generic.CompanyID, lj LeaseJSON) (generic.Lease, error) {
	l := generic.Lease{
		ID:               generic.LeaseID(lj.ID),
		CompanyID:        companyID,
		Code:             lj.Code,
		Currency:         generic.Currency(strings.ToUpper(lj.Currency)),
		PaymentFrequency: generic.PaymentFrequency(strings.ToUpper(lj.PaymentFrequency)),
	}
	if l.Code == "" {
		l.Code = lj.ID
	}
	if l.PaymentFrequency == "" {
		l.PaymentFrequency = generic.FrequencyMonthly
	}

	var err error
	if l.Commence, err = generic.ParseDate("lease.commence_on", lj.CommenceOn); err != nil {
		return l, err
	}
	if l.End, err = generic.ParseDate("lease.end_on", lj.EndOn); err != nil {
		return l, err
	}
	if l.DiscountRate, err = generic.ParseDecimal("lease.discount_rate", lj.DiscountRate); err != nil {
		return l, err
	}
	return l, l.Validate()
}

func parseOpening(l generic.Lease, oj OpeningJSON) (generic.OpeningMeasures, error) {
	m := generic.OpeningMeasures{LeaseID: l.ID, CompanyID: l.CompanyID}
	fields := []struct {
		name     string
		raw      string
		dst      *decimal.Decimal
		required bool
	}{
		{"opening.initial_liability", oj.InitialLiability, &m.InitialLiability, true},
		{"opening.initial_rou", oj.InitialROU, &m.InitialROU, true},
		{"opening.incentives_received", oj.IncentivesReceived, &m.IncentivesReceived, false},
		{"opening.initial_direct_costs", oj.InitialDirectCosts, &m.InitialDirectCosts, false},
		{"opening.restoration_cost", oj.RestorationCost, &m.RestorationCost, false},
	}
	for _, f := range fields {
		if f.raw == "" {
			if f.required {
				return m, &generic.ValidationError{Field: f.name, Reason: "required"}
			}
			*f.dst = decimal.Zero
			continue
		}
		d, err := generic.ParseDecimal(f.name, f.raw)
		if err != nil {
			return m, err
		}
		if d.IsNegative() {
			return m, &generic.ValidationError{Field: f.name, Reason: "must not be negative"}
		}
		*f.dst = d
	}
	return m, nil
}

func parseCashflows(l generic.Lease, cjs []CashflowJSON) ([]generic.Cashflow, error) {
	out := make([]generic.Cashflow, 0, len(cjs))
	for i, cj := range cjs {
		field := fmt.Sprintf("cashflows[%d]", i)
		due, err := generic.ParseDate(field+".due_on", cj.DueOn)
		if err != nil {
			return nil, err
		}
		amount, err := generic.ParseDecimal(field+".amount", cj.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, generic.Cashflow{LeaseID: l.ID, DueOn: due, Amount: amount})
	}
	return out, nil
}

// generateCashflows emits one payment per frequency period over the term,
// due on the first or last day of the period.
func generateCashflows(l generic.Lease, pj PaymentJSON) ([]generic.Cashflow, error) {
	amount, err := generic.ParseDecimal("payment.amount", pj.Amount)
	if err != nil {
		return nil, err
	}
	timing := strings.ToLower(pj.Timing)
	if timing == "" {
		timing = "end"
	}
	if timing != "start" && timing != "end" {
		return nil, &generic.ValidationError{Field: "payment.timing", Reason: "must be start or end"}
	}

	step := monthsPerPayment(l.PaymentFrequency)
	start := l.Commence.Period()
	term := l.TermMonths()

	var out []generic.Cashflow
	for i := 0; i < term; i += step {
		due := start.Add(i).Start()
		if timing == "end" {
			last := i + step - 1
			if last >= term {
				last = term - 1
			}
			due = start.Add(last).End()
		}
		out = append(out, generic.Cashflow{LeaseID: l.ID, DueOn: due, Amount: amount})
	}
	return out, nil
}

func monthsPerPayment(f generic.PaymentFrequency) int {
	switch f {
	case generic.FrequencyQuarterly:
		return 3
	case generic.FrequencyAnnual:
		return 12
	default:
		return 1
	}
}

// ParseComponents converts component entries into design specs. The split
// itself is validated by lease.ValidateDesign.
func ParseComponents(cjs []ComponentJSON) ([]lease.ComponentSpec, error) {
	var out []lease.ComponentSpec
	for i, cj := range cjs {
		spec, err := parseComponent(i, cj)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseComponent(i int, cj ComponentJSON) (lease.ComponentSpec, error) {
	field := fmt.Sprintf("components[%d]", i)
	spec := lease.ComponentSpec{
		Code:             cj.Code,
		Class:            cj.Class,
		CGUCode:          cj.CGUCode,
		UsefulLifeMonths: cj.UsefulLifeMonths,
		Method:           generic.AmortizationMethod(strings.ToUpper(cj.Method)),
	}
	var err error
	if spec.PctOfROU, err = generic.ParseDecimal(field+".pct_of_rou", cj.PctOfROU); err != nil {
		return spec, err
	}
	if cj.StartOn != "" {
		if spec.StartOn, err = generic.ParseDate(field+".start_on", cj.StartOn); err != nil {
			return spec, err
		}
	}
	if cj.EndOn != "" {
		if spec.EndOn, err = generic.ParseDate(field+".end_on", cj.EndOn); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// SaveLease writes the lease header, opening measures and cashflows in one
// transaction. Components are left to lease.Engine.Design.
func SaveLease(ctx context.Context, store generic.TxStore, doc *LeaseDocument) error {
	return store.WithTx(ctx, func(s generic.Store) error {
		if err := s.SaveLease(ctx, doc.Lease); err != nil {
			return err
		}
		if err := s.SaveOpeningMeasures(ctx, doc.Opening); err != nil {
			return err
		}
		return s.SaveCashflows(ctx, doc.Lease.CompanyID, doc.Lease.ID, doc.Cashflows)
	})
}
