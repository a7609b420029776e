package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/metrics"
)

// =============================================================================
// COMPONENT DESIGN
// =============================================================================

// ComponentSpec describes one component of a new design.
type ComponentSpec struct {
	Code             string
	Class            string
	CGUCode          string
	PctOfROU         decimal.Decimal
	UsefulLifeMonths int
	Method           generic.AmortizationMethod
	StartOn          generic.Date // defaults to lease commencement
	EndOn            generic.Date // defaults to lease end
}

// ValidateDesign checks a component split against the lease term.
func ValidateDesign(termMonths int, specs []ComponentSpec) error {
	if len(specs) == 0 {
		return &generic.ValidationError{Field: "components", Reason: "at least one component is required"}
	}

	seen := make(map[string]bool, len(specs))
	total := decimal.Zero
	for i, s := range specs {
		field := func(name string) string { return fmt.Sprintf("components[%d].%s", i, name) }

		code := strings.TrimSpace(s.Code)
		if code == "" {
			return &generic.ValidationError{Field: field("code"), Reason: "required"}
		}
		if seen[code] {
			return &generic.ValidationError{Field: field("code"), Reason: "duplicate code " + code}
		}
		seen[code] = true

		if !s.PctOfROU.IsPositive() || s.PctOfROU.GreaterThan(generic.One) {
			return &generic.ValidationError{Field: field("pct_of_rou"), Reason: "must be in (0, 1]"}
		}
		if s.UsefulLifeMonths <= 0 {
			return &generic.ValidationError{Field: field("useful_life_months"), Reason: "must be positive"}
		}
		if s.UsefulLifeMonths > termMonths {
			return &generic.ValidationError{
				Field:  field("useful_life_months"),
				Reason: fmt.Sprintf("%d exceeds lease term of %d months", s.UsefulLifeMonths, termMonths),
			}
		}
		if !s.Method.Valid() {
			return &generic.ValidationError{Field: field("method"), Reason: "unknown method " + string(s.Method)}
		}
		total = total.Add(s.PctOfROU)
	}

	if !generic.WithinTolerance(total, generic.One, generic.PctTolerance) {
		return &generic.ValidationError{
			Field:  "components",
			Reason: fmt.Sprintf("pct_of_rou sums to %s, expected 1", total),
		}
	}
	return nil
}

// Design replaces the component split of a lease and builds its schedules.
//
// Existing ACTIVE components are CLOSED, the new set is inserted and every
// schedule is built, all in one transaction.
func (e *Engine) Design(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, specs []ComponentSpec) (*BuildResult, error) {
	started := time.Now()
	var result *BuildResult
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		lease, opening, err := loadLease(ctx, s, companyID, leaseID)
		if err != nil {
			return err
		}
		if err := ValidateDesign(lease.TermMonths(), specs); err != nil {
			return err
		}

		existing, err := s.ListComponents(ctx, companyID, leaseID)
		if err != nil {
			return fmt.Errorf("list components: %w", err)
		}
		for _, c := range generic.ActiveComponents(existing) {
			if err := s.SetComponentStatus(ctx, companyID, c.ID, generic.ComponentClosed); err != nil {
				return fmt.Errorf("close component %s: %w", c.ID, err)
			}
		}

		now := e.Now()
		for _, spec := range specs {
			c := newComponent(*lease, *opening, spec, now)
			if err := s.SaveComponent(ctx, c); err != nil {
				return fmt.Errorf("save component %s: %w", c.Code, err)
			}
		}

		result, err = e.buildTx(ctx, s, companyID, leaseID)
		return err
	})
	metrics.ObserveScheduleBuild("design", started, err)
	if err != nil {
		return nil, err
	}

	metrics.RecordReconciliation(result.Reconciliation.Passed)
	e.Log.Info("components designed",
		zap.String("company_id", string(companyID)),
		zap.String("lease_id", string(leaseID)),
		zap.Int("components", len(result.Components)))
	return result, nil
}

func newComponent(lease generic.Lease, opening generic.OpeningMeasures, spec ComponentSpec, now time.Time) generic.Component {
	start, end := spec.StartOn, spec.EndOn
	if start.IsZero() {
		start = lease.Commence
	}
	if end.IsZero() {
		end = lease.End
	}
	return generic.Component{
		ID:                    generic.ComponentID(uuid.NewString()),
		CompanyID:             lease.CompanyID,
		LeaseID:               lease.ID,
		Code:                  strings.TrimSpace(spec.Code),
		Class:                 spec.Class,
		CGUCode:               spec.CGUCode,
		PctOfROU:              spec.PctOfROU,
		UsefulLifeMonths:      spec.UsefulLifeMonths,
		Method:                spec.Method,
		IncentiveAllocation:   generic.RoundMoney(spec.PctOfROU.Mul(opening.IncentivesReceived)),
		RestorationAllocation: generic.RoundMoney(spec.PctOfROU.Mul(opening.RestorationCost)),
		StartOn:               start,
		EndOn:                 end,
		Status:                generic.ComponentActive,
		CreatedAt:             now,
	}
}
