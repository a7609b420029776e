/*
Package impairment measures, allocates and posts impairment of lease
components, tested alone or together as a cash-generating unit (CGU).

LIFECYCLE:
  DRAFT -> MEASURED (Assess) -> POSTED (Post, terminal)
  A POSTED test can be partially reversed (Reverse) up to its reversal cap.

MEASUREMENT:
  carrying  = close carry of the latest schedule row on or before the as-of
              month; pct_of_rou × opening ROU when the component has no row
              yet (flagged Estimated on the line)
  loss      = max(0, Σ carrying - recoverable)
  allocated = loss × carrying / Σ carrying, cents, residual to the largest line
  after     = max(0, carrying - allocated)

POSTING:
  Every GL call is preceded by a posting lock created in the same
  transaction:
    Post     entity "<test id>",          period of the as-of date
    Reverse  entity "<test id>:reversal", period of the reversal date
  A second lock for the same tuple is ErrAlreadyPosted. A GL failure rolls the
  lock back with the rest of the transaction.

FX:
  Journals are built in the test currency. They are converted at the spot
  rate when the presentation currency is set and differs.

SEE ALSO:
  - allocate.go: Pure Measure and ApplyReversal
  - post.go: Post and Reverse
*/
package impairment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/logger"
	"github.com/warp/lease-engine/metrics"
)

// Allocator runs impairment tests against the engine store.
type Allocator struct {
	Store                generic.TxStore
	Poster               generic.Poster
	FX                   generic.FXRates
	Accounts             generic.AccountMap
	PresentationCurrency generic.Currency
	Log                  *zap.Logger
	Now                  func() time.Time
}

func NewAllocator(store generic.TxStore, poster generic.Poster, fx generic.FXRates, log *zap.Logger) *Allocator {
	return &Allocator{
		Store:    store,
		Poster:   poster,
		FX:       fx,
		Accounts: generic.DefaultAccountMap(),
		Log:      logger.OrNop(log).Named("impairment"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ASSESSMENT REQUEST
// =============================================================================

// AssessRequest describes one impairment test.
type AssessRequest struct {
	CompanyID         generic.CompanyID
	CGUCode           string
	Level             generic.ImpairmentLevel
	Method            generic.ImpairmentMethod
	DiscountRate      decimal.Decimal
	RecoverableAmount decimal.Decimal
	AsOf              string // "2006-01-02"
	Currency          generic.Currency
	// ComponentIDs are the targets at COMPONENT level; ignored at CGU level.
	ComponentIDs []generic.ComponentID
}

// Validate checks the request and returns the parsed as-of date.
func (r AssessRequest) Validate() (generic.Date, error) {
	if r.CGUCode == "" {
		return generic.Date{}, &generic.ValidationError{Field: "cgu_code", Reason: "required"}
	}
	switch r.Level {
	case generic.LevelCGU, generic.LevelComponent:
	default:
		return generic.Date{}, &generic.ValidationError{Field: "level", Reason: "unknown level " + string(r.Level)}
	}
	switch r.Method {
	case generic.MethodVIU, generic.MethodFVLCD, generic.MethodHigher:
	default:
		return generic.Date{}, &generic.ValidationError{Field: "method", Reason: "unknown method " + string(r.Method)}
	}
	if !r.DiscountRate.IsPositive() || !r.DiscountRate.LessThan(generic.One) {
		return generic.Date{}, &generic.ValidationError{Field: "discount_rate", Reason: "must be strictly between 0 and 1"}
	}
	if r.RecoverableAmount.IsNegative() {
		return generic.Date{}, &generic.ValidationError{Field: "recoverable_amount", Reason: "must not be negative"}
	}
	if r.Level == generic.LevelComponent && len(r.ComponentIDs) == 0 {
		return generic.Date{}, &generic.ValidationError{Field: "component_ids", Reason: "required at COMPONENT level"}
	}
	seen := make(map[generic.ComponentID]bool, len(r.ComponentIDs))
	for _, id := range r.ComponentIDs {
		if seen[id] {
			return generic.Date{}, &generic.ValidationError{Field: "component_ids", Reason: "duplicate component " + string(id)}
		}
		seen[id] = true
	}
	return generic.ParseDate("as_of_date", r.AsOf)
}

// Assessment is a MEASURED test with its allocation lines.
type Assessment struct {
	Test  generic.ImpairmentTest
	Lines []generic.ImpairmentLine
}

// =============================================================================
// ASSESS
// =============================================================================

// Assess measures and allocates an impairment loss, persisting the test as
// MEASURED with one line per target component, in one transaction.
func (a *Allocator) Assess(ctx context.Context, req AssessRequest) (*Assessment, error) {
	asOf, err := req.Validate()
	if err != nil {
		metrics.RecordImpairment(string(req.Level), err)
		return nil, err
	}

	var out *Assessment
	err = a.Store.WithTx(ctx, func(s generic.Store) error {
		components, err := a.targets(ctx, s, req)
		if err != nil {
			return err
		}
		targets, err := carryingAmounts(ctx, s, req.CompanyID, components, asOf.Period())
		if err != nil {
			return err
		}

		currency := req.Currency
		if currency == "" {
			l, err := s.GetLease(ctx, req.CompanyID, components[0].LeaseID)
			if err != nil {
				return err
			}
			currency = l.Currency
		}

		m := Measure(targets, req.RecoverableAmount)
		now := a.Now()
		test := generic.ImpairmentTest{
			ID:                generic.TestID(uuid.NewString()),
			CompanyID:         req.CompanyID,
			CGUCode:           req.CGUCode,
			Level:             req.Level,
			Method:            req.Method,
			DiscountRate:      req.DiscountRate,
			RecoverableAmount: req.RecoverableAmount,
			AsOf:              asOf,
			Currency:          currency,
			TotalCarrying:     m.TotalCarrying,
			ImpairmentLoss:    m.Loss,
			ReversalCap:       m.Loss,
			ReversedAmount:    decimal.Zero,
			Status:            generic.TestDraft,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := transition(&test, generic.TestMeasured); err != nil {
			return err
		}
		if err := s.SaveImpairmentTest(ctx, test); err != nil {
			return err
		}
		for i := range m.Lines {
			m.Lines[i].TestID = test.ID
		}
		if err := s.ReplaceImpairmentLines(ctx, req.CompanyID, test.ID, m.Lines); err != nil {
			return err
		}
		out = &Assessment{Test: test, Lines: m.Lines}
		return nil
	})
	metrics.RecordImpairment(string(req.Level), err)
	if err != nil {
		return nil, err
	}

	a.Log.Info("impairment assessed",
		zap.String("company_id", string(req.CompanyID)),
		zap.String("test_id", string(out.Test.ID)),
		zap.String("cgu_code", req.CGUCode),
		zap.Stringer("total_carrying", out.Test.TotalCarrying),
		zap.Stringer("loss", out.Test.ImpairmentLoss))
	return out, nil
}

// targets resolves the components under test: the ACTIVE members of the CGU,
// or the listed components at COMPONENT level.
func (a *Allocator) targets(ctx context.Context, s generic.Store, req AssessRequest) ([]generic.Component, error) {
	if req.Level == generic.LevelComponent {
		out := make([]generic.Component, 0, len(req.ComponentIDs))
		for _, id := range req.ComponentIDs {
			c, err := s.GetComponent(ctx, req.CompanyID, id)
			if err != nil {
				return nil, err
			}
			out = append(out, *c)
		}
		return out, nil
	}

	all, err := s.ListComponentsByCGU(ctx, req.CompanyID, req.CGUCode)
	if err != nil {
		return nil, fmt.Errorf("list CGU components: %w", err)
	}
	active := generic.ActiveComponents(all)
	if len(active) == 0 {
		return nil, fmt.Errorf("CGU %s: %w", req.CGUCode, generic.ErrNoActiveComponents)
	}
	return active, nil
}

// carryingAmounts reads each component's carrying amount at period.
func carryingAmounts(ctx context.Context, s generic.Store, companyID generic.CompanyID, components []generic.Component, period generic.Period) ([]Target, error) {
	openings := map[generic.LeaseID]*generic.OpeningMeasures{}
	out := make([]Target, 0, len(components))
	for _, c := range components {
		row, err := s.LatestScheduleRow(ctx, companyID, c.ID, period)
		if err != nil {
			return nil, fmt.Errorf("latest row %s: %w", c.ID, err)
		}
		if row != nil {
			out = append(out, Target{Component: c, Carrying: row.CloseCarry})
			continue
		}

		opening, ok := openings[c.LeaseID]
		if !ok {
			opening, err = s.GetOpeningMeasures(ctx, companyID, c.LeaseID)
			if err != nil {
				return nil, err
			}
			openings[c.LeaseID] = opening
		}
		out = append(out, Target{
			Component: c,
			Carrying:  generic.RoundMoney(c.PctOfROU.Mul(opening.InitialROU)),
			Estimated: true,
		})
	}
	return out, nil
}

func transition(t *generic.ImpairmentTest, to generic.TestStatus) error {
	if !t.Status.CanTransition(to) {
		return &generic.TransitionError{TestID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	return nil
}
