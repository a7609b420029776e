package lease

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/metrics"
)

// =============================================================================
// PERIOD POSTING - Monthly amortization and interest journal
// =============================================================================

// ComponentLockKey is the posting-lock entity key of a component's
// amortization for a period.
func ComponentLockKey(leaseID generic.LeaseID, componentID generic.ComponentID) string {
	return string(leaseID) + "/" + string(componentID)
}

// PeriodPosting summarizes what PostPeriod sent to the GL.
type PeriodPosting struct {
	LeaseID      generic.LeaseID
	Period       generic.Period
	JournalID    generic.JournalID
	Amortization decimal.Decimal
	Interest     decimal.Decimal
	Locks        []string
}

// PostPeriod posts one month of a lease: amortization of every ACTIVE
// component (lock "<lease>/<component>") and liability interest (lock
// "<lease>"). Interest comes from the liability path, not from the component
// rows. All locks and the GL call share one transaction, so a second call for
// the same month fails with ErrAlreadyPosted and a GL failure leaves no lock.
func (e *Engine) PostPeriod(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, period generic.Period) (*PeriodPosting, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	if e.Poster == nil {
		return nil, ErrNoPoster
	}

	var out *PeriodPosting
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		lease, opening, err := loadLease(ctx, s, companyID, leaseID)
		if err != nil {
			return err
		}
		components, err := s.ListComponents(ctx, companyID, leaseID)
		if err != nil {
			return fmt.Errorf("list components: %w", err)
		}
		active := generic.ActiveComponents(components)
		if len(active) == 0 {
			return fmt.Errorf("lease %s: %w", leaseID, generic.ErrNoActiveComponents)
		}

		path, err := loadLiabilityPath(ctx, s, *lease, *opening)
		if err != nil {
			return err
		}
		liabilityRow, ok := LiabilityRowFor(path, period)
		if !ok {
			return &generic.ValidationError{Field: "period", Reason: fmt.Sprintf("%s is outside the lease term", period)}
		}

		j := generic.Journal{
			CompanyID:   companyID,
			PostingDate: period.End(),
			Currency:    lease.Currency,
			Reference:   fmt.Sprintf("%s:%s", leaseID, period),
			Memo:        fmt.Sprintf("lease %s %s", lease.Code, period),
		}
		out = &PeriodPosting{LeaseID: leaseID, Period: period, Amortization: decimal.Zero}

		var locks []generic.PostingLock
		lock := func(key string) error {
			l := generic.PostingLock{
				ID:        uuid.NewString(),
				CompanyID: companyID,
				EntityKey: key,
				Period:    period,
				CreatedAt: e.Now(),
			}
			if err := s.CreatePostingLock(ctx, l); err != nil {
				return err
			}
			locks = append(locks, l)
			out.Locks = append(out.Locks, key)
			return nil
		}

		for _, c := range active {
			row, err := s.LatestScheduleRow(ctx, companyID, c.ID, period)
			if err != nil {
				return fmt.Errorf("schedule row %s: %w", c.ID, err)
			}
			if row == nil || !row.Period.Equal(period) {
				continue
			}
			if err := lock(ComponentLockKey(leaseID, c.ID)); err != nil {
				return err
			}
			j.DebitCredit(e.Accounts, generic.RoleAmortizationExpense, generic.RoleAccumulatedAmortization,
				row.Amortization, "amortization "+c.Code)
			out.Amortization = out.Amortization.Add(row.Amortization)
		}

		if err := lock(string(leaseID)); err != nil {
			return err
		}
		j.DebitCredit(e.Accounts, generic.RoleInterestExpense, generic.RoleLeaseLiability,
			liabilityRow.Interest, "interest")
		out.Interest = liabilityRow.Interest

		if len(j.Lines) == 0 {
			return &generic.ValidationError{Field: "period", Reason: "nothing to post for " + period.String()}
		}
		out.JournalID, err = e.Poster.Post(ctx, j)
		if err != nil {
			return fmt.Errorf("post journal: %w", err)
		}
		for _, l := range locks {
			if err := s.SetLockJournal(ctx, companyID, l.ID, out.JournalID); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordPosting("period", err)
	if err != nil {
		return nil, err
	}

	e.Log.Info("period posted",
		zap.String("company_id", string(companyID)),
		zap.String("lease_id", string(leaseID)),
		zap.Stringer("period", period),
		zap.String("journal_id", string(out.JournalID)))
	return out, nil
}
