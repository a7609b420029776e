package impairment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/metrics"
)

var ErrNoPoster = errors.New("impairment: no GL poster configured")

// ReversalLockKey is the posting-lock entity key of a test's reversals.
func ReversalLockKey(id generic.TestID) string { return string(id) + ":reversal" }

// =============================================================================
// POST
// =============================================================================

// Post sends a MEASURED test's loss to the GL and moves it to POSTED.
//
// The lock (test id, as-of month) is created before anything else, so a
// second call fails with ErrAlreadyPosted rather than a transition error.
func (a *Allocator) Post(ctx context.Context, companyID generic.CompanyID, testID generic.TestID) (*generic.ImpairmentTest, error) {
	if a.Poster == nil {
		return nil, ErrNoPoster
	}

	var out *generic.ImpairmentTest
	err := a.Store.WithTx(ctx, func(s generic.Store) error {
		test, err := s.GetImpairmentTest(ctx, companyID, testID)
		if err != nil {
			return err
		}
		lock := generic.PostingLock{
			ID:        uuid.NewString(),
			CompanyID: companyID,
			EntityKey: string(test.ID),
			Period:    test.AsOf.Period(),
			CreatedAt: a.Now(),
		}
		if err := s.CreatePostingLock(ctx, lock); err != nil {
			return err
		}
		if err := transition(test, generic.TestPosted); err != nil {
			return err
		}

		lines, err := s.ListImpairmentLines(ctx, companyID, testID)
		if err != nil {
			return err
		}
		j := generic.Journal{
			CompanyID:   companyID,
			PostingDate: test.AsOf,
			Currency:    test.Currency,
			Reference:   lock.EntityKey,
			Memo:        "impairment " + test.CGUCode,
		}
		for _, l := range lines {
			j.DebitCredit(a.Accounts, generic.RoleImpairmentLoss, generic.RoleAccumulatedImpairment,
				l.AllocatedLoss, "impairment "+string(l.ComponentID))
		}

		// A zero-loss test is POSTED without a GL call.
		if len(j.Lines) > 0 {
			if test.JournalID, err = a.post(ctx, j, lock.Period); err != nil {
				return err
			}
			if err := s.SetLockJournal(ctx, companyID, lock.ID, test.JournalID); err != nil {
				return err
			}
		}

		test.UpdatedAt = a.Now()
		if err := s.SaveImpairmentTest(ctx, *test); err != nil {
			return err
		}
		out = test
		return nil
	})
	metrics.RecordPosting("impairment", err)
	if err != nil {
		return nil, err
	}

	a.Log.Info("impairment posted",
		zap.String("company_id", string(companyID)),
		zap.String("test_id", string(testID)),
		zap.String("journal_id", string(out.JournalID)))
	return out, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reversal is the outcome of Reverse.
type Reversal struct {
	Test      generic.ImpairmentTest
	Lines     []generic.ImpairmentLine
	Amount    decimal.Decimal
	JournalID generic.JournalID
}

// Reverse writes back part of a POSTED loss on date `on`, allocated by each
// line's original loss share and posted immediately under the lock
// ("<test id>:reversal", month of on). Σ reversals never exceed the cap.
func (a *Allocator) Reverse(ctx context.Context, companyID generic.CompanyID, testID generic.TestID, amount decimal.Decimal, on generic.Date) (*Reversal, error) {
	amount = generic.RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, &generic.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if on.IsZero() {
		return nil, &generic.ValidationError{Field: "reversal_date", Reason: "required"}
	}
	if a.Poster == nil {
		return nil, ErrNoPoster
	}

	var out *Reversal
	err := a.Store.WithTx(ctx, func(s generic.Store) error {
		test, err := s.GetImpairmentTest(ctx, companyID, testID)
		if err != nil {
			return err
		}
		if test.Status != generic.TestPosted {
			return fmt.Errorf("reverse test %s in status %s: %w", testID, test.Status, generic.ErrInvalidTransition)
		}
		remaining := test.ReversalCap.Sub(test.ReversedAmount)
		if amount.GreaterThan(remaining) {
			return fmt.Errorf("reversal %s, remaining cap %s: %w", amount, remaining, generic.ErrReversalExceedsCap)
		}

		lock := generic.PostingLock{
			ID:        uuid.NewString(),
			CompanyID: companyID,
			EntityKey: ReversalLockKey(testID),
			Period:    on.Period(),
			CreatedAt: a.Now(),
		}
		if err := s.CreatePostingLock(ctx, lock); err != nil {
			return err
		}

		lines, err := s.ListImpairmentLines(ctx, companyID, testID)
		if err != nil {
			return err
		}
		updated := ApplyReversal(lines, amount)
		if err := s.ReplaceImpairmentLines(ctx, companyID, testID, updated); err != nil {
			return err
		}

		j := generic.Journal{
			CompanyID:   companyID,
			PostingDate: on,
			Currency:    test.Currency,
			Reference:   lock.EntityKey,
			Memo:        "impairment reversal " + test.CGUCode,
		}
		for i, l := range updated {
			j.DebitCredit(a.Accounts, generic.RoleAccumulatedImpairment, generic.RoleImpairmentReversal,
				l.AllocatedReversal.Sub(lines[i].AllocatedReversal), "reversal "+string(l.ComponentID))
		}
		journalID, err := a.post(ctx, j, lock.Period)
		if err != nil {
			return err
		}
		if err := s.SetLockJournal(ctx, companyID, lock.ID, journalID); err != nil {
			return err
		}

		test.ReversedAmount = test.ReversedAmount.Add(amount)
		test.UpdatedAt = a.Now()
		if err := s.SaveImpairmentTest(ctx, *test); err != nil {
			return err
		}
		out = &Reversal{Test: *test, Lines: updated, Amount: amount, JournalID: journalID}
		return nil
	})
	metrics.RecordPosting("impairment_reversal", err)
	if err != nil {
		return nil, err
	}

	a.Log.Info("impairment reversed",
		zap.String("company_id", string(companyID)),
		zap.String("test_id", string(testID)),
		zap.Stringer("amount", amount),
		zap.String("journal_id", string(out.JournalID)))
	return out, nil
}

// post converts j to the presentation currency when needed and hands it to
// the GL.
func (a *Allocator) post(ctx context.Context, j generic.Journal, period generic.Period) (generic.JournalID, error) {
	if a.PresentationCurrency != "" && a.PresentationCurrency != j.Currency {
		if a.FX == nil {
			return "", fmt.Errorf("convert %s to %s: no FX rates configured", j.Currency, a.PresentationCurrency)
		}
		rate, err := a.FX.SpotRate(ctx, j.Currency, a.PresentationCurrency, period)
		if err != nil {
			return "", fmt.Errorf("fx rate: %w", err)
		}
		j = j.Convert(a.PresentationCurrency, rate)
	}
	id, err := a.Poster.Post(ctx, j)
	if err != nil {
		return "", fmt.Errorf("post journal: %w", err)
	}
	return id, nil
}
