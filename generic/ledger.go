/*
ledger.go - GL posting collaborator

PURPOSE:
  The engine decides WHAT to post (amounts and account roles); the general
  ledger decides HOW. This file defines the journal the engine hands over and
  the interfaces of the GL and FX collaborators.

ACCOUNT ROLES:
  Journals are built against roles (lease liability, ROU asset, interest
  expense, impairment loss...). An AccountMap maps each role to a company
  account code; unmapped roles post to the role name itself.

BALANCING:
  Every journal must balance (Σ debit == Σ credit) and every line must carry
  a non-negative debit or credit, not both. ValidateBalanced enforces this
  before a journal leaves the engine.

EXAMPLE:
  j := generic.Journal{CompanyID: "acme", PostingDate: date, Currency: "USD"}
  j.DebitCredit(accounts, generic.RoleImpairmentLoss, generic.RoleAccumulatedImpairment, loss, "impairment CGU-1")
  id, err := poster.Post(ctx, j)

SEE ALSO:
  - generic/store/memory.go: In-process Journal recorder
  - impairment/post.go, lease/post.go: Journal builders
*/
package generic

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT ROLES
// =============================================================================

type AccountRole string

const (
	RoleLeaseLiability          AccountRole = "lease_liability"
	RoleROUAsset                AccountRole = "rou_asset"
	RoleAccumulatedAmortization AccountRole = "accumulated_amortization"
	RoleAmortizationExpense     AccountRole = "amortization_expense"
	RoleInterestExpense         AccountRole = "interest_expense"
	RoleImpairmentLoss          AccountRole = "impairment_loss"
	RoleAccumulatedImpairment   AccountRole = "accumulated_impairment"
	RoleImpairmentReversal      AccountRole = "impairment_reversal"
	RoleRemeasurementPnL        AccountRole = "remeasurement_pnl"
)

// AccountMap maps account roles to company account codes.
type AccountMap map[AccountRole]string

func DefaultAccountMap() AccountMap {
	return AccountMap{
		RoleLeaseLiability:          "2100",
		RoleROUAsset:                "1600",
		RoleAccumulatedAmortization: "1610",
		RoleAmortizationExpense:     "6100",
		RoleInterestExpense:         "6200",
		RoleImpairmentLoss:          "6300",
		RoleAccumulatedImpairment:   "1620",
		RoleImpairmentReversal:      "6310",
		RoleRemeasurementPnL:        "6400",
	}
}

// Account returns the account code for role.
func (m AccountMap) Account(role AccountRole) string {
	if code, ok := m[role]; ok && code != "" {
		return code
	}
	return string(role)
}

// =============================================================================
// JOURNAL
// =============================================================================

type JournalLine struct {
	Role    AccountRole
	Account string
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Memo    string
}

type Journal struct {
	CompanyID   CompanyID
	PostingDate Date
	Currency    Currency
	Reference   string // entity key of the posting lock
	Memo        string
	Lines       []JournalLine
}

// DebitCredit adds a balanced pair: debit `dr`, credit `cr` for amount.
// A negative amount swaps the sides; a zero amount adds nothing.
func (j *Journal) DebitCredit(accounts AccountMap, dr, cr AccountRole, amount decimal.Decimal, memo string) {
	amount = RoundMoney(amount)
	if amount.IsZero() {
		return
	}
	if amount.IsNegative() {
		dr, cr = cr, dr
		amount = amount.Neg()
	}
	j.Lines = append(j.Lines,
		JournalLine{Role: dr, Account: accounts.Account(dr), Debit: amount, Credit: decimal.Zero, Memo: memo},
		JournalLine{Role: cr, Account: accounts.Account(cr), Debit: decimal.Zero, Credit: amount, Memo: memo},
	)
}

// Totals returns Σ debit and Σ credit.
func (j Journal) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, l := range j.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// Convert returns a copy with every amount multiplied by rate.
// Conversion is applied per pair so rounding cannot unbalance the journal.
func (j Journal) Convert(to Currency, rate decimal.Decimal) Journal {
	out := j
	out.Currency = to
	out.Lines = make([]JournalLine, len(j.Lines))
	for i, l := range j.Lines {
		l.Debit = RoundMoney(l.Debit.Mul(rate))
		l.Credit = RoundMoney(l.Credit.Mul(rate))
		out.Lines[i] = l
	}
	return out
}

// ValidateBalanced checks line signs and that debits equal credits.
func ValidateBalanced(lines []JournalLine) error {
	debit, credit := decimal.Zero, decimal.Zero
	for i, l := range lines {
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fmt.Errorf("line %d: negative amount: %w", i, ErrUnbalancedJournal)
		}
		if !l.Debit.IsZero() && !l.Credit.IsZero() {
			return fmt.Errorf("line %d: both debit and credit set: %w", i, ErrUnbalancedJournal)
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("debit %s != credit %s: %w", debit, credit, ErrUnbalancedJournal)
	}
	return nil
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Poster accepts balanced journals and returns an opaque journal id.
// Ledger mechanics live behind this interface.
type Poster interface {
	Post(ctx context.Context, journal Journal) (JournalID, error)
}

// FXRates supplies a spot rate for converting `from` into `to` in a period.
// Only consulted when presentation and functional currency differ.
type FXRates interface {
	SpotRate(ctx context.Context, from, to Currency, period Period) (decimal.Decimal, error)
}
