package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// IMPAIRMENT TESTS
// =============================================================================

// SaveImpairmentTest inserts or updates a test.
func (c *conn) SaveImpairmentTest(ctx context.Context, t generic.ImpairmentTest) error {
	query := `
		INSERT INTO impairment_tests (company_id, id, cgu_code, level, method, discount_rate,
		                              recoverable_amount, as_of, currency, total_carrying,
		                              impairment_loss, reversal_cap, reversed_amount, status,
		                              journal_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, id) DO UPDATE SET
			total_carrying = excluded.total_carrying,
			impairment_loss = excluded.impairment_loss,
			reversal_cap = excluded.reversal_cap,
			reversed_amount = excluded.reversed_amount,
			status = excluded.status,
			journal_id = excluded.journal_id,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		t.CompanyID, t.ID, t.CGUCode, t.Level, t.Method, t.DiscountRate,
		t.RecoverableAmount, t.AsOf.String(), t.Currency, t.TotalCarrying,
		t.ImpairmentLoss, t.ReversalCap, t.ReversedAmount, t.Status,
		t.JournalID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save impairment test: %w", err)
	}
	return nil
}

// GetImpairmentTest retrieves a test by id.
func (c *conn) GetImpairmentTest(ctx context.Context, companyID generic.CompanyID, testID generic.TestID) (*generic.ImpairmentTest, error) {
	var (
		t                    generic.ImpairmentTest
		asOf                 string
		createdAt, updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT company_id, id, cgu_code, level, method, discount_rate, recoverable_amount, as_of,
		       currency, total_carrying, impairment_loss, reversal_cap, reversed_amount, status,
		       journal_id, created_at, updated_at
		FROM impairment_tests WHERE company_id = ? AND id = ?`,
		companyID, testID,
	).Scan(&t.CompanyID, &t.ID, &t.CGUCode, &t.Level, &t.Method, &t.DiscountRate,
		&t.RecoverableAmount, &asOf, &t.Currency, &t.TotalCarrying, &t.ImpairmentLoss,
		&t.ReversalCap, &t.ReversedAmount, &t.Status, &t.JournalID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("impairment test %s: %w", testID, generic.ErrTestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impairment test: %w", err)
	}
	if t.AsOf, err = parseDate(asOf); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// ReplaceImpairmentLines deletes every line of the test and inserts lines.
func (c *conn) ReplaceImpairmentLines(ctx context.Context, companyID generic.CompanyID, testID generic.TestID, lines []generic.ImpairmentLine) error {
	if _, err := c.q.ExecContext(ctx,
		"DELETE FROM impairment_lines WHERE company_id = ? AND test_id = ?", companyID, testID,
	); err != nil {
		return fmt.Errorf("failed to delete impairment lines: %w", err)
	}
	for _, l := range lines {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO impairment_lines (company_id, test_id, component_id, carrying_amount,
			                              allocated_loss, allocated_reversal, after_amount, estimated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			companyID, testID, l.ComponentID, l.CarryingAmount,
			l.AllocatedLoss, l.AllocatedReversal, l.AfterAmount, l.Estimated,
		)
		if err != nil {
			return fmt.Errorf("failed to insert impairment line: %w", err)
		}
	}
	return nil
}

// ListImpairmentLines returns the lines of a test ordered by component.
func (c *conn) ListImpairmentLines(ctx context.Context, companyID generic.CompanyID, testID generic.TestID) ([]generic.ImpairmentLine, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT test_id, company_id, component_id, carrying_amount, allocated_loss,
		       allocated_reversal, after_amount, estimated
		FROM impairment_lines WHERE company_id = ? AND test_id = ?
		ORDER BY rowid`,
		companyID, testID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query impairment lines: %w", err)
	}
	defer rows.Close()

	var lines []generic.ImpairmentLine
	for rows.Next() {
		var l generic.ImpairmentLine
		if err := rows.Scan(&l.TestID, &l.CompanyID, &l.ComponentID, &l.CarryingAmount,
			&l.AllocatedLoss, &l.AllocatedReversal, &l.AfterAmount, &l.Estimated); err != nil {
			return nil, fmt.Errorf("failed to scan impairment line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// POSTING LOCKS
// =============================================================================

// CreatePostingLock inserts a lock row. The UNIQUE index on
// (company_id, entity_key, year, month) turns a second attempt into
// *generic.AlreadyPostedError.
func (c *conn) CreatePostingLock(ctx context.Context, lock generic.PostingLock) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO posting_locks (company_id, id, entity_key, year, month, journal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lock.CompanyID, lock.ID, lock.EntityKey, lock.Period.Year, int(lock.Period.Month),
		lock.JournalID, formatTime(lock.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &generic.AlreadyPostedError{EntityKey: lock.EntityKey, Period: lock.Period}
		}
		return fmt.Errorf("failed to create posting lock: %w", err)
	}
	return nil
}

// SetLockJournal records the journal a lock was posted with.
func (c *conn) SetLockJournal(ctx context.Context, companyID generic.CompanyID, lockID string, journalID generic.JournalID) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE posting_locks SET journal_id = ? WHERE company_id = ? AND id = ?",
		journalID, companyID, lockID,
	)
	if err != nil {
		return fmt.Errorf("failed to set lock journal: %w", err)
	}
	return requireRow(res, fmt.Errorf("posting lock %s not found", lockID))
}

// CountPostingLocks returns the number of locks held for an entity key.
func (s *Store) CountPostingLocks(ctx context.Context, companyID generic.CompanyID, entityKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM posting_locks WHERE company_id = ? AND entity_key = ?",
		companyID, entityKey,
	).Scan(&n)
	return n, err
}
