package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// LEASES
// =============================================================================

// SaveLease inserts or updates a lease header.
func (c *conn) SaveLease(ctx context.Context, l generic.Lease) error {
	query := `
		INSERT INTO leases (company_id, id, code, commence_on, end_on, discount_rate,
		                    currency, payment_frequency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, id) DO UPDATE SET
			code = excluded.code,
			commence_on = excluded.commence_on,
			end_on = excluded.end_on,
			discount_rate = excluded.discount_rate,
			currency = excluded.currency,
			payment_frequency = excluded.payment_frequency
	`
	_, err := c.q.ExecContext(ctx, query,
		l.CompanyID, l.ID, l.Code, l.Commence.String(), l.End.String(), l.DiscountRate,
		l.Currency, l.PaymentFrequency, formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

// GetLease retrieves a lease by id.
func (c *conn) GetLease(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) (*generic.Lease, error) {
	var (
		l             generic.Lease
		commence, end string
		createdAt     string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT company_id, id, code, commence_on, end_on, discount_rate, currency,
		       payment_frequency, created_at
		FROM leases WHERE company_id = ? AND id = ?`,
		companyID, leaseID,
	).Scan(&l.CompanyID, &l.ID, &l.Code, &commence, &end, &l.DiscountRate, &l.Currency,
		&l.PaymentFrequency, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", leaseID, generic.ErrLeaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	if l.Commence, err = parseDate(commence); err != nil {
		return nil, err
	}
	if l.End, err = parseDate(end); err != nil {
		return nil, err
	}
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

// UpdateLeaseRate sets the lease discount rate.
func (c *conn) UpdateLeaseRate(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, rate decimal.Decimal) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE leases SET discount_rate = ? WHERE company_id = ? AND id = ?",
		rate, companyID, leaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to update lease rate: %w", err)
	}
	return requireRow(res, fmt.Errorf("lease %s: %w", leaseID, generic.ErrLeaseNotFound))
}

// =============================================================================
// CASHFLOWS
// =============================================================================

// SaveCashflows replaces the cashflow stream of a lease.
func (c *conn) SaveCashflows(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, flows []generic.Cashflow) error {
	if _, err := c.q.ExecContext(ctx,
		"DELETE FROM cashflows WHERE company_id = ? AND lease_id = ?", companyID, leaseID,
	); err != nil {
		return fmt.Errorf("failed to clear cashflows: %w", err)
	}
	for i, f := range flows {
		if _, err := c.q.ExecContext(ctx,
			"INSERT INTO cashflows (company_id, lease_id, seq, due_on, amount) VALUES (?, ?, ?, ?, ?)",
			companyID, leaseID, i, f.DueOn.String(), f.Amount,
		); err != nil {
			return fmt.Errorf("failed to insert cashflow: %w", err)
		}
	}
	return nil
}

// ListCashflows returns cashflows due on or after from, ordered by due date.
func (c *conn) ListCashflows(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, from generic.Date) ([]generic.Cashflow, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT due_on, amount FROM cashflows
		WHERE company_id = ? AND lease_id = ? AND due_on >= ?
		ORDER BY due_on ASC, seq ASC`,
		companyID, leaseID, from.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cashflows: %w", err)
	}
	defer rows.Close()

	var flows []generic.Cashflow
	for rows.Next() {
		var (
			f   = generic.Cashflow{LeaseID: leaseID}
			due string
		)
		if err := rows.Scan(&due, &f.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan cashflow: %w", err)
		}
		if f.DueOn, err = parseDate(due); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// =============================================================================
// OPENING MEASURES
// =============================================================================

// SaveOpeningMeasures inserts or replaces the opening measures of a lease.
func (c *conn) SaveOpeningMeasures(ctx context.Context, m generic.OpeningMeasures) error {
	query := `
		INSERT INTO opening_measures (company_id, lease_id, initial_liability, initial_rou,
		                              incentives_received, initial_direct_costs,
		                              restoration_cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, lease_id) DO UPDATE SET
			initial_liability = excluded.initial_liability,
			initial_rou = excluded.initial_rou,
			incentives_received = excluded.incentives_received,
			initial_direct_costs = excluded.initial_direct_costs,
			restoration_cost = excluded.restoration_cost,
			updated_at = excluded.updated_at
	`
	_, err := c.q.ExecContext(ctx, query,
		m.CompanyID, m.LeaseID, m.InitialLiability, m.InitialROU, m.IncentivesReceived,
		m.InitialDirectCosts, m.RestorationCost, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save opening measures: %w", err)
	}
	return nil
}

// GetOpeningMeasures retrieves the opening measures of a lease.
func (c *conn) GetOpeningMeasures(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) (*generic.OpeningMeasures, error) {
	var (
		m         generic.OpeningMeasures
		updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT company_id, lease_id, initial_liability, initial_rou, incentives_received,
		       initial_direct_costs, restoration_cost, unscheduled_rou, updated_at
		FROM opening_measures WHERE company_id = ? AND lease_id = ?`,
		companyID, leaseID,
	).Scan(&m.CompanyID, &m.LeaseID, &m.InitialLiability, &m.InitialROU, &m.IncentivesReceived,
		&m.InitialDirectCosts, &m.RestorationCost, &m.UnscheduledROU, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", leaseID, generic.ErrOpeningMeasuresNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opening measures: %w", err)
	}
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// AdjustOpeningROU applies initial_rou += delta in place.
func (c *conn) AdjustOpeningROU(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, delta decimal.Decimal) error {
	m, err := c.GetOpeningMeasures(ctx, companyID, leaseID)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE opening_measures SET initial_rou = ?, updated_at = ?
		WHERE company_id = ? AND lease_id = ?`,
		m.InitialROU.Add(delta), formatTime(time.Now()), companyID, leaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust opening ROU: %w", err)
	}
	return requireRow(res, fmt.Errorf("lease %s: %w", leaseID, generic.ErrOpeningMeasuresNotFound))
}

// SetUnscheduledROU overwrites unscheduled_rou.
func (c *conn) SetUnscheduledROU(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID, amount decimal.Decimal) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE opening_measures SET unscheduled_rou = ?, updated_at = ?
		WHERE company_id = ? AND lease_id = ?`,
		amount, formatTime(time.Now()), companyID, leaseID,
	)
	if err != nil {
		return fmt.Errorf("failed to set unscheduled ROU: %w", err)
	}
	return requireRow(res, fmt.Errorf("lease %s: %w", leaseID, generic.ErrOpeningMeasuresNotFound))
}
