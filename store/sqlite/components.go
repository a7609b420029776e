package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// COMPONENTS
// =============================================================================

const componentColumns = `company_id, id, lease_id, code, class, cgu_code, pct_of_rou,
	useful_life_months, method, incentive_allocation, restoration_allocation,
	start_on, end_on, status, created_at`

// SaveComponent inserts or updates a component.
func (c *conn) SaveComponent(ctx context.Context, comp generic.Component) error {
	query := `
		INSERT INTO components (` + componentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id, id) DO UPDATE SET
			code = excluded.code,
			class = excluded.class,
			cgu_code = excluded.cgu_code,
			pct_of_rou = excluded.pct_of_rou,
			useful_life_months = excluded.useful_life_months,
			method = excluded.method,
			incentive_allocation = excluded.incentive_allocation,
			restoration_allocation = excluded.restoration_allocation,
			start_on = excluded.start_on,
			end_on = excluded.end_on,
			status = excluded.status
	`
	_, err := c.q.ExecContext(ctx, query,
		comp.CompanyID, comp.ID, comp.LeaseID, comp.Code, comp.Class, comp.CGUCode, comp.PctOfROU,
		comp.UsefulLifeMonths, comp.Method, comp.IncentiveAllocation, comp.RestorationAllocation,
		comp.StartOn.String(), comp.EndOn.String(), comp.Status, formatTime(comp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save component: %w", err)
	}
	return nil
}

// GetComponent retrieves a component by id.
func (c *conn) GetComponent(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID) (*generic.Component, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+componentColumns+" FROM components WHERE company_id = ? AND id = ?",
		companyID, componentID,
	)
	comp, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("component %s: %w", componentID, generic.ErrComponentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &comp, nil
}

// ListComponents returns every component of a lease, oldest first.
func (c *conn) ListComponents(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) ([]generic.Component, error) {
	return c.queryComponents(ctx,
		"SELECT "+componentColumns+" FROM components WHERE company_id = ? AND lease_id = ? ORDER BY created_at, code",
		companyID, leaseID,
	)
}

// ListComponentsByCGU returns every component tested in a CGU.
func (c *conn) ListComponentsByCGU(ctx context.Context, companyID generic.CompanyID, cguCode string) ([]generic.Component, error) {
	return c.queryComponents(ctx,
		"SELECT "+componentColumns+" FROM components WHERE company_id = ? AND cgu_code = ? ORDER BY created_at, code",
		companyID, cguCode,
	)
}

// SetComponentStatus changes the status of a component.
func (c *conn) SetComponentStatus(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID, status generic.ComponentStatus) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE components SET status = ? WHERE company_id = ? AND id = ?",
		status, companyID, componentID,
	)
	if err != nil {
		return fmt.Errorf("failed to set component status: %w", err)
	}
	return requireRow(res, fmt.Errorf("component %s: %w", componentID, generic.ErrComponentNotFound))
}

func (c *conn) queryComponents(ctx context.Context, query string, args ...any) ([]generic.Component, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer rows.Close()

	var components []generic.Component
	for rows.Next() {
		comp, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		components = append(components, comp)
	}
	return components, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanComponent(row scanner) (generic.Component, error) {
	var (
		comp                      generic.Component
		startOn, endOn, createdAt string
	)
	err := row.Scan(
		&comp.CompanyID, &comp.ID, &comp.LeaseID, &comp.Code, &comp.Class, &comp.CGUCode,
		&comp.PctOfROU, &comp.UsefulLifeMonths, &comp.Method, &comp.IncentiveAllocation,
		&comp.RestorationAllocation, &startOn, &endOn, &comp.Status, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return comp, err
		}
		return comp, fmt.Errorf("failed to scan component: %w", err)
	}
	if comp.StartOn, err = parseDate(startOn); err != nil {
		return comp, err
	}
	if comp.EndOn, err = parseDate(endOn); err != nil {
		return comp, err
	}
	comp.CreatedAt = parseTime(createdAt)
	return comp, nil
}

// =============================================================================
// SCHEDULES
// =============================================================================

// ReplaceSchedule deletes every row of the component and inserts rows.
// Callers run it inside WithTx.
func (c *conn) ReplaceSchedule(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID, rows []generic.ScheduleRow) error {
	if _, err := c.q.ExecContext(ctx,
		"DELETE FROM schedule_rows WHERE company_id = ? AND component_id = ?",
		companyID, componentID,
	); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return c.insertRows(ctx, companyID, componentID, rows)
}

// ReplaceScheduleFrom deletes rows at or after from and inserts rows.
func (c *conn) ReplaceScheduleFrom(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID, from generic.Period, rows []generic.ScheduleRow) error {
	if _, err := c.q.ExecContext(ctx, `
		DELETE FROM schedule_rows
		WHERE company_id = ? AND component_id = ? AND (year * 12 + month - 1) >= ?`,
		companyID, componentID, from.Index(),
	); err != nil {
		return fmt.Errorf("failed to delete schedule tail: %w", err)
	}
	return c.insertRows(ctx, companyID, componentID, rows)
}

func (c *conn) insertRows(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID, rows []generic.ScheduleRow) error {
	for _, r := range rows {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO schedule_rows (company_id, component_id, year, month, open_carry,
			                           amortization, interest, close_carry, remeasured)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			companyID, componentID, r.Period.Year, int(r.Period.Month),
			r.OpenCarry, r.Amortization, r.Interest, r.CloseCarry, r.Remeasured,
		)
		if err != nil {
			return fmt.Errorf("failed to insert schedule row %s: %w", r.Period, err)
		}
	}
	return nil
}

const scheduleColumns = "company_id, component_id, year, month, open_carry, amortization, interest, close_carry, remeasured"

// ListScheduleRows returns every row of a component in period order.
func (c *conn) ListScheduleRows(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID) ([]generic.ScheduleRow, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedule_rows WHERE company_id = ? AND component_id = ? ORDER BY year, month",
		companyID, componentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	var out []generic.ScheduleRow
	for rows.Next() {
		r, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestScheduleRow returns the last row at or before at, or nil.
func (c *conn) LatestScheduleRow(ctx context.Context, companyID generic.CompanyID, componentID generic.ComponentID, at generic.Period) (*generic.ScheduleRow, error) {
	row := c.q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedule_rows
		WHERE company_id = ? AND component_id = ? AND (year * 12 + month - 1) <= ?
		ORDER BY year DESC, month DESC LIMIT 1`,
		companyID, componentID, at.Index(),
	)
	r, err := scanScheduleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanScheduleRow(row scanner) (generic.ScheduleRow, error) {
	var (
		r     generic.ScheduleRow
		month int
	)
	err := row.Scan(&r.CompanyID, &r.ComponentID, &r.Period.Year, &month,
		&r.OpenCarry, &r.Amortization, &r.Interest, &r.CloseCarry, &r.Remeasured)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan schedule row: %w", err)
	}
	r.Period.Month = time.Month(month)
	return r, nil
}
