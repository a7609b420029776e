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
// REMEASUREMENT EVENTS
// =============================================================================

// SaveEvent inserts an event. Events are immutable once stored.
func (c *conn) SaveEvent(ctx context.Context, e generic.RemeasurementEvent) error {
	var deltaTerm sql.NullInt64
	if e.DeltaTerm != nil {
		deltaTerm = sql.NullInt64{Int64: int64(*e.DeltaTerm), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO remeasurement_events (company_id, id, lease_id, kind, effective_on,
		                                  index_rate, new_rate, delta_term, delta_pay,
		                                  scope_change_pct, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CompanyID, e.ID, e.LeaseID, e.Kind, e.EffectiveOn.String(),
		nullDecimal(e.IndexRate), nullDecimal(e.NewRate), deltaTerm, nullDecimal(e.DeltaPay),
		nullDecimal(e.ScopeChangePct), e.Reason, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &generic.ValidationError{Field: "event_id", Reason: "event " + string(e.ID) + " already exists"}
		}
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (c *conn) GetEvent(ctx context.Context, companyID generic.CompanyID, eventID generic.EventID) (*generic.RemeasurementEvent, error) {
	var (
		e                  generic.RemeasurementEvent
		effectiveOn        string
		indexRate, newRate decimal.NullDecimal
		deltaPay, scopePct decimal.NullDecimal
		deltaTerm          sql.NullInt64
		createdAt          string
		appliedAt          sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT company_id, id, lease_id, kind, effective_on, index_rate, new_rate, delta_term,
		       delta_pay, scope_change_pct, reason, created_at, applied_at
		FROM remeasurement_events WHERE company_id = ? AND id = ?`,
		companyID, eventID,
	).Scan(&e.CompanyID, &e.ID, &e.LeaseID, &e.Kind, &effectiveOn, &indexRate, &newRate, &deltaTerm,
		&deltaPay, &scopePct, &e.Reason, &createdAt, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, generic.ErrEventNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	if e.EffectiveOn, err = parseDate(effectiveOn); err != nil {
		return nil, err
	}
	e.IndexRate = decimalPtr(indexRate)
	e.NewRate = decimalPtr(newRate)
	e.DeltaPay = decimalPtr(deltaPay)
	e.ScopeChangePct = decimalPtr(scopePct)
	if deltaTerm.Valid {
		n := int(deltaTerm.Int64)
		e.DeltaTerm = &n
	}
	e.CreatedAt = parseTime(createdAt)
	if appliedAt.Valid {
		t := parseTime(appliedAt.String)
		e.AppliedAt = &t
	}
	return &e, nil
}

// MarkEventApplied sets applied_at. It only succeeds once per event.
func (c *conn) MarkEventApplied(ctx context.Context, companyID generic.CompanyID, eventID generic.EventID) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE remeasurement_events SET applied_at = ?
		WHERE company_id = ? AND id = ? AND applied_at IS NULL`,
		formatTime(time.Now()), companyID, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event applied: %w", err)
	}
	return requireRow(res, fmt.Errorf("event %s: %w", eventID, generic.ErrEventAlreadyApplied))
}

// =============================================================================
// ARTIFACTS
// =============================================================================

// AppendArtifact stores an artifact. A second artifact for the same event
// fails with ErrArtifactExists.
func (c *conn) AppendArtifact(ctx context.Context, a generic.RemeasurementArtifact) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO remeasurement_artifacts (company_id, id, event_id, lease_id, kind, document,
		                                     checksum, delta_liability, delta_rou, pnl_impact,
		                                     created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CompanyID, a.ID, a.EventID, a.LeaseID, a.Kind, string(a.Document),
		a.Checksum, a.DeltaLiability, a.DeltaROU, a.PnLImpact, formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", a.EventID, generic.ErrArtifactExists)
		}
		return fmt.Errorf("failed to append artifact: %w", err)
	}
	return nil
}

const artifactColumns = `company_id, id, event_id, lease_id, kind, document, checksum,
	delta_liability, delta_rou, pnl_impact, created_at`

// GetArtifactByEvent retrieves the artifact of an event.
func (c *conn) GetArtifactByEvent(ctx context.Context, companyID generic.CompanyID, eventID generic.EventID) (*generic.RemeasurementArtifact, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM remeasurement_artifacts WHERE company_id = ? AND event_id = ?",
		companyID, eventID,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, generic.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns every artifact of a lease in append order.
func (c *conn) ListArtifacts(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) ([]generic.RemeasurementArtifact, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+artifactColumns+" FROM remeasurement_artifacts WHERE company_id = ? AND lease_id = ? ORDER BY rowid",
		companyID, leaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []generic.RemeasurementArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row scanner) (generic.RemeasurementArtifact, error) {
	var (
		a         generic.RemeasurementArtifact
		document  string
		createdAt string
	)
	err := row.Scan(&a.CompanyID, &a.ID, &a.EventID, &a.LeaseID, &a.Kind, &document, &a.Checksum,
		&a.DeltaLiability, &a.DeltaROU, &a.PnLImpact, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.Document = []byte(document)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
