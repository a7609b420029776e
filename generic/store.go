/*
store.go - Persistence interface for the lease engine

PURPOSE:
  Defines the interface between the calculation logic and the database.
  Every method takes a CompanyID and every query is filtered by it, so
  cross-company access is impossible by construction of the query layer.

KEY INTERFACES:
  Store:   Company-scoped reads and writes of all engine records
  TxStore: Store plus WithTx for atomic multi-table operations

ATOMIC REBUILDS:
  Schedule rebuilds are delete-then-insert. They MUST run inside WithTx so
  concurrent readers see the old schedule or the new one, never half of each.
  ReplaceSchedule/ReplaceScheduleFrom do the delete and the insert together.

APPEND-ONLY RECORDS:
  - RemeasurementArtifact: AppendArtifact only; a second artifact for the
    same event fails with ErrArtifactExists
  - PostingLock: CreatePostingLock only; a duplicate (entity, period) fails
    with ErrAlreadyPosted

NOT FOUND:
  Single-record getters return the matching ErrXxxNotFound sentinel.
  LatestScheduleRow returns (nil, nil) when the component has no row yet.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql (":memory:" in tests)

SEE ALSO:
  - model.go: Record types
  - lease/schedule.go: Uses ReplaceSchedule inside WithTx
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Company-scoped persistence
// =============================================================================

type Store interface {
	// Leases
	SaveLease(ctx context.Context, lease Lease) error
	GetLease(ctx context.Context, companyID CompanyID, leaseID LeaseID) (*Lease, error)
	UpdateLeaseRate(ctx context.Context, companyID CompanyID, leaseID LeaseID, rate decimal.Decimal) error

	// Cashflows
	SaveCashflows(ctx context.Context, companyID CompanyID, leaseID LeaseID, flows []Cashflow) error
	// ListCashflows returns cashflows due on or after `from`, ordered by due date.
	ListCashflows(ctx context.Context, companyID CompanyID, leaseID LeaseID, from Date) ([]Cashflow, error)

	// Opening measures
	SaveOpeningMeasures(ctx context.Context, m OpeningMeasures) error
	GetOpeningMeasures(ctx context.Context, companyID CompanyID, leaseID LeaseID) (*OpeningMeasures, error)
	// AdjustOpeningROU applies InitialROU += delta in place.
	AdjustOpeningROU(ctx context.Context, companyID CompanyID, leaseID LeaseID, delta decimal.Decimal) error
	SetUnscheduledROU(ctx context.Context, companyID CompanyID, leaseID LeaseID, amount decimal.Decimal) error

	// Components
	SaveComponent(ctx context.Context, c Component) error
	GetComponent(ctx context.Context, companyID CompanyID, componentID ComponentID) (*Component, error)
	ListComponents(ctx context.Context, companyID CompanyID, leaseID LeaseID) ([]Component, error)
	ListComponentsByCGU(ctx context.Context, companyID CompanyID, cguCode string) ([]Component, error)
	SetComponentStatus(ctx context.Context, companyID CompanyID, componentID ComponentID, status ComponentStatus) error

	// Schedules
	// ReplaceSchedule deletes every row of the component and inserts rows.
	ReplaceSchedule(ctx context.Context, companyID CompanyID, componentID ComponentID, rows []ScheduleRow) error
	// ReplaceScheduleFrom deletes rows at or after `from` and inserts rows.
	ReplaceScheduleFrom(ctx context.Context, companyID CompanyID, componentID ComponentID, from Period, rows []ScheduleRow) error
	ListScheduleRows(ctx context.Context, companyID CompanyID, componentID ComponentID) ([]ScheduleRow, error)
	// LatestScheduleRow returns the last row at or before `at`, or nil.
	LatestScheduleRow(ctx context.Context, companyID CompanyID, componentID ComponentID, at Period) (*ScheduleRow, error)

	// Remeasurement
	SaveEvent(ctx context.Context, e RemeasurementEvent) error
	GetEvent(ctx context.Context, companyID CompanyID, eventID EventID) (*RemeasurementEvent, error)
	MarkEventApplied(ctx context.Context, companyID CompanyID, eventID EventID) error
	AppendArtifact(ctx context.Context, a RemeasurementArtifact) error
	GetArtifactByEvent(ctx context.Context, companyID CompanyID, eventID EventID) (*RemeasurementArtifact, error)
	// ListArtifacts returns the artifacts of a lease in the order they were appended.
	ListArtifacts(ctx context.Context, companyID CompanyID, leaseID LeaseID) ([]RemeasurementArtifact, error)

	// Impairment
	SaveImpairmentTest(ctx context.Context, t ImpairmentTest) error
	GetImpairmentTest(ctx context.Context, companyID CompanyID, testID TestID) (*ImpairmentTest, error)
	// ReplaceImpairmentLines deletes every line of the test and inserts lines.
	ReplaceImpairmentLines(ctx context.Context, companyID CompanyID, testID TestID, lines []ImpairmentLine) error
	ListImpairmentLines(ctx context.Context, companyID CompanyID, testID TestID) ([]ImpairmentLine, error)

	// Posting locks
	// CreatePostingLock fails with *AlreadyPostedError on a duplicate key.
	CreatePostingLock(ctx context.Context, lock PostingLock) error
	SetLockJournal(ctx context.Context, companyID CompanyID, lockID string, journalID JournalID) error
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
