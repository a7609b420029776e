/*
errors.go - Centralized error types for the lease engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Calculation packages wrap these with context using fmt.Errorf("...: %w").

ERROR CATEGORIES:
  1. Validation errors - malformed or out-of-range input, never retryable
  2. Not-found errors  - missing lease/component/measures/test; abort the operation
  3. Conflict errors   - double posting, re-applied events, illegal transitions

USAGE:
  if errors.Is(err, generic.ErrAlreadyPosted) {
      // the period is closed for this entity
  }

  var verr *generic.ValidationError
  if errors.As(err, &verr) {
      fmt.Println(verr.Field)
  }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
  - store/sqlite: maps UNIQUE violations to ErrAlreadyPosted
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrLeaseNotFound           = errors.New("lease not found")
	ErrOpeningMeasuresNotFound = errors.New("opening measures not found")
	ErrComponentNotFound       = errors.New("component not found")
	ErrNoActiveComponents      = errors.New("no active components")
	ErrEventNotFound           = errors.New("remeasurement event not found")
	ErrArtifactNotFound        = errors.New("remeasurement artifact not found")
	ErrTestNotFound            = errors.New("impairment test not found")

	// ErrAlreadyPosted is returned when a posting lock already exists for the
	// (entity, period) tuple. Double posting is an error, never a silent skip.
	ErrAlreadyPosted = errors.New("already posted")

	// ErrEventAlreadyApplied guards against applying a remeasurement twice,
	// which would double the delta.
	ErrEventAlreadyApplied = errors.New("remeasurement event already applied")

	// ErrArtifactExists is returned when an artifact for the event is already
	// stored. Artifacts are append-only.
	ErrArtifactExists = errors.New("remeasurement artifact already exists")

	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnbalancedJournal  = errors.New("journal debits and credits do not balance")
	ErrReversalExceedsCap = errors.New("reversal exceeds reversal cap")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// MissingFieldError is returned when an event kind requires a field that is absent.
type MissingFieldError struct {
	Kind  EventKind
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s remeasurement requires %s", e.Kind, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrValidation }

// AlreadyPostedError identifies the lock that already exists.
type AlreadyPostedError struct {
	EntityKey string
	Period    Period
}

func (e *AlreadyPostedError) Error() string {
	return fmt.Sprintf("already posted: %s for %s", e.EntityKey, e.Period)
}

func (e *AlreadyPostedError) Unwrap() error { return ErrAlreadyPosted }

// TransitionError describes an illegal impairment status change.
type TransitionError struct {
	TestID TestID
	From   TestStatus
	To     TestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("impairment test %s: cannot move from %s to %s", e.TestID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNoActiveComponents) ||
		errors.Is(err, ErrReversalExceedsCap) ||
		errors.Is(err, ErrUnbalancedJournal)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLeaseNotFound) ||
		errors.Is(err, ErrOpeningMeasuresNotFound) ||
		errors.Is(err, ErrComponentNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrArtifactNotFound) ||
		errors.Is(err, ErrTestNotFound)
}

// IsConflict returns true if the operation clashes with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyPosted) ||
		errors.Is(err, ErrEventAlreadyApplied) ||
		errors.Is(err, ErrArtifactExists) ||
		errors.Is(err, ErrInvalidTransition)
}
