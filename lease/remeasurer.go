package lease

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

// ErrNoPoster is returned when a posting operation runs without a GL poster.
var ErrNoPoster = errors.New("no GL poster configured")

// =============================================================================
// EVENTS
// =============================================================================

// RecordEvent validates and stores a new remeasurement event.
func (e *Engine) RecordEvent(ctx context.Context, ev generic.RemeasurementEvent) (*generic.RemeasurementEvent, error) {
	if !ev.Kind.Valid() {
		return nil, &generic.ValidationError{Field: "kind", Reason: "unknown remeasurement kind " + string(ev.Kind)}
	}
	if ev.EffectiveOn.IsZero() {
		return nil, &generic.ValidationError{Field: "effective_on", Reason: "required"}
	}
	if ev.ID == "" {
		ev.ID = generic.EventID(uuid.NewString())
	}
	ev.CreatedAt = e.Now()
	ev.AppliedAt = nil

	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		lease, err := s.GetLease(ctx, ev.CompanyID, ev.LeaseID)
		if err != nil {
			return err
		}
		if ev.EffectiveOn.Before(lease.Commence) {
			return &generic.ValidationError{Field: "effective_on", Reason: "before lease commencement"}
		}
		return s.SaveEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyResult is the outcome of applying one event.
type ApplyResult struct {
	Event         generic.RemeasurementEvent
	Remeasurement *Remeasurement
	Artifact      generic.RemeasurementArtifact
	// Rebuilt holds the regenerated rows when the discount rate changed.
	Rebuilt map[generic.ComponentID][]generic.ScheduleRow
}

// Apply calculates an event, stores its artifact and applies the deltas.
//
// In one transaction: the artifact is appended, opening ROU is adjusted by
// deltaROU, a rate change updates the lease and rebuilds schedules from the
// effective month, a termination closes every component, and the event is
// marked applied. A deltaROU that no rebuild absorbed is added to the
// lease's unscheduled ROU. A second Apply of the same event fails with
// ErrEventAlreadyApplied.
func (e *Engine) Apply(ctx context.Context, companyID generic.CompanyID, eventID generic.EventID) (*ApplyResult, error) {
	var result *ApplyResult
	var kind generic.EventKind
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		ev, err := s.GetEvent(ctx, companyID, eventID)
		if err != nil {
			return err
		}
		kind = ev.Kind
		if ev.Applied() {
			return fmt.Errorf("event %s: %w", eventID, generic.ErrEventAlreadyApplied)
		}

		lease, opening, err := loadLease(ctx, s, companyID, ev.LeaseID)
		if err != nil {
			return err
		}
		flows, err := s.ListCashflows(ctx, companyID, ev.LeaseID, ev.EffectiveOn)
		if err != nil {
			return fmt.Errorf("list cashflows: %w", err)
		}
		liability, rou, err := currentMeasures(ctx, s, *lease, *opening, ev.EffectiveOn.Period())
		if err != nil {
			return err
		}

		r, err := Calculate(RemeasurementInput{
			Event:            *ev,
			Lease:            *lease,
			Opening:          *opening,
			Cashflows:        flows,
			CurrentLiability: &liability,
			CurrentROU:       &rou,
		})
		if err != nil {
			return err
		}
		doc, sum, err := r.Document()
		if err != nil {
			return err
		}
		artifact := generic.RemeasurementArtifact{
			ID:             generic.ArtifactID(uuid.NewString()),
			CompanyID:      companyID,
			EventID:        ev.ID,
			LeaseID:        ev.LeaseID,
			Kind:           ev.Kind,
			Document:       doc,
			Checksum:       sum,
			DeltaLiability: r.Outputs.DeltaLiability,
			DeltaROU:       r.Outputs.DeltaROU,
			PnLImpact:      r.Outputs.PnLImpact,
			CreatedAt:      e.Now(),
		}
		if err := s.AppendArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("append artifact: %w", err)
		}
		if err := s.AdjustOpeningROU(ctx, companyID, ev.LeaseID, r.Outputs.DeltaROU); err != nil {
			return fmt.Errorf("adjust opening ROU: %w", err)
		}

		result = &ApplyResult{Event: *ev, Remeasurement: r, Artifact: artifact}

		if r.Outputs.RateChanged {
			if err := s.UpdateLeaseRate(ctx, companyID, ev.LeaseID, r.Outputs.NewRate); err != nil {
				return fmt.Errorf("update lease rate: %w", err)
			}
			lease.DiscountRate = r.Outputs.NewRate
			rows, err := e.RebuildFrom(ctx, s, *lease, ev.EffectiveOn.Period(), r.Outputs.DeltaROU)
			if err != nil {
				return fmt.Errorf("rebuild schedule: %w", err)
			}
			result.Rebuilt = rows
		}
		if len(result.Rebuilt) == 0 && !r.Outputs.DeltaROU.IsZero() {
			unscheduled := opening.UnscheduledROU.Add(r.Outputs.DeltaROU)
			if err := s.SetUnscheduledROU(ctx, companyID, ev.LeaseID, unscheduled); err != nil {
				return fmt.Errorf("set unscheduled ROU: %w", err)
			}
		}

		if ev.Kind == generic.EventTermination {
			if err := closeComponents(ctx, s, companyID, ev.LeaseID); err != nil {
				return err
			}
		}

		if err := s.MarkEventApplied(ctx, companyID, ev.ID); err != nil {
			return fmt.Errorf("mark event applied: %w", err)
		}
		appliedAt := e.Now()
		result.Event.AppliedAt = &appliedAt
		return nil
	})
	metrics.RecordRemeasurement(string(kind), err)
	if err != nil {
		e.Log.Warn("remeasurement failed",
			zap.String("company_id", string(companyID)),
			zap.String("event_id", string(eventID)),
			zap.Error(err))
		return nil, err
	}

	e.Log.Info("remeasurement applied",
		zap.String("company_id", string(companyID)),
		zap.String("event_id", string(eventID)),
		zap.String("kind", string(kind)),
		zap.String("delta_liability", result.Remeasurement.Outputs.DeltaLiability.String()),
		zap.String("delta_rou", result.Remeasurement.Outputs.DeltaROU.String()),
		zap.String("checksum", result.Artifact.Checksum))
	return result, nil
}

// currentMeasures returns the carrying liability and ROU entering period:
// the liability path open balance, and the component carrying amounts plus
// any ROU no schedule has absorbed. Without components the opening ROU is
// used. Outside the liability path the liability is zero.
func currentMeasures(ctx context.Context, s generic.Store, lease generic.Lease, opening generic.OpeningMeasures, period generic.Period) (decimal.Decimal, decimal.Decimal, error) {
	path, err := loadLiabilityPath(ctx, s, lease, opening)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	liability := decimal.Zero
	if row, ok := LiabilityRowFor(path, period); ok {
		liability = row.OpenBalance
	}

	components, err := s.ListComponents(ctx, lease.CompanyID, lease.ID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("list components: %w", err)
	}
	active := generic.ActiveComponents(components)
	if len(active) == 0 {
		return liability, opening.InitialROU, nil
	}
	rou := opening.UnscheduledROU
	for _, c := range active {
		carry, err := carryBefore(ctx, s, lease, c, period)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		rou = rou.Add(carry)
	}
	return liability, rou, nil
}

func closeComponents(ctx context.Context, s generic.Store, companyID generic.CompanyID, leaseID generic.LeaseID) error {
	components, err := s.ListComponents(ctx, companyID, leaseID)
	if err != nil {
		return fmt.Errorf("list components: %w", err)
	}
	for _, c := range generic.ActiveComponents(components) {
		if err := s.SetComponentStatus(ctx, companyID, c.ID, generic.ComponentClosed); err != nil {
			return fmt.Errorf("close component %s: %w", c.ID, err)
		}
	}
	return nil
}

// =============================================================================
// POST - GL journal for an applied remeasurement
// =============================================================================

// RemeasurementLockKey is the posting-lock entity key of an event.
func RemeasurementLockKey(eventID generic.EventID) string {
	return "remeasurement:" + string(eventID)
}

// RemeasurementJournal books the artifact deltas: ROU against liability with
// the difference to remeasurement P&L.
func RemeasurementJournal(accounts generic.AccountMap, lease generic.Lease, ev generic.RemeasurementEvent, deltaLiability, deltaROU decimal.Decimal) generic.Journal {
	j := generic.Journal{
		CompanyID:   lease.CompanyID,
		PostingDate: ev.EffectiveOn,
		Currency:    lease.Currency,
		Reference:   RemeasurementLockKey(ev.ID),
		Memo:        fmt.Sprintf("%s remeasurement of lease %s", ev.Kind, lease.Code),
	}
	memo := string(ev.Kind) + " remeasurement"
	j.DebitCredit(accounts, generic.RoleROUAsset, generic.RoleRemeasurementPnL, deltaROU, memo)
	j.DebitCredit(accounts, generic.RoleRemeasurementPnL, generic.RoleLeaseLiability, deltaLiability, memo)
	return j
}

// PostRemeasurement posts the journal of an applied event under the lock
// ("remeasurement:<event>", effective month). A second call fails with
// ErrAlreadyPosted; a GL failure rolls the lock back.
func (e *Engine) PostRemeasurement(ctx context.Context, companyID generic.CompanyID, eventID generic.EventID) (generic.JournalID, error) {
	if e.Poster == nil {
		return "", ErrNoPoster
	}

	var journalID generic.JournalID
	err := e.Store.WithTx(ctx, func(s generic.Store) error {
		ev, err := s.GetEvent(ctx, companyID, eventID)
		if err != nil {
			return err
		}
		artifact, err := s.GetArtifactByEvent(ctx, companyID, eventID)
		if err != nil {
			return err
		}
		lease, err := s.GetLease(ctx, companyID, ev.LeaseID)
		if err != nil {
			return err
		}

		lock := generic.PostingLock{
			ID:        uuid.NewString(),
			CompanyID: companyID,
			EntityKey: RemeasurementLockKey(eventID),
			Period:    ev.EffectiveOn.Period(),
			CreatedAt: e.Now(),
		}
		if err := s.CreatePostingLock(ctx, lock); err != nil {
			return err
		}

		j := RemeasurementJournal(e.Accounts, *lease, *ev, artifact.DeltaLiability, artifact.DeltaROU)
		if len(j.Lines) == 0 {
			return &generic.ValidationError{Field: "event_id", Reason: "remeasurement has no amounts to post"}
		}
		journalID, err = e.Poster.Post(ctx, j)
		if err != nil {
			return fmt.Errorf("post journal: %w", err)
		}
		return s.SetLockJournal(ctx, companyID, lock.ID, journalID)
	})
	metrics.RecordPosting("remeasurement", err)
	if err != nil {
		return "", err
	}

	e.Log.Info("remeasurement posted",
		zap.String("company_id", string(companyID)),
		zap.String("event_id", string(eventID)),
		zap.String("journal_id", string(journalID)))
	return journalID, nil
}
