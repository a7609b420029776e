/*
Package lease implements the lease side of the calculation engine.

PURPOSE:
  Component design, amortization schedules, the lease-level liability path,
  remeasurement and reconciliation. Impairment lives in package impairment
  and reads the schedules produced here.

CONTROL FLOW:
  Design      -> components persisted -> Build (full schedule) -> Reconcile
  Remeasure   -> artifact + opening ROU update -> RebuildFrom (partial,
                 only when the discount rate changed)
  PostPeriod  -> posting locks + GL journal for one month

PURE VS PERSISTED:
  Every calculation has a pure function (ComputeSchedule, Calculate,
  Reconcile, ComputeLiabilitySchedule) with no I/O. The Engine methods load
  inputs, call the pure function and persist the result inside one
  TxStore.WithTx, so a failure midway never leaves partial rows.

SEE ALSO:
  - schedule.go: ScheduleBuilder
  - remeasure.go: RemeasurementCalculator
  - reconcile.go: ReconciliationChecker
*/
package lease

import (
	"time"

	"go.uber.org/zap"

	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/logger"
)

// Engine wires the lease calculations to persistence and the GL.
type Engine struct {
	Store    generic.TxStore
	Poster   generic.Poster // may be nil when posting is not used
	Accounts generic.AccountMap
	Log      *zap.Logger
	Now      func() time.Time
}

// NewEngine creates an engine over store. poster may be nil.
func NewEngine(store generic.TxStore, poster generic.Poster, log *zap.Logger) *Engine {
	return &Engine{
		Store:    store,
		Poster:   poster,
		Accounts: generic.DefaultAccountMap(),
		Log:      logger.OrNop(log).Named("lease"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}
