// Package store provides in-process implementations of the engine's
// collaborators (GL poster, FX rates) for development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/lease-engine/generic"
)

// =============================================================================
// MEMORY JOURNAL - Records posted journals (for testing/dev)
// =============================================================================

// Journal is a generic.Poster that validates and keeps every journal in memory.
type Journal struct {
	mu       sync.RWMutex
	journals map[generic.JournalID]generic.Journal
	order    []generic.JournalID

	// FailNext makes the next Post fail; used to exercise rollback paths.
	FailNext error
}

func NewJournal() *Journal {
	return &Journal{journals: make(map[generic.JournalID]generic.Journal)}
}

// Post validates the journal and stores it under a fresh id.
func (m *Journal) Post(_ context.Context, j generic.Journal) (generic.JournalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return "", err
	}
	if len(j.Lines) == 0 {
		return "", fmt.Errorf("journal %q has no lines: %w", j.Reference, generic.ErrUnbalancedJournal)
	}
	if err := generic.ValidateBalanced(j.Lines); err != nil {
		return "", err
	}

	id := generic.JournalID("jrn-" + uuid.NewString())
	lines := make([]generic.JournalLine, len(j.Lines))
	copy(lines, j.Lines)
	j.Lines = lines
	m.journals[id] = j
	m.order = append(m.order, id)
	return id, nil
}

// Get returns a posted journal.
func (m *Journal) Get(id generic.JournalID) (generic.Journal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.journals[id]
	return j, ok
}

// All returns journals in posting order.
func (m *Journal) All() []generic.Journal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.Journal, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.journals[id])
	}
	return out
}

// ByReference returns journals posted for an entity key.
func (m *Journal) ByReference(ref string) []generic.Journal {
	var out []generic.Journal
	for _, j := range m.All() {
		if j.Reference == ref {
			out = append(out, j)
		}
	}
	return out
}

// =============================================================================
// STATIC FX - Fixed rate table
// =============================================================================

var ErrRateNotFound = errors.New("fx rate not found")

type fxKey struct {
	From, To generic.Currency
}

// StaticFX is a generic.FXRates backed by a fixed table, period-independent.
type StaticFX struct {
	mu    sync.RWMutex
	rates map[fxKey]decimal.Decimal
}

func NewStaticFX() *StaticFX {
	return &StaticFX{rates: make(map[fxKey]decimal.Decimal)}
}

func (f *StaticFX) Set(from, to generic.Currency, rate decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[fxKey{From: from, To: to}] = rate
}

func (f *StaticFX) SpotRate(_ context.Context, from, to generic.Currency, period generic.Period) (decimal.Decimal, error) {
	if from == to {
		return generic.One, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if r, ok := f.rates[fxKey{From: from, To: to}]; ok {
		return r, nil
	}
	return decimal.Zero, fmt.Errorf("%s->%s for %s: %w", from, to, period, ErrRateNotFound)
}
