// Package ledger owns the authoritative in-memory set of a user's open
// positions. It is the only shared mutable state in the engine: one writer
// path (the chain synchronizer plus optimistic local patches) and many
// concurrent readers (risk monitor, HTTP handlers).
package ledger

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/model"
)

// ErrUnknownPosition is returned when an operation references an id that is
// not in the ledger. Remove is exempt: duplicate close notifications are
// expected under at-least-once delivery and must not error.
var ErrUnknownPosition = errors.New("ledger: unknown position")

// Patch is a tentative local mutation awaiting chain confirmation. Only
// collateral can change locally; size drifts only via settlement, which
// always arrives as a full confirmed position.
type Patch struct {
	Collateral decimal.Decimal
}

// Ledger is the in-memory position set. Safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{positions: make(map[string]*model.Position)}
}

// Upsert inserts or replaces a position by id. Confirmed data always wins:
// any pending optimistic state for the same id is superseded, never merged.
func (l *Ledger) Upsert(p model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p.Pending = false
	l.positions[p.ID] = &p
}

// Remove deletes a position. Removing an unknown id is a no-op so that
// duplicate close/liquidation notifications stay idempotent.
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.positions, id)
}

// ApplyOptimistic applies a tentative collateral patch to a known position
// and tags it pending. Leverage is recomputed to keep the
// leverage = size/collateral invariant. The next confirmed Upsert for the
// same id replaces the pending state entirely.
func (l *Ledger) ApplyOptimistic(id string, patch Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return ErrUnknownPosition
	}

	p.Collateral = patch.Collateral
	p.Leverage = p.Size.Div(p.Collateral)
	p.Pending = true
	return nil
}

// Get returns a copy of the position with the given id.
func (l *Ledger) Get(id string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Snapshot returns a stable, ordered copy of all positions. Iterating the
// result is safe while writers mutate the ledger. Ordered by open time,
// then id for determinism.
func (l *Ledger) Snapshot() []model.Position {
	l.mu.RLock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
