// Package syncer reconciles chain position lifecycle events into the
// in-memory ledger. Every mutation goes through a full refetch of the
// position from the authoritative source; partial patches are never trusted
// for financial state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/chain"
	"github.com/inflationmarket/risk-engine/internal/instrument"
	"github.com/inflationmarket/risk-engine/internal/ledger"
	"github.com/inflationmarket/risk-engine/internal/metrics"
	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
)

// ErrReconciliationConflict is returned when refetched position data fails
// validation. The position is evicted from the ledger and queued for
// resync rather than tracked in a corrupt state.
var ErrReconciliationConflict = errors.New("syncer: refetched position failed validation")

// leverageTolerance absorbs settlement drift between size and
// collateral × leverage: funding settles into collateral on-chain slightly
// before the leverage field is recomputed.
var leverageTolerance = decimal.NewFromFloat(0.01)

// Syncer consumes the chain event feed and keeps the ledger consistent
// with the source of truth.
type Syncer struct {
	source chain.PositionSource
	ledger *ledger.Ledger

	mu          sync.Mutex
	needsResync map[string]struct{}
}

// New creates a syncer over the given position source and ledger.
func New(source chain.PositionSource, led *ledger.Ledger) *Syncer {
	return &Syncer{
		source:      source,
		ledger:      led,
		needsResync: make(map[string]struct{}),
	}
}

// Run consumes lifecycle events until the channel closes or ctx is
// canceled. Events for a position are applied in delivery order; each
// margin change triggers a full refetch, so stale intermediates are
// superseded naturally.
func (s *Syncer) Run(ctx context.Context, events <-chan chain.PositionEvent) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("position syncer stopped")
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("position event feed closed")
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, ev chain.PositionEvent) {
	var err error
	switch ev.Type {
	case chain.EventOpened:
		err = s.OnOpened(ctx, ev.PositionID)
	case chain.EventClosed:
		s.OnClosed(ev.PositionID)
	case chain.EventMarginAdded, chain.EventMarginRemoved:
		err = s.OnMarginChanged(ctx, ev.PositionID)
	default:
		slog.Warn("unknown position event ignored", "type", ev.Type, "position_id", ev.PositionID)
		return
	}
	if err != nil {
		slog.Warn("position event reconciliation failed",
			"type", ev.Type,
			"position_id", ev.PositionID,
			"err", err,
		)
	}
}

// OnOpened fetches the newly opened position and inserts it into the
// ledger. Arriving after a Closed event for the same id is tolerated: the
// subsequent refetch-on-close path no longer exists, but a position the
// chain reports as open is authoritative.
func (s *Syncer) OnOpened(ctx context.Context, id string) error {
	return s.refetch(ctx, id)
}

// OnClosed removes the position. Idempotent: duplicate deliveries and
// removals of unknown ids are no-ops.
func (s *Syncer) OnClosed(id string) {
	s.ledger.Remove(id)
	s.mu.Lock()
	delete(s.needsResync, id)
	s.mu.Unlock()
}

// OnMarginChanged refetches the full position and upserts it, superseding
// any optimistic entry the margin preview flow may have left behind.
func (s *Syncer) OnMarginChanged(ctx context.Context, id string) error {
	return s.refetch(ctx, id)
}

// refetch reads the authoritative position state and applies it. A result
// arriving after ctx cancellation is discarded so that stopping never
// leaves a half-applied update.
func (s *Syncer) refetch(ctx context.Context, id string) error {
	p, err := s.source.GetPosition(ctx, id)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("refetch position %s: %w", id, err)
	}

	if err := validate(p); err != nil {
		s.ledger.Remove(id)
		s.mu.Lock()
		s.needsResync[id] = struct{}{}
		s.mu.Unlock()
		metrics.ReconciliationConflicts.Inc()
		return fmt.Errorf("%w: %s: %v", ErrReconciliationConflict, id, err)
	}

	s.ledger.Upsert(p)
	s.mu.Lock()
	delete(s.needsResync, id)
	s.mu.Unlock()
	return nil
}

// Resync reloads every position the source reports for an account. Used
// at startup and to drain the needs-resync set after conflicts.
func (s *Syncer) Resync(ctx context.Context, account string) error {
	ids, err := s.source.GetUserPositions(ctx, account)
	if err != nil {
		return fmt.Errorf("list positions for %s: %w", account, err)
	}

	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.refetch(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NeedsResync reports the position ids whose last refetch failed
// validation.
func (s *Syncer) NeedsResync() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.needsResync))
	for id := range s.needsResync {
		out = append(out, id)
	}
	return out
}

// validate enforces the ledger invariants on refetched data. The chain is
// the source of truth for values, but a position violating basic
// invariants indicates indexer lag or corruption and must not be tracked.
func validate(p model.Position) error {
	if p.ID == "" {
		return errors.New("empty position id")
	}
	if !instrument.Valid(p.Instrument) {
		return fmt.Errorf("unknown instrument %q", p.Instrument)
	}
	if p.Direction != model.DirectionLong && p.Direction != model.DirectionShort {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if !p.Collateral.IsPositive() {
		return fmt.Errorf("non-positive collateral %s", p.Collateral)
	}
	if !p.Size.IsPositive() {
		return fmt.Errorf("non-positive size %s", p.Size)
	}
	if !p.EntryPrice.IsPositive() {
		return fmt.Errorf("non-positive entry price %s", p.EntryPrice)
	}

	lev := p.Size.Div(p.Collateral)
	if lev.LessThan(decimal.NewFromInt(1).Sub(leverageTolerance)) {
		return fmt.Errorf("leverage %s below minimum", lev)
	}
	if lev.GreaterThan(riskmath.MaxLeverage.Add(leverageTolerance)) {
		return fmt.Errorf("leverage %s above protocol maximum", lev)
	}
	return nil
}
