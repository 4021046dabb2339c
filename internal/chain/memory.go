package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/inflationmarket/risk-engine/internal/model"
)

// MemorySource implements MarketData and PositionSource with in-memory
// maps. Used for testing and development; snapshots and positions are set
// directly by the caller.
type MemorySource struct {
	mu        sync.RWMutex
	snapshots map[string]model.MarketSnapshot
	positions map[string]model.Position
	accounts  map[string][]string

	// FailSnapshots makes GetSnapshot return an error, simulating a feed
	// outage for staleness tests.
	FailSnapshots bool
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		snapshots: make(map[string]model.MarketSnapshot),
		positions: make(map[string]model.Position),
		accounts:  make(map[string][]string),
	}
}

// SetSnapshot publishes a snapshot for an instrument.
func (s *MemorySource) SetSnapshot(snap model.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Instrument] = snap
}

// SetPosition publishes a position and records it under its account.
func (s *MemorySource) SetPosition(account string, p model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; !exists {
		s.accounts[account] = append(s.accounts[account], p.ID)
	}
	s.positions[p.ID] = p
}

// DeletePosition removes a position from the source.
func (s *MemorySource) DeletePosition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, id)
	for account, ids := range s.accounts {
		filtered := ids[:0]
		for _, pid := range ids {
			if pid != id {
				filtered = append(filtered, pid)
			}
		}
		s.accounts[account] = filtered
	}
}

func (s *MemorySource) GetSnapshot(_ context.Context, instrument string) (model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.FailSnapshots {
		return model.MarketSnapshot{}, fmt.Errorf("snapshot feed unavailable for %s", instrument)
	}
	snap, ok := s.snapshots[instrument]
	if !ok {
		return model.MarketSnapshot{}, fmt.Errorf("no snapshot published for %s", instrument)
	}
	return snap, nil
}

func (s *MemorySource) GetPosition(_ context.Context, id string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("position %s not found", id)
	}
	return p, nil
}

func (s *MemorySource) GetUserPositions(_ context.Context, account string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.accounts[account]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
