// Package chain defines the contracts this engine consumes from the chain
// layer: market data snapshots and the position source of truth. The engine
// never signs or submits transactions — it only reads already-published
// state. Implementations include an indexer-backed PostgreSQL source, a
// Redis read-through snapshot cache, and an in-memory fake for tests.
package chain

import (
	"context"

	"github.com/inflationmarket/risk-engine/internal/model"
)

// MarketData supplies point-in-time market state for an instrument. Backed
// by the AMM/oracle contracts via an off-chain indexer; polled on a fixed
// interval by the risk monitor.
type MarketData interface {
	// GetSnapshot returns the latest published snapshot for an instrument:
	// index price, mark price, cumulative funding index, timestamp.
	GetSnapshot(ctx context.Context, instrument string) (model.MarketSnapshot, error)
}

// PositionSource is the authoritative read path for positions. Lifecycle
// notifications carry only ids; financial state is always refetched in full
// from here, never patched from event payloads.
type PositionSource interface {
	// GetPosition returns the full current state of one position.
	GetPosition(ctx context.Context, id string) (model.Position, error)

	// GetUserPositions returns the ids of all open positions for an account.
	GetUserPositions(ctx context.Context, account string) ([]string, error)
}

// Lifecycle event types emitted by the position manager contract.
const (
	EventOpened        = "opened"
	EventClosed        = "closed"
	EventMarginAdded   = "margin_added"
	EventMarginRemoved = "margin_removed"
)

// PositionEvent is one lifecycle notification from the subscription feed.
// Delivery is at-least-once and may be reordered across positions; events
// for a single position id arrive in order.
type PositionEvent struct {
	Type       string `json:"type"`
	PositionID string `json:"position_id"`
	Account    string `json:"account"`
}
