// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Alert severities, ordered from least to most severe. Values match the
// strings the trading UI renders, so they go over the wire as-is.
const (
	SeverityWarning  = "warning"
	SeverityDanger   = "danger"
	SeverityCritical = "critical"
)

// SeverityRank maps a severity to its ordering weight. Higher is worse.
// Unknown severities rank below warning.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityWarning:
		return 1
	case SeverityDanger:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Position is one open leveraged exposure, keyed by a chain-assigned id
// that is stable for the position's lifetime.
//
// Invariants while a position lives in the ledger:
//   - Collateral > 0 (collateral ≤ 0 means liquidation, not a live position)
//   - Size > 0 and Leverage = Size / Collateral, within [1, max leverage]
type Position struct {
	ID                string          `json:"id"`
	Instrument        string          `json:"instrument"`
	Direction         string          `json:"direction"` // "long" or "short"
	Collateral        decimal.Decimal `json:"collateral"`
	Size              decimal.Decimal `json:"size"`
	Leverage          decimal.Decimal `json:"leverage"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryFundingIndex decimal.Decimal `json:"entry_funding_index"`
	OpenedAt          time.Time       `json:"opened_at"`

	// Pending marks an optimistic local mutation (e.g. margin submitted but
	// not yet confirmed on-chain). The next confirmed upsert for the same id
	// supersedes the pending state entirely.
	Pending bool `json:"pending"`
}

// DirectionSign returns +1 for long, −1 for short.
func (p Position) DirectionSign() decimal.Decimal {
	if p.Direction == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// MarketSnapshot is point-in-time market state for one instrument.
// Snapshots are applied in timestamp order; older ones are discarded.
type MarketSnapshot struct {
	Instrument             string          `json:"instrument"`
	IndexPrice             decimal.Decimal `json:"index_price"`
	MarkPrice              decimal.Decimal `json:"mark_price"`
	CumulativeFundingIndex decimal.Decimal `json:"cumulative_funding_index"`
	Timestamp              time.Time       `json:"timestamp"`
}

// RiskMetrics is derived position state. It is recomputed from a Position
// and the latest MarketSnapshot on every read — never persisted, never
// trusted from a cache older than the latest snapshot.
type RiskMetrics struct {
	PricePnl          decimal.Decimal `json:"price_pnl"`
	FundingPnl        decimal.Decimal `json:"funding_pnl"`
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
	Equity            decimal.Decimal `json:"equity"`
	HealthRatio       decimal.Decimal `json:"health_ratio"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`

	// Liquidatable is set when effective collateral is already at or below
	// maintenance; LiquidationPrice then equals the current mark price and
	// must not be fed back into further solving.
	Liquidatable bool `json:"liquidatable"`

	// Stale is set when the instrument's feed has failed or timed out and
	// the metrics were computed from the last known-good snapshot.
	Stale bool `json:"stale"`

	ComputedAt time.Time `json:"computed_at"`
}

// ProjectedPosition is a hypothetical position after a margin adjustment,
// with full metrics recomputed. Used for pre-submission previews; nothing
// in the ledger is mutated.
type ProjectedPosition struct {
	Position Position    `json:"position"`
	Metrics  RiskMetrics `json:"metrics"`
}

// Alert is a liquidation-risk alert for one position. Alerts are upserted
// by position id — at most one alert exists per position.
type Alert struct {
	PositionID       string          `json:"position_id"`
	Instrument       string          `json:"instrument"`
	Severity         string          `json:"severity"`
	HealthRatio      decimal.Decimal `json:"health_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Acknowledged     bool            `json:"acknowledged"`
}
