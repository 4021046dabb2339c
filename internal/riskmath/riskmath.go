// Package riskmath implements the pure risk arithmetic for perpetual
// positions: unrealized PnL, health ratio, liquidation price, and margin
// projections.
//
// Every function here is deterministic and side-effect free. Inputs are
// assumed to satisfy the ledger invariants (size > 0, collateral > 0), which
// callers enforce before division — this package never returns errors.
//
// All monetary values use shopspring/decimal — never float64 for money.
//
// Sign conventions:
//   - direction sign is +1 for long, −1 for short
//   - fundingPnl = −sign × size × (cumFunding − entryFunding); when mark has
//     traded above index the cumulative index rises and longs pay shorts
package riskmath

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/model"
)

var (
	// DefaultMaintenanceMarginRatio is the protocol default: health ratio
	// at or below 5% makes a position liquidatable.
	DefaultMaintenanceMarginRatio = decimal.NewFromFloat(0.05)

	// MaxLeverage is the protocol maximum leverage.
	MaxLeverage = decimal.NewFromInt(20)
)

// RatioScale is the number of decimal places health ratios and prices are
// rounded to for presentation. Intermediate arithmetic is never rounded.
const RatioScale int32 = 8

// Calculator computes risk metrics under a fixed maintenance margin ratio.
// It is stateless — positions and snapshots are passed as arguments.
type Calculator struct {
	mmr decimal.Decimal
}

// NewCalculator creates a calculator with the given maintenance margin
// ratio. A non-positive ratio falls back to the protocol default.
func NewCalculator(maintenanceMarginRatio decimal.Decimal) *Calculator {
	if maintenanceMarginRatio.LessThanOrEqual(decimal.Zero) {
		maintenanceMarginRatio = DefaultMaintenanceMarginRatio
	}
	return &Calculator{mmr: maintenanceMarginRatio}
}

// MaintenanceMarginRatio returns the configured ratio.
func (c *Calculator) MaintenanceMarginRatio() decimal.Decimal {
	return c.mmr
}

// Pnl is the unrealized PnL decomposition for a position.
type Pnl struct {
	Price   decimal.Decimal
	Funding decimal.Decimal
	Total   decimal.Decimal
}

// UnrealizedPnl computes the price and funding components of unrealized PnL.
//
//	pricePnl   = sign × size × (mark − entry) / entry
//	fundingPnl = −sign × size × (cumFunding − entryFunding)
func (c *Calculator) UnrealizedPnl(p model.Position, snap model.MarketSnapshot) Pnl {
	sign := p.DirectionSign()

	pricePnl := sign.Mul(p.Size).
		Mul(snap.MarkPrice.Sub(p.EntryPrice)).
		Div(p.EntryPrice)

	fundingPnl := sign.Neg().Mul(p.Size).
		Mul(snap.CumulativeFundingIndex.Sub(p.EntryFundingIndex))

	return Pnl{
		Price:   pricePnl,
		Funding: fundingPnl,
		Total:   pricePnl.Add(fundingPnl),
	}
}

// HealthRatio computes equity / size. Not clamped: a negative ratio means
// the position is already insolvent and must be force-closed.
func (c *Calculator) HealthRatio(p model.Position, snap model.MarketSnapshot) decimal.Decimal {
	equity := p.Collateral.Add(c.UnrealizedPnl(p, snap).Total)
	return equity.Div(p.Size)
}

// LiquidationPrice solves for the mark price at which the health ratio
// equals the maintenance margin ratio, with accrued funding PnL folded into
// collateral before solving:
//
//	effColl = collateral + fundingPnl
//	long:  liq = entry × (1 − (effColl/size − mmr))
//	short: liq = entry × (1 + (effColl/size − mmr))
//
// The price is re-solved on every snapshot, so funding drift is captured by
// recomputation rather than a stale formula.
//
// If effColl/size ≤ mmr the position is already liquidatable; the returned
// price is the current mark and breached is true. Callers must treat that as
// "already breached" and not feed it back into further math.
func (c *Calculator) LiquidationPrice(p model.Position, snap model.MarketSnapshot) (price decimal.Decimal, breached bool) {
	fundingPnl := c.UnrealizedPnl(p, snap).Funding
	effColl := p.Collateral.Add(fundingPnl)

	margin := effColl.Div(p.Size) // collateral ratio before price moves
	if margin.LessThanOrEqual(c.mmr) {
		return snap.MarkPrice, true
	}

	one := decimal.NewFromInt(1)
	offset := margin.Sub(c.mmr)
	if p.Direction == model.DirectionShort {
		return p.EntryPrice.Mul(one.Add(offset)), false
	}
	return p.EntryPrice.Mul(one.Sub(offset)), false
}

// Metrics computes the full derived view for a position against a snapshot.
func (c *Calculator) Metrics(p model.Position, snap model.MarketSnapshot) model.RiskMetrics {
	pnl := c.UnrealizedPnl(p, snap)
	equity := p.Collateral.Add(pnl.Total)
	liqPrice, breached := c.LiquidationPrice(p, snap)

	return model.RiskMetrics{
		PricePnl:          pnl.Price,
		FundingPnl:        pnl.Funding,
		UnrealizedPnl:     pnl.Total,
		Equity:            equity,
		HealthRatio:       equity.Div(p.Size),
		LiquidationPrice:  liqPrice.Round(RatioScale),
		MaintenanceMargin: p.Size.Mul(c.mmr),
		Liquidatable:      breached,
		ComputedAt:        time.Now().UTC(),
	}
}

// ProjectMarginChange returns a hypothetical position with collateral
// adjusted by delta (added when isAdd, removed otherwise) and all metrics
// recomputed. The ledger is not touched.
//
// The caller guarantees the resulting collateral is strictly positive; the
// margin validator enforces this before projecting.
func (c *Calculator) ProjectMarginChange(p model.Position, snap model.MarketSnapshot, delta decimal.Decimal, isAdd bool) model.ProjectedPosition {
	projected := p
	if isAdd {
		projected.Collateral = p.Collateral.Add(delta)
	} else {
		projected.Collateral = p.Collateral.Sub(delta)
	}
	projected.Leverage = projected.Size.Div(projected.Collateral)

	return model.ProjectedPosition{
		Position: projected,
		Metrics:  c.Metrics(projected, snap),
	}
}
