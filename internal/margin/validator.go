// Package margin gates collateral adjustments before they are submitted
// on-chain. The validator turns the UI rule "removing margin must not push a
// position to the edge of liquidation" into an explicit numeric threshold:
// the projected health ratio must stay above maintenance plus a safety
// buffer, so a withdrawal cannot be immediately re-breached by price noise.
package margin

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
)

var (
	// ErrInvalidAmount is returned for non-positive adjustment amounts, and
	// for removals that would not leave strictly positive collateral.
	ErrInvalidAmount = errors.New("margin: invalid adjustment amount")

	// ErrWouldBreachMaintenance is returned when a removal would drop the
	// projected health ratio below maintenance + safety buffer. The wrapped
	// message carries the projected ratio so callers can suggest a smaller
	// amount.
	ErrWouldBreachMaintenance = errors.New("margin: withdrawal would breach maintenance margin")

	// ErrExceedsMaxLeverage is returned when a removal would push leverage
	// above the protocol maximum.
	ErrExceedsMaxLeverage = errors.New("margin: withdrawal would exceed maximum leverage")

	// DefaultSafetyBuffer is the default margin above bare maintenance that
	// a withdrawal must preserve: 2 percentage points.
	DefaultSafetyBuffer = decimal.NewFromFloat(0.02)
)

// Validator checks proposed margin adjustments against solvency thresholds.
type Validator struct {
	calc         *riskmath.Calculator
	safetyBuffer decimal.Decimal
	maxLeverage  decimal.Decimal
}

// NewValidator creates a validator. A non-positive buffer falls back to the
// default; a non-positive max leverage falls back to the protocol maximum.
func NewValidator(calc *riskmath.Calculator, safetyBuffer, maxLeverage decimal.Decimal) *Validator {
	if safetyBuffer.LessThanOrEqual(decimal.Zero) {
		safetyBuffer = DefaultSafetyBuffer
	}
	if maxLeverage.LessThanOrEqual(decimal.Zero) {
		maxLeverage = riskmath.MaxLeverage
	}
	return &Validator{calc: calc, safetyBuffer: safetyBuffer, maxLeverage: maxLeverage}
}

// RemoveThreshold returns the minimum projected health ratio a withdrawal
// must preserve: maintenance margin ratio + safety buffer.
func (v *Validator) RemoveThreshold() decimal.Decimal {
	return v.calc.MaintenanceMarginRatio().Add(v.safetyBuffer)
}

// ValidateAdd checks an add-margin request. Adding collateral can only
// improve the health ratio, so any positive amount is approved; the
// projection is still returned so the caller can display the new metrics.
func (v *Validator) ValidateAdd(p model.Position, snap model.MarketSnapshot, amount decimal.Decimal) (*model.ProjectedPosition, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}

	proj := v.calc.ProjectMarginChange(p, snap, amount, true)
	return &proj, nil
}

// ValidateRemove checks a remove-margin request. Rejections:
//   - amount ≤ 0, or amount ≥ collateral (collateral must stay > 0)
//   - projected health ratio below maintenance + buffer
//   - projected leverage above the protocol maximum
//
// On approval the projection is returned so the caller can show the new
// liquidation price before submission.
func (v *Validator) ValidateRemove(p model.Position, snap model.MarketSnapshot, amount decimal.Decimal) (*model.ProjectedPosition, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThanOrEqual(p.Collateral) {
		return nil, fmt.Errorf("%w: amount %s must leave positive collateral (have %s)",
			ErrInvalidAmount, amount, p.Collateral)
	}

	proj := v.calc.ProjectMarginChange(p, snap, amount, false)

	if threshold := v.RemoveThreshold(); proj.Metrics.HealthRatio.LessThan(threshold) {
		return nil, fmt.Errorf("%w: projected health ratio %s below threshold %s",
			ErrWouldBreachMaintenance,
			proj.Metrics.HealthRatio.Round(riskmath.RatioScale), threshold)
	}

	if proj.Position.Leverage.GreaterThan(v.maxLeverage) {
		return nil, fmt.Errorf("%w: projected leverage %s above maximum %s",
			ErrExceedsMaxLeverage,
			proj.Position.Leverage.Round(riskmath.RatioScale), v.maxLeverage)
	}

	return &proj, nil
}
