// Package monitor re-evaluates every tracked position whenever a market
// snapshot arrives, classifies liquidation risk, and maintains de-duplicated
// alerts with hysteresis so noisy feeds do not cause flapping.
package monitor

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/ledger"
	"github.com/inflationmarket/risk-engine/internal/metrics"
	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
)

var (
	// ErrNoSnapshot is returned when metrics are requested before any
	// snapshot has been fetched for the position's instrument.
	ErrNoSnapshot = errors.New("monitor: no market snapshot for instrument")

	// ErrNoAlert is returned when acknowledging a position with no active
	// alert.
	ErrNoAlert = errors.New("monitor: no active alert for position")
)

// Thresholds are the lower health-ratio bounds of the severity bands. A
// ratio at or above Healthy raises nothing; below Danger is critical.
type Thresholds struct {
	Healthy decimal.Decimal
	Warning decimal.Decimal
	Danger  decimal.Decimal
}

// DefaultThresholds returns the protocol defaults: Healthy ≥ 20%,
// Warning [10%, 20%), Danger [5%, 10%), Critical < 5%. The Danger floor is
// the maintenance margin ratio — below it the position is liquidatable.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Healthy: decimal.NewFromFloat(0.20),
		Warning: decimal.NewFromFloat(0.10),
		Danger:  decimal.NewFromFloat(0.05),
	}
}

// Config controls severity classification and alert clearing.
type Config struct {
	Thresholds Thresholds

	// ClearAfter is the number of consecutive snapshots a position must
	// stay healthy before its alert clears. Guards against a single
	// recovery tick clearing an alert that immediately re-raises.
	ClearAfter int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{Thresholds: DefaultThresholds(), ClearAfter: 2}
}

// AlertSink receives alert lifecycle events. Implemented by the WebSocket
// hub; a nil sink disables broadcasting.
type AlertSink interface {
	AlertRaised(a model.Alert)
	AlertUpdated(a model.Alert)
	AlertCleared(positionID string)
}

// alertState couples an active alert with its hysteresis counter.
type alertState struct {
	alert         model.Alert
	healthyStreak int
}

// Monitor owns alert state and the latest snapshot per instrument.
// Safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	calc   *riskmath.Calculator
	cfg    Config
	sink   AlertSink

	alerts    map[string]*alertState          // by position id
	lastSnap  map[string]model.MarketSnapshot // by instrument
	staleFeed map[string]bool                 // by instrument
}

// New creates a monitor. Pass nil for sink if broadcasting is not needed.
func New(led *ledger.Ledger, calc *riskmath.Calculator, cfg Config, sink AlertSink) *Monitor {
	if cfg.ClearAfter < 1 {
		cfg.ClearAfter = DefaultConfig().ClearAfter
	}
	return &Monitor{
		ledger:    led,
		calc:      calc,
		cfg:       cfg,
		sink:      sink,
		alerts:    make(map[string]*alertState),
		lastSnap:  make(map[string]model.MarketSnapshot),
		staleFeed: make(map[string]bool),
	}
}

// classify maps a health ratio to an alert severity; "" means healthy.
func (m *Monitor) classify(ratio decimal.Decimal) string {
	t := m.cfg.Thresholds
	switch {
	case ratio.GreaterThanOrEqual(t.Healthy):
		return ""
	case ratio.GreaterThanOrEqual(t.Warning):
		return model.SeverityWarning
	case ratio.GreaterThanOrEqual(t.Danger):
		return model.SeverityDanger
	default:
		return model.SeverityCritical
	}
}

// ApplySnapshot applies a market snapshot and re-evaluates every tracked
// position on that instrument. Snapshots are applied in timestamp order: a
// snapshot not newer than the last-applied one is discarded and false is
// returned (no retroactive recomputation).
func (m *Monitor) ApplySnapshot(snap model.MarketSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSnap[snap.Instrument]; ok && !snap.Timestamp.After(last.Timestamp) {
		metrics.SnapshotsDiscarded.WithLabelValues(snap.Instrument).Inc()
		return false
	}

	m.lastSnap[snap.Instrument] = snap
	if m.staleFeed[snap.Instrument] {
		delete(m.staleFeed, snap.Instrument)
		metrics.StaleFeeds.Set(float64(len(m.staleFeed)))
	}
	metrics.SnapshotsApplied.WithLabelValues(snap.Instrument).Inc()

	m.evaluateLocked(snap)
	return true
}

// evaluateLocked recomputes risk for every position on the snapshot's
// instrument and reconciles alert state. Caller holds m.mu.
func (m *Monitor) evaluateLocked(snap model.MarketSnapshot) {
	positions := m.ledger.Snapshot()
	metrics.TrackedPositions.Set(float64(len(positions)))

	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		seen[p.ID] = true
		if p.Instrument != snap.Instrument {
			continue
		}

		rm := m.calc.Metrics(p, snap)
		severity := m.classify(rm.HealthRatio)
		if severity == "" {
			m.recordHealthyLocked(p.ID)
			continue
		}
		m.upsertAlertLocked(p, snap, rm, severity)
	}

	// Positions gone from the ledger (closed or liquidated) drop their
	// alerts immediately — no hysteresis for a position that no longer
	// exists.
	for id := range m.alerts {
		if !seen[id] {
			m.clearAlertLocked(id)
		}
	}
}

// recordHealthyLocked advances the hysteresis counter for a recovered
// position and clears its alert once the streak is long enough.
func (m *Monitor) recordHealthyLocked(positionID string) {
	st, ok := m.alerts[positionID]
	if !ok {
		return
	}
	st.healthyStreak++
	if st.healthyStreak >= m.cfg.ClearAfter {
		m.clearAlertLocked(positionID)
	}
}

func (m *Monitor) clearAlertLocked(positionID string) {
	st, ok := m.alerts[positionID]
	if !ok {
		return
	}
	delete(m.alerts, positionID)
	metrics.AlertsActive.WithLabelValues(st.alert.Severity).Dec()
	if m.sink != nil {
		m.sink.AlertCleared(positionID)
	}
}

// upsertAlertLocked raises a new alert or updates the existing one. Alerts
// are keyed by position id, so re-evaluation never duplicates. A severity
// increase re-raises (resets acknowledged) even after user dismissal; an
// unchanged or decreased severity refreshes the numbers without
// re-surfacing.
func (m *Monitor) upsertAlertLocked(p model.Position, snap model.MarketSnapshot, rm model.RiskMetrics, severity string) {
	st, exists := m.alerts[p.ID]

	alert := model.Alert{
		PositionID:       p.ID,
		Instrument:       p.Instrument,
		Severity:         severity,
		HealthRatio:      rm.HealthRatio.Round(riskmath.RatioScale),
		LiquidationPrice: rm.LiquidationPrice,
		CurrentPrice:     snap.MarkPrice,
		UpdatedAt:        snap.Timestamp,
	}

	if !exists {
		m.alerts[p.ID] = &alertState{alert: alert}
		metrics.AlertsRaised.WithLabelValues(severity).Inc()
		metrics.AlertsActive.WithLabelValues(severity).Inc()
		if m.sink != nil {
			m.sink.AlertRaised(alert)
		}
		return
	}

	prev := st.alert
	st.healthyStreak = 0

	escalated := model.SeverityRank(severity) > model.SeverityRank(prev.Severity)
	if escalated {
		// Escalation re-surfaces the alert even if it was dismissed.
		alert.Acknowledged = false
		metrics.AlertsRaised.WithLabelValues(severity).Inc()
	} else {
		alert.Acknowledged = prev.Acknowledged
	}

	if prev.Severity != severity {
		metrics.AlertsActive.WithLabelValues(prev.Severity).Dec()
		metrics.AlertsActive.WithLabelValues(severity).Inc()
	}

	st.alert = alert
	if m.sink != nil {
		if escalated {
			m.sink.AlertRaised(alert)
		} else {
			m.sink.AlertUpdated(alert)
		}
	}
}

// MarkStale flags an instrument's feed as failed. The last known-good
// snapshot stays in effect; derived metrics carry the stale flag until the
// next successful fetch clears it.
func (m *Monitor) MarkStale(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.staleFeed[instrument] {
		m.staleFeed[instrument] = true
		metrics.StaleFeeds.Set(float64(len(m.staleFeed)))
	}
}

// Stale reports whether an instrument is operating on a stale snapshot.
func (m *Monitor) Stale(instrument string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleFeed[instrument]
}

// LastSnapshot returns the most recently applied snapshot for an instrument.
func (m *Monitor) LastSnapshot(instrument string) (model.MarketSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.lastSnap[instrument]
	return snap, ok
}

// Metrics recomputes the derived view for one position from the latest
// snapshot. Returns ledger.ErrUnknownPosition for ids not in the ledger and
// ErrNoSnapshot when nothing has been fetched yet for the instrument.
func (m *Monitor) Metrics(positionID string) (model.RiskMetrics, error) {
	p, ok := m.ledger.Get(positionID)
	if !ok {
		return model.RiskMetrics{}, ledger.ErrUnknownPosition
	}

	m.mu.Lock()
	snap, haveSnap := m.lastSnap[p.Instrument]
	stale := m.staleFeed[p.Instrument]
	m.mu.Unlock()

	if !haveSnap {
		return model.RiskMetrics{}, ErrNoSnapshot
	}

	rm := m.calc.Metrics(p, snap)
	rm.Stale = stale
	return rm, nil
}

// ListAlerts returns active alerts ordered by severity (most severe first),
// then recency.
func (m *Monitor) ListAlerts() []model.Alert {
	m.mu.Lock()
	out := make([]model.Alert, 0, len(m.alerts))
	for _, st := range m.alerts {
		out = append(out, st.alert)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := model.SeverityRank(out[i].Severity), model.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PositionID < out[j].PositionID
	})
	return out
}

// Acknowledge marks a position's alert as dismissed by the user.
// Monitoring continues; the alert only stops re-surfacing at its current
// severity. A later severity increase re-raises it.
func (m *Monitor) Acknowledge(positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.alerts[positionID]
	if !ok {
		return ErrNoAlert
	}
	st.alert.Acknowledged = true
	return nil
}
