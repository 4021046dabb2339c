package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/ledger"
	"github.com/inflationmarket/risk-engine/internal/model"
	"github.com/inflationmarket/risk-engine/internal/riskmath"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// longFive is the reference position: long $1,000 at 5x, entry $100.
// Health ratio at mark M with zero funding: (1000 + 5000×(M−100)/100)/5000.
func longFive(id string) model.Position {
	return model.Position{
		ID:         id,
		Instrument: "IM-CPI-PERP",
		Direction:  model.DirectionLong,
		Collateral: d(1000),
		Size:       d(5000),
		Leverage:   d(5),
		EntryPrice: d(100),
		OpenedAt:   t0,
	}
}

// snapAt builds a snapshot n ticks after t0 at the given mark price.
func snapAt(n int, mark float64) model.MarketSnapshot {
	return model.MarketSnapshot{
		Instrument: "IM-CPI-PERP",
		IndexPrice: d(mark),
		MarkPrice:  d(mark),
		Timestamp:  t0.Add(time.Duration(n) * 10 * time.Second),
	}
}

// recordingSink captures alert lifecycle events for assertions.
type recordingSink struct {
	raised  []model.Alert
	updated []model.Alert
	cleared []string
}

func (s *recordingSink) AlertRaised(a model.Alert)      { s.raised = append(s.raised, a) }
func (s *recordingSink) AlertUpdated(a model.Alert)     { s.updated = append(s.updated, a) }
func (s *recordingSink) AlertCleared(positionID string) { s.cleared = append(s.cleared, positionID) }

func newMonitor(sink AlertSink) (*Monitor, *ledger.Ledger) {
	led := ledger.New()
	calc := riskmath.NewCalculator(riskmath.DefaultMaintenanceMarginRatio)
	return New(led, calc, DefaultConfig(), sink), led
}

// --- Severity classification ---

func TestClassifyBands(t *testing.T) {
	m, _ := newMonitor(nil)
	tests := []struct {
		ratio    float64
		severity string
	}{
		{0.25, ""},
		{0.20, ""}, // healthy boundary is inclusive
		{0.19, model.SeverityWarning},
		{0.10, model.SeverityWarning},
		{0.09, model.SeverityDanger},
		{0.05, model.SeverityDanger},
		{0.049, model.SeverityCritical},
		{-0.10, model.SeverityCritical},
	}
	for _, tt := range tests {
		if got := m.classify(d(tt.ratio)); got != tt.severity {
			t.Errorf("ratio %.3f: expected %q, got %q", tt.ratio, tt.severity, got)
		}
	}
}

// --- Alert lifecycle ---

func TestApplySnapshot_RaisesWarning(t *testing.T) {
	sink := &recordingSink{}
	m, led := newMonitor(sink)
	led.Upsert(longFive("a"))

	// Mark 100 → health 0.20 → healthy, no alert.
	m.ApplySnapshot(snapAt(1, 100))
	if len(m.ListAlerts()) != 0 {
		t.Fatal("healthy position must not alert")
	}

	// Mark 96 → health 0.16 → warning.
	m.ApplySnapshot(snapAt(2, 96))
	alerts := m.ListAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Severity != model.SeverityWarning {
		t.Errorf("expected warning, got %s", a.Severity)
	}
	if !a.HealthRatio.Equal(d(0.16)) {
		t.Errorf("expected health ratio 0.16, got %s", a.HealthRatio)
	}
	if !a.CurrentPrice.Equal(d(96)) {
		t.Errorf("expected current price 96, got %s", a.CurrentPrice)
	}
	if len(sink.raised) != 1 {
		t.Errorf("expected 1 raise event, got %d", len(sink.raised))
	}
}

func TestApplySnapshot_NeverDuplicates(t *testing.T) {
	sink := &recordingSink{}
	m, led := newMonitor(sink)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 96))
	m.ApplySnapshot(snapAt(2, 96.5)) // still warning
	m.ApplySnapshot(snapAt(3, 97))   // still warning

	if len(m.ListAlerts()) != 1 {
		t.Fatalf("alert must be upserted by position id, got %d alerts", len(m.ListAlerts()))
	}
	if len(sink.raised) != 1 {
		t.Errorf("same severity must not re-raise: %d raises", len(sink.raised))
	}
	if len(sink.updated) != 2 {
		t.Errorf("expected 2 updates, got %d", len(sink.updated))
	}
}

func TestEscalation_ReRaisesAcknowledged(t *testing.T) {
	sink := &recordingSink{}
	m, led := newMonitor(sink)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 96)) // warning
	if err := m.Acknowledge("a"); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	// Replay at the same severity: stays acknowledged.
	m.ApplySnapshot(snapAt(2, 96))
	if a := m.ListAlerts()[0]; !a.Acknowledged {
		t.Error("same-severity update must not clear acknowledged")
	}

	// Mark 92 → health 0.12... no: equity = 1000 − 400 = 600 → 0.12 warning.
	// Mark 90 → equity 500 → 0.10 warning. Mark 89.5 → 0.095 danger.
	m.ApplySnapshot(snapAt(3, 89.5))
	a := m.ListAlerts()[0]
	if a.Severity != model.SeverityDanger {
		t.Fatalf("expected danger, got %s", a.Severity)
	}
	if a.Acknowledged {
		t.Error("severity increase must re-raise (un-acknowledge) the alert")
	}
	if len(sink.raised) != 2 {
		t.Errorf("expected 2 raise events (initial + escalation), got %d", len(sink.raised))
	}
}

func TestAcknowledge_NoAlert(t *testing.T) {
	m, _ := newMonitor(nil)
	if err := m.Acknowledge("ghost"); !errors.Is(err, ErrNoAlert) {
		t.Errorf("expected ErrNoAlert, got %v", err)
	}
}

// --- Hysteresis ---

func TestHysteresis_SingleRecoveryDoesNotClear(t *testing.T) {
	sink := &recordingSink{}
	m, led := newMonitor(sink)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 96))  // warning raised
	m.ApplySnapshot(snapAt(2, 101)) // healthy tick 1 of 2

	if len(m.ListAlerts()) != 1 {
		t.Fatal("one healthy snapshot must not clear the alert")
	}
	if len(sink.cleared) != 0 {
		t.Fatal("no clear event expected yet")
	}

	m.ApplySnapshot(snapAt(3, 101)) // healthy tick 2 of 2
	if len(m.ListAlerts()) != 0 {
		t.Fatal("two consecutive healthy snapshots must clear the alert")
	}
	if len(sink.cleared) != 1 || sink.cleared[0] != "a" {
		t.Errorf("expected clear event for position a, got %v", sink.cleared)
	}
}

func TestHysteresis_StreakResetsOnDip(t *testing.T) {
	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 96))  // warning
	m.ApplySnapshot(snapAt(2, 101)) // healthy tick 1
	m.ApplySnapshot(snapAt(3, 96))  // dips back → streak resets
	m.ApplySnapshot(snapAt(4, 101)) // healthy tick 1 again

	if len(m.ListAlerts()) != 1 {
		t.Fatal("streak must reset when the ratio dips back below the boundary")
	}
}

// --- Ordering and staleness ---

func TestApplySnapshot_DiscardsOutOfOrder(t *testing.T) {
	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	if !m.ApplySnapshot(snapAt(5, 96)) {
		t.Fatal("first snapshot must apply")
	}
	if m.ApplySnapshot(snapAt(3, 80)) {
		t.Fatal("older snapshot must be discarded")
	}

	// The discarded crash to 80 must not have affected alert state.
	if a := m.ListAlerts()[0]; a.Severity != model.SeverityWarning {
		t.Errorf("expected warning from the applied snapshot, got %s", a.Severity)
	}
}

func TestStaleFeed_FlagsMetrics(t *testing.T) {
	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 100))
	m.MarkStale("IM-CPI-PERP")

	rm, err := m.Metrics("a")
	if err != nil {
		t.Fatalf("metrics must keep working on the last good snapshot: %v", err)
	}
	if !rm.Stale {
		t.Error("metrics must be flagged stale after a failed fetch")
	}
	if !rm.HealthRatio.Equal(d(0.20)) {
		t.Errorf("expected health ratio from last good snapshot, got %s", rm.HealthRatio)
	}

	// Next successful fetch recovers automatically.
	m.ApplySnapshot(snapAt(2, 100))
	rm, _ = m.Metrics("a")
	if rm.Stale {
		t.Error("stale flag must clear on the next applied snapshot")
	}
}

func TestMetrics_Errors(t *testing.T) {
	m, led := newMonitor(nil)

	if _, err := m.Metrics("ghost"); !errors.Is(err, ledger.ErrUnknownPosition) {
		t.Errorf("expected ErrUnknownPosition, got %v", err)
	}

	led.Upsert(longFive("a"))
	if _, err := m.Metrics("a"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot before any fetch, got %v", err)
	}
}

// --- Ledger removal ---

func TestClosedPositionClearsAlert(t *testing.T) {
	sink := &recordingSink{}
	m, led := newMonitor(sink)
	led.Upsert(longFive("a"))

	m.ApplySnapshot(snapAt(1, 96))
	if len(m.ListAlerts()) != 1 {
		t.Fatal("expected alert")
	}

	led.Remove("a")
	m.ApplySnapshot(snapAt(2, 96))

	if len(m.ListAlerts()) != 0 {
		t.Fatal("alert must clear when the position leaves the ledger")
	}
	if len(sink.cleared) != 1 {
		t.Errorf("expected clear event, got %v", sink.cleared)
	}
}

// --- Ordering of ListAlerts ---

func TestListAlerts_SeverityThenRecency(t *testing.T) {
	m, led := newMonitor(nil)

	warning := longFive("warn")
	danger := longFive("dang")
	danger.Collateral = d(450) // health at mark 100: 450/5000 = 0.09 → danger
	danger.Leverage = danger.Size.Div(danger.Collateral)
	critical := longFive("crit")
	critical.Collateral = d(200) // 0.04 → critical
	critical.Leverage = critical.Size.Div(critical.Collateral)

	led.Upsert(warning)
	led.Upsert(danger)
	led.Upsert(critical)

	// Mark 96: warn → (1000−200)/5000 = 0.16 warning;
	// dang → (450−200)/5000 = 0.05 danger; crit → 0/5000 = 0 critical.
	m.ApplySnapshot(snapAt(1, 96))

	alerts := m.ListAlerts()
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	order := []string{alerts[0].PositionID, alerts[1].PositionID, alerts[2].PositionID}
	want := []string{"crit", "dang", "warn"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}
