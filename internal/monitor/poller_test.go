package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/inflationmarket/risk-engine/internal/chain"
)

func TestPoller_FetchesAndStops(t *testing.T) {
	source := chain.NewMemorySource()
	source.SetSnapshot(snapAt(1, 96))

	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	p := NewPoller("IM-CPI-PERP", source, m, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// The first poll happens before the first tick.
	deadline := time.After(time.Second)
	for len(m.ListAlerts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never applied the published snapshot")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancellation")
	}
}

func TestPoller_FailureMarksStale(t *testing.T) {
	source := chain.NewMemorySource()
	source.SetSnapshot(snapAt(1, 100))

	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	p := NewPoller("IM-CPI-PERP", source, m, time.Hour, time.Second)

	// A good poll, then an outage.
	p.poll(context.Background())
	if m.Stale("IM-CPI-PERP") {
		t.Fatal("feed must not be stale after a successful fetch")
	}

	source.FailSnapshots = true
	p.poll(context.Background())
	if !m.Stale("IM-CPI-PERP") {
		t.Fatal("feed must be stale after a failed fetch")
	}
	if _, ok := m.LastSnapshot("IM-CPI-PERP"); !ok {
		t.Fatal("last good snapshot must survive an outage")
	}

	// Recovery clears the flag.
	source.FailSnapshots = false
	source.SetSnapshot(snapAt(2, 100))
	p.poll(context.Background())
	if m.Stale("IM-CPI-PERP") {
		t.Fatal("stale flag must clear once the feed recovers")
	}
}

func TestPoller_CanceledResultDiscarded(t *testing.T) {
	source := chain.NewMemorySource()
	source.SetSnapshot(snapAt(1, 96))

	m, led := newMonitor(nil)
	led.Upsert(longFive("a"))

	p := NewPoller("IM-CPI-PERP", source, m, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.poll(ctx)

	if len(m.ListAlerts()) != 0 {
		t.Fatal("a poll completing after cancellation must not touch the monitor")
	}
	if m.Stale("IM-CPI-PERP") {
		t.Fatal("a canceled poll must not mark the feed stale")
	}
}
