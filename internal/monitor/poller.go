package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/inflationmarket/risk-engine/internal/chain"
	"github.com/inflationmarket/risk-engine/internal/metrics"
)

const (
	// DefaultPollInterval matches the cadence at which upstream price and
	// funding data changes.
	DefaultPollInterval = 10 * time.Second

	// DefaultFetchTimeout bounds a single snapshot fetch. A fetch slower
	// than this is a failure, not a slow success.
	DefaultFetchTimeout = 20 * time.Second
)

// Poller fetches market snapshots for one instrument on a fixed interval
// and feeds them to the monitor. Each poller is independently stoppable via
// its context; results that arrive after cancellation are discarded.
type Poller struct {
	instrument   string
	source       chain.MarketData
	monitor      *Monitor
	interval     time.Duration
	fetchTimeout time.Duration
}

// NewPoller creates a poller for one instrument. Non-positive durations
// fall back to the defaults.
func NewPoller(instrument string, source chain.MarketData, mon *Monitor, interval, fetchTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Poller{
		instrument:   instrument,
		source:       source,
		monitor:      mon,
		interval:     interval,
		fetchTimeout: fetchTimeout,
	}
}

// Run polls until ctx is canceled. Must be called in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	// Fetch immediately so the monitor has data before the first tick.
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot poller stopped", "instrument", p.instrument)
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches one snapshot. On failure the instrument is flagged stale and
// the monitor keeps operating on the last known-good snapshot.
func (p *Poller) poll(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	snap, err := p.source.GetSnapshot(fetchCtx, p.instrument)

	// A fetch completing after the poller was stopped must not touch the
	// monitor — stopping leaves no half-applied state behind.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		metrics.SnapshotFetchFailures.WithLabelValues(p.instrument).Inc()
		p.monitor.MarkStale(p.instrument)
		slog.Warn("snapshot fetch failed, feed marked stale",
			"instrument", p.instrument,
			"err", err,
		)
		return
	}

	if p.monitor.ApplySnapshot(snap) {
		slog.Debug("snapshot applied",
			"instrument", p.instrument,
			"mark_price", snap.MarkPrice.String(),
			"funding_index", snap.CumulativeFundingIndex.String(),
		)
	}
}
