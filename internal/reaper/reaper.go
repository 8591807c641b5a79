// Package reaper periodically sweeps the session table, removing sessions
// whose lease deadline has passed.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/relay-server/internal/logging"
	"github.com/postalsys/relay-server/internal/metrics"
	"github.com/postalsys/relay-server/internal/recovery"
	"github.com/postalsys/relay-server/internal/session"
)

// Reaper runs lease expiry sweeps on a fixed interval.
type Reaper struct {
	table    *session.Table
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a reaper over the given table.
func New(table *session.Table, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Reaper {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Reaper{
		table:    table,
		interval: interval,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop terminates the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	r.wg.Wait()
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "lease-reaper")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce performs a single sweep and reports how many sessions were
// reclaimed.
func (r *Reaper) SweepOnce() int {
	start := r.now()
	removed := r.table.Sweep(start)
	elapsed := time.Since(start)

	r.metrics.RecordSweep(elapsed.Seconds())
	if removed > 0 {
		r.metrics.RecordExpired(removed)
		r.logger.Info("expired sessions reclaimed",
			logging.KeyCount, removed,
			logging.KeyDuration, elapsed)
	}

	stats := r.table.Stats()
	r.metrics.SetSessionCounts(stats.Pending, stats.Active)

	return removed
}
