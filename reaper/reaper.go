/*
Package reaper runs the periodic hold and entitlement sweeps.

PURPOSE:
  A booking that crashes between creating its hold and completing would
  keep units held forever. The reaper expires active holds whose TTL has
  passed, returning their units, and expires the remaining units of
  entitlements whose validity has ended.

DESIGN:
  - Runs a background goroutine with a fixed interval
  - Runs once immediately on start
  - Each tick drains due holds in batches until a short batch, then
    sweeps expired entitlements
  - Every hold is expired in its own transaction, re-checked under lock,
    so a hold released concurrently is never expired
  - Errors are logged and the next tick tries again

CONFIGURATION:
  - Interval: how often to sweep (default: 5 minutes)
  - BatchSize: holds or balances per store query (default: 100)

USAGE:
  r := reaper.New(holds, ledger)
  r.Start(ctx)
  defer r.Stop()

SEE ALSO:
  - engine/hold.go: Holds.ExpireDue
  - engine/ledger.go: Ledger.ExpireEntitlements
*/
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/mentor-booking/clock"
	"github.com/warp/mentor-booking/engine"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 100
)

// Report summarizes one sweep.
type Report struct {
	HoldsExpired        int
	EntitlementsExpired int
	RanAt               time.Time
	Duration            time.Duration
}

// Reaper sweeps overdue holds and expired entitlements.
type Reaper struct {
	Holds     *engine.Holds
	Ledger    *engine.Ledger
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Clock     clock.Clock

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex // guards stop
	running sync.Mutex // one sweep at a time
	lastMu  sync.Mutex
	last    *Report
}

func New(holds *engine.Holds, ledger *engine.Ledger) *Reaper {
	return &Reaper{
		Holds:     holds,
		Ledger:    ledger,
		Interval:  DefaultInterval,
		BatchSize: DefaultBatchSize,
		Logger:    slog.Default(),
		Clock:     clock.NewSystem(),
	}
}

// Start begins sweeping until Stop is called or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx, interval, r.stop)

	r.logger().Info("reaper started", "interval", interval.String(), "batch_size", r.batchSize())
}

// Stop ends the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop == nil {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.stop = nil
	r.logger().Info("reaper stopped")
}

func (r *Reaper) run(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		r.logger().Error("reaper sweep failed", "error", err,
			"holds_expired", report.HoldsExpired, "entitlements_expired", report.EntitlementsExpired)
		return
	}
	if report.HoldsExpired > 0 || report.EntitlementsExpired > 0 {
		r.logger().Info("reaper sweep completed",
			"holds_expired", report.HoldsExpired, "entitlements_expired", report.EntitlementsExpired,
			"duration", report.Duration.String())
	}
}

// RunOnce performs one full sweep. Partial progress is reported alongside
// the joined errors.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	start := time.Now()
	report := Report{RanAt: r.now()}
	batch := r.batchSize()
	var errs []error

	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := r.Holds.ExpireDue(ctx, batch)
		report.HoldsExpired += n
		if err != nil {
			errs = append(errs, err)
			break
		}
		if n < batch {
			break
		}
	}

	if r.Ledger != nil && ctx.Err() == nil {
		for {
			n, err := r.Ledger.ExpireEntitlements(ctx, r.now(), batch)
			report.EntitlementsExpired += n
			if err != nil {
				errs = append(errs, err)
				break
			}
			if n < batch {
				break
			}
		}
	}

	report.Duration = time.Since(start)
	r.lastMu.Lock()
	r.last = &report
	r.lastMu.Unlock()
	return report, errors.Join(errs...)
}

// LastRun returns the report of the most recent sweep, if any.
func (r *Reaper) LastRun() (Report, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

func (r *Reaper) batchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}

func (r *Reaper) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now()
}

func (r *Reaper) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "reaper")
}
