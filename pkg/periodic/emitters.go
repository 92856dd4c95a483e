// Package periodic implements the periodic emitters (C10, spec §4.10):
// tick, health refresh, idempotency sweep, and the per-connection
// handshake-deadline watchdog (the watchdog itself lives on
// wsgateway.Connection's timer; this package owns the three
// process-wide tickers). Grounded on the teacher's
// pkg/config/watcher.go WatchConfig — same "ticker + select + ctx.Done()"
// goroutine shape, generalized from a debounced fsnotify channel to a
// fixed-interval ticker.
package periodic

import (
	"context"
	"log/slog"
	"time"

	"chatgateway/pkg/bus"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/telemetry"
)

// Runner owns the three process-wide periodic tasks and starts/stops them
// together under one context.
type Runner struct {
	Bus                   *bus.Bus
	Idem                  *idempotency.Cache
	TickInterval          time.Duration
	HealthRefreshInterval time.Duration
	DedupeSweepInterval   time.Duration
	Metrics               *telemetry.Metrics // optional; nil skips the cache-size gauge
}

// Run blocks, driving all three tickers until ctx is cancelled. Intended to
// be started in its own goroutine from main.
func (r *Runner) Run(ctx context.Context) {
	tick := r.TickInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	health := r.HealthRefreshInterval
	if health <= 0 {
		health = 60 * time.Second
	}
	sweep := r.DedupeSweepInterval
	if sweep <= 0 {
		sweep = idempotency.DefaultTTL
	}

	tickTimer := time.NewTicker(tick)
	healthTimer := time.NewTicker(health)
	sweepTimer := time.NewTicker(sweep)
	defer tickTimer.Stop()
	defer healthTimer.Stop()
	defer sweepTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTimer.C:
			r.safeguard("tick", r.emitTick)
		case <-healthTimer.C:
			r.safeguard("health", r.emitHealth)
		case <-sweepTimer.C:
			r.safeguard("dedupe-sweep", r.sweepIdempotency)
		}
	}
}

// safeguard runs f, recovering and logging any panic so a periodic task
// failure never takes down the process (spec §7: "Periodic task panics
// must not crash the process; they log and continue").
func (r *Runner) safeguard(name string, f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("periodic task panicked", "task", name, "recover", rec)
		}
	}()
	f()
}

func (r *Runner) emitTick() {
	r.Bus.Broadcast("tick", map[string]any{"ts": time.Now().UnixMilli()}, nil, true)
}

func (r *Runner) emitHealth() {
	r.Bus.State.Health.Add(1)
	r.Bus.Broadcast("health", map[string]any{
		"ts":          time.Now().UnixMilli(),
		"connections": r.Bus.Count(),
	}, map[string]any{
		"presence": r.Bus.State.Presence.Load(),
		"health":   r.Bus.State.Health.Load(),
	}, true)
}

func (r *Runner) sweepIdempotency() {
	dropped := r.Idem.Sweep()
	if dropped > 0 {
		slog.Debug("idempotency sweep", "dropped", dropped)
	}
	if r.Metrics != nil {
		r.Metrics.IdempotencyCacheSize.Set(float64(r.Idem.Len()))
	}
}
