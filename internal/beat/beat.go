// Package beat is the database-backed scheduler: it owns a refreshed snapshot
// of enabled schedules, computes due entries from their cron expressions, and
// emits dispatch messages onto the queue. It runs as a singleton; a second
// instance would double-fire (leader election is out of scope).
package beat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/bus"
	"github.com/quantfabric/marketbeat/internal/cron"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
)

// Options tune the tick and resync cadence.
type Options struct {
	// MaxTickInterval is the upper bound on the sleep between ticks.
	MaxTickInterval time.Duration

	// ResyncInterval is the periodic snapshot refresh cadence.
	ResyncInterval time.Duration

	// MinSyncInterval coalesces resyncs: triggers closer together than this
	// are serviced once.
	MinSyncInterval time.Duration

	// EventSync enables the event-driven resync listener. Periodic resync
	// runs regardless.
	EventSync bool
}

// DefaultOptions returns the documented defaults (5s tick, 60s resync,
// 5s coalesce window).
func DefaultOptions() Options {
	return Options{
		MaxTickInterval: 5 * time.Second,
		ResyncInterval:  60 * time.Second,
		MinSyncInterval: 5 * time.Second,
		EventSync:       true,
	}
}

// entry is one schedule in the beat's working set plus its firing state.
type entry struct {
	sched      store.Schedule
	lastFireAt time.Time
	badExpr    bool // cron parse failed at load; excluded until repaired
}

// Beat owns the in-memory entry map and the serial tick loop. The event
// listener runs on its own goroutine and communicates only through the
// resyncWanted flag.
type Beat struct {
	schedules store.ScheduleStore
	dispatch  queue.DispatchQueue
	events    bus.EventBus // nil disables event-driven resync
	eval      *cron.Evaluator
	clock     Clock
	opts      Options

	mu         sync.Mutex
	entries    map[uuid.UUID]*entry
	lastResync time.Time
	bootAt     time.Time

	resyncWanted atomic.Bool
}

// New creates a beat. events may be nil.
func New(schedules store.ScheduleStore, dispatch queue.DispatchQueue, events bus.EventBus, eval *cron.Evaluator, clock Clock, opts Options) *Beat {
	if clock == nil {
		clock = RealClock{}
	}
	if opts.MaxTickInterval <= 0 {
		opts.MaxTickInterval = DefaultOptions().MaxTickInterval
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = DefaultOptions().ResyncInterval
	}
	if opts.MinSyncInterval <= 0 {
		opts.MinSyncInterval = DefaultOptions().MinSyncInterval
	}
	return &Beat{
		schedules: schedules,
		dispatch:  dispatch,
		events:    events,
		eval:      eval,
		clock:     clock,
		opts:      opts,
		entries:   make(map[uuid.UUID]*entry),
	}
}

// RequestResync marks the working set stale; the next eligible tick reloads
// it. Safe to call from any goroutine.
func (b *Beat) RequestResync() {
	b.resyncWanted.Store(true)
}

// Run loads the initial snapshot and drives the tick loop until ctx is done.
// The in-flight tick completes before Run returns.
func (b *Beat) Run(ctx context.Context) error {
	now := b.clock.Now()
	b.mu.Lock()
	b.bootAt = now
	b.mu.Unlock()

	if err := b.load(ctx, now); err != nil {
		// Start anyway: the store may come back, and resync retries.
		slog.Error("initial schedule load failed", "error", err)
	}

	if b.events != nil && b.opts.EventSync {
		go b.listen(ctx)
	}

	slog.Info("beat started",
		"schedules", b.entryCount(),
		"tick", b.opts.MaxTickInterval,
		"resync", b.opts.ResyncInterval,
	)

	for {
		wait := b.tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("beat stopped")
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// load boots the entry map from the store. Entries start with
// lastFireAt = boot instant so the first fire is the next cron match after
// boot, not a catch-up flood.
func (b *Beat) load(ctx context.Context, now time.Time) error {
	enabled := true
	snapshot, err := b.schedules.List(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range snapshot {
		e := &entry{sched: s, lastFireAt: now}
		if err := b.eval.Validate(s.CronExpr); err != nil {
			slog.Error("schedule has invalid cron expression, excluded from firing",
				"id", s.ID, "name", s.Name, "error", err)
			e.badExpr = true
		}
		b.entries[s.ID] = e
	}
	b.lastResync = now
	return nil
}

// tick runs one scheduler iteration and returns the sleep until the next.
// It never runs concurrently with itself; a panic inside a single tick is
// caught at this boundary so one bad entry cannot kill the beat.
func (b *Beat) tick(ctx context.Context) (wait time.Duration) {
	wait = b.opts.MaxTickInterval
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick panicked", "panic", r)
		}
	}()

	now := b.clock.Now()

	if b.shouldResync(now) {
		b.resync(ctx, now)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if e.badExpr {
			continue
		}
		last := e.lastFireAt
		if last.IsZero() {
			last = b.bootAt
		}

		due, next, err := b.eval.IsDue(e.sched.CronExpr, last, now)
		if err != nil {
			slog.Error("cron evaluation failed, entry excluded",
				"id", e.sched.ID, "expr", e.sched.CronExpr, "error", err)
			e.badExpr = true
			continue
		}

		if due {
			msg := queue.NewMessage(&e.sched)
			if err := b.dispatch.Enqueue(ctx, msg); err != nil {
				// Deferred, not lost: lastFireAt stays put so the entry is
				// still due next tick.
				slog.Error("dispatch enqueue failed, will retry",
					"id", e.sched.ID, "task", e.sched.TaskName, "error", err)
				continue
			}
			slog.Info("dispatched",
				"schedule", e.sched.Name,
				"task", e.sched.TaskName,
				"dispatch_id", msg.DispatchID,
			)
			e.lastFireAt = now
		}

		if next > 0 && next < wait {
			wait = next
		}
	}
	return wait
}

// shouldResync implements the throttle: a resync happens when wanted (event)
// or overdue (periodic), but never within MinSyncInterval of the previous
// one. A suppressed trigger stays marked and is serviced by a later tick.
func (b *Beat) shouldResync(now time.Time) bool {
	b.mu.Lock()
	sinceLast := now.Sub(b.lastResync)
	b.mu.Unlock()

	if sinceLast < b.opts.MinSyncInterval {
		return false
	}
	if b.resyncWanted.Load() || sinceLast >= b.opts.ResyncInterval {
		b.resyncWanted.Store(false)
		return true
	}
	return false
}

// resync refreshes the working set from the store. On read failure the beat
// keeps the last good snapshot and retries at the next eligible tick.
func (b *Beat) resync(ctx context.Context, now time.Time) {
	enabled := true
	snapshot, err := b.schedules.List(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		slog.Error("schedule resync failed, keeping last snapshot", "error", err)
		b.RequestResync()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconcile(snapshot, now)
	b.lastResync = now
}

// reconcile applies a fresh snapshot to the entry map:
//   - additions enter with lastFireAt = now (no backfiring)
//   - removals (deleted or disabled) drop
//   - updates replace the schedule but preserve lastFireAt, so a metadata
//     edit never causes a re-fire
//
// Caller holds b.mu.
func (b *Beat) reconcile(snapshot []store.Schedule, now time.Time) {
	seen := make(map[uuid.UUID]bool, len(snapshot))
	for _, s := range snapshot {
		seen[s.ID] = true
		e, ok := b.entries[s.ID]
		if !ok {
			e = &entry{sched: s, lastFireAt: now}
			if err := b.eval.Validate(s.CronExpr); err != nil {
				slog.Error("new schedule has invalid cron expression, excluded",
					"id", s.ID, "error", err)
				e.badExpr = true
			}
			b.entries[s.ID] = e
			slog.Info("schedule added", "id", s.ID, "name", s.Name)
			continue
		}
		if !e.sched.UpdatedAt.Equal(s.UpdatedAt) {
			e.sched = s
			e.badExpr = b.eval.Validate(s.CronExpr) != nil
			slog.Info("schedule updated", "id", s.ID, "name", s.Name)
		}
	}

	for id := range b.entries {
		if !seen[id] {
			slog.Info("schedule removed", "id", id, "name", b.entries[id].sched.Name)
			delete(b.entries, id)
		}
	}
}

// listen subscribes to the mutation channel; any event marks the working set
// stale. The bus implementation handles reconnects internally.
func (b *Beat) listen(ctx context.Context) {
	err := b.events.Subscribe(ctx, func(ev bus.MutationEvent) {
		slog.Debug("mutation event received",
			"type", ev.EventType, "schedule_id", ev.ScheduleID)
		b.RequestResync()
	})
	if ctx.Err() == nil && err != nil {
		slog.Error("event listener exited", "error", err)
	}
}

func (b *Beat) entryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
