package beat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantfabric/marketbeat/internal/bus"
	"github.com/quantfabric/marketbeat/internal/cron"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBeat(t *testing.T, clock Clock, events bus.EventBus) (*Beat, *memory.ScheduleStore, *queue.Memory) {
	t.Helper()
	eval, err := cron.New("UTC")
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	schedules := memory.NewScheduleStore()
	q := queue.NewMemory()
	b := New(schedules, q, events, eval, clock, DefaultOptions())
	return b, schedules, q
}

func addSchedule(t *testing.T, schedules *memory.ScheduleStore, name, expr string) *store.Schedule {
	t.Helper()
	s := &store.Schedule{
		Name:     name,
		TaskName: "noop",
		CronExpr: expr,
		Enabled:  true,
	}
	if err := schedules.Create(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return s
}

func TestBeat_FiresOnceAtCronMatch(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 8, 59, 55, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)
	addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	b.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Fatalf("dispatched before cron match: queue len = %d, want 0", got)
	}

	clock.Advance(10 * time.Second) // 09:00:05
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Fatalf("queue len = %d, want 1 after cron match", got)
	}

	// Same instant again: already fired for this match.
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Errorf("queue len = %d, want 1 (no double fire)", got)
	}
}

func TestBeat_WaitNeverExceedsMaxTick(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	b, schedules, _ := newTestBeat(t, clock, nil)
	addSchedule(t, schedules, "daily", "0 9 * * *") // next fire ~21h away

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	wait := b.tick(ctx)
	if wait > DefaultOptions().MaxTickInterval {
		t.Errorf("wait = %v, want <= %v", wait, DefaultOptions().MaxTickInterval)
	}
	if wait <= 0 {
		t.Errorf("wait = %v, want > 0", wait)
	}
}

func TestBeat_EnqueueFailureDefersNotDrops(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 8, 59, 59, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)
	addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	q.SetFailing(true)
	clock.Advance(5 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Fatalf("queue len = %d, want 0 while broker down", got)
	}

	// Broker recovers; the fire was deferred, not lost.
	q.SetFailing(false)
	clock.Advance(5 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Errorf("queue len = %d, want 1 after broker recovery", got)
	}
}

func TestBeat_DisableRemovesEntry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)
	s := addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := schedules.SetEnabled(ctx, s.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	b.RequestResync()

	// Past the coalescing window so the resync actually runs, and past the
	// cron match so a stale entry would have fired.
	clock.Advance(2 * time.Minute)
	b.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Errorf("queue len = %d, want 0 for disabled schedule", got)
	}

	b.mu.Lock()
	n := len(b.entries)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("entries = %d, want 0 after disable", n)
	}
}

func TestBeat_MetadataUpdatePreservesLastFire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 8, 59, 59, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)
	s := addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	clock.Advance(5 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Fatalf("queue len = %d, want 1", got)
	}

	// A description edit bumps UpdatedAt but must not re-fire the schedule.
	desc := "refreshed description"
	if _, err := schedules.Update(ctx, s.ID, store.SchedulePatch{Description: &desc}); err != nil {
		t.Fatalf("update: %v", err)
	}
	b.RequestResync()

	clock.Advance(10 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Errorf("queue len = %d, want 1 (metadata edit must not re-fire)", got)
	}

	b.mu.Lock()
	e := b.entries[s.ID]
	desc2 := e.sched.Description
	b.mu.Unlock()
	if desc2 != desc {
		t.Errorf("entry description = %q, want %q (snapshot not refreshed)", desc2, desc)
	}
}

func TestBeat_NewScheduleDoesNotBackfire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Cron matched an hour ago; a naive lastFireAt would fire immediately.
	addSchedule(t, schedules, "past", "0 9 * * *")
	b.RequestResync()

	clock.Advance(6 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 0 {
		t.Errorf("queue len = %d, want 0 (no catch-up fire for new schedule)", got)
	}
}

func TestBeat_ResyncThrottleCoalesces(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	b, schedules, _ := newTestBeat(t, clock, nil)
	addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}
	loadAt := clock.Now()

	// Burst of triggers right after load: all inside MinSyncInterval.
	b.RequestResync()
	b.RequestResync()
	clock.Advance(2 * time.Second)
	b.tick(ctx)

	b.mu.Lock()
	last := b.lastResync
	b.mu.Unlock()
	if !last.Equal(loadAt) {
		t.Fatalf("resync ran inside the coalescing window: lastResync = %v", last)
	}
	if !b.resyncWanted.Load() {
		t.Fatal("suppressed trigger lost; must stay marked for a later tick")
	}

	// Once the window passes the pending trigger is serviced exactly once.
	clock.Advance(4 * time.Second)
	b.tick(ctx)

	b.mu.Lock()
	last = b.lastResync
	b.mu.Unlock()
	if !last.Equal(clock.Now()) {
		t.Errorf("lastResync = %v, want %v", last, clock.Now())
	}
	if b.resyncWanted.Load() {
		t.Error("resyncWanted still set after being serviced")
	}
}

func TestBeat_PeriodicResyncWithoutEvents(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	b, schedules, _ := newTestBeat(t, clock, nil)

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	addSchedule(t, schedules, "late-arrival", "*/5 * * * *")

	// No RequestResync: only the periodic interval brings the schedule in.
	clock.Advance(30 * time.Second)
	b.tick(ctx)
	b.mu.Lock()
	n := len(b.entries)
	b.mu.Unlock()
	if n != 0 {
		t.Fatalf("entries = %d, want 0 before periodic resync", n)
	}

	clock.Advance(31 * time.Second) // past ResyncInterval since load
	b.tick(ctx)
	b.mu.Lock()
	n = len(b.entries)
	b.mu.Unlock()
	if n != 1 {
		t.Errorf("entries = %d, want 1 after periodic resync", n)
	}
}

func TestBeat_InvalidCronExcludedNotFatal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 8, 59, 59, 0, time.UTC))
	b, schedules, q := newTestBeat(t, clock, nil)

	// The memory store does not validate, mirroring a row written before
	// validation existed.
	addSchedule(t, schedules, "broken", "not a cron")
	addSchedule(t, schedules, "daily", "0 9 * * *")

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}

	clock.Advance(5 * time.Second)
	b.tick(ctx)
	if got := q.Len(); got != 1 {
		t.Errorf("queue len = %d, want 1 (healthy schedule fires despite broken sibling)", got)
	}
}

func TestBeat_EventTriggersResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	events := bus.NewMemory()
	b, schedules, _ := newTestBeat(t, clock, events)

	if err := b.load(ctx, clock.Now()); err != nil {
		t.Fatalf("load: %v", err)
	}
	go b.listen(ctx)

	// Give the subscriber a moment to attach, then publish a mutation.
	time.Sleep(50 * time.Millisecond)
	s := addSchedule(t, schedules, "fresh", "*/5 * * * *")
	if err := events.Publish(ctx, bus.MutationEvent{
		EventType:  bus.EventCreated,
		ScheduleID: s.ID.String(),
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !b.resyncWanted.Load() {
		select {
		case <-deadline:
			t.Fatal("mutation event never marked the working set stale")
		case <-time.After(10 * time.Millisecond):
		}
	}

	clock.Advance(6 * time.Second)
	b.tick(ctx)
	b.mu.Lock()
	n := len(b.entries)
	b.mu.Unlock()
	if n != 1 {
		t.Errorf("entries = %d, want 1 after event-driven resync", n)
	}
}
