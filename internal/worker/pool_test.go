package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/lock"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/store/memory"
	"github.com/quantfabric/marketbeat/internal/task"
)

func newTestPool(registry *task.Registry, opts Options) (*Pool, *memory.ExecutionLogStore, *lock.Memory) {
	logs := memory.NewExecutionLogStore()
	locker := lock.NewMemory()
	return NewPool(queue.NewMemory(), registry, logs, locker, opts), logs, locker
}

func runningLogs(t *testing.T, logs *memory.ExecutionLogStore, status store.LogStatus) []store.ExecutionLog {
	t.Helper()
	out, err := logs.ListRecent(context.Background(), store.LogFilter{Status: status})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	return out
}

func TestHandle_SuccessRecordsResult(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("echo", func(_ context.Context, _ []any, kwargs map[string]any) (json.RawMessage, error) {
		return json.Marshal(kwargs)
	})
	pool, logs, _ := newTestPool(registry, Options{})

	scheduleID := uuid.New()
	msg := queue.DispatchMessage{
		TaskName:   "echo",
		ScheduleID: scheduleID.String(),
		Kwargs:     map[string]any{"n": float64(1)},
		DispatchID: uuid.NewString(),
	}
	if err := pool.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	done := runningLogs(t, logs, store.StatusSuccess)
	if len(done) != 1 {
		t.Fatalf("success logs = %d, want 1", len(done))
	}
	if done[0].ScheduleID == nil || *done[0].ScheduleID != scheduleID {
		t.Errorf("schedule id not recorded on log")
	}
	var got map[string]any
	if err := json.Unmarshal(done[0].Result, &got); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if got["n"] != float64(1) {
		t.Errorf("result = %v, want kwargs echoed back", got)
	}
}

func TestHandle_UnknownTaskAcksAndLogsFailed(t *testing.T) {
	pool, logs, _ := newTestPool(task.NewRegistry(), Options{})

	msg := queue.DispatchMessage{TaskName: "no_such_task", DispatchID: uuid.NewString()}

	// nil return acknowledges: an unknown task must not poison the queue.
	if err := pool.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle should ack unknown task, got %v", err)
	}

	failed := runningLogs(t, logs, store.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("failed logs = %d, want 1", len(failed))
	}
	if failed[0].ErrorMessage == "" {
		t.Error("failed log missing error message")
	}
}

func TestHandle_TaskErrorAcksAndLogsFailed(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("boom", func(context.Context, []any, map[string]any) (json.RawMessage, error) {
		return nil, errors.New("exploded")
	})
	pool, logs, _ := newTestPool(registry, Options{})

	err := pool.Handle(context.Background(), queue.DispatchMessage{
		TaskName: "boom", DispatchID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("task failure should still ack, got %v", err)
	}

	failed := runningLogs(t, logs, store.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("failed logs = %d, want 1", len(failed))
	}
	if failed[0].ErrorMessage != "exploded" {
		t.Errorf("error message = %q, want %q", failed[0].ErrorMessage, "exploded")
	}
}

func TestHandle_SkipPolicyUnderContention(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	registry := task.NewRegistry()
	registry.Register("slow", func(context.Context, []any, map[string]any) (json.RawMessage, error) {
		close(started)
		<-release
		return nil, nil
	})
	pool, logs, _ := newTestPool(registry, Options{})

	kwargs := map[string]any{"period_type": "yesterday"}
	newMsg := func() queue.DispatchMessage {
		return queue.DispatchMessage{
			TaskName:   "slow",
			Kwargs:     kwargs,
			Policy:     store.PolicySkip,
			DispatchID: uuid.NewString(),
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Handle(context.Background(), newMsg()); err != nil {
			t.Errorf("first handle: %v", err)
		}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never started")
	}

	// Identical task+kwargs while the first holds the lock: skipped.
	for i := 0; i < 3; i++ {
		if err := pool.Handle(context.Background(), newMsg()); err != nil {
			t.Fatalf("contending handle %d: %v", i, err)
		}
	}

	close(release)
	wg.Wait()

	if got := len(runningLogs(t, logs, store.StatusSkipped)); got != 3 {
		t.Errorf("skipped logs = %d, want 3", got)
	}
	if got := len(runningLogs(t, logs, store.StatusSuccess)); got != 1 {
		t.Errorf("success logs = %d, want 1", got)
	}
}

func TestHandle_SkipPolicyDifferentKwargsRunBoth(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("fetch", func(context.Context, []any, map[string]any) (json.RawMessage, error) {
		return nil, nil
	})
	pool, logs, locker := newTestPool(registry, Options{})

	// Hold the lock for one kwargs shape only.
	held := queue.DispatchMessage{TaskName: "fetch", Kwargs: map[string]any{"a": float64(1)}}
	if ok, err := locker.TryAcquire(context.Background(), lockKey(held), time.Minute); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	other := queue.DispatchMessage{
		TaskName:   "fetch",
		Kwargs:     map[string]any{"a": float64(2)},
		Policy:     store.PolicySkip,
		DispatchID: uuid.NewString(),
	}
	if err := pool.Handle(context.Background(), other); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(runningLogs(t, logs, store.StatusSuccess)); got != 1 {
		t.Errorf("success logs = %d, want 1 (different kwargs must not contend)", got)
	}
	if got := len(runningLogs(t, logs, store.StatusSkipped)); got != 0 {
		t.Errorf("skipped logs = %d, want 0", got)
	}
}

func TestHandle_QueuePolicyTimesOut(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("guarded", func(context.Context, []any, map[string]any) (json.RawMessage, error) {
		return nil, nil
	})
	pool, logs, locker := newTestPool(registry, Options{QueueWait: 100 * time.Millisecond})

	msg := queue.DispatchMessage{
		TaskName:   "guarded",
		Policy:     store.PolicyQueue,
		DispatchID: uuid.NewString(),
	}
	if ok, err := locker.TryAcquire(context.Background(), lockKey(msg), time.Minute); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	if err := pool.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := runningLogs(t, logs, store.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("failed logs = %d, want 1 after wait timeout", len(failed))
	}
	if failed[0].ErrorMessage == "" {
		t.Error("timeout log missing error message")
	}
}

func TestHandle_QueuePolicyRunsAfterRelease(t *testing.T) {
	registry := task.NewRegistry()
	registry.Register("guarded", func(context.Context, []any, map[string]any) (json.RawMessage, error) {
		return nil, nil
	})
	pool, logs, locker := newTestPool(registry, Options{QueueWait: 5 * time.Second})

	msg := queue.DispatchMessage{
		TaskName:   "guarded",
		Policy:     store.PolicyQueue,
		DispatchID: uuid.NewString(),
	}
	key := lockKey(msg)
	if ok, err := locker.TryAcquire(context.Background(), key, time.Minute); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		locker.Release(context.Background(), key)
	}()

	if err := pool.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(runningLogs(t, logs, store.StatusSuccess)); got != 1 {
		t.Errorf("success logs = %d, want 1 after lock release", got)
	}
}
