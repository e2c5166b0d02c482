// Package worker consumes dispatch messages, enforces execution policies and
// runs task implementations, recording every invocation in the execution log.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfabric/marketbeat/internal/lock"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/task"
)

// Options tune the pool.
type Options struct {
	// Concurrency is the number of parallel consumers.
	Concurrency int

	// LockTTL bounds orphan locks from worker crashes; set slightly above
	// the expected task duration.
	LockTTL time.Duration

	// QueueWait is the bounded wait under the queue policy; on timeout the
	// invocation is logged failed.
	QueueWait time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency: 4,
		LockTTL:     10 * time.Minute,
		QueueWait:   5 * time.Minute,
	}
}

// Pool runs N consumers over the dispatch queue.
type Pool struct {
	dispatch queue.DispatchQueue
	registry *task.Registry
	logs     store.ExecutionLogStore
	locker   lock.Locker
	opts     Options
}

func NewPool(dispatch queue.DispatchQueue, registry *task.Registry, logs store.ExecutionLogStore, locker lock.Locker, opts Options) *Pool {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.QueueWait <= 0 {
		opts.QueueWait = def.QueueWait
	}
	return &Pool{
		dispatch: dispatch,
		registry: registry,
		logs:     logs,
		locker:   locker,
		opts:     opts,
	}
}

// Run consumes until ctx is done. Workers finish their current task before
// exiting.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool started",
		"concurrency", p.opts.Concurrency,
		"tasks", p.registry.Names(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error {
			return p.dispatch.Consume(gctx, p.Handle)
		})
	}
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

// Handle processes one dispatch end to end. It returns nil (acknowledging
// the message) for task-level failures — those are recorded in the log, and
// redelivering them would not help. Only infrastructure failures (log store
// unreachable) leave the message pending.
func (p *Pool) Handle(ctx context.Context, msg queue.DispatchMessage) error {
	scheduleID := parseScheduleID(msg.ScheduleID)

	logID, err := p.logs.Begin(ctx, msg.TaskName, scheduleID)
	if err != nil {
		return fmt.Errorf("begin execution log: %w", err)
	}

	release, decision, err := p.consultPolicy(ctx, msg)
	if err != nil {
		slog.Warn("policy consult failed, treating as allow",
			"task", msg.TaskName, "error", err)
	}
	switch decision {
	case decisionSkip:
		slog.Info("dispatch skipped by policy",
			"task", msg.TaskName, "dispatch_id", msg.DispatchID)
		if err := p.logs.Skip(ctx, logID); err != nil {
			slog.Error("skip log write failed", "log_id", logID, "error", err)
		}
		return nil
	case decisionTimeout:
		if err := p.logs.Fail(ctx, logID, "queue policy: lock wait timed out"); err != nil {
			slog.Error("fail log write failed", "log_id", logID, "error", err)
		}
		return nil
	}
	if release != nil {
		defer release()
	}

	result, err := p.registry.Invoke(ctx, msg.TaskName, msg.Args, msg.Kwargs)
	if err != nil {
		slog.Error("task failed",
			"task", msg.TaskName, "dispatch_id", msg.DispatchID, "error", err)
		if logErr := p.logs.Fail(ctx, logID, err.Error()); logErr != nil {
			slog.Error("fail log write failed", "log_id", logID, "error", logErr)
		}
		return nil
	}

	if result == nil {
		result = json.RawMessage(`{}`)
	}
	if err := p.logs.Complete(ctx, logID, result); err != nil {
		slog.Error("complete log write failed", "log_id", logID, "error", err)
	}
	slog.Info("task completed", "task", msg.TaskName, "dispatch_id", msg.DispatchID)
	return nil
}

func parseScheduleID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
