package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quantfabric/marketbeat/internal/lock"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
)

type policyDecision int

const (
	decisionRun policyDecision = iota
	decisionSkip
	decisionTimeout
)

// consultPolicy applies the dispatch's execution policy through the lock
// service. The lock key is (task_name, hash(kwargs)), so two schedules firing
// the same task with the same parameters contend for the same lock.
//
// Returns a release func (nil when no lock was taken) and the decision.
// Errors from the lock backend degrade to allow: liveness over strictness.
func (p *Pool) consultPolicy(ctx context.Context, msg queue.DispatchMessage) (func(), policyDecision, error) {
	switch msg.Policy {
	case store.PolicySkip:
		key := lockKey(msg)
		ok, err := p.locker.TryAcquire(ctx, key, p.opts.LockTTL)
		if err != nil {
			return nil, decisionRun, err
		}
		if !ok {
			return nil, decisionSkip, nil
		}
		return p.releaseFunc(key), decisionRun, nil

	case store.PolicyQueue:
		key := lockKey(msg)
		err := p.locker.Acquire(ctx, key, p.opts.LockTTL, p.opts.QueueWait)
		if errors.Is(err, lock.ErrWaitTimeout) {
			return nil, decisionTimeout, nil
		}
		if err != nil {
			return nil, decisionRun, err
		}
		return p.releaseFunc(key), decisionRun, nil

	default: // allow, or unknown policy from a newer producer
		return nil, decisionRun, nil
	}
}

func (p *Pool) releaseFunc(key string) func() {
	return func() {
		if err := p.locker.Release(context.Background(), key); err != nil {
			slog.Warn("lock release failed", "key", key, "error", err)
		}
	}
}

func lockKey(msg queue.DispatchMessage) string {
	return fmt.Sprintf("%s:%s", msg.TaskName, store.KwargsHash(msg.Kwargs))
}
