package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/quantfabric/marketbeat/internal/bus"
	"github.com/quantfabric/marketbeat/internal/config"
	"github.com/quantfabric/marketbeat/internal/cron"
	"github.com/quantfabric/marketbeat/internal/mutation"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/store/pg"
)

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openRedis connects to a redis URL (redis://host:port/db).
func openRedis(rawURL, purpose string) *redis.Client {
	if rawURL == "" {
		fmt.Fprintf(os.Stderr, "Error: %s URL is not configured\n", purpose)
		os.Exit(1)
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid %s URL: %v\n", purpose, err)
		os.Exit(1)
	}
	return redis.NewClient(opts)
}

// openScheduleStore opens the Postgres-backed schedule store wrapped with
// write-time cron validation. Caller closes the returned DB.
func openScheduleStore(ctx context.Context, cfg *config.Config, eval *cron.Evaluator) (store.ScheduleStore, *sqlx.DB) {
	if cfg.ScheduleStoreURL == "" {
		fmt.Fprintln(os.Stderr, "Error: schedule_store_url is not configured")
		os.Exit(1)
	}
	db, err := pg.OpenDB(cfg.ScheduleStoreURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := pg.EnsureSchema(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return store.WithValidation(pg.NewScheduleStore(db), eval.Validate), db
}

func newEvaluator(cfg *config.Config) *cron.Evaluator {
	eval, err := cron.New(cfg.CronTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return eval
}

// newMutationService builds the write side used by the schedule commands:
// validated store, event bus for change notifications, dispatch queue for
// manual triggers. The schedule store is returned alongside for reads.
// Caller closes the returned DB.
func newMutationService(ctx context.Context, cfg *config.Config) (*mutation.Service, store.ScheduleStore, *sqlx.DB) {
	eval := newEvaluator(cfg)
	schedules, db := openScheduleStore(ctx, cfg, eval)

	var events bus.EventBus
	if cfg.EventBusURL != "" {
		events = bus.NewRedis(openRedis(cfg.EventBusURL, "event bus"), cfg.MutationChannel)
	}

	var dispatch queue.DispatchQueue
	if cfg.DispatchQueueURL != "" {
		dispatch = queue.NewRedis(openRedis(cfg.DispatchQueueURL, "dispatch queue"), cfg.DispatchStream)
	}

	return mutation.NewService(schedules, events, dispatch), schedules, db
}

// resolveSchedule accepts a schedule id or name.
func resolveSchedule(ctx context.Context, schedules store.ScheduleStore, ref string) *store.Schedule {
	if id, err := uuid.Parse(ref); err == nil {
		s, err := schedules.GetByID(ctx, id)
		if err != nil {
			exitErr(err)
		}
		return s
	}
	s, err := schedules.GetByName(ctx, ref)
	if err != nil {
		exitErr(err)
	}
	return s
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
