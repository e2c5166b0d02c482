package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/quantfabric/marketbeat/internal/config"
	"github.com/quantfabric/marketbeat/internal/lock"
	"github.com/quantfabric/marketbeat/internal/marketapi"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/ratelimit"
	"github.com/quantfabric/marketbeat/internal/store/pg"
	"github.com/quantfabric/marketbeat/internal/task"
	"github.com/quantfabric/marketbeat/internal/token"
	"github.com/quantfabric/marketbeat/internal/worker"
)

// tokenStoreTTL bounds cached credentials; shorter than the id token's own
// 24h lifetime so stale records age out on their own.
const tokenStoreTTL = 12 * time.Hour

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool consuming the dispatch queue",
		Run: func(cmd *cobra.Command, args []string) {
			runWorker(concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel consumers (overrides config)")
	return cmd
}

func runWorker(concurrency int) {
	cfg := loadConfig()
	if concurrency <= 0 {
		concurrency = cfg.WorkerConcurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ScheduleStoreURL == "" {
		fmt.Fprintln(os.Stderr, "Error: schedule_store_url is not configured")
		os.Exit(1)
	}
	db, err := pg.OpenDB(cfg.ScheduleStoreURL)
	if err != nil {
		exitErr(err)
	}
	defer db.Close()
	if err := pg.EnsureSchema(ctx, db); err != nil {
		exitErr(err)
	}

	queueRedis := openRedis(cfg.DispatchQueueURL, "dispatch queue")
	dispatch := queue.NewRedis(queueRedis, cfg.DispatchStream)

	// Policy locks live on the same redis as the queue so every worker
	// observes them.
	locker := lock.NewRedis(queueRedis, "")

	registry := task.NewRegistry()
	registry.Register(task.NoopName, task.Noop)
	registerFetchListed(cfg, registry, db)

	pool := worker.NewPool(dispatch, registry, pg.NewExecutionLogStore(db), locker, worker.Options{
		Concurrency: concurrency,
		LockTTL:     cfg.LockTTL(),
		QueueWait:   cfg.LockWait(),
	})

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// registerFetchListed wires the canonical ingestion task when API credentials
// are configured; without them the worker still serves other tasks.
func registerFetchListed(cfg *config.Config, registry *task.Registry, db *sqlx.DB) {
	if cfg.ExternalAPI.BaseURL == "" {
		slog.Warn("external_api.base_url not configured, fetch_listed_info disabled")
		return
	}

	api := marketapi.NewClient(marketapi.Config{
		BaseURL:  cfg.ExternalAPI.BaseURL,
		Email:    cfg.ExternalAPI.Email,
		Password: cfg.ExternalAPI.Password,
		Timeout:  cfg.APITimeout(),
	})

	// Token cache: shared via redis when configured, per-process otherwise.
	var tokenStore token.Store
	if cfg.TokenCacheURL != "" {
		tokenStore = token.NewRedisStore(openRedis(cfg.TokenCacheURL, "token cache"), tokenStoreTTL)
	} else {
		tokenStore = token.NewMemoryStore(tokenStoreTTL)
	}
	tokens := token.NewCache("market_api", tokenStore, api)

	limits := make(map[string]ratelimit.BucketConfig, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		limits[name] = ratelimit.BucketConfig{
			Requests: rl.Requests,
			Window:   time.Duration(rl.WindowS) * time.Second,
		}
	}
	limiter := ratelimit.New(limits)

	loc, err := time.LoadLocation(cfg.CronTimezone)
	if err != nil {
		loc = time.UTC
	}

	fetch := task.NewFetchListed(api, tokens, limiter, pg.NewListedInfoStore(db), loc)
	registry.Register(task.FetchListedName, fetch.Run)
}
