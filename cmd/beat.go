package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantfabric/marketbeat/internal/beat"
	"github.com/quantfabric/marketbeat/internal/bus"
	"github.com/quantfabric/marketbeat/internal/config"
	"github.com/quantfabric/marketbeat/internal/queue"
)

func beatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Run the scheduler loop (single instance)",
		Run: func(cmd *cobra.Command, args []string) {
			runBeat()
		},
	}
}

func runBeat() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eval := newEvaluator(cfg)
	schedules, db := openScheduleStore(ctx, cfg, eval)
	defer db.Close()

	dispatch := queue.NewRedis(openRedis(cfg.DispatchQueueURL, "dispatch queue"), cfg.DispatchStream)

	var events bus.EventBus
	if cfg.EventSyncEnabled() && cfg.EventBusURL != "" {
		events = bus.NewRedis(openRedis(cfg.EventBusURL, "event bus"), cfg.MutationChannel)
	}

	b := beat.New(schedules, dispatch, events, eval, nil, beat.Options{
		MaxTickInterval: cfg.MaxTickInterval(),
		ResyncInterval:  cfg.ResyncInterval(),
		MinSyncInterval: cfg.MinSyncInterval(),
		EventSync:       cfg.EventSyncEnabled(),
	})

	// A config file edit forces a snapshot refresh; interval changes need a
	// restart.
	if w := watchConfig(func(_ *config.Config) { b.RequestResync() }); w != nil {
		defer w.Stop()
	}

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// watchConfig starts a file watcher on the config path when the file exists.
func watchConfig(onChange config.ChangeHandler) *config.Watcher {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		return nil
	}
	w.OnChange(onChange)
	if err := w.Start(); err != nil {
		w.Stop()
		return nil
	}
	return w
}
