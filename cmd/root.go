// Package cmd wires the scheduler core into the marketbeat CLI: the beat
// loop, the worker pool, and schedule/log management commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marketbeat",
		Short: "Cron-driven task scheduling for market-data ingestion",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	cmd.AddCommand(beatCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(scheduleCmd())
	cmd.AddCommand(logsCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file: --config flag, then
// MARKETBEAT_CONFIG, then ./marketbeat.yaml.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("MARKETBEAT_CONFIG"); p != "" {
		return p
	}
	return "marketbeat.yaml"
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("MARKETBEAT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
