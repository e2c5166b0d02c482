package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quantfabric/marketbeat/internal/store"
	"github.com/quantfabric/marketbeat/internal/store/pg"
)

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect execution logs",
	}
	cmd.AddCommand(logsListCmd())
	cmd.AddCommand(logsGetCmd())
	return cmd
}

func logsListCmd() *cobra.Command {
	var jsonOutput bool
	var scheduleRef, taskName, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			eval := newEvaluator(cfg)
			schedules, db := openScheduleStore(ctx, cfg, eval)
			defer db.Close()

			filter := store.LogFilter{
				TaskName: taskName,
				Status:   store.LogStatus(status),
				Limit:    limit,
			}
			if scheduleRef != "" {
				s := resolveSchedule(ctx, schedules, scheduleRef)
				filter.ScheduleID = &s.ID
			}

			logs, err := pg.NewExecutionLogStore(db).ListRecent(ctx, filter)
			if err != nil {
				exitErr(err)
			}
			printLogs(logs, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&scheduleRef, "schedule", "", "filter by schedule id or name")
	cmd.Flags().StringVar(&taskName, "task", "", "filter by task name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: running, success, failed, skipped")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func logsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one execution log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := uuid.Parse(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid log id %q\n", args[0])
				os.Exit(1)
			}

			ctx := cmd.Context()
			cfg := loadConfig()
			eval := newEvaluator(cfg)
			_, db := openScheduleStore(ctx, cfg, eval)
			defer db.Close()

			l, err := pg.NewExecutionLogStore(db).Get(ctx, id)
			if err != nil {
				exitErr(err)
			}
			data, _ := json.MarshalIndent(l, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func printLogs(logs []store.ExecutionLog, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(logs, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(logs) == 0 {
		fmt.Println("No executions recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, l := range logs {
		duration := "-"
		if l.FinishedAt != nil {
			duration = l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := l.ErrorMessage
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.TaskName, l.Status, l.StartedAt.Format(time.DateTime), duration, errMsg)
	}
	w.Flush()
}
