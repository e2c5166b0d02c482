package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfabric/marketbeat/internal/store"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage task schedules",
	}
	cmd.AddCommand(scheduleCreateCmd())
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleGetCmd())
	cmd.AddCommand(scheduleUpdateCmd())
	cmd.AddCommand(scheduleToggleCmd("enable", true))
	cmd.AddCommand(scheduleToggleCmd("disable", false))
	cmd.AddCommand(scheduleDeleteCmd())
	cmd.AddCommand(scheduleTriggerCmd())
	return cmd
}

// scheduleFlags collects the writable fields shared by create and update.
type scheduleFlags struct {
	name        string
	taskName    string
	cronExpr    string
	args        string
	kwargs      string
	description string
	category    string
	tags        string
	policy      string
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "unique schedule name (auto-generated when omitted)")
	cmd.Flags().StringVar(&f.taskName, "task", "", "registered task name")
	cmd.Flags().StringVar(&f.cronExpr, "cron", "", "five-field cron expression")
	cmd.Flags().StringVar(&f.args, "args", "", "positional arguments as a JSON array")
	cmd.Flags().StringVar(&f.kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().StringVar(&f.description, "description", "", "free-form description")
	cmd.Flags().StringVar(&f.category, "category", "", "grouping category")
	cmd.Flags().StringVar(&f.tags, "tags", "", "comma-separated tags")
	cmd.Flags().StringVar(&f.policy, "policy", "", "execution policy: allow, skip or queue")
}

func parseArgsJSON(s string) []any {
	if s == "" {
		return nil
	}
	var out []any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: --args must be a JSON array: %v\n", err)
		os.Exit(1)
	}
	return out
}

func parseKwargsJSON(s string) map[string]any {
	if s == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: --kwargs must be a JSON object: %v\n", err)
		os.Exit(1)
	}
	return out
}

func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// --- schedule create ---

func scheduleCreateCmd() *cobra.Command {
	var f scheduleFlags
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Run: func(cmd *cobra.Command, args []string) {
			if f.taskName == "" || f.cronExpr == "" {
				fmt.Fprintln(os.Stderr, "Error: --task and --cron are required")
				os.Exit(1)
			}
			ctx := cmd.Context()
			cfg := loadConfig()
			svc, _, db := newMutationService(ctx, cfg)
			defer db.Close()

			sched := &store.Schedule{
				Name:        f.name,
				TaskName:    f.taskName,
				CronExpr:    f.cronExpr,
				Enabled:     !disabled,
				Args:        parseArgsJSON(f.args),
				Kwargs:      parseKwargsJSON(f.kwargs),
				Description: f.description,
				Category:    f.category,
				Tags:        parseTags(f.tags),
				Policy:      store.ExecutionPolicy(f.policy),
			}
			if err := svc.Create(ctx, sched); err != nil {
				exitErr(err)
			}
			fmt.Printf("Created schedule %s (%s)\n", sched.Name, sched.ID)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create in disabled state")
	return cmd
}

// --- schedule list ---

func scheduleListCmd() *cobra.Command {
	var jsonOutput, all bool
	var category, taskName, tags string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			eval := newEvaluator(cfg)
			schedules, db := openScheduleStore(ctx, cfg, eval)
			defer db.Close()

			filter := store.ScheduleFilter{
				Category: category,
				TaskName: taskName,
				Tags:     parseTags(tags),
			}
			if !all {
				enabled := true
				filter.Enabled = &enabled
			}
			list, err := schedules.List(ctx, filter)
			if err != nil {
				exitErr(err)
			}
			printSchedules(list, jsonOutput, eval.NextFire)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled schedules")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&taskName, "task", "", "filter by task name")
	cmd.Flags().StringVar(&tags, "tags", "", "filter by tags (comma-separated, any match)")
	return cmd
}

func printSchedules(list []store.Schedule, jsonOutput bool, nextFire func(string, time.Time) (time.Time, error)) {
	if jsonOutput {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(list) == 0 {
		fmt.Println("No schedules.")
		return
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTASK\tCRON\tENABLED\tPOLICY\tNEXT FIRE")
	for _, s := range list {
		next := "-"
		if s.Enabled {
			if t, err := nextFire(s.CronExpr, now); err == nil {
				next = t.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			s.ID, s.Name, s.TaskName, s.CronExpr, s.Enabled, s.Policy, next)
	}
	w.Flush()
}

// --- schedule get ---

func scheduleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id|name]",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			eval := newEvaluator(cfg)
			schedules, db := openScheduleStore(ctx, cfg, eval)
			defer db.Close()

			s := resolveSchedule(ctx, schedules, args[0])
			data, _ := json.MarshalIndent(s, "", "  ")
			fmt.Println(string(data))
		},
	}
}

// --- schedule update ---

func scheduleUpdateCmd() *cobra.Command {
	var f scheduleFlags
	cmd := &cobra.Command{
		Use:   "update [id|name]",
		Short: "Update schedule fields",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			svc, schedules, db := newMutationService(ctx, cfg)
			defer db.Close()

			s := resolveSchedule(ctx, schedules, args[0])

			patch := buildPatch(cmd, &f)
			updated, err := svc.Update(ctx, s.ID, patch)
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("Updated schedule %s (%s)\n", updated.Name, updated.ID)
		},
	}
	f.register(cmd)
	return cmd
}

// buildPatch maps only the flags the user actually set.
func buildPatch(cmd *cobra.Command, f *scheduleFlags) store.SchedulePatch {
	var patch store.SchedulePatch
	if cmd.Flags().Changed("name") {
		patch.Name = &f.name
	}
	if cmd.Flags().Changed("task") {
		patch.TaskName = &f.taskName
	}
	if cmd.Flags().Changed("cron") {
		patch.CronExpr = &f.cronExpr
	}
	if cmd.Flags().Changed("args") {
		v := parseArgsJSON(f.args)
		patch.Args = &v
	}
	if cmd.Flags().Changed("kwargs") {
		v := parseKwargsJSON(f.kwargs)
		patch.Kwargs = &v
	}
	if cmd.Flags().Changed("description") {
		patch.Description = &f.description
	}
	if cmd.Flags().Changed("category") {
		patch.Category = &f.category
	}
	if cmd.Flags().Changed("tags") {
		v := parseTags(f.tags)
		patch.Tags = &v
	}
	if cmd.Flags().Changed("policy") {
		p := store.ExecutionPolicy(f.policy)
		patch.Policy = &p
	}
	return patch
}

// --- schedule enable / disable ---

func scheduleToggleCmd(use string, enabled bool) *cobra.Command {
	short := "Disable a schedule"
	if enabled {
		short = "Enable a schedule"
	}
	return &cobra.Command{
		Use:   use + " [id|name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			svc, schedules, db := newMutationService(ctx, cfg)
			defer db.Close()

			s := resolveSchedule(ctx, schedules, args[0])

			if err := svc.SetEnabled(ctx, s.ID, enabled); err != nil {
				exitErr(err)
			}
			fmt.Printf("Schedule %s enabled=%v\n", s.Name, enabled)
		},
	}
}

// --- schedule delete ---

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id|name]",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			svc, schedules, db := newMutationService(ctx, cfg)
			defer db.Close()

			s := resolveSchedule(ctx, schedules, args[0])

			if err := svc.Delete(ctx, s.ID); err != nil {
				exitErr(err)
			}
			fmt.Printf("Deleted schedule %s\n", s.Name)
		},
	}
}

// --- schedule trigger ---

func scheduleTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [id|name]",
		Short: "Enqueue a schedule's task immediately, ignoring its cron",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cfg := loadConfig()
			svc, schedules, db := newMutationService(ctx, cfg)
			defer db.Close()

			s := resolveSchedule(ctx, schedules, args[0])

			dispatchID, err := svc.Trigger(ctx, s.ID)
			if err != nil {
				exitErr(err)
			}
			fmt.Printf("Dispatched %s (dispatch %s)\n", s.TaskName, dispatchID)
		},
	}
}
