package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lazycal/internal/app"
	"lazycal/internal/config"
	"lazycal/internal/db"
	"lazycal/internal/domain"
	"lazycal/internal/engine"
	"lazycal/internal/schedule"
	"lazycal/internal/server"
	"lazycal/internal/store"
)

const dayLayout = "2006-01-02"

var rootCmd = &cobra.Command{
	Use:   "lazycal",
	Short: "lazycal task scheduling calculator",
	Long: `lazycal spreads the work of each task over the days before it is due.
Core concepts:
- Task: a named amount of work (pages, words, problems...) between a start and a due date.
- Daily workload: the work per day needed to finish on time, rounded up.
- Procrastination coefficient: padding on the daily target so a slow day does not sink you.
- Progress: the amount logged for a day; tasks complete once nothing is left.
- Archive: completed and overdue tasks, restorable with 'lazycal restore'.
- Reminder: a daily prompt at a fixed time on days that have work scheduled.
- Event log: diary of changes, view with 'lazycal log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAZYCAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(todayCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default lazycal.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				fmt.Printf("Initialized lazycal workspace at %s\n", db.Path(workspace))
				fmt.Printf("Config written to %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func addCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var start, due string
	var days int
	var coeff float64
	cmd := &cobra.Command{
		Use:   "add <name> <workload>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts.Name = args[0]
				if _, err := fmt.Sscan(args[1], &opts.TotalWorkload); err != nil {
					return fmt.Errorf("workload must be a whole number: %q", args[1])
				}
				now := e.CurrentTime()
				var err error
				if start != "" {
					if opts.StartDate, err = parseDayFlag(start, now); err != nil {
						return err
					}
				}
				if due != "" {
					if opts.DueDate, err = parseDayFlag(due, now); err != nil {
						return err
					}
				}
				if days > 0 {
					from := opts.StartDate
					if from.IsZero() {
						from = now
					}
					opts.DueDate = from.AddDate(0, 0, days)
				}
				if cmd.Flags().Changed("procrastination") {
					opts.ProcrastinationCoeff = &coeff
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "workload unit (default from config)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority 1-5 (default from config)")
	cmd.Flags().StringVar(&start, "start", "", "start day YYYY-MM-DD (default now)")
	cmd.Flags().StringVar(&due, "due", "", "due day YYYY-MM-DD (default start + 1 day)")
	cmd.Flags().IntVar(&days, "days", 0, "due this many days after start")
	cmd.Flags().Float64Var(&coeff, "procrastination", 0, "procrastination coefficient")
	return cmd
}

func listCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active tasks in focus order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks := e.ActiveTasks()
				if all {
					tasks = e.Tasks()
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived tasks")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTask(args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func editCmd() *cobra.Command {
	var name, unit, start, due string
	var total, priority int
	var coeff float64
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update a task; the schedule is recomputed from the new values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var p store.UpdateParams
				flags := cmd.Flags()
				if flags.Changed("name") {
					p.Name = &name
				}
				if flags.Changed("unit") {
					p.Unit = &unit
				}
				if flags.Changed("workload") {
					p.TotalWorkload = &total
				}
				if flags.Changed("priority") {
					p.Priority = &priority
				}
				if flags.Changed("procrastination") {
					p.ProcrastinationCoeff = &coeff
				}
				now := e.CurrentTime()
				if flags.Changed("start") {
					d, err := parseDayFlag(start, now)
					if err != nil {
						return err
					}
					p.StartDate = &d
				}
				if flags.Changed("due") {
					d, err := parseDayFlag(due, now)
					if err != nil {
						return err
					}
					p.DueDate = &d
				}
				t, err := e.UpdateTask(ctx, args[0], p)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&unit, "unit", "", "workload unit")
	cmd.Flags().IntVar(&total, "workload", 0, "total workload")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1-5")
	cmd.Flags().Float64Var(&coeff, "procrastination", 0, "procrastination coefficient")
	cmd.Flags().StringVar(&start, "start", "", "start day YYYY-MM-DD")
	cmd.Flags().StringVar(&due, "due", "", "due day YYYY-MM-DD")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deleted, err := e.DeleteTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"deleted": deleted})
				}
				if !deleted {
					fmt.Printf("No task %s\n", args[0])
					return nil
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func progressCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "progress <id> <amount>",
		Short: "Log the amount done on a day",
		Long:  "Logs the amount done on a day (today by default). In delta mode, logging the same day again only counts the increase.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var amount int
				if _, err := fmt.Sscan(args[1], &amount); err != nil {
					return fmt.Errorf("amount must be a whole number: %q", args[1])
				}
				date, err := parseDayFlag(day, e.CurrentTime())
				if err != nil {
					return err
				}
				t, err := e.RecordProgress(ctx, args[0], amount, date)
				if err != nil {
					return err
				}
				if t.Status == domain.StatusCompleted && !viper.GetBool("json") {
					fmt.Printf("%s completed\n", t.Name)
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "day YYYY-MM-DD (default today)")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Move an archived task back to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RestoreTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "Mark past-due unfinished tasks overdue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				changed, err := e.CheckOverdue(ctx)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && len(changed) == 0 {
					fmt.Println("Nothing overdue")
					return nil
				}
				return printTasks(changed)
			})
		},
	}
}

func todayCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Show the daily focus list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				date, err := parseDayFlag(day, e.CurrentTime())
				if err != nil {
					return err
				}
				items := e.DailyFocus(date)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				if len(items) == 0 {
					fmt.Printf("Nothing scheduled on %s\n", date.Format(dayLayout))
					return nil
				}
				tw := newTable()
				tw.SetTitle("Focus for " + date.Format(dayLayout))
				tw.AppendHeader(table.Row{"ID", "Name", "Priority", "Target", "Done", "Left"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.Task.ID, it.Task.Name, it.Task.Priority,
						fmt.Sprintf("%d %s", it.Target, it.Task.Unit),
						it.Done,
						fmt.Sprintf("%d/%d", it.Task.RemainingWorkload, it.Task.TotalWorkload),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "day YYYY-MM-DD (default today)")
	return cmd
}

func calendarCmd() *cobra.Command {
	var mode, day string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Show the week or month around a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := store.ParseCalendarMode(mode)
				if err != nil {
					return err
				}
				anchor, err := parseDayFlag(day, e.CurrentTime())
				if err != nil {
					return err
				}
				days := e.Calendar(m, anchor)
				if viper.GetBool("json") {
					return printJSON(days)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"})
				row := table.Row{}
				for _, d := range days {
					row = append(row, calendarCell(d))
					if len(row) == 7 {
						tw.AppendRow(row)
						tw.AppendSeparator()
						row = table.Row{}
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "week", "week or month")
	cmd.Flags().StringVar(&day, "date", "", "any day in the period (default today)")
	return cmd
}

func calendarCell(d store.CalendarDay) string {
	label := fmt.Sprint(d.Date.Day())
	if !d.InPeriod {
		label = "(" + label + ")"
	}
	lines := []string{label}
	for _, t := range d.Tasks {
		lines = append(lines, fmt.Sprintf("%s %d", truncate(t.Name, 12), t.AdjustedDailyWorkload))
	}
	return strings.Join(lines, "\n")
}

func archiveCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List completed and overdue tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f, err := store.ParseArchiveFilter(filter)
				if err != nil {
					return err
				}
				return printTasks(e.Archive(f))
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "all, completed or overdue")
	cmd.AddCommand(archiveClearCmd())
	cmd.AddCommand(archiveRmCmd())
	return cmd
}

func archiveClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every archived task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				removed, err := e.ClearArchive(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(removed)
				}
				fmt.Printf("Removed %d archived task(s)\n", len(removed))
				return nil
			})
		},
	}
}

func archiveRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete one archived task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteArchived(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats := e.Stats()
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Tasks"})
				for _, st := range []domain.Status{domain.StatusActive, domain.StatusCompleted, domain.StatusOverdue} {
					tw.AppendRow(table.Row{st, stats[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show reminder settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				return printSettings(s)
			})
		},
	}
	cmd.AddCommand(settingsSetCmd())
	return cmd
}

func settingsSetCmd() *cobra.Command {
	var at string
	var enabled bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update reminder settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Settings(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("time") {
					s.ReminderTime = at
				}
				if cmd.Flags().Changed("enabled") {
					s.ReminderEnabled = enabled
				}
				s, err = e.UpdateSettings(ctx, s)
				if err != nil {
					return err
				}
				return printSettings(s)
			})
		},
	}
	cmd.Flags().StringVar(&at, "time", "", "reminder time HH:MM")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable the daily reminder")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every task as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				data, err := e.Export()
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace every task with the contents of a JSON export",
		Long:  "Replaces every task with a lazycal export. Older camelCase task arrays are accepted too.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.Import(ctx, data)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d task(s)\n", n)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			token, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

// --- helpers ---

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	var logger *log.Logger
	if viper.GetBool("verbose") {
		logger = log.New(os.Stderr, "lazycal: ", log.LstdFlags)
	}
	s, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withSession(ctx, func(ctx context.Context, s *app.Session) error {
		return fn(ctx, s.Engine)
	})
}

// parseDayFlag reads YYYY-MM-DD as midnight local time. An empty value is now.
func parseDayFlag(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch v {
	case "":
		return now, nil
	case "today":
		return schedule.StartOfDay(now), nil
	case "tomorrow":
		return schedule.StartOfDay(now).AddDate(0, 0, 1), nil
	}
	t, err := time.ParseInLocation(dayLayout, v, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: want YYYY-MM-DD", v)
	}
	return t, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Name", t.Name},
		{"Status", t.Status},
		{"Workload", fmt.Sprintf("%d/%d %s left", t.RemainingWorkload, t.TotalWorkload, t.Unit)},
		{"Window", fmt.Sprintf("%s to %s", t.StartDate.Format(dayLayout), t.DueDate.Format(dayLayout))},
		{"Priority", t.Priority},
		{"Daily", fmt.Sprintf("%d (adjusted %d)", t.DailyWorkload, t.AdjustedDailyWorkload)},
	})
	tw.Render()
	return nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Left", "Daily", "Due", "Priority"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			t.ID, t.Name, t.Status,
			fmt.Sprintf("%d/%d %s", t.RemainingWorkload, t.TotalWorkload, t.Unit),
			t.AdjustedDailyWorkload,
			t.DueDate.Format(dayLayout),
			t.Priority,
		})
	}
	tw.Render()
	return nil
}

func printSettings(s domain.Settings) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	state := "disabled"
	if s.ReminderEnabled {
		state = "enabled"
	}
	fmt.Printf("Reminder at %s (%s)\n", s.ReminderTime, state)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
