package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/forum-converter/internal/checkpoint"
	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/converter"
	_ "github.com/johndauphine/forum-converter/internal/converters/example"
	_ "github.com/johndauphine/forum-converter/internal/converters/sqlsource"
	"github.com/johndauphine/forum-converter/internal/exitcodes"
	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/progress"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/tui"
	"github.com/johndauphine/forum-converter/internal/worker"
)

var version = "dev"

// workerCommand is the hidden subcommand worker processes are started with.
const workerCommand = "worker"

func main() {
	app := &cli.App{
		Name:    "forum-converter",
		Usage:   "Convert forum databases into the intermediate import format",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run a converter",
				Action: runConverter,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "converter",
						Usage: "Converter to run (overrides converter.name)",
					},
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Usage:   "Number of parallel workers",
					},
					&cli.StringFlag{
						Name:  "ui",
						Value: "auto",
						Usage: "Progress display: auto, bar, json, tui or none",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Use YAML state file instead of SQLite (for headless runs)",
					},
					&cli.BoolFlag{
						Name:  "output-json",
						Usage: "Print the run report as JSON to stdout on completion",
					},
				},
			},
			{
				Name:   workerCommand,
				Usage:  "Serve step items on stdin/stdout (started by run)",
				Hidden: true,
				Action: runWorker,
			},
			{
				Name:      "steps",
				Usage:     "List the steps of a converter",
				ArgsUsage: "[converter]",
				Action:    listSteps,
			},
			{
				Name:   "converters",
				Usage:  "List available converters",
				Action: listConverters,
			},
			{
				Name:   "status",
				Usage:  "Show the last run and its steps",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Read a YAML state file instead of SQLite",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List previous runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show the steps of a specific run",
					},
					&cli.StringFlag{
						Name:  "state-file",
						Usage: "Read a YAML state file instead of SQLite",
					},
					&cli.IntFlag{
						Name:  "prune",
						Usage: "Delete finished runs older than this many days",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, converter.ErrAborted) {
			fmt.Fprintln(os.Stderr, "Aborted")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitcodes.FromError(err))
	}
}

func runConverter(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}

	// Override from flags
	if c.IsSet("converter") {
		cfg.Converter.Name = c.String("converter")
	}
	if c.IsSet("workers") {
		cfg.Converter.Workers = c.Int("workers")
	}
	if c.IsSet("state-file") {
		cfg.State.File = c.String("state-file")
	}
	// Keep stdout for the JSON report.
	if c.Bool("output-json") {
		logging.SetOutput(os.Stderr)
	}

	def, err := converter.Lookup(cfg.Converter.Name)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	state, err := openState(cfg)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	defer state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reporter progress.Reporter
	if c.String("ui") == "tui" {
		reporter = tui.NewReporter(cancel)
	} else if reporter, err = progress.Select(c.String("ui"), os.Stderr); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	conv := converter.New(def, cfg, converter.Options{
		ConfigPath: configPath,
		State:      state,
		Reporter:   reporter,
		Launcher:   converter.NewLauncher(cfg, exe, workerArgs(c.String("verbosity"), c.String("log-format"))...),
	})
	report, runErr := conv.Run(ctx)
	reporter.Close()

	if c.Bool("output-json") {
		if err := outputJSON(report, runErr); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	} else {
		printReport(report)
	}
	if errors.Is(runErr, converter.ErrAborted) {
		return exitcodes.NewExitError(runErr, exitcodes.Aborted)
	}
	return runErr
}

// workerArgs repeats the global log flags ahead of the worker subcommand so
// worker processes log at the same level and format as the parent.
func workerArgs(verbosity, logFormat string) []string {
	return []string{"--verbosity", verbosity, "--log-format", logFormat, workerCommand}
}

// runWorker serves one worker session. Stdout carries the protocol, so
// logs go to stderr, and interrupts are left to the parent.
func runWorker(c *cli.Context) error {
	logging.SetOutput(os.Stderr)
	if id := os.Getenv("FORUM_CONVERTER_WORKER_ID"); id != "" {
		logging.SetProcess("worker " + id)
	}
	signal.Ignore(syscall.SIGINT)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := worker.Serve(ctx, os.Stdin, os.Stdout, converter.Resolve); err != nil {
		logging.Error("%v", err)
		return exitcodes.NewExitError(err, exitcodes.StepFailed)
	}
	return nil
}

func openState(cfg *config.Config) (checkpoint.StateBackend, error) {
	if cfg.State.File != "" {
		return checkpoint.NewFileState(cfg.State.File)
	}
	return checkpoint.New(cfg.State.DataDir)
}

func loadStateFor(c *cli.Context) (checkpoint.StateBackend, error) {
	if sf := c.String("state-file"); sf != "" {
		return checkpoint.NewFileState(sf)
	}
	cfg, err := config.LoadWithOptions(c.String("config"), config.LoadOptions{SuppressWarnings: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openState(cfg)
}

func printReport(report *converter.Report) {
	if report == nil || len(report.Steps) == 0 {
		return
	}
	fmt.Printf("\nRun %s (%s) finished in %s\n", report.RunID, report.Converter, report.Duration.Round(time.Millisecond))
	for _, st := range report.Steps {
		status := "ok"
		if st.Err != nil {
			status = "FAILED"
		}
		if st.Mode == converter.ModePlain {
			fmt.Printf("  %-40s %-8s %-6s %s\n", st.Title, st.Mode, status, st.Duration.Round(time.Millisecond))
			continue
		}
		fmt.Printf("  %-40s %-8s %-6s %s\n", st.Title, st.Mode, status, progress.Summary(st.Totals, st.Duration))
	}
}

type stepJSON struct {
	Name       string  `json:"name"`
	Title      string  `json:"title"`
	Mode       string  `json:"mode"`
	Items      int64   `json:"items"`
	Progress   int64   `json:"progress"`
	Warnings   int64   `json:"warnings"`
	Errors     int64   `json:"errors"`
	DurationS  float64 `json:"duration_seconds"`
	StepFailed string  `json:"error,omitempty"`
}

type reportJSON struct {
	RunID     string     `json:"run_id"`
	Converter string     `json:"converter"`
	Status    string     `json:"status"`
	DurationS float64    `json:"duration_seconds"`
	Steps     []stepJSON `json:"steps"`
	Error     string     `json:"error,omitempty"`
}

// outputJSON writes the run report as JSON to stdout.
func outputJSON(report *converter.Report, runErr error) error {
	out := reportJSON{
		RunID:     report.RunID,
		Converter: report.Converter,
		Status:    checkpoint.StatusSuccess,
		DurationS: report.Duration.Seconds(),
		Steps:     []stepJSON{},
	}
	switch {
	case errors.Is(runErr, converter.ErrAborted):
		out.Status = checkpoint.StatusAborted
	case runErr != nil:
		out.Status = checkpoint.StatusFailed
		out.Error = runErr.Error()
	}
	for _, st := range report.Steps {
		sj := stepJSON{
			Name:      st.Name,
			Title:     st.Title,
			Mode:      st.Mode,
			Items:     st.Totals.Items,
			Progress:  st.Totals.Progress,
			Warnings:  st.Totals.Warnings,
			Errors:    st.Totals.Errors,
			DurationS: st.Duration.Seconds(),
		}
		if st.Err != nil {
			sj.StepFailed = st.Err.Error()
		}
		out.Steps = append(out.Steps, sj)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func listConverters(c *cli.Context) error {
	for _, def := range converter.List() {
		fmt.Printf("%-20s %s\n", def.Name, def.Description)
	}
	return nil
}

func listSteps(c *cli.Context) error {
	name := c.Args().First()
	var cfg *config.Config
	if loaded, err := config.LoadWithOptions(c.String("config"), config.LoadOptions{SuppressWarnings: true}); err == nil {
		cfg = loaded
	} else if name == "" {
		return fmt.Errorf("failed to load config: %w", err)
	} else {
		// Build with an empty configuration when none is available.
		cfg = &config.Config{Settings: config.Settings{}}
	}
	if name == "" {
		name = cfg.Converter.Name
	}

	def, err := converter.Lookup(name)
	if err != nil {
		return err
	}
	plan, err := def.Build(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("building converter %s: %w", name, err)
	}
	if plan.Close != nil {
		defer plan.Close()
	}

	fmt.Printf("%-4s %-24s %-40s %s\n", "#", "Name", "Title", "Options")
	for i, desc := range plan.Steps {
		fmt.Printf("%-4d %-24s %-40s %s\n", i+1, desc.Name, desc.Title(), describeOptions(desc.Options))
	}
	return nil
}

func describeOptions(opts step.Options) string {
	var flags []string
	if opts.RunInParallel {
		flags = append(flags, "parallel")
	}
	if opts.ReportProgressInPercent {
		flags = append(flags, "percent")
	}
	if opts.UseCustomProgressIncrement {
		flags = append(flags, "custom-increment")
	}
	return strings.Join(flags, ", ")
}

func showStatus(c *cli.Context) error {
	state, err := loadStateFor(c)
	if err != nil {
		return err
	}
	defer state.Close()

	run, err := state.GetLastRun()
	if err != nil {
		return err
	}
	if c.Bool("json") {
		if run == nil {
			fmt.Println(`{"status": "no_runs"}`)
			return nil
		}
		steps, err := state.GetSteps(run.ID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(struct {
			Run   *checkpoint.Run         `json:"run"`
			Steps []checkpoint.StepRecord `json:"steps"`
		}{run, steps}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	if run == nil {
		fmt.Println("No runs found")
		return nil
	}
	return printRun(state, run)
}

func showHistory(c *cli.Context) error {
	state, err := loadStateFor(c)
	if err != nil {
		return err
	}
	defer state.Close()

	if days := c.Int("prune"); days > 0 {
		pruner, ok := state.(interface {
			CleanupOldRuns(retentionDays int) (int64, error)
		})
		if !ok {
			return fmt.Errorf("--prune is not supported with a state file")
		}
		n, err := pruner.CleanupOldRuns(days)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d run(s) older than %d days\n", n, days)
	}

	if runID := c.String("run"); runID != "" {
		run, err := state.GetRunByID(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		return printRun(state, run)
	}

	runs, err := state.GetAllRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	fmt.Printf("%-10s %-14s %-10s %-20s %s\n", "Run", "Converter", "Status", "Started", "Duration")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%-10s %-14s %-10s %-20s %s\n",
			r.ID, r.Converter, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	return nil
}

func printRun(state checkpoint.StateBackend, run *checkpoint.Run) error {
	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Converter: %s\n", run.Converter)
	fmt.Printf("Status:    %s\n", run.Status)
	fmt.Printf("Started:   %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if run.ConfigPath != "" {
		fmt.Printf("Config:    %s (%s)\n", run.ConfigPath, run.ConfigHash)
	}
	if run.Error != "" {
		fmt.Printf("Error:     %s\n", run.Error)
	}

	steps, err := state.GetSteps(run.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	fmt.Printf("\n%-4s %-36s %-8s %-9s %10s %9s %7s %s\n", "#", "Step", "Mode", "Status", "Items", "Warnings", "Errors", "Duration")
	for _, s := range steps {
		fmt.Printf("%-4d %-36s %-8s %-9s %10d %9d %7d %s\n",
			s.Position+1, truncate(s.Title, 36), s.Mode, s.Status, s.Items, s.Warnings, s.Errors, s.Duration().Round(time.Millisecond))
		if s.Error != "" {
			fmt.Printf("     %s\n", strings.ReplaceAll(s.Error, "\n", " "))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
