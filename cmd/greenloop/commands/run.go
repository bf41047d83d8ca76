package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/orchestrator"
	"github.com/marcus/greenloop/internal/reporting"
	"github.com/marcus/greenloop/internal/runner"
	"github.com/marcus/greenloop/internal/ui"
)

// isInteractive reports whether stdout is a terminal. Override in tests.
var isInteractive = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// ErrNotGreen is returned when a run ends without passing tests.
var ErrNotGreen = errors.New("tests not green")

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Repair a workspace until its tests pass",
	Long: `Run one repair job against a workspace.

Each iteration plans a change, retrieves relevant symbols from the
workspace index, asks the model for a patch, applies it and runs the
test command. A failing iteration gets one repair attempt before the
next iteration starts. The run stops when tests pass or the iteration
budget is used up.

Press Ctrl+C to cancel a run in progress.

Examples:
  greenloop run "fix the failing date parser tests"
  greenloop run -w ./service --max-iters 5 "make TestCheckout pass"
  greenloop run --tui "add input validation to the signup handler"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, _ := cmd.Flags().GetString("workspace")
		maxIters, _ := cmd.Flags().GetInt("max-iters")
		tui, _ := cmd.Flags().GetBool("tui")
		noColor, _ := cmd.Flags().GetBool("no-color")
		noStore, _ := cmd.Flags().GetBool("no-store")
		report, _ := cmd.Flags().GetBool("report")

		if noColor || os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		ws, err := resolveWorkspace(workspace)
		if err != nil {
			return err
		}

		req := runner.Request{
			Goal:          strings.Join(args, " "),
			Workspace:     ws,
			MaxIterations: maxIters,
		}
		if cmd.Flags().Changed("repair-tool") {
			useTool, _ := cmd.Flags().GetBool("repair-tool")
			req.UseRepairTool = &useTool
		}

		return executeRun(cmd, executeRunParams{
			req:     req,
			tui:     tui && isInteractive(),
			noStore: noStore,
			report:  report,
			out:     cmd.OutOrStdout(),
		})
	},
}

func init() {
	runCmd.Flags().StringP("workspace", "w", ".", "Workspace to repair")
	runCmd.Flags().Int("max-iters", 0, "Iteration budget (default from config)")
	runCmd.Flags().Bool("repair-tool", false, "Use the external repair tool (aider) for repair attempts")
	runCmd.Flags().Bool("tui", false, "Show the interactive job dashboard")
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	runCmd.Flags().Bool("no-store", false, "Do not record the job in the history database")
	runCmd.Flags().Bool("report", false, "Write a markdown report of the job to the reports directory")
	rootCmd.AddCommand(runCmd)
}

type executeRunParams struct {
	req     runner.Request
	tui     bool
	noStore bool
	report  bool
	out     io.Writer
}

// resolveWorkspace returns the absolute path of an existing directory.
func resolveWorkspace(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(logging.ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	return abs, nil
}

func executeRun(cmd *cobra.Command, p executeRunParams) error {
	cfg, err := loadConfig(cmd, p.req.Workspace)
	if err != nil {
		return err
	}

	// Log lines go to the log file only; the console belongs to the renderer.
	var console io.Writer = io.Discard
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && !p.tui {
		console = os.Stderr
	}
	if err := initLogging(cmd, cfg, console); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("run")

	opts := []runner.Option{}
	if !p.noStore {
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		opts = append(opts, runner.WithStore(jobs.NewStore(database)))
	}

	svc := runner.New(cfg, opts...)
	job, err := svc.Submit(p.req)
	if err != nil {
		return err
	}
	log.InfoCtx("job submitted", map[string]any{"job": job.ID, "workspace": job.Workspace})

	maxIters := p.req.MaxIterations
	if maxIters <= 0 {
		maxIters = cfg.Run.MaxIterations
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("interrupt received, cancelling job")
			_ = svc.Cancel(job.ID)
		case <-job.Done():
		}
	}()

	if p.tui {
		if err := ui.Watch(job, maxIters); err != nil {
			log.Errorf("dashboard: %v", err)
		}
		// Quitting the dashboard cancels a job still in flight.
		if !job.Status().Terminal() {
			_ = svc.Cancel(job.ID)
		}
		<-job.Done()
	} else {
		displayRunHeader(p.out, job, maxIters)
		renderJob(job, newLiveRenderer(p.out, isInteractive()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}

	status, res := job.Status(), job.Result()
	displayRunSummary(p.out, status, res)
	if p.report {
		path := reporting.DefaultReportPath(job.ID, job.CreatedAt)
		if err := reporting.SaveJobReport(job.Snapshot(), path); err != nil {
			log.Warnf("report: %v", err)
		} else {
			_, _ = fmt.Fprintf(p.out, "Report: %s\n", path)
		}
	}
	return runOutcome(status, res)
}

// renderJob streams every event of job to r until the job finishes.
func renderJob(job *jobs.Job, r *liveRenderer) {
	sub := job.Subscribe()
	defer job.Unsubscribe(sub)
	defer r.cleanup()
	for e := range sub.C() {
		r.HandleEvent(e)
	}
}

// runOutcome maps a finished job to the command's exit error.
func runOutcome(status jobs.Status, res *orchestrator.Result) error {
	switch {
	case status == jobs.StatusCancelled:
		return errors.New("run cancelled")
	case res == nil:
		return fmt.Errorf("run %s", status)
	case res.OK:
		return nil
	case res.Status == orchestrator.RunFailed:
		return fmt.Errorf("%w after %d iteration(s)", ErrNotGreen, res.Iterations)
	case res.Error != "":
		return errors.New(res.Error)
	default:
		return fmt.Errorf("run %s", res.Status)
	}
}
