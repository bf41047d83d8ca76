package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/greenloop/internal/api"
	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/metrics"
	"github.com/marcus/greenloop/internal/runner"
	"github.com/marcus/greenloop/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and scheduler",
	Long: `Serve the job API over HTTP and fire configured schedules.

Endpoints:
  POST /tasks/run            submit a repair job
  GET  /tasks                list jobs
  GET  /tasks/:id            job status, result and event log
  GET  /tasks/:id/stream     websocket event stream
  POST /tasks/:id/cancel     cancel a job
  POST /rag/reindex          rebuild a workspace index
  GET  /metrics              Prometheus metrics

Jobs left running by a previous process are marked as errored on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		noSchedule, _ := cmd.Flags().GetBool("no-schedule")
		return runServe(cmd, addr, noSchedule)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	serveCmd.Flags().Bool("no-schedule", false, "Do not fire configured schedules")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, addr string, noSchedule bool) error {
	cfg, err := loadConfig(cmd, "")
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := initLogging(cmd, cfg, os.Stderr); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("serve")

	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	store := jobs.NewStore(database)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := store.MarkInterrupted(ctx); err != nil {
		log.Warnf("mark interrupted jobs: %v", err)
	} else if n > 0 {
		log.InfoCtx("marked interrupted jobs", map[string]any{"count": n})
	}

	m := metrics.New()
	svc := runner.New(cfg, runner.WithStore(store), runner.WithMetrics(m))
	server := api.NewServer(svc, cfg.Server, api.WithMetrics(m))

	sched, err := scheduler.NewFromConfig(cfg.Schedules, svc, scheduler.WithRecorder(store))
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if !noSchedule && len(sched.Entries()) > 0 {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		log.InfoCtx("next scheduled run", map[string]any{"at": sched.NextRun().Format(time.RFC3339)})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Errorf("server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		log.Warnf("shutdown: %v", serr)
	}
	log.Info("stopped")
	return err
}
