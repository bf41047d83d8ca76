package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/orchestrator"
	"github.com/marcus/greenloop/internal/reporting"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job history",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("output")

		store, closeDB, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		snaps, err := store.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJobList(cmd.OutOrStdout(), snaps, format)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		store, closeDB, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		snap, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("job %s: %w", args[0], err)
		}
		return printJob(cmd.OutOrStdout(), snap, format)
	},
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		store, closeDB, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d job(s)\n", n)
		return nil
	},
}

func init() {
	jobsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age of finished jobs to delete")
	jobsListCmd.Flags().IntP("limit", "n", 20, "Maximum jobs to list")
	jobsListCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	jobsShowCmd.Flags().StringP("output", "o", "text", "Output format: text, markdown, json or yaml")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openStore(cmd *cobra.Command) (*jobs.Store, func(), error) {
	cfg, err := loadConfig(cmd, "")
	if err != nil {
		return nil, nil, err
	}
	database, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return jobs.NewStore(database), func() { _ = database.Close() }, nil
}

func printJobList(out io.Writer, snaps []jobs.Snapshot, format string) error {
	switch format {
	case "json", "yaml":
		if snaps == nil {
			snaps = []jobs.Snapshot{}
		}
		return encode(out, snaps, format)
	case "", "table":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tOUTCOME\tITERS\tCREATED\tGOAL")
	for _, s := range snaps {
		outcome, iters := "-", "-"
		if s.Result != nil {
			outcome = string(s.Result.Status)
			iters = fmt.Sprintf("%d", s.Result.Iterations)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Status,
			outcome,
			iters,
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
			clip(s.Goal, 50),
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d job(s)\n", len(snaps))
	return nil
}

func printJob(out io.Writer, snap jobs.Snapshot, format string) error {
	switch format {
	case "json", "yaml":
		return encode(out, snap, format)
	case "markdown", "md":
		report, err := reporting.RenderJobReport(snap)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, report)
		return err
	case "", "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	_, _ = fmt.Fprintf(out, "Job:        %s\n", snap.ID)
	_, _ = fmt.Fprintf(out, "Goal:       %s\n", snap.Goal)
	_, _ = fmt.Fprintf(out, "Workspace:  %s\n", snap.Workspace)
	_, _ = fmt.Fprintf(out, "Status:     %s\n", snap.Status)
	_, _ = fmt.Fprintf(out, "Created:    %s\n", snap.CreatedAt.Local().Format(time.RFC3339))
	if snap.FinishedAt != nil && snap.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "Duration:   %s\n", snap.FinishedAt.Sub(*snap.StartedAt).Round(time.Millisecond))
	}
	if r := snap.Result; r != nil {
		_, _ = fmt.Fprintf(out, "Outcome:    %s (%d iteration(s), %d repair(s))\n", r.Status, r.Iterations, r.Repairs)
		if r.Error != "" {
			_, _ = fmt.Fprintf(out, "Error:      %s\n", r.Error)
		}
	}

	_, _ = fmt.Fprintf(out, "\nEvents (%d):\n", len(snap.Events))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range snap.Events {
		_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", e.Seq, e.Time.Local().Format("15:04:05"), e.Kind, eventLabel(e))
	}
	return w.Flush()
}

func eventLabel(e orchestrator.Event) string {
	msg := e.Message
	if e.Iteration > 0 {
		prefix := fmt.Sprintf("[%d] ", e.Iteration)
		if e.Repair {
			prefix = fmt.Sprintf("[%d repair] ", e.Iteration)
		}
		msg = prefix + msg
	}
	return clip(msg, 100)
}

// encode writes v as indented JSON or YAML. YAML goes through JSON first so
// both formats share the json field names.
func encode(out io.Writer, v any, format string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// clip shortens s to its first line and at most n runes.
func clip(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
