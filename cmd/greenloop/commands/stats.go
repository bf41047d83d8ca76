package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/greenloop/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(cmd, "")
		if err != nil {
			return err
		}
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		result, err := stats.New(database).Compute(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		printStats(cmd.OutOrStdout(), result)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statsCmd)
}

func printStats(out io.Writer, r *stats.StatsResult) {
	if r.TotalJobs == 0 {
		_, _ = fmt.Fprintln(out, "No jobs recorded.")
		return
	}

	_, _ = fmt.Fprintln(out, "Jobs")
	_, _ = fmt.Fprintf(out, "  Total:        %d (%d in the last 7 days)\n", r.TotalJobs, r.JobsLast7Days)
	if r.FirstJobAt != nil && r.LastJobAt != nil {
		_, _ = fmt.Fprintf(out, "  Range:        %s to %s\n",
			r.FirstJobAt.Local().Format("2006-01-02"), r.LastJobAt.Local().Format("2006-01-02"))
	}
	_, _ = fmt.Fprintf(out, "  Green:        %d (%.1f%% success)\n", r.Green, r.SuccessRate)
	_, _ = fmt.Fprintf(out, "  Exhausted:    %d\n", r.Exhausted)
	_, _ = fmt.Fprintf(out, "  Errored:      %d\n", r.Errored)
	_, _ = fmt.Fprintf(out, "  Cancelled:    %d\n", r.Cancelled)
	_, _ = fmt.Fprintf(out, "  Committed:    %d\n", r.Committed)
	_, _ = fmt.Fprintf(out, "  Iterations:   %.1f avg, %.1f repairs avg\n", r.AvgIterations, r.AvgRepairs)
	_, _ = fmt.Fprintf(out, "  Duration:     %s avg, %s total\n", r.AvgDuration, r.TotalDuration)

	if len(r.Workspaces) > 0 {
		_, _ = fmt.Fprintln(out, "\nWorkspaces")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  PATH\tJOBS\tGREEN")
		for _, ws := range r.Workspaces {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%d\n", ws.Path, ws.Jobs, ws.Green)
		}
		_ = w.Flush()
	}

	if len(r.Schedules) > 0 {
		_, _ = fmt.Fprintln(out, "\nSchedules")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  NAME\tRUNS\tLAST FIRED")
		for _, s := range r.Schedules {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%s\n", s.Name, s.Runs, s.LastFired.Local().Format(time.DateTime))
		}
		_ = w.Flush()
	}
}
