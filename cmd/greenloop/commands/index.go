package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/greenloop/internal/symindex"
)

var indexCmd = &cobra.Command{
	Use:   "index [workspace]",
	Short: "Build or query a workspace's symbol index",
	Long: `Rebuild the symbol index of a workspace (default: current directory).

With --query, search the existing index instead of rebuilding it.
With --watch, rebuild whenever a source file changes until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		ws, err := resolveWorkspace(path)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd, ws)
		if err != nil {
			return err
		}
		if err := initLogging(cmd, cfg, io.Discard); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}

		query, _ := cmd.Flags().GetString("query")
		k, _ := cmd.Flags().GetInt("k")
		watch, _ := cmd.Flags().GetBool("watch")

		idx := symindex.New(ws, cfg.Index)
		out := cmd.OutOrStdout()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if query != "" {
			if k <= 0 {
				k = cfg.Run.RetrieveK
			}
			return queryIndex(ctx, out, idx, query, k)
		}

		start := time.Now()
		n, err := idx.Build(ctx)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		fmt.Fprintf(out, "Indexed %d symbols in %s -> %s\n", n, time.Since(start).Round(time.Millisecond), idx.Path())

		if !watch {
			return nil
		}
		w, err := symindex.NewWatcher(idx, symindex.DefaultDebounce)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		fmt.Fprintln(out, "Watching for changes (Ctrl+C to stop)...")
		err = w.Run(ctx, func(count int, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
				return
			}
			fmt.Fprintf(out, "Reindexed %d symbols\n", count)
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().StringP("query", "q", "", "Search the index instead of rebuilding it")
	indexCmd.Flags().IntP("k", "k", 0, "Maximum results for --query (default from config)")
	indexCmd.Flags().Bool("watch", false, "Rebuild on file changes")
	rootCmd.AddCommand(indexCmd)
}

func queryIndex(ctx context.Context, out io.Writer, idx *symindex.Index, query string, k int) error {
	hits, err := idx.Query(ctx, query, k)
	if err != nil {
		return fmt.Errorf("query index: %w", err)
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "%s:%d-%d  %s %s\n", h.Path, h.Start, h.End, h.Kind, h.Name)
	}
	return nil
}
