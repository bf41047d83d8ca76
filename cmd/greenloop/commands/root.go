// Package commands implements the greenloop CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/db"
	"github.com/marcus/greenloop/internal/logging"
)

var (
	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "greenloop",
	Short: "Autonomous test-driven code repair",
	Long: `Greenloop plans a change, retrieves relevant code, proposes a patch,
applies it and runs the tests, repairing once per iteration until the
build is green or the iteration budget runs out.

Run a single repair with "greenloop run", or start the HTTP API and
scheduler with "greenloop serve".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.config/greenloop/config.yaml and ./greenloop.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
}

// loadConfig reads --config when given, otherwise the global config merged
// with projectDir/greenloop.yaml. An empty projectDir means the current
// directory.
func loadConfig(cmd *cobra.Command, projectDir string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case projectDir != "":
		cfg, err = config.LoadFromPaths(projectDir, config.GlobalConfigPath())
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initLogging configures the global logger. Interactive commands pass a
// console sink so log lines do not interleave with rendered output.
func initLogging(cmd *cobra.Command, cfg *config.Config, console io.Writer) error {
	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logging.Init(logging.Config{
		Level:         level,
		Path:          cfg.Logging.Path,
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
		Output:        console,
	})
}

func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return database, nil
}
