// Package cmd provides the CLI commands for the VSF optimizer.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun       bool
	verbose      bool
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "optimizer",
	Short: "VSF optimizer - closed-loop power and capacity optimization",
	Long: `The VSF optimizer queries the probe agents of the Virtual Server Farm,
evaluates declarative policies against the aggregated snapshot and applies
consolidation, scale-down and CPU governor actions through the probes.

Actions are planned but never applied unless --dry-run=false is given.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutputFormat(); err != nil {
			return err
		}
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", true,
		"Plan actions without executing them (default: true, set --dry-run=false to act on the farm)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to configuration file (default: built-in defaults with no probes)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format: table, json")
}

// setupLogging configures structured JSON logging using slog. Logs go to
// stderr so command output on stdout stays machine readable.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if dryRun {
		slog.Debug(
			"dry-run mode enabled",
			"action", "action tools are not invoked; read-only probe tools still run",
		)
	}

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}
