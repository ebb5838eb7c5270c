package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/vsf-optimizer/internal/controller"
)

var (
	revertAfter bool
	holdFor     time.Duration
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single optimization cycle",
	Long: `Cycle collects one snapshot, evaluates the policies, executes the
resulting actions and prints the cycle summary.

With --revert the actions of a live cycle are rolled back after --hold,
which leaves the farm as it was once a measurement window is over.

Example:
  optimizer cycle --config farm.yaml
  optimizer cycle --config farm.yaml --dry-run=false --revert --hold 10m -o json`,
	RunE: runSingleCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)

	cycleCmd.Flags().BoolVar(&revertAfter, "revert", false,
		"Roll back the actions of the cycle after --hold")
	cycleCmd.Flags().DurationVar(&holdFor, "hold", 0,
		"How long to keep the optimized state before --revert")
}

func runSingleCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateSyntheticTransportPolicy(IsDryRun(), cfg); err != nil {
		return err
	}
	reporter, closeReport, err := openReporter(cfg.Report)
	if err != nil {
		return err
	}
	defer closeReport()

	s, err := buildStack(cfg, stackOptions{Reporter: reporter, Logger: slog.Default()})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cycle := s.controller.RunCycle(ctx, IsDryRun())
	if err := printCycle(out, controller.Summarize(cycle)); err != nil {
		return err
	}

	if revertAfter && !cycle.DryRun && len(cycle.Actions) > 0 {
		if holdFor > 0 {
			slog.Info("holding optimized state before revert", "cycle_id", cycle.ID, "hold", holdFor)
			select {
			case <-time.After(holdFor):
			case <-ctx.Done():
				// Revert anyway: an interrupted hold must not leave nodes cordoned.
			}
		}
		rb, err := s.controller.Rollback(context.WithoutCancel(ctx), cycle.ID, false)
		if err != nil {
			return fmt.Errorf("failed to roll back cycle %s: %w", cycle.ID, err)
		}
		if err := printCycle(out, controller.Summarize(rb)); err != nil {
			return err
		}
	}

	if cycle.State == controller.StateFailed {
		return fmt.Errorf("cycle %s failed: %s", cycle.ID, cycle.Error)
	}
	return nil
}

func printCycle(w io.Writer, s controller.CycleSummary) error {
	if outputFormat == "json" {
		return outputJSON(w, s)
	}
	_, err := fmt.Fprint(w, s.String())
	return err
}
