package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/softcane/vsf-optimizer/internal/config"
	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the optimization loop",
	Long: `Run starts the optimizer in controller mode.

The optimizer will:
1. Register the configured probes with the router
2. Collect a farm snapshot every cycle interval
3. Evaluate the policies and execute the resulting actions
4. Append every cycle summary to the report file

Use --dry-run to plan actions without affecting the farm.`,
	RunE: runOptimizer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOptimizer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting VSF optimizer",
		"dry_run", IsDryRun(),
		"version", "0.1.0",
	)

	// 1. Load Configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateSyntheticTransportPolicy(IsDryRun(), cfg); err != nil {
		return err
	}

	// 2. Open the cycle report
	reporter, closeReport, err := openReporter(cfg.Report)
	if err != nil {
		return err
	}
	defer closeReport()

	// 3. Wire router, aggregator and controller
	s, err := buildStack(cfg, stackOptions{Reporter: reporter, Logger: slog.Default()})
	if err != nil {
		return err
	}

	slog.Info("optimizer ready, starting optimization loop...",
		"probes", len(s.router.Probes()),
		"policies", len(s.controller.Policies()),
		"interval", s.cfg.Controller.CycleInterval(),
	)

	// 4. Start Metrics Server (Non-blocking)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting metrics server", "address", cfg.MetricsServer.Address)
		if err := http.ListenAndServe(cfg.MetricsServer.Address, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	// 5. Start the Controller
	if err := s.controller.Start(ctx, cfg.Controller.CycleInterval(), IsDryRun()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("controller failure: %w", err)
	}

	slog.Info("optimizer stopped")
	return nil
}

// openReporter opens the report sink. A nil Reporter is returned when
// reporting is disabled so the controller skips it.
func openReporter(cfg config.ReportConfig) (controller.Reporter, func(), error) {
	if cfg.Path == "" {
		return nil, func() {}, nil
	}
	key := os.Getenv(cfg.SecretKeyEnv)
	if key == "" {
		slog.Warn("report signing disabled", "env", cfg.SecretKeyEnv)
	}
	w, err := report.Open(cfg.Path, report.Config{SecretKey: key, FarmID: cfg.FarmID}, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open report: %w", err)
	}
	return w, func() {
		if err := w.Close(); err != nil {
			slog.Warn("failed to close report", "error", err)
		}
	}, nil
}
