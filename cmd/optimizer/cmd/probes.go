package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

var pingProbes bool

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List registered probes and their health",
	Long: `Probes lists the configured probes. With --ping every probe is sent
its read-only metrics tool first, so the health column reflects the farm now.

Example:
  optimizer probes --config farm.yaml --ping`,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)

	probesCmd.Flags().BoolVar(&pingProbes, "ping", false,
		"Call every probe once before printing health")
}

func runProbes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg, stackOptions{Logger: slog.Default()})
	if err != nil {
		return err
	}

	if pingProbes {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if _, err := s.aggregator.CollectAll(ctx, true); err != nil {
			return fmt.Errorf("failed to ping probes: %w", err)
		}
	}

	statuses := s.router.Statuses()
	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return outputJSON(out, statuses)
	}
	outputProbeTable(out, statuses)
	return nil
}

func outputProbeTable(w io.Writer, statuses []probe.Status) {
	fmt.Fprintf(w, "%-16s %-8s %-11s %-20s %-12s %s\n",
		"PROBE", "TYPE", "TRANSPORT", "HOSTNAME", "HEALTH", "LAST ERROR")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------")

	for _, st := range statuses {
		hostname := st.Probe.Hostname
		if hostname == "" {
			hostname = "-"
		}
		lastErr := st.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%-16s %-8s %-11s %-20s %-12s %s\n",
			st.Probe.ID, st.Probe.Type, st.Probe.Transport, hostname, st.Health, lastErr)
	}
}
