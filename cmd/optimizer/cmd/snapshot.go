package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
)

var withDistribution bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Collect and print a farm snapshot",
	Long: `Snapshot queries every registered probe once and prints the per-node
readings together with the farm aggregates.

Example:
  optimizer snapshot --config farm.yaml
  optimizer snapshot --config farm.yaml --distribution -o json`,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().BoolVar(&withDistribution, "distribution", false,
		"Also query the workload distribution from the cluster probe")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(cfg, stackOptions{Logger: slog.Default()})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	snap, err := s.aggregator.CollectAll(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to collect snapshot: %w", err)
	}

	var dist map[string]any
	if withDistribution {
		dist, err = s.aggregator.WorkloadDistribution(ctx)
		if err != nil {
			return fmt.Errorf("failed to get workload distribution: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return outputJSON(out, struct {
			Snapshot     *aggregator.Snapshot `json:"snapshot"`
			Summary      aggregator.Summary   `json:"summary"`
			Distribution map[string]any       `json:"distribution,omitempty"`
		}{snap, snap.Summarize(), dist})
	}
	outputSnapshotTable(out, snap)
	if dist != nil {
		return outputJSON(out, dist)
	}
	return nil
}

func outputSnapshotTable(w io.Writer, snap *aggregator.Snapshot) {
	fmt.Fprintf(w, "%-16s %-20s %-6s %-8s %-8s %-10s %-6s\n",
		"PROBE", "NODE", "TYPE", "CPU%", "MEM%", "POWER(W)", "PODS")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------")

	for _, n := range snap.Nodes {
		if !n.Responding() {
			fmt.Fprintf(w, "%-16s %-20s %-6s %s\n", n.ProbeID, n.NodeName, n.Type, "error: "+n.Error)
			continue
		}
		power := "-"
		if n.HasPower {
			power = fmt.Sprintf("%.1f", n.PowerWatts)
		}
		pods := "-"
		if n.HasPods {
			pods = fmt.Sprintf("%d", n.PodCount)
		}
		fmt.Fprintf(w, "%-16s %-20s %-6s %-8.1f %-8.1f %-10s %-6s\n",
			n.ProbeID, n.NodeName, n.Type, n.CPUPercent, n.MemoryPercent, power, pods)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, snap.Summarize().String())
}
