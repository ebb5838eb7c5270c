package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/vsf-optimizer/internal/harness"
)

var (
	scenarioNames []string
	listScenarios bool
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "Run the standard scenarios against a simulated farm",
	Long: `Scenarios drives the built-in scenarios through a fresh controller
each, backed by scripted probes, and reports which behaved as expected.
No real probe is contacted.

Example:
  optimizer scenarios
  optimizer scenarios --name consolidation_dry_run --name no_data -o json`,
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)

	scenariosCmd.Flags().StringSliceVar(&scenarioNames, "name", nil,
		"Run only the named scenarios (repeatable)")
	scenariosCmd.Flags().BoolVar(&listScenarios, "list", false,
		"List the scenarios without running them")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	scenarios, err := selectScenarios(harness.StandardScenarios(), scenarioNames)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if listScenarios {
		for _, sc := range scenarios {
			fmt.Fprintf(out, "%-24s %s\n", sc.Name, sc.Description)
		}
		return nil
	}

	rep := harness.NewRunner(slog.Default()).RunAll(cmd.Context(), scenarios)
	if outputFormat == "json" {
		if err := outputJSON(out, rep); err != nil {
			return err
		}
	} else {
		outputScenarioTable(out, rep)
	}

	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", rep.Failed, rep.Total)
	}
	return nil
}

func selectScenarios(all []harness.Scenario, names []string) ([]harness.Scenario, error) {
	if len(names) == 0 {
		return all, nil
	}
	var out []harness.Scenario
	for _, name := range names {
		i := slices.IndexFunc(all, func(sc harness.Scenario) bool { return sc.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, all[i])
	}
	return out, nil
}

func outputScenarioTable(w io.Writer, rep harness.Report) {
	fmt.Fprintf(w, "%-24s %-6s %-10s %-10s %s\n", "SCENARIO", "RESULT", "STATE", "DURATION", "DETAILS")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------")

	for _, r := range rep.Results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		var details []string
		if r.Error != "" {
			details = append(details, r.Error)
		}
		for _, c := range r.Checks {
			if !c.Passed {
				details = append(details, c.Message)
			}
		}
		if r.Diff != "" {
			details = append(details, "actions differ")
		}
		fmt.Fprintf(w, "%-24s %-6s %-10s %-10s %s\n",
			r.Name, result, r.State, r.Duration().Round(time.Microsecond), strings.Join(details, "; "))
		if r.Diff != "" {
			fmt.Fprintln(w, r.Diff)
		}
	}

	fmt.Fprintf(w, "\n%d/%d passed (%.0f%%)\n", rep.Passed, rep.Total, rep.PassRate*100)
}
