// Package harness drives scripted scenarios through the optimization
// controller end to end and checks the planned actions and outcomes.
//
// Every scenario gets its own router, snapshot source and controller, so
// scenarios never share state.
package harness

import (
	"fmt"
	"time"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// DefaultTimeout bounds one scenario run.
const DefaultTimeout = 30 * time.Second

// Scenario is one closed-loop test case.
//
// The farm is either an injected Snapshot or a set of Probes answering from
// Responses. With an injected snapshot the probes are derived from it, plus a
// cluster probe, so live actions still resolve their targets.
type Scenario struct {
	Name        string
	Description string

	Snapshot  *aggregator.Snapshot
	Probes    []probe.Probe
	Responses []Response

	Policies []policy.Policy
	DryRun   bool

	// ExpectedActions is the exact ordered action list. Empty Target and
	// absent Params keys are not compared.
	ExpectedActions []ExpectedAction

	// ExpectedState defaults to COMPLETED.
	ExpectedState controller.State

	Checks  []Check
	Timeout time.Duration
}

// Response scripts one tool of one probe. An empty ProbeID answers for
// every probe; a non-empty Error fails the call at the transport.
type Response struct {
	ProbeID string
	Tool    string
	Payload map[string]any
	Error   string
}

// ExpectedAction is the part of a planned action a scenario asserts on.
type ExpectedAction struct {
	Tool   string         `json:"tool"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func (e ExpectedAction) String() string {
	if len(e.Params) == 0 {
		return fmt.Sprintf("%s -> %s", e.Tool, e.Target)
	}
	return fmt.Sprintf("%s -> %s %v", e.Tool, e.Target, e.Params)
}

// CheckType names a validation check.
type CheckType string

const (
	// CheckActionCount compares the number of actions with Expected.
	CheckActionCount CheckType = "action_count"
	// CheckMetricChange compares Metric before and after the cycle.
	CheckMetricChange CheckType = "metric_change"
	// CheckProbeHealth requires every probe to be healthy after the cycle.
	CheckProbeHealth CheckType = "probe_health"
)

// Direction is the expected movement of a metric.
type Direction string

const (
	Decrease  Direction = "decrease"
	Increase  Direction = "increase"
	Unchanged Direction = "unchanged"
)

// Check is one validation run after the cycle.
type Check struct {
	Type      CheckType
	Expected  int
	Metric    string
	Direction Direction
}

// CheckResult is the outcome of a Check.
type CheckResult struct {
	Type    CheckType `json:"type"`
	Passed  bool      `json:"passed"`
	Message string    `json:"message"`
}

// Result is the outcome of one scenario.
type Result struct {
	Name      string                   `json:"name"`
	Passed    bool                     `json:"passed"`
	State     controller.State         `json:"state"`
	Triggered []string                 `json:"triggered"`
	Actions   []ExpectedAction         `json:"actions"`
	Diff      string                   `json:"diff,omitempty"`
	Checks    []CheckResult            `json:"checks,omitempty"`
	Error     string                   `json:"error,omitempty"`
	StartedAt time.Time                `json:"started_at"`
	EndedAt   time.Time                `json:"ended_at"`
	Summary   *controller.CycleSummary `json:"summary,omitempty"`
}

// Duration returns how long the scenario ran.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Report aggregates the results of RunAll.
type Report struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	PassRate float64  `json:"pass_rate"`
	Results  []Result `json:"results"`
}

// SyntheticSnapshot fabricates a farm of n node probes vm-01..vm-NN on
// nodes worker-vm-NN, all with the same load, and a matching cluster state.
func SyntheticSnapshot(n int, cpu, memory, powerPerNode float64) *aggregator.Snapshot {
	nodes := make([]aggregator.NodeReading, n)
	for i := range nodes {
		id := fmt.Sprintf("vm-%02d", i+1)
		nodes[i] = aggregator.NodeReading{
			ProbeID:       id,
			Hostname:      "worker-" + id,
			NodeName:      "worker-" + id,
			Type:          probe.TypeNode,
			CPUPercent:    cpu,
			MemoryPercent: memory,
			PowerWatts:    powerPerNode,
			HasPower:      powerPerNode > 0,
		}
	}
	cluster := &aggregator.ClusterState{
		TotalNodes:       n,
		ReadyNodes:       n,
		SchedulableNodes: n,
		TotalPods:        4 * n,
		RunningPods:      4 * n,
	}
	return aggregator.Build(time.Now(), aggregator.DefaultTTL, nodes, cluster, true)
}
