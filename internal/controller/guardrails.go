package controller

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// GuardrailConfig bounds how much capacity one cycle may remove. Zero values
// disable the corresponding guardrail.
type GuardrailConfig struct {
	// MaxDrainFraction caps the share of active nodes drained or cordoned
	// in one cycle, e.g. 0.5.
	MaxDrainFraction float64

	// MinActiveNodes is the number of nodes that must stay schedulable.
	MinActiveNodes int

	// HighUtilizationPercent blocks node removal while the average CPU of
	// the snapshot is above it. The remaining nodes would not absorb the load.
	HighUtilizationPercent float64
}

// GuardrailResult contains the result of guardrail checks.
type GuardrailResult struct {
	Approved      bool
	Reason        string
	GuardrailName string
}

// GuardrailChecker applies GuardrailConfig to the actions of one cycle. It
// tracks the nodes already removed so the limits hold across the whole plan.
type GuardrailChecker struct {
	cfg     GuardrailConfig
	logger  *slog.Logger
	active  int
	avgCPU  float64
	removed map[string]bool
	// unnamed counts removals admitted without a node name, from a
	// consolidation that picks its own nodes.
	unnamed int
}

// NewGuardrailChecker creates a checker for one cycle based on the snapshot
// the plan was derived from.
func NewGuardrailChecker(cfg GuardrailConfig, snap *aggregator.Snapshot, logger *slog.Logger) *GuardrailChecker {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GuardrailChecker{
		cfg:     cfg,
		logger:  logger,
		removed: make(map[string]bool),
	}
	if snap != nil {
		g.active = snap.ActiveNodes()
		g.avgCPU = snap.AvgCPUPercent
	}
	return g
}

// removesNode reports whether a takes a node out of service, and which.
func removesNode(a policy.Action) (string, bool) {
	switch a.Tool {
	case policy.ToolDrainNode:
		return a.Node(), true
	case policy.ToolSetNodeSchedulable:
		if schedulable, ok := probe.Bool(a.Params, "schedulable"); ok && !schedulable {
			return a.Node(), true
		}
	}
	return "", false
}

// Check approves or blocks a. Approved removals are counted against the
// cycle's limits.
func (g *GuardrailChecker) Check(a policy.Action) GuardrailResult {
	_, result := g.Admit(a)
	return result
}

// Admit is Check for actions that may be narrowed rather than blocked. A
// consolidation removing several nodes keeps the nodes that fit within the
// limits; the returned action carries the reduced parameters.
func (g *GuardrailChecker) Admit(a policy.Action) (policy.Action, GuardrailResult) {
	if a.Tool == policy.ToolConsolidateWorkloads {
		return g.admitConsolidation(a)
	}
	node, removes := removesNode(a)
	if !removes || g.removed[node] {
		return a, GuardrailResult{Approved: true}
	}
	if result := g.checkRemoval(); !result.Approved {
		return a, g.block(a, result)
	}
	g.removed[node] = true
	return a, GuardrailResult{Approved: true}
}

func (g *GuardrailChecker) admitConsolidation(a policy.Action) (policy.Action, GuardrailResult) {
	if _, named := a.Params["nodes"]; named {
		nodes, _ := probe.Strings(a.Params, "nodes")
		admitted := make([]string, 0, len(nodes))
		var denied GuardrailResult
		for _, n := range nodes {
			if !g.removed[n] {
				if denied = g.checkRemoval(); !denied.Approved {
					break
				}
				g.removed[n] = true
			}
			admitted = append(admitted, n)
		}
		if len(admitted) == len(nodes) {
			return a, GuardrailResult{Approved: true}
		}
		if len(admitted) == 0 {
			return a, g.block(a, denied)
		}
		g.narrowed(a, len(nodes), len(admitted), denied)
		return withParam(a, "nodes", admitted), GuardrailResult{Approved: true}
	}

	target, _ := probe.Int(a.Params, "target_node_count")
	want := g.active - target
	admitted := 0
	var denied GuardrailResult
	for admitted < want {
		if denied = g.checkRemoval(); !denied.Approved {
			break
		}
		g.unnamed++
		admitted++
	}
	if admitted >= want {
		return a, GuardrailResult{Approved: true}
	}
	if admitted == 0 {
		return a, g.block(a, denied)
	}
	g.narrowed(a, want, admitted, denied)
	return withParam(a, "target_node_count", g.active-admitted), GuardrailResult{Approved: true}
}

// checkRemoval runs the removal guardrails for one more node.
func (g *GuardrailChecker) checkRemoval() GuardrailResult {
	if result := g.checkHighUtilization(); !result.Approved {
		return result
	}
	if result := g.checkClusterFraction(); !result.Approved {
		return result
	}
	return g.checkMinActive()
}

func (g *GuardrailChecker) removedCount() int {
	return len(g.removed) + g.unnamed
}

func withParam(a policy.Action, key string, value any) policy.Action {
	a.Params = maps.Clone(a.Params)
	a.Params[key] = value
	return a
}

func (g *GuardrailChecker) narrowed(a policy.Action, want, admitted int, denied GuardrailResult) {
	g.logger.Warn("consolidation narrowed by guardrails",
		"policy", a.Policy,
		"requested", want,
		"admitted", admitted,
		"guardrail", denied.GuardrailName,
		"reason", denied.Reason,
	)
}

func (g *GuardrailChecker) block(a policy.Action, result GuardrailResult) GuardrailResult {
	g.logger.Warn("action blocked by guardrails",
		"policy", a.Policy,
		"tool", a.Tool,
		"node", a.Node(),
		"guardrail", result.GuardrailName,
		"reason", result.Reason,
	)
	return result
}

// checkClusterFraction blocks a removal that would push the drained share of
// the farm over the limit.
func (g *GuardrailChecker) checkClusterFraction() GuardrailResult {
	if g.cfg.MaxDrainFraction <= 0 {
		return GuardrailResult{Approved: true, GuardrailName: "cluster_fraction"}
	}
	if g.active == 0 {
		return GuardrailResult{
			Approved:      false,
			Reason:        "no active nodes reported",
			GuardrailName: "cluster_fraction",
		}
	}
	fraction := float64(g.removedCount()+1) / float64(g.active)
	if fraction > g.cfg.MaxDrainFraction {
		return GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("cycle would remove %.1f%% of active nodes (limit: %.1f%%)", fraction*100, g.cfg.MaxDrainFraction*100),
			GuardrailName: "cluster_fraction",
		}
	}
	return GuardrailResult{Approved: true, GuardrailName: "cluster_fraction"}
}

func (g *GuardrailChecker) checkMinActive() GuardrailResult {
	if g.cfg.MinActiveNodes <= 0 {
		return GuardrailResult{Approved: true, GuardrailName: "min_active_nodes"}
	}
	remaining := g.active - g.removedCount() - 1
	if remaining < g.cfg.MinActiveNodes {
		return GuardrailResult{
			Approved:      false,
			Reason:        fmt.Sprintf("would leave %d active nodes (minimum: %d)", remaining, g.cfg.MinActiveNodes),
			GuardrailName: "min_active_nodes",
		}
	}
	return GuardrailResult{Approved: true, GuardrailName: "min_active_nodes"}
}

func (g *GuardrailChecker) checkHighUtilization() GuardrailResult {
	if g.cfg.HighUtilizationPercent <= 0 || g.avgCPU <= g.cfg.HighUtilizationPercent {
		return GuardrailResult{Approved: true, GuardrailName: "high_utilization"}
	}
	return GuardrailResult{
		Approved:      false,
		Reason:        fmt.Sprintf("average CPU %.1f%% above %.1f%%", g.avgCPU, g.cfg.HighUtilizationPercent),
		GuardrailName: "high_utilization",
	}
}
