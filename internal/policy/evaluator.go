package policy

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/metrics"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Tools the evaluator plans.
const (
	ToolConsolidateWorkloads = "consolidate_workloads"
	ToolDrainNode            = "drain_node"
	ToolSetNodeSchedulable   = "set_node_schedulable"
	ToolSetGovernor          = "set_governor"
	ToolSetPowerCap          = "set_power_cap"
)

// Action targets that are not probe ids.
const (
	// TargetCluster is resolved to the first cluster probe at execution.
	TargetCluster = "cluster"
	// TargetBroadcast sends the tool to every probe of Action.ProbeType.
	TargetBroadcast = "broadcast"
)

// Action is one planned tool call.
type Action struct {
	Policy     string         `json:"policy"`
	PolicyType Type           `json:"policy_type"`
	Priority   int            `json:"priority"`
	Target     string         `json:"target"`
	ProbeType  probe.Type     `json:"probe_type,omitempty"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	DryRun     bool           `json:"dry_run"`
	Reason     string         `json:"reason,omitempty"`
}

// Node returns the node_name parameter, if any.
func (a Action) Node() string {
	s, _ := probe.String(a.Params, "node_name")
	return s
}

func (a Action) String() string {
	var b strings.Builder
	b.WriteString(a.Tool)
	b.WriteString("@")
	b.WriteString(a.Target)
	if a.ProbeType != "" {
		b.WriteString("/" + string(a.ProbeType))
	}
	if len(a.Params) > 0 {
		keys := slices.Sorted(maps.Keys(a.Params))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, a.Params[k])
		}
		b.WriteString("{" + strings.Join(parts, ",") + "}")
	}
	return b.String()
}

// Trigger is a policy whose conditions held, with the actions it implies.
type Trigger struct {
	Policy  string   `json:"policy"`
	Type    Type     `json:"type"`
	Reason  string   `json:"reason"`
	Actions []Action `json:"actions"`
}

// Evaluation is the ordered outcome of evaluating policies on one snapshot.
type Evaluation struct {
	Triggered []Trigger `json:"triggered"`
	// Actions is the flattened plan in execution order.
	Actions []Action `json:"actions"`
	// Conflicts describes triggered policies whose actions contradict each
	// other. They still run in priority order.
	Conflicts []string `json:"conflicts,omitempty"`
}

// PolicyNames lists the triggered policies in execution order.
func (e Evaluation) PolicyNames() []string {
	out := make([]string, len(e.Triggered))
	for i, t := range e.Triggered {
		out[i] = t.Policy
	}
	return out
}

// Evaluator maps a snapshot to triggered policies. It is stateless apart
// from its logger and safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate checks every enabled policy against snap. Policies are taken in
// ascending priority; equal priorities keep their order in policies. The
// result depends only on its inputs.
func (e *Evaluator) Evaluate(snap *aggregator.Snapshot, policies []Policy) Evaluation {
	var ev Evaluation
	if snap == nil {
		return ev
	}

	ordered := slices.Clone(policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	values := snap.Metrics()
	for i := range ordered {
		p := &ordered[i]
		if !p.Enabled() {
			continue
		}
		reason, ok := e.triggers(p, values)
		if !ok {
			continue
		}

		actions := plan(p, snap)
		for k := range actions {
			actions[k].Reason = reason
		}
		ev.Triggered = append(ev.Triggered, Trigger{
			Policy:  p.Name,
			Type:    p.Type,
			Reason:  reason,
			Actions: actions,
		})
		ev.Actions = append(ev.Actions, actions...)
		metrics.PoliciesTriggered.WithLabelValues(p.Name, string(p.Type)).Inc()

		e.logger.Info("policy triggered",
			"policy", p.Name,
			"type", p.Type,
			"priority", p.Priority,
			"actions", len(actions),
			"reason", reason,
		)
	}

	ev.Conflicts = conflicts(ev.Triggered)
	for _, c := range ev.Conflicts {
		e.logger.Warn("conflicting policies triggered in the same cycle; applying in priority order", "conflict", c)
	}
	return ev
}

// triggers reports whether p holds against values and describes why.
func (e *Evaluator) triggers(p *Policy, values map[string]float64) (string, bool) {
	conds := p.AllConditions()
	parts := make([]string, 0, len(conds)+1)
	for _, c := range conds {
		if !c.Holds(values) {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%s=%g %s %g", c.Metric, values[c.Metric], c.Op, c.Value))
	}

	if p.Expression != "" {
		ok, err := p.evalExpression(values)
		if err != nil {
			e.logger.Warn("policy expression failed; treating as not triggered",
				"policy", p.Name,
				"expression", p.Expression,
				"error", err,
			)
			return "", false
		}
		if !ok {
			return "", false
		}
		parts = append(parts, p.Expression)
	}
	return strings.Join(parts, " && "), true
}

func (p *Policy) evalExpression(values map[string]float64) (bool, error) {
	if p.expr == nil {
		if err := p.Validate(); err != nil {
			return false, err
		}
	}
	params := make(map[string]interface{}, len(values))
	for k, v := range values {
		params[k] = v
	}
	out, err := p.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

// plan expands a triggered policy into its actions.
func plan(p *Policy, snap *aggregator.Snapshot) []Action {
	base := Action{
		Policy:     p.Name,
		PolicyType: p.Type,
		Priority:   p.Priority,
	}
	base.DryRun, _ = probe.Bool(p.Parameters, "dry_run")

	newAction := func(target string, pt probe.Type, tool string, params map[string]any) Action {
		a := base
		a.Target = target
		a.ProbeType = pt
		a.Tool = tool
		a.Params = params
		return a
	}

	var out []Action
	switch p.Type {
	case TypeConsolidate:
		target, _ := probe.Int(p.Parameters, "target_nodes")
		freed := drainCandidates(p, snap, snap.ActiveNodes()-target)
		// The cluster probe drains exactly the nodes named here, so the
		// follow-up drains and the guardrails see the same selection.
		nodes := make([]string, 0, len(freed))
		for _, n := range freed {
			nodes = append(nodes, n.NodeName)
		}
		params := map[string]any{"target_node_count": target, "nodes": nodes}
		if exclude, _ := probe.Strings(p.Parameters, "exclude_nodes"); len(exclude) > 0 {
			params["exclude_nodes"] = exclude
		}
		if g, ok := probe.Int(p.Parameters, "grace_period_seconds"); ok {
			params["grace_period_seconds"] = g
		}
		out = append(out, newAction(TargetCluster, probe.TypeCluster, ToolConsolidateWorkloads, params))
		for _, n := range freed {
			out = append(out, newAction(TargetCluster, probe.TypeCluster, ToolDrainNode, drainParams(p, n)))
		}

	case TypeScaleDown:
		for _, n := range drainCandidates(p, snap, scaleDownCount(p, snap)) {
			out = append(out,
				newAction(TargetCluster, probe.TypeCluster, ToolDrainNode, drainParams(p, n)),
				newAction(TargetCluster, probe.TypeCluster, ToolSetNodeSchedulable,
					map[string]any{"node_name": n.NodeName, "schedulable": false}),
			)
		}

	case TypePowerSave, TypePerformance:
		gov := "powersave"
		if p.Type == TypePerformance {
			gov = "performance"
		}
		if g, ok := probe.String(p.Parameters, "governor"); ok && g != "" {
			gov = g
		}
		out = append(out, newAction(TargetBroadcast, probe.TypeNode, ToolSetGovernor,
			map[string]any{"governor": gov}))
		if w, ok := probe.Float(p.Parameters, "power_cap_watts"); ok {
			out = append(out, newAction(TargetBroadcast, probe.TypeHost, ToolSetPowerCap,
				map[string]any{"watts": w}))
		}
	}
	return out
}

func scaleDownCount(p *Policy, snap *aggregator.Snapshot) int {
	if n, ok := probe.Int(p.Parameters, "count"); ok {
		return n
	}
	if target, ok := probe.Int(p.Parameters, "target_nodes"); ok {
		return snap.ActiveNodes() - target
	}
	return 1
}

func drainParams(p *Policy, n aggregator.NodeReading) map[string]any {
	params := map[string]any{"node_name": n.NodeName}
	if g, ok := probe.Int(p.Parameters, "grace_period_seconds"); ok {
		params["grace_period_seconds"] = g
	}
	return params
}

// drainCandidates picks up to count responding node probes, emptiest first:
// fewest pods, then lowest CPU. Nodes with an unknown pod count sort after
// those with one. Ties keep registration order.
func drainCandidates(p *Policy, snap *aggregator.Snapshot, count int) []aggregator.NodeReading {
	if count <= 0 {
		return nil
	}
	exclude, _ := probe.Strings(p.Parameters, "exclude_nodes")

	var candidates []aggregator.NodeReading
	for _, n := range snap.ResponsiveNodes() {
		if slices.Contains(exclude, n.ProbeID) || slices.Contains(exclude, n.NodeName) ||
			(n.Hostname != "" && slices.Contains(exclude, n.Hostname)) {
			continue
		}
		candidates = append(candidates, n)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := podKey(a), podKey(b); pa != pb {
			return pa < pb
		}
		return a.CPUPercent < b.CPUPercent
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	return candidates[:count]
}

func podKey(n aggregator.NodeReading) int {
	if !n.HasPods {
		return math.MaxInt
	}
	return n.PodCount
}

// conflicts finds triggered policies that broadcast the same tool with
// different parameters, such as powersave and performance governors.
func conflicts(triggered []Trigger) []string {
	type seen struct {
		policy string
		params string
	}
	first := map[string]seen{}
	var out []string
	for _, t := range triggered {
		for _, a := range t.Actions {
			if a.Target != TargetBroadcast {
				continue
			}
			key := a.Tool + "/" + string(a.ProbeType)
			params := fmt.Sprint(a.Params)
			prev, ok := first[key]
			if !ok {
				first[key] = seen{policy: t.Policy, params: params}
				continue
			}
			if prev.policy != t.Policy && prev.params != params {
				out = append(out, fmt.Sprintf("%s and %s both %s with different parameters", prev.policy, t.Policy, key))
			}
		}
	}
	return out
}
