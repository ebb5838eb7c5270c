package policy

import (
	"fmt"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// farm builds a snapshot of n responding node probes with the given CPU.
func farm(n int, cpu float64) *aggregator.Snapshot {
	nodes := make([]aggregator.NodeReading, n)
	for i := range nodes {
		id := fmt.Sprintf("vm-%02d", i+1)
		nodes[i] = aggregator.NodeReading{
			ProbeID:       id,
			NodeName:      "worker-" + id,
			Type:          probe.TypeNode,
			CPUPercent:    cpu,
			MemoryPercent: 30,
		}
	}
	return aggregator.Build(time.Now(), aggregator.DefaultTTL, nodes, nil, false)
}

func mustValid(t *testing.T, policies ...Policy) []Policy {
	t.Helper()
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			t.Fatalf("Validate(%s): %v", policies[i].Name, err)
		}
	}
	return policies
}

func tools(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Tool
	}
	return out
}

func TestEvaluate_ConsolidateScenario(t *testing.T) {
	snap := farm(10, 15)
	// Spread load so the emptiest five are deterministic.
	for i := range snap.Nodes {
		snap.Nodes[i].CPUPercent = float64(10 + i)
	}
	policies := mustValid(t, Policy{
		Name:       "consolidate",
		Type:       TypeConsolidate,
		Thresholds: map[string]float64{"min_nodes": 8},
		Parameters: map[string]any{"target_nodes": 5},
	})

	ev := NewEvaluator(slog.Default()).Evaluate(snap, policies)

	if got := ev.PolicyNames(); !reflect.DeepEqual(got, []string{"consolidate"}) {
		t.Fatalf("triggered = %v", got)
	}
	if len(ev.Actions) != 6 {
		t.Fatalf("expected 6 actions, got %d: %v", len(ev.Actions), ev.Actions)
	}
	first := ev.Actions[0]
	if first.Tool != ToolConsolidateWorkloads || first.Target != TargetCluster || first.Params["target_node_count"] != 5 {
		t.Errorf("first action = %v", first)
	}
	var drained []string
	for i, a := range ev.Actions[1:] {
		want := fmt.Sprintf("worker-vm-%02d", i+1)
		if a.Tool != ToolDrainNode || a.Node() != want {
			t.Errorf("action %d = %v, want drain of %s", i+1, a, want)
		}
		drained = append(drained, a.Node())
	}
	if got := first.Params["nodes"]; !reflect.DeepEqual(got, drained) {
		t.Errorf("consolidation nodes = %v, want the drained nodes %v", got, drained)
	}
}

func TestEvaluate_AllConditionsMustHold(t *testing.T) {
	snap := farm(4, 50)
	policies := mustValid(t, Policy{
		Name:       "idle",
		Type:       TypePowerSave,
		Thresholds: map[string]float64{"max_avg_cpu": 60, "min_nodes": 5},
	})

	ev := NewEvaluator(nil).Evaluate(snap, policies)
	if len(ev.Triggered) != 0 || len(ev.Actions) != 0 {
		t.Fatalf("policy with a false condition triggered: %+v", ev)
	}
}

func TestEvaluate_NoConditionsTrueNeverTriggers(t *testing.T) {
	snap := farm(3, 90)
	policies := mustValid(t,
		Policy{Name: "low-cpu", Type: TypePowerSave, Thresholds: map[string]float64{"max_avg_cpu": 20}},
		Policy{Name: "too-few", Type: TypeConsolidate, Thresholds: map[string]float64{"min_nodes": 10},
			Parameters: map[string]any{"target_nodes": 2}},
	)
	ev := NewEvaluator(nil).Evaluate(snap, policies)
	if len(ev.Triggered) != 0 {
		t.Fatalf("unexpected triggers %v", ev.PolicyNames())
	}
}

func TestEvaluate_Ordering(t *testing.T) {
	snap := farm(4, 50)
	always := map[string]float64{"min_nodes": 1}

	tests := []struct {
		name     string
		policies []Policy
		want     []string
	}{
		{
			name: "ascending priority",
			policies: []Policy{
				{Name: "perf", Type: TypePerformance, Priority: 2, Thresholds: always},
				{Name: "save", Type: TypePowerSave, Priority: 1, Thresholds: always},
			},
			want: []string{"save", "perf"},
		},
		{
			name: "equal priority keeps registration order",
			policies: []Policy{
				{Name: "a", Type: TypePerformance, Priority: 1, Thresholds: always},
				{Name: "b", Type: TypePowerSave, Priority: 1, Thresholds: always},
				{Name: "c", Type: TypePowerSave, Priority: 0, Thresholds: always},
			},
			want: []string{"c", "a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(nil).Evaluate(snap, mustValid(t, tt.policies...))
			if got := ev.PolicyNames(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("order = %v, want %v", got, tt.want)
			}
			var fromActions []string
			for _, a := range ev.Actions {
				fromActions = append(fromActions, a.Policy)
			}
			if !reflect.DeepEqual(fromActions, tt.want) {
				t.Errorf("action order = %v, want %v", fromActions, tt.want)
			}
		})
	}
}

func TestEvaluate_ConflictingGovernors(t *testing.T) {
	snap := farm(3, 50)
	policies := mustValid(t,
		Policy{Name: "performance", Type: TypePerformance, Priority: 2, Thresholds: map[string]float64{"min_avg_cpu": 10}},
		Policy{Name: "power-save", Type: TypePowerSave, Priority: 1, Thresholds: map[string]float64{"max_avg_cpu": 90}},
	)
	ev := NewEvaluator(nil).Evaluate(snap, policies)

	if len(ev.Actions) != 2 {
		t.Fatalf("actions = %v", ev.Actions)
	}
	if ev.Actions[0].Params["governor"] != "powersave" || ev.Actions[1].Params["governor"] != "performance" {
		t.Errorf("governor order = %v, %v", ev.Actions[0].Params, ev.Actions[1].Params)
	}
	for _, a := range ev.Actions {
		if a.Target != TargetBroadcast || a.ProbeType != probe.TypeNode {
			t.Errorf("governor action not broadcast to node probes: %v", a)
		}
	}
	if len(ev.Conflicts) != 1 {
		t.Errorf("conflicts = %v, want one", ev.Conflicts)
	}
}

func TestEvaluate_ScaleDown(t *testing.T) {
	snap := farm(4, 20)
	snap.Nodes[0].PodCount, snap.Nodes[0].HasPods = 9, true
	snap.Nodes[1].PodCount, snap.Nodes[1].HasPods = 1, true
	snap.Nodes[2].PodCount, snap.Nodes[2].HasPods = 4, true
	snap.Nodes[3].PodCount, snap.Nodes[3].HasPods = 0, true

	policies := mustValid(t, Policy{
		Name:       "scale-down",
		Type:       TypeScaleDown,
		Thresholds: map[string]float64{"max_avg_cpu": 30},
		Parameters: map[string]any{"count": 2, "exclude_nodes": []any{"vm-04"}},
	})
	ev := NewEvaluator(nil).Evaluate(snap, policies)

	wantTools := []string{ToolDrainNode, ToolSetNodeSchedulable, ToolDrainNode, ToolSetNodeSchedulable}
	if got := tools(ev.Actions); !reflect.DeepEqual(got, wantTools) {
		t.Fatalf("tools = %v, want %v", got, wantTools)
	}
	if ev.Actions[0].Node() != "worker-vm-02" || ev.Actions[2].Node() != "worker-vm-03" {
		t.Errorf("drained %s and %s, want the emptiest non-excluded nodes", ev.Actions[0].Node(), ev.Actions[2].Node())
	}
	if ev.Actions[1].Params["schedulable"] != false {
		t.Errorf("cordon params = %v", ev.Actions[1].Params)
	}
}

func TestEvaluate_ScaleDownToTarget(t *testing.T) {
	snap := farm(6, 10)
	policies := mustValid(t, Policy{
		Name:       "scale-down",
		Type:       TypeScaleDown,
		Thresholds: map[string]float64{"max_avg_cpu": 30},
		Parameters: map[string]any{"target_nodes": 4},
	})
	ev := NewEvaluator(nil).Evaluate(snap, policies)
	if len(ev.Actions) != 4 {
		t.Fatalf("expected 2 nodes x 2 actions, got %v", ev.Actions)
	}
}

func TestEvaluate_PowerSaveWithCap(t *testing.T) {
	policies := mustValid(t, Policy{
		Name:       "night",
		Type:       TypePowerSave,
		Thresholds: map[string]float64{"max_avg_cpu": 30},
		Parameters: map[string]any{"governor": "schedutil", "power_cap_watts": 250},
	})
	ev := NewEvaluator(nil).Evaluate(farm(2, 10), policies)
	if len(ev.Actions) != 2 {
		t.Fatalf("actions = %v", ev.Actions)
	}
	if ev.Actions[0].Params["governor"] != "schedutil" {
		t.Errorf("governor override ignored: %v", ev.Actions[0])
	}
	if ev.Actions[1].Tool != ToolSetPowerCap || ev.Actions[1].ProbeType != probe.TypeHost {
		t.Errorf("power cap action = %v", ev.Actions[1])
	}
}

func TestEvaluate_Expression(t *testing.T) {
	snap := farm(3, 15)
	p := mustValid(t, Policy{Name: "expr", Type: TypePowerSave, Expression: "avg_cpu_percent < 20 && active_nodes >= 3"})
	if ev := NewEvaluator(nil).Evaluate(snap, p); len(ev.Triggered) != 1 {
		t.Errorf("expression policy did not trigger")
	}

	p = mustValid(t, Policy{Name: "expr", Type: TypePowerSave, Expression: "avg_cpu_percent > 20"})
	if ev := NewEvaluator(nil).Evaluate(snap, p); len(ev.Triggered) != 0 {
		t.Errorf("false expression triggered")
	}
}

func TestEvaluate_ExpressionErrorDoesNotTrigger(t *testing.T) {
	// Not validated, so the unknown variable surfaces at evaluation.
	p := []Policy{{Name: "broken", Type: TypePowerSave, Expression: "fan_rpm > 1"}}
	if ev := NewEvaluator(nil).Evaluate(farm(2, 10), p); len(ev.Triggered) != 0 {
		t.Errorf("broken expression triggered")
	}
}

func TestEvaluate_DisabledAndDryRunParam(t *testing.T) {
	always := map[string]float64{"min_nodes": 1}
	policies := mustValid(t,
		Policy{Name: "off", Type: TypePowerSave, Thresholds: always, Disabled: true},
		Policy{Name: "rehearse", Type: TypePerformance, Thresholds: always, Parameters: map[string]any{"dry_run": true}},
	)
	ev := NewEvaluator(nil).Evaluate(farm(2, 50), policies)
	if got := ev.PolicyNames(); !reflect.DeepEqual(got, []string{"rehearse"}) {
		t.Fatalf("triggered = %v", got)
	}
	if !ev.Actions[0].DryRun {
		t.Error("dry_run parameter not carried to the action")
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	snap := farm(10, 15)
	policies := mustValid(t,
		Policy{Name: "consolidate", Type: TypeConsolidate, Thresholds: map[string]float64{"min_nodes": 8},
			Parameters: map[string]any{"target_nodes": 5}},
		Policy{Name: "save", Type: TypePowerSave, Thresholds: map[string]float64{"max_avg_cpu": 20}},
	)
	e := NewEvaluator(nil)
	first := e.Evaluate(snap, policies)
	second := e.Evaluate(snap, policies)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("evaluations differ:\n%v\n%v", first.Actions, second.Actions)
	}
}

func TestEvaluate_NilSnapshot(t *testing.T) {
	ev := NewEvaluator(nil).Evaluate(nil, nil)
	if len(ev.Actions) != 0 {
		t.Error("nil snapshot produced actions")
	}
}
