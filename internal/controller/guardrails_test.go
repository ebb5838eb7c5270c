package controller

import (
	"log/slog"
	"maps"
	"reflect"
	"testing"

	"github.com/softcane/vsf-optimizer/internal/policy"
)

func drain(node string) policy.Action {
	return policy.Action{Tool: policy.ToolDrainNode, Target: policy.TargetCluster, Params: map[string]any{"node_name": node}}
}

func cordon(node string, schedulable bool) policy.Action {
	return policy.Action{Tool: policy.ToolSetNodeSchedulable, Target: policy.TargetCluster,
		Params: map[string]any{"node_name": node, "schedulable": schedulable}}
}

func TestGuardrailChecker(t *testing.T) {
	tests := []struct {
		name      string
		cfg       GuardrailConfig
		avgCPU    float64
		actions   []policy.Action
		wantBlock string // guardrail blocking the last action, "" if approved
	}{
		{
			name:    "disabled guardrails approve everything",
			actions: []policy.Action{drain("a"), drain("b"), drain("c"), drain("d")},
		},
		{
			name:    "governor changes are never checked",
			cfg:     GuardrailConfig{MinActiveNodes: 10},
			actions: []policy.Action{{Tool: policy.ToolSetGovernor, Target: policy.TargetBroadcast}},
		},
		{
			name:    "uncordon is never checked",
			cfg:     GuardrailConfig{MinActiveNodes: 10},
			actions: []policy.Action{cordon("a", true)},
		},
		{
			name:      "fraction limit reached",
			cfg:       GuardrailConfig{MaxDrainFraction: 0.5},
			actions:   []policy.Action{drain("a"), drain("b"), drain("c")},
			wantBlock: "cluster_fraction",
		},
		{
			name:    "same node counted once",
			cfg:     GuardrailConfig{MaxDrainFraction: 0.5},
			actions: []policy.Action{drain("a"), cordon("a", false), drain("b"), cordon("b", false)},
		},
		{
			name:      "minimum active nodes",
			cfg:       GuardrailConfig{MinActiveNodes: 3},
			actions:   []policy.Action{drain("a"), drain("b")},
			wantBlock: "min_active_nodes",
		},
		{
			name:      "high utilization blocks removal",
			cfg:       GuardrailConfig{HighUtilizationPercent: 85},
			avgCPU:    90,
			actions:   []policy.Action{cordon("a", false)},
			wantBlock: "high_utilization",
		},
		{
			name:    "utilization at threshold passes",
			cfg:     GuardrailConfig{HighUtilizationPercent: 85},
			avgCPU:  85,
			actions: []policy.Action{drain("a")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := farmSnapshot(4)
			snap.AvgCPUPercent = tt.avgCPU
			g := NewGuardrailChecker(tt.cfg, snap, slog.Default())

			var last GuardrailResult
			for i, a := range tt.actions {
				last = g.Check(a)
				if i < len(tt.actions)-1 && !last.Approved {
					t.Fatalf("action %d blocked early by %s: %s", i, last.GuardrailName, last.Reason)
				}
			}
			if tt.wantBlock == "" {
				if !last.Approved {
					t.Errorf("blocked by %s: %s", last.GuardrailName, last.Reason)
				}
				return
			}
			if last.Approved || last.GuardrailName != tt.wantBlock {
				t.Errorf("got approved=%v guardrail=%q, want block by %q", last.Approved, last.GuardrailName, tt.wantBlock)
			}
			if last.Reason == "" {
				t.Error("blocked result should carry a reason")
			}
		})
	}
}

func TestGuardrailChecker_NoSnapshot(t *testing.T) {
	g := NewGuardrailChecker(GuardrailConfig{MaxDrainFraction: 0.5}, nil, nil)
	if res := g.Check(drain("a")); res.Approved {
		t.Error("removal without a snapshot should be blocked by the fraction guardrail")
	}
}

func consolidate(params map[string]any) policy.Action {
	return policy.Action{Tool: policy.ToolConsolidateWorkloads, Target: policy.TargetCluster, Params: params}
}

func TestGuardrailChecker_AdmitConsolidation(t *testing.T) {
	tests := []struct {
		name       string
		cfg        GuardrailConfig
		params     map[string]any
		wantBlock  string
		wantParams map[string]any
	}{
		{
			name:       "named nodes within limits",
			cfg:        GuardrailConfig{MaxDrainFraction: 0.5},
			params:     map[string]any{"target_node_count": 2, "nodes": []string{"a", "b"}},
			wantParams: map[string]any{"target_node_count": 2, "nodes": []string{"a", "b"}},
		},
		{
			name:       "named nodes narrowed to the limit",
			cfg:        GuardrailConfig{MaxDrainFraction: 0.25},
			params:     map[string]any{"target_node_count": 1, "nodes": []string{"a", "b", "c"}},
			wantParams: map[string]any{"target_node_count": 1, "nodes": []string{"a"}},
		},
		{
			name:      "no named node fits",
			cfg:       GuardrailConfig{MinActiveNodes: 4},
			params:    map[string]any{"target_node_count": 1, "nodes": []string{"a", "b", "c"}},
			wantBlock: "min_active_nodes",
		},
		{
			name:       "empty node list removes nothing",
			cfg:        GuardrailConfig{MinActiveNodes: 4},
			params:     map[string]any{"target_node_count": 4, "nodes": []string{}},
			wantParams: map[string]any{"target_node_count": 4, "nodes": []string{}},
		},
		{
			name:       "unnamed target raised to the limit",
			cfg:        GuardrailConfig{MinActiveNodes: 2},
			params:     map[string]any{"target_node_count": 1},
			wantParams: map[string]any{"target_node_count": 2},
		},
		{
			name:      "high utilization blocks consolidation",
			cfg:       GuardrailConfig{HighUtilizationPercent: 5},
			params:    map[string]any{"target_node_count": 1},
			wantBlock: "high_utilization",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuardrailChecker(tt.cfg, farmSnapshot(4), slog.Default())
			original := maps.Clone(tt.params)

			got, res := g.Admit(consolidate(tt.params))
			if tt.wantBlock != "" {
				if res.Approved || res.GuardrailName != tt.wantBlock {
					t.Errorf("got approved=%v guardrail=%q, want block by %q", res.Approved, res.GuardrailName, tt.wantBlock)
				}
				return
			}
			if !res.Approved {
				t.Fatalf("blocked by %s: %s", res.GuardrailName, res.Reason)
			}
			if !reflect.DeepEqual(got.Params, tt.wantParams) {
				t.Errorf("params = %v, want %v", got.Params, tt.wantParams)
			}
			if !reflect.DeepEqual(tt.params, original) {
				t.Errorf("input params mutated: %v", tt.params)
			}
		})
	}
}

func TestGuardrailChecker_NarrowedNodesStayBlocked(t *testing.T) {
	g := NewGuardrailChecker(GuardrailConfig{MaxDrainFraction: 0.5}, farmSnapshot(4), nil)

	if _, res := g.Admit(consolidate(map[string]any{"target_node_count": 1, "nodes": []string{"a", "b", "c"}})); !res.Approved {
		t.Fatalf("consolidation blocked: %s", res.Reason)
	}
	if res := g.Check(drain("b")); !res.Approved {
		t.Errorf("admitted node b blocked: %s", res.Reason)
	}
	if res := g.Check(drain("c")); res.Approved {
		t.Error("node c was cut from the consolidation and must stay blocked")
	}
}
