package harness

import (
	"fmt"

	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// StandardScenarios returns the closed-loop validation suite of the lab.
func StandardScenarios() []Scenario {
	return []Scenario{
		consolidationDryRun(),
		powerSaveIdle(),
		noActionOptimal(),
		conflictingGovernors(),
		scaleDownIdle(),
		noData(),
	}
}

func consolidationDryRun() Scenario {
	want := []ExpectedAction{{
		Tool:   policy.ToolConsolidateWorkloads,
		Target: policy.TargetCluster,
		Params: map[string]any{"target_node_count": 5},
	}}
	for i := 1; i <= 5; i++ {
		want = append(want, ExpectedAction{
			Tool:   policy.ToolDrainNode,
			Target: policy.TargetCluster,
			Params: map[string]any{"node_name": fmt.Sprintf("worker-vm-%02d", i)},
		})
	}
	return Scenario{
		Name:        "consolidation_dry_run",
		Description: "10 lightly loaded nodes are consolidated onto 5",
		Snapshot:    SyntheticSnapshot(10, 15, 30, 120),
		Policies: []policy.Policy{{
			Name:       "consolidate",
			Type:       policy.TypeConsolidate,
			Thresholds: map[string]float64{"min_nodes": 8},
			Parameters: map[string]any{"target_nodes": 5},
		}},
		DryRun:          true,
		ExpectedActions: want,
		Checks: []Check{
			{Type: CheckActionCount, Expected: 6},
			{Type: CheckProbeHealth},
		},
	}
}

func powerSaveIdle() Scenario {
	return Scenario{
		Name:        "power_save_idle",
		Description: "underutilized nodes switch to the powersave governor",
		Snapshot:    SyntheticSnapshot(6, 20, 35, 110),
		Policies: []policy.Policy{{
			Name:       "power-save",
			Type:       policy.TypePowerSave,
			Thresholds: map[string]float64{"max_avg_cpu": 50},
		}},
		DryRun: true,
		ExpectedActions: []ExpectedAction{{
			Tool:   policy.ToolSetGovernor,
			Target: policy.TargetBroadcast,
			Params: map[string]any{"governor": "powersave"},
		}},
		Checks: []Check{{Type: CheckProbeHealth}},
	}
}

func noActionOptimal() Scenario {
	return Scenario{
		Name:        "no_action_optimal",
		Description: "nothing triggers on a farm already below the node threshold",
		Snapshot:    SyntheticSnapshot(10, 15, 30, 120),
		Policies: []policy.Policy{{
			Name:       "consolidate",
			Type:       policy.TypeConsolidate,
			Thresholds: map[string]float64{"min_nodes": 100},
			Parameters: map[string]any{"target_nodes": 5},
		}},
		DryRun: true,
		Checks: []Check{
			{Type: CheckActionCount, Expected: 0},
			{Type: CheckProbeHealth},
		},
	}
}

func conflictingGovernors() Scenario {
	return Scenario{
		Name:        "conflicting_governors",
		Description: "power-save and performance both trigger; lower priority value runs first",
		Snapshot:    SyntheticSnapshot(4, 40, 50, 150),
		Policies: []policy.Policy{
			{
				Name:       "performance",
				Type:       policy.TypePerformance,
				Priority:   2,
				Thresholds: map[string]float64{"min_avg_cpu": 30},
			},
			{
				Name:       "power-save",
				Type:       policy.TypePowerSave,
				Priority:   1,
				Thresholds: map[string]float64{"max_avg_cpu": 50},
			},
		},
		DryRun: true,
		ExpectedActions: []ExpectedAction{
			{Tool: policy.ToolSetGovernor, Params: map[string]any{"governor": "powersave"}},
			{Tool: policy.ToolSetGovernor, Params: map[string]any{"governor": "performance"}},
		},
	}
}

// scaleDownIdle runs live against scripted probes, so it exercises the
// aggregator and the executor as well.
func scaleDownIdle() Scenario {
	var probes []probe.Probe
	responses := []Response{
		{ProbeID: clusterProbeID, Tool: "get_cluster_metrics", Payload: map[string]any{
			"total_nodes": 4, "ready_nodes": 4, "schedulable_nodes": 4, "total_pods": 12, "running_pods": 12,
		}},
		{ProbeID: clusterProbeID, Tool: policy.ToolDrainNode, Payload: map[string]any{"success": true, "message": "drained"}},
		{ProbeID: clusterProbeID, Tool: policy.ToolSetNodeSchedulable, Payload: map[string]any{"success": true}},
	}
	probes = append(probes, probe.Probe{ID: clusterProbeID, Type: probe.TypeCluster})
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("vm-%02d", i)
		probes = append(probes, probe.Probe{ID: id, Type: probe.TypeNode, Hostname: "worker-" + id})
		responses = append(responses, Response{ProbeID: id, Tool: "system_info", Payload: map[string]any{
			"cpu_percent":    float64(5 * i),
			"memory_percent": 25.0,
			"power_watts":    90.0,
			"pod_count":      i,
		}})
	}

	return Scenario{
		Name:        "scale_down_idle",
		Description: "the emptiest node of an idle farm is drained and cordoned",
		Probes:      probes,
		Responses:   responses,
		Policies: []policy.Policy{{
			Name:       "scale-down",
			Type:       policy.TypeScaleDown,
			Thresholds: map[string]float64{"max_avg_cpu": 30, "min_nodes": 3},
			Parameters: map[string]any{"count": 1},
		}},
		ExpectedActions: []ExpectedAction{
			{Tool: policy.ToolDrainNode, Target: policy.TargetCluster, Params: map[string]any{"node_name": "worker-vm-01"}},
			{Tool: policy.ToolSetNodeSchedulable, Target: policy.TargetCluster, Params: map[string]any{"node_name": "worker-vm-01", "schedulable": false}},
		},
		Checks: []Check{
			{Type: CheckActionCount, Expected: 2},
			{Type: CheckMetricChange, Metric: "total_power_watts", Direction: Decrease},
			{Type: CheckProbeHealth},
		},
	}
}

func noData() Scenario {
	probes := []probe.Probe{{ID: clusterProbeID, Type: probe.TypeCluster}}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("vm-%02d", i)
		probes = append(probes, probe.Probe{ID: id, Type: probe.TypeNode, Hostname: "worker-" + id})
	}
	return Scenario{
		Name:        "no_data",
		Description: "no probe answers, so the cycle fails without planning anything",
		Probes:      probes,
		Responses: []Response{
			{Tool: "system_info", Error: "connection refused"},
			{Tool: "get_cluster_metrics", Error: "connection refused"},
		},
		Policies: []policy.Policy{{
			Name:       "power-save",
			Type:       policy.TypePowerSave,
			Thresholds: map[string]float64{"max_avg_cpu": 50},
		}},
		DryRun:        true,
		ExpectedState: controller.StateFailed,
		Checks:        []Check{{Type: CheckActionCount, Expected: 0}},
	}
}
