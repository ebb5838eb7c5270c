package config

import (
	"path/filepath"
	"testing"

	"github.com/softcane/vsf-optimizer/internal/policy"
)

func TestLoadPolicyFile_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policies.json", `{
		"policies": [
			{
				"name": " consolidate ",
				"type": "CONSOLIDATE",
				"priority": -3,
				"conditions": [{"metric": "active_nodes", "op": " >= ", "value": 8}],
				"parameters": {"target_nodes": 5, "grace_period_seconds": 7200}
			},
			{
				"name": "performance",
				"type": "performance",
				"expression": "avg_cpu_percent > 80 && pending_pods > 0"
			}
		]
	}`)

	ps, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(ps))
	}
	c := ps[0]
	if c.Name != "consolidate" || c.Type != policy.TypeConsolidate {
		t.Errorf("name/type not normalized: %q %q", c.Name, c.Type)
	}
	if c.Priority != 0 {
		t.Errorf("priority = %d, want clamped to 0", c.Priority)
	}
	if c.Conditions[0].Op != policy.OpGTE {
		t.Errorf("op = %q", c.Conditions[0].Op)
	}
	if c.Parameters["grace_period_seconds"] != 3600 {
		t.Errorf("grace period = %v, want clamped to 3600", c.Parameters["grace_period_seconds"])
	}
	if ps[1].Expression == "" {
		t.Error("expression lost")
	}
}

func TestLoadPolicyFile_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "policies.yml", `
policies:
  - name: scale-down
    type: scale_down
    thresholds:
      max_avg_cpu: 20
      min_nodes: 3
    parameters:
      count: 2
      exclude_nodes: [worker-01]
`)
	ps, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if len(ps) != 1 || ps[0].Thresholds["min_nodes"] != 3 {
		t.Errorf("policies = %+v", ps)
	}
}

func TestLoadPolicyFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown type", "a.yaml", "policies:\n  - name: x\n    type: hibernate\n    thresholds: {min_nodes: 1}\n"},
		{"no conditions", "b.yaml", "policies:\n  - name: x\n    type: power_save\n"},
		{"bad json", "c.json", "{policies: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			if _, err := LoadPolicyFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := LoadPolicyFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
