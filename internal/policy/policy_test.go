package policy

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			name: "valid consolidate",
			policy: Policy{Name: "consolidate", Type: TypeConsolidate,
				Thresholds: map[string]float64{"min_nodes": 8},
				Parameters: map[string]any{"target_nodes": 5}},
		},
		{
			name: "valid expression only",
			policy: Policy{Name: "idle", Type: TypePowerSave,
				Expression: "avg_cpu_percent < 20 && pending_pods == 0"},
		},
		{
			name:    "missing name",
			policy:  Policy{Type: TypePowerSave, Thresholds: map[string]float64{"max_avg_cpu": 20}},
			wantErr: true,
		},
		{
			name:    "unknown type",
			policy:  Policy{Name: "x", Type: "hibernate", Thresholds: map[string]float64{"max_avg_cpu": 20}},
			wantErr: true,
		},
		{
			name: "unknown metric",
			policy: Policy{Name: "x", Type: TypePowerSave,
				Conditions: []Condition{{Metric: "gpu_temp", Op: OpGTE, Value: 1}}},
			wantErr: true,
		},
		{
			name: "unknown operator",
			policy: Policy{Name: "x", Type: TypePowerSave,
				Conditions: []Condition{{Metric: "avg_cpu_percent", Op: "=>", Value: 1}}},
			wantErr: true,
		},
		{
			name:    "unknown threshold",
			policy:  Policy{Name: "x", Type: TypePowerSave, Thresholds: map[string]float64{"cpu_threshold": 20}},
			wantErr: true,
		},
		{
			name:    "bad expression",
			policy:  Policy{Name: "x", Type: TypePowerSave, Expression: "avg_cpu_percent <"},
			wantErr: true,
		},
		{
			name:    "expression with unknown metric",
			policy:  Policy{Name: "x", Type: TypePowerSave, Expression: "fan_rpm > 100"},
			wantErr: true,
		},
		{
			name:    "no conditions",
			policy:  Policy{Name: "x", Type: TypePowerSave},
			wantErr: true,
		},
		{
			name:    "consolidate without target",
			policy:  Policy{Name: "x", Type: TypeConsolidate, Thresholds: map[string]float64{"min_nodes": 8}},
			wantErr: true,
		},
		{
			name: "consolidate with zero target",
			policy: Policy{Name: "x", Type: TypeConsolidate, Thresholds: map[string]float64{"min_nodes": 8},
				Parameters: map[string]any{"target_nodes": 0}},
			wantErr: true,
		},
		{
			name: "negative scale down count",
			policy: Policy{Name: "x", Type: TypeScaleDown, Thresholds: map[string]float64{"max_avg_cpu": 10},
				Parameters: map[string]any{"count": -1}},
			wantErr: true,
		},
		{
			name: "non-string governor",
			policy: Policy{Name: "x", Type: TypePowerSave, Thresholds: map[string]float64{"max_avg_cpu": 10},
				Parameters: map[string]any{"governor": 3}},
			wantErr: true,
		},
		{
			name: "exclude_nodes not a list",
			policy: Policy{Name: "x", Type: TypeScaleDown, Thresholds: map[string]float64{"max_avg_cpu": 10},
				Parameters: map[string]any{"exclude_nodes": "vm-01"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.policy
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var invalid *InvalidPolicyError
				if !errors.As(err, &invalid) {
					t.Errorf("expected *InvalidPolicyError, got %T", err)
				}
			}
		})
	}
}

func TestAllConditions(t *testing.T) {
	p := Policy{
		Conditions: []Condition{{Metric: "pending_pods", Op: OpEQ, Value: 0}},
		Thresholds: map[string]float64{"min_nodes": 8, "max_avg_cpu": 30},
	}
	got := p.AllConditions()
	want := []Condition{
		{Metric: "pending_pods", Op: OpEQ, Value: 0},
		{Metric: "avg_cpu_percent", Op: OpLTE, Value: 30},
		{Metric: "active_nodes", Op: OpGTE, Value: 8},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("condition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConditionHolds(t *testing.T) {
	values := map[string]float64{"avg_cpu_percent": 20}
	tests := []struct {
		op   Op
		v    float64
		want bool
	}{
		{OpGTE, 20, true},
		{OpGTE, 21, false},
		{OpLTE, 20, true},
		{OpLTE, 19, false},
		{OpEQ, 20, true},
		{OpEQ, 20.5, false},
		{OpGT, 20, false},
		{OpLT, 21, true},
		{OpNE, 20, false},
	}
	for _, tt := range tests {
		c := Condition{Metric: "avg_cpu_percent", Op: tt.op, Value: tt.v}
		if got := c.Holds(values); got != tt.want {
			t.Errorf("%s: got %v, want %v", c, got, tt.want)
		}
	}
	if (Condition{Metric: "missing", Op: OpGTE, Value: 0}).Holds(values) {
		t.Error("missing metric must not hold")
	}
}

func TestParseType(t *testing.T) {
	if got, err := ParseType(" Power_Save "); err != nil || got != TypePowerSave {
		t.Errorf("ParseType = %q, %v", got, err)
	}
	if _, err := ParseType("turbo"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestClone(t *testing.T) {
	p := Policy{Name: "a", Parameters: map[string]any{"target_nodes": 5}, Thresholds: map[string]float64{"min_nodes": 8}}
	c := p.Clone()
	c.Parameters["target_nodes"] = 1
	c.Thresholds["min_nodes"] = 1
	if p.Parameters["target_nodes"] != 5 || p.Thresholds["min_nodes"] != 8 {
		t.Error("clone shares maps with original")
	}
}
