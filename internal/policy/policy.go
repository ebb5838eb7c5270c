// Package policy holds the declarative optimization policies and the
// deterministic evaluator that turns a snapshot into an ordered action plan.
package policy

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Type selects the actions a triggered policy implies.
type Type string

const (
	TypeConsolidate Type = "consolidate"
	TypeScaleDown   Type = "scale_down"
	TypePowerSave   Type = "power_save"
	TypePerformance Type = "performance"
)

// ParseType parses a policy type, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown policy type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known policy type.
func (t Type) Valid() bool {
	switch t {
	case TypeConsolidate, TypeScaleDown, TypePowerSave, TypePerformance:
		return true
	}
	return false
}

// Op is a comparison operator.
type Op string

const (
	OpGTE Op = ">="
	OpLTE Op = "<="
	OpEQ  Op = "=="
	OpGT  Op = ">"
	OpLT  Op = "<"
	OpNE  Op = "!="
)

func (o Op) valid() bool {
	switch o {
	case OpGTE, OpLTE, OpEQ, OpGT, OpLT, OpNE:
		return true
	}
	return false
}

func (o Op) compare(a, b float64) bool {
	switch o {
	case OpGTE:
		return a >= b
	case OpLTE:
		return a <= b
	case OpEQ:
		return a == b
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpNE:
		return a != b
	}
	return false
}

// Condition compares one snapshot metric with a value.
type Condition struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     Op      `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %g", c.Metric, c.Op, c.Value)
}

// Holds evaluates c against metrics. Unknown metrics never hold.
func (c Condition) Holds(metrics map[string]float64) bool {
	v, ok := metrics[c.Metric]
	if !ok {
		return false
	}
	return c.Op.compare(v, c.Value)
}

// thresholdShorthand maps a threshold key to the condition it expands to.
// min_* keys are inclusive lower bounds, max_* keys inclusive upper bounds.
var thresholdShorthand = map[string]Condition{
	"min_nodes":        {Metric: "active_nodes", Op: OpGTE},
	"max_nodes":        {Metric: "active_nodes", Op: OpLTE},
	"min_avg_cpu":      {Metric: "avg_cpu_percent", Op: OpGTE},
	"max_avg_cpu":      {Metric: "avg_cpu_percent", Op: OpLTE},
	"min_avg_memory":   {Metric: "avg_memory_percent", Op: OpGTE},
	"max_avg_memory":   {Metric: "avg_memory_percent", Op: OpLTE},
	"min_total_power":  {Metric: "total_power_watts", Op: OpGTE},
	"max_total_power":  {Metric: "total_power_watts", Op: OpLTE},
	"max_pending_pods": {Metric: "pending_pods", Op: OpLTE},
}

// Policy is a declarative rule mapping farm conditions to an action template.
type Policy struct {
	Name     string `json:"name" yaml:"name"`
	Type     Type   `json:"type" yaml:"type"`
	Priority int    `json:"priority" yaml:"priority"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled"`

	// Conditions must all hold for the policy to trigger.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions"`

	// Thresholds is shorthand for common conditions, e.g. min_nodes: 8.
	Thresholds map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds"`

	// Expression is an optional boolean expression over snapshot metrics,
	// e.g. "avg_cpu_percent < 20 && pending_pods == 0".
	Expression string `json:"expression,omitempty" yaml:"expression"`

	// Parameters tune the implied actions: target_nodes, count,
	// exclude_nodes, governor, power_cap_watts, grace_period_seconds,
	// dry_run.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`

	expr *govaluate.EvaluableExpression
}

// Enabled reports whether the policy takes part in evaluation.
func (p *Policy) Enabled() bool { return !p.Disabled }

// InvalidPolicyError reports a policy that cannot be evaluated.
type InvalidPolicyError struct {
	Policy string
	Reason string
}

func (e *InvalidPolicyError) Error() string {
	if e.Policy == "" {
		return "invalid policy: " + e.Reason
	}
	return fmt.Sprintf("invalid policy %q: %s", e.Policy, e.Reason)
}

func (p *Policy) invalid(format string, args ...any) error {
	return &InvalidPolicyError{Policy: p.Name, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the policy and compiles its expression. It must be called
// before the policy is handed to the evaluator.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return p.invalid("name is required")
	}
	if !p.Type.Valid() {
		return p.invalid("unknown type %q", p.Type)
	}

	known := aggregator.MetricNames()
	for _, c := range p.Conditions {
		if !slices.Contains(known, c.Metric) {
			return p.invalid("unknown metric %q", c.Metric)
		}
		if !c.Op.valid() {
			return p.invalid("unknown operator %q in condition on %s", c.Op, c.Metric)
		}
	}
	for key := range p.Thresholds {
		if _, ok := thresholdShorthand[key]; !ok {
			return p.invalid("unknown threshold %q", key)
		}
	}

	p.expr = nil
	if p.Expression != "" {
		expr, err := govaluate.NewEvaluableExpression(p.Expression)
		if err != nil {
			return p.invalid("parse expression: %v", err)
		}
		for _, v := range expr.Vars() {
			if !slices.Contains(known, v) {
				return p.invalid("expression references unknown metric %q", v)
			}
		}
		p.expr = expr
	}
	if len(p.Conditions) == 0 && len(p.Thresholds) == 0 && p.Expression == "" {
		return p.invalid("no trigger conditions")
	}

	return p.validateParameters()
}

func (p *Policy) validateParameters() error {
	switch p.Type {
	case TypeConsolidate:
		n, ok := probe.Int(p.Parameters, "target_nodes")
		if !ok {
			return p.invalid("parameter target_nodes is required")
		}
		if n < 1 {
			return p.invalid("target_nodes must be >= 1, got %d", n)
		}
	case TypeScaleDown:
		if n, ok := probe.Int(p.Parameters, "count"); ok && n < 0 {
			return p.invalid("count must be >= 0, got %d", n)
		}
		if n, ok := probe.Int(p.Parameters, "target_nodes"); ok && n < 0 {
			return p.invalid("target_nodes must be >= 0, got %d", n)
		}
	case TypePowerSave, TypePerformance:
		if v, ok := p.Parameters["governor"]; ok {
			if _, isString := v.(string); !isString {
				return p.invalid("governor must be a string")
			}
		}
		if w, ok := probe.Float(p.Parameters, "power_cap_watts"); ok && w <= 0 {
			return p.invalid("power_cap_watts must be > 0")
		}
	}
	if _, err := probe.Strings(p.Parameters, "exclude_nodes"); err != nil {
		return p.invalid("%v", err)
	}
	return nil
}

// AllConditions returns the explicit conditions followed by the expanded
// threshold shorthand, sorted by key for a stable order.
func (p *Policy) AllConditions() []Condition {
	out := slices.Clone(p.Conditions)
	keys := make([]string, 0, len(p.Thresholds))
	for k := range p.Thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, ok := thresholdShorthand[k]
		if !ok {
			continue
		}
		c.Value = p.Thresholds[k]
		out = append(out, c)
	}
	return out
}

// Clone returns a copy that shares no maps or slices with p.
func (p *Policy) Clone() Policy {
	out := *p
	out.Conditions = slices.Clone(p.Conditions)
	out.Thresholds = maps.Clone(p.Thresholds)
	out.Parameters = maps.Clone(p.Parameters)
	return out
}
