package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// PolicyFile is the document format of a policies file. Files ending in
// .json are decoded as JSON, everything else as YAML.
type PolicyFile struct {
	Policies []policy.Policy `json:"policies" yaml:"policies"`
}

// LoadPolicyFile loads, normalizes and validates the policies of a file.
func LoadPolicyFile(path string) ([]policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}

	var doc PolicyFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse policies file %s: %w", path, err)
	}

	for i := range doc.Policies {
		p := &doc.Policies[i]
		applyPolicyDefaults(p)
		applyPolicyClamps(p)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policies file %s: %w", path, err)
		}
	}
	return doc.Policies, nil
}

func applyPolicyDefaults(p *policy.Policy) {
	p.Name = strings.TrimSpace(p.Name)
	// Operators write CONSOLIDATE or Power_Save as often as the canonical form.
	if t, err := policy.ParseType(string(p.Type)); err == nil {
		p.Type = t
	}
	for i := range p.Conditions {
		p.Conditions[i].Metric = strings.TrimSpace(p.Conditions[i].Metric)
		p.Conditions[i].Op = policy.Op(strings.TrimSpace(string(p.Conditions[i].Op)))
	}
}

func applyPolicyClamps(p *policy.Policy) {
	if p.Priority < 0 {
		p.Priority = 0
	}
	if g, ok := p.Parameters["grace_period_seconds"]; ok {
		if f, ok := probe.ToFloat(g); ok {
			p.Parameters["grace_period_seconds"] = int(clampFloat(f, 0, 3600))
		}
	}
}

// clampFloat clamps a value to the given range [min, max].
func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
