// Package synthetic implements a probe transport that fabricates node and host
// readings. It backs lab demos and dry-run rehearsals when no probe agents are
// deployed, and must never be used to drive live actions.
package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Tools served by the synthetic transport.
const (
	ToolSystemInfo  = "system_info"
	ToolSetGovernor = "set_governor"
	ToolSetPowerCap = "set_power_cap"
)

// Governor power multipliers relative to the default "schedutil".
var governorFactor = map[string]float64{
	"powersave":   0.8,
	"schedutil":   1.0,
	"ondemand":    1.0,
	"performance": 1.15,
}

// Power model: idle draw plus a linear share of CPU load.
const (
	nodeIdleWatts = 45.0
	nodePeakWatts = 140.0
	hostIdleWatts = 180.0
	hostPeakWatts = 420.0
)

type probeState struct {
	cpu      float64
	mem      float64
	governor string
	powerCap float64
}

// Client is a seeded, deterministic probe simulator. Readings follow a
// bounded random walk per probe.
type Client struct {
	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]*probeState
}

// NewClient creates a simulator. The same seed yields the same readings for
// the same call sequence.
func NewClient(seed int64) *Client {
	return &Client{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*probeState),
	}
}

// CallTool implements probe.Client.
func (c *Client) CallTool(ctx context.Context, p probe.Probe, tool string, params map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Type == probe.TypeCluster {
		return nil, &probe.ToolError{Tool: tool, Message: "synthetic transport does not simulate the cluster probe"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(p.ID)

	switch tool {
	case ToolSystemInfo:
		c.step(st)
		return map[string]any{
			"cpu_percent":    st.cpu,
			"memory_percent": st.mem,
			"power_watts":    power(p.Type, st),
			"governor":       st.governor,
			"source":         "synthetic",
		}, nil

	case ToolSetGovernor:
		gov, _ := probe.String(params, "governor")
		if _, ok := governorFactor[gov]; !ok {
			return nil, &probe.ToolError{Tool: tool, Message: fmt.Sprintf("unsupported governor %q", gov)}
		}
		prev := st.governor
		if dryRun, _ := probe.Bool(params, "dry_run"); !dryRun {
			st.governor = gov
		}
		return map[string]any{"success": true, "governor": gov, "previous": prev}, nil

	case ToolSetPowerCap:
		watts, ok := probe.Float(params, "watts")
		if !ok || watts < 0 {
			return nil, &probe.ToolError{Tool: tool, Message: `parameter "watts" must be a non-negative number`}
		}
		if dryRun, _ := probe.Bool(params, "dry_run"); !dryRun {
			st.powerCap = watts
		}
		return map[string]any{"success": true, "watts": watts}, nil

	default:
		return nil, &probe.ToolError{Tool: tool, Code: -32601, Message: "unknown tool"}
	}
}

func (c *Client) state(id string) *probeState {
	st, ok := c.states[id]
	if !ok {
		st = &probeState{
			cpu:      20 + c.rng.Float64()*40,
			mem:      20 + c.rng.Float64()*40,
			governor: "schedutil",
		}
		c.states[id] = st
	}
	return st
}

func (c *Client) step(st *probeState) {
	st.cpu = clampFloat(st.cpu+(c.rng.Float64()*10-5), 5, 95)
	st.mem = clampFloat(st.mem+(c.rng.Float64()*10-5), 5, 95)
}

func power(t probe.Type, st *probeState) float64 {
	idle, peak := nodeIdleWatts, nodePeakWatts
	if t == probe.TypeHost {
		idle, peak = hostIdleWatts, hostPeakWatts
	}
	w := (idle + (peak-idle)*st.cpu/100) * governorFactor[st.governor]
	if st.powerCap > 0 && w > st.powerCap {
		w = st.powerCap
	}
	return w
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
