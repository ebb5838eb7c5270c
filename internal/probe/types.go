// Package probe implements the probe registry and the router that sends tool
// calls to remote probe agents.
//
// A probe is a remote agent exposing named tools. The router owns the registry,
// tracks per-probe health, and never raises transient failures: every call
// produces a ToolResult, successful or not.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type is the kind of probe. It decides which probes a broadcast reaches.
type Type string

const (
	// TypeCluster is the Kubernetes control-plane probe.
	TypeCluster Type = "cluster"
	// TypeNode is a per-VM system probe.
	TypeNode Type = "node"
	// TypeHost is the bare-metal host probe.
	TypeHost Type = "host"
)

// ParseType parses a probe type. The lab's legacy names (k8s, vm_system,
// host_system) are accepted as aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cluster", "k8s", "kubernetes":
		return TypeCluster, nil
	case "node", "vm", "vm_system":
		return TypeNode, nil
	case "host", "host_system":
		return TypeHost, nil
	default:
		return "", fmt.Errorf("unknown probe type %q", s)
	}
}

// Valid reports whether t is one of the known probe types.
func (t Type) Valid() bool {
	return t == TypeCluster || t == TypeNode || t == TypeHost
}

// Health is the router's view of a probe's reachability.
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthUnreachable Health = "unreachable"
	HealthError       Health = "error"
)

// DefaultTransport is used when a probe does not name one.
const DefaultTransport = "mcp"

// Transport names served by the clients in the probe subpackages.
const (
	TransportPrometheus = "prometheus"
	TransportKubernetes = "kubernetes"
	TransportSynthetic  = "synthetic"
)

// Probe describes a registered probe agent.
type Probe struct {
	ID        string            `json:"id" yaml:"id"`
	Type      Type              `json:"type" yaml:"type"`
	Transport string            `json:"transport,omitempty" yaml:"transport"`
	Endpoint  string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Hostname  string            `json:"hostname,omitempty" yaml:"hostname"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeName returns the Kubernetes node name this probe reports on. It falls
// back to the hostname and then the probe id.
func (p Probe) NodeName() string {
	if n := p.Metadata["node_name"]; n != "" {
		return n
	}
	if p.Hostname != "" {
		return p.Hostname
	}
	return p.ID
}

// Status is a point-in-time copy of a probe's health bookkeeping.
type Status struct {
	Probe       Probe     `json:"probe"`
	Health      Health    `json:"health"`
	LastContact time.Time `json:"last_contact,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// ToolResult is the outcome of one tool call against one probe.
type ToolResult struct {
	ProbeID  string         `json:"probe_id"`
	Tool     string         `json:"tool"`
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Attempts int            `json:"attempts"`
}

// Client is a transport able to invoke a tool on a probe.
//
// Implementations return *ToolError when the probe answered but the tool
// itself failed. Any other error is treated as a transport failure.
type Client interface {
	CallTool(ctx context.Context, p Probe, tool string, params map[string]any) (map[string]any, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, p Probe, tool string, params map[string]any) (map[string]any, error)

// CallTool calls f.
func (f ClientFunc) CallTool(ctx context.Context, p Probe, tool string, params map[string]any) (map[string]any, error) {
	return f(ctx, p, tool, params)
}
