package aggregator

import (
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

// NodeReading is the merged metric payload of one node or host probe.
type NodeReading struct {
	ProbeID       string     `json:"probe_id"`
	Hostname      string     `json:"hostname,omitempty"`
	NodeName      string     `json:"node_name"`
	Type          probe.Type `json:"type"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
	PowerWatts    float64    `json:"power_watts,omitempty"`
	HasPower      bool       `json:"has_power"`
	PodCount      int        `json:"pod_count,omitempty"`
	HasPods       bool       `json:"has_pods"`

	// Extra keeps payload fields the aggregator does not interpret.
	Extra map[string]any `json:"extra,omitempty"`

	// Error is set when the probe did not respond. Failed readings never
	// contribute to aggregates.
	Error string `json:"error,omitempty"`
}

// Responding reports whether the reading holds data.
func (n NodeReading) Responding() bool { return n.Error == "" }

// ClusterState is the control-plane view reported by the cluster probe.
type ClusterState struct {
	TotalNodes        int     `json:"total_nodes"`
	ReadyNodes        int     `json:"ready_nodes"`
	SchedulableNodes  int     `json:"schedulable_nodes"`
	TotalPods         int     `json:"total_pods"`
	RunningPods       int     `json:"running_pods"`
	PendingPods       int     `json:"pending_pods"`
	GPUNodes          int     `json:"gpu_nodes"`
	GPUPods           int     `json:"gpu_pods"`
	CPUUtilization    float64 `json:"cpu_utilization,omitempty"`
	MemoryUtilization float64 `json:"memory_utilization,omitempty"`
}

// Snapshot is an aggregated, time-bounded view of the farm. Snapshots handed
// out by the Aggregator are copies; mutating one never affects the cache.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`

	// Nodes holds one reading per node and host probe queried, in
	// registration order, including probes that failed.
	Nodes   []NodeReading `json:"nodes"`
	Cluster *ClusterState `json:"cluster,omitempty"`

	AvgCPUPercent    float64 `json:"avg_cpu_percent"`
	AvgMemoryPercent float64 `json:"avg_memory_percent"`
	TotalPowerWatts  float64 `json:"total_power_watts"`
	HasPower         bool    `json:"has_power"`

	// ProbesQueried counts every probe asked for data, the cluster probe
	// included. MissingResponses is the part of it that did not answer.
	ProbesQueried    int  `json:"probes_queried"`
	Responding       int  `json:"responding"`
	MissingResponses int  `json:"missing_responses"`
	NoData           bool `json:"no_data"`
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Fresh reports whether the snapshot is younger than its TTL at now.
func (s *Snapshot) Fresh(now time.Time) bool {
	return s.Age(now) < s.TTL
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Nodes != nil {
		out.Nodes = make([]NodeReading, len(s.Nodes))
		for i, n := range s.Nodes {
			n.Extra = deepCopyMap(n.Extra)
			out.Nodes[i] = n
		}
	}
	if s.Cluster != nil {
		c := *s.Cluster
		out.Cluster = &c
	}
	return &out
}

// Node returns the reading of a probe id.
func (s *Snapshot) Node(probeID string) (NodeReading, bool) {
	for _, n := range s.Nodes {
		if n.ProbeID == probeID {
			return n, true
		}
	}
	return NodeReading{}, false
}

// ResponsiveNodes returns responding readings of TypeNode probes in
// registration order. Host probes are excluded: they cannot be drained.
func (s *Snapshot) ResponsiveNodes() []NodeReading {
	var out []NodeReading
	for _, n := range s.Nodes {
		if n.Type == probe.TypeNode && n.Responding() {
			out = append(out, n)
		}
	}
	return out
}

// ActiveNodes is the number of nodes currently able to run workloads. The
// cluster probe's schedulable count wins when available; otherwise it is the
// number of responding node probes.
func (s *Snapshot) ActiveNodes() int {
	if s.Cluster != nil {
		return s.Cluster.SchedulableNodes
	}
	return len(s.ResponsiveNodes())
}

// Metrics flattens the snapshot into the named values policies compare
// against. Cluster values are zero when the cluster probe did not answer.
func (s *Snapshot) Metrics() map[string]float64 {
	m := map[string]float64{
		"active_nodes":       float64(s.ActiveNodes()),
		"total_nodes":        float64(countType(s.Nodes, probe.TypeNode)),
		"ready_nodes":        0,
		"schedulable_nodes":  0,
		"responding_probes":  float64(s.Responding),
		"missing_responses":  float64(s.MissingResponses),
		"avg_cpu_percent":    s.AvgCPUPercent,
		"avg_memory_percent": s.AvgMemoryPercent,
		"total_power_watts":  s.TotalPowerWatts,
		"total_pods":         0,
		"running_pods":       0,
		"pending_pods":       0,
	}
	if c := s.Cluster; c != nil {
		m["total_nodes"] = float64(c.TotalNodes)
		m["ready_nodes"] = float64(c.ReadyNodes)
		m["schedulable_nodes"] = float64(c.SchedulableNodes)
		m["total_pods"] = float64(c.TotalPods)
		m["running_pods"] = float64(c.RunningPods)
		m["pending_pods"] = float64(c.PendingPods)
	}
	return m
}

// MetricNames lists the keys returned by Snapshot.Metrics.
func MetricNames() []string {
	return []string{
		"active_nodes", "total_nodes", "ready_nodes", "schedulable_nodes",
		"responding_probes", "missing_responses",
		"avg_cpu_percent", "avg_memory_percent", "total_power_watts",
		"total_pods", "running_pods", "pending_pods",
	}
}

// computeAggregates fills the derived fields from Nodes and Cluster.
func (s *Snapshot) computeAggregates() {
	var cpu, mem float64
	valid := 0
	s.TotalPowerWatts, s.HasPower = 0, false
	for _, n := range s.Nodes {
		if !n.Responding() {
			continue
		}
		valid++
		cpu += n.CPUPercent
		mem += n.MemoryPercent
		if n.HasPower {
			s.TotalPowerWatts += n.PowerWatts
			s.HasPower = true
		}
	}
	s.AvgCPUPercent, s.AvgMemoryPercent = 0, 0
	if valid > 0 {
		s.AvgCPUPercent = cpu / float64(valid)
		s.AvgMemoryPercent = mem / float64(valid)
	}

	s.Responding = valid
	if s.Cluster != nil {
		s.Responding++
	}
	s.MissingResponses = s.ProbesQueried - s.Responding
	s.NoData = s.Responding == 0
}

// Build assembles a snapshot from readings and computes its aggregates. It is
// used by the aggregator and to fabricate snapshots for scenarios. A nil
// cluster with clusterQueried set counts as a missing cluster response.
func Build(at time.Time, ttl time.Duration, nodes []NodeReading, cluster *ClusterState, clusterQueried bool) *Snapshot {
	s := &Snapshot{
		Timestamp:     at,
		TTL:           ttl,
		Nodes:         nodes,
		Cluster:       cluster,
		ProbesQueried: len(nodes),
	}
	if clusterQueried || cluster != nil {
		s.ProbesQueried++
	}
	s.computeAggregates()
	return s
}

// Summary is a compact, rounded view of a snapshot.
type Summary struct {
	Timestamp        time.Time       `json:"timestamp"`
	TotalProbes      int             `json:"total_probes"`
	HealthyProbes    int             `json:"healthy_probes"`
	AvgCPUPercent    float64         `json:"avg_cpu_percent"`
	AvgMemoryPercent float64         `json:"avg_memory_percent"`
	TotalPowerWatts  *float64        `json:"total_power_watts,omitempty"`
	Cluster          *ClusterSummary `json:"cluster,omitempty"`
	NoData           bool            `json:"no_data,omitempty"`
}

// ClusterSummary is the cluster part of a Summary.
type ClusterSummary struct {
	TotalNodes  int `json:"total_nodes"`
	ReadyNodes  int `json:"ready_nodes"`
	TotalPods   int `json:"total_pods"`
	RunningPods int `json:"running_pods"`
}

// Summarize derives the compact view of s.
func (s *Snapshot) Summarize() Summary {
	sum := Summary{
		Timestamp:        s.Timestamp,
		TotalProbes:      s.ProbesQueried,
		HealthyProbes:    s.Responding,
		AvgCPUPercent:    round2(s.AvgCPUPercent),
		AvgMemoryPercent: round2(s.AvgMemoryPercent),
		NoData:           s.NoData,
	}
	if s.HasPower {
		p := round2(s.TotalPowerWatts)
		sum.TotalPowerWatts = &p
	}
	if c := s.Cluster; c != nil {
		sum.Cluster = &ClusterSummary{
			TotalNodes:  c.TotalNodes,
			ReadyNodes:  c.ReadyNodes,
			TotalPods:   c.TotalPods,
			RunningPods: c.RunningPods,
		}
	}
	return sum
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "probes %d/%d healthy, cpu %.2f%%, memory %.2f%%",
		s.HealthyProbes, s.TotalProbes, s.AvgCPUPercent, s.AvgMemoryPercent)
	if s.TotalPowerWatts != nil {
		fmt.Fprintf(&b, ", power %.2fW", *s.TotalPowerWatts)
	}
	if c := s.Cluster; c != nil {
		fmt.Fprintf(&b, ", nodes %d/%d ready, pods %d/%d running",
			c.ReadyNodes, c.TotalNodes, c.RunningPods, c.TotalPods)
	}
	if s.NoData {
		b.WriteString(" (no data)")
	}
	return b.String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func countType(nodes []NodeReading, t probe.Type) int {
	n := 0
	for _, r := range nodes {
		if r.Type == t {
			n++
		}
	}
	return n
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
