// Package aggregator collects readings from every probe and keeps the cached
// farm snapshot the optimizer decides on.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/softcane/vsf-optimizer/internal/metrics"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

const (
	// DefaultTTL is how long a collected snapshot is served from cache.
	DefaultTTL = 30 * time.Second

	DefaultMetricTool       = "system_info"
	DefaultClusterTool      = "get_cluster_metrics"
	DefaultDistributionTool = "get_workload_distribution"
)

// ErrNoClusterProbe is returned by queries that need a cluster probe when
// none is registered.
var ErrNoClusterProbe = errors.New("no cluster probe registered")

// Source yields snapshots. The controller depends on it so scenarios can
// inject fixed snapshots.
type Source interface {
	CollectAll(ctx context.Context, force bool) (*Snapshot, error)
}

// Router is the part of probe.Router the aggregator needs.
type Router interface {
	Call(ctx context.Context, target, tool string, params map[string]any, timeout time.Duration) (probe.ToolResult, error)
	Broadcast(ctx context.Context, tool string, params map[string]any, types []probe.Type, timeout time.Duration) map[string]probe.ToolResult
	Probes(types ...probe.Type) []probe.Probe
	First(t probe.Type) (probe.Probe, bool)
}

// Config configures an Aggregator.
type Config struct {
	Router Router

	// TTL is the cache lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// MetricTools are broadcast to node and host probes and their payloads
	// merged in order. A probe responds only if every tool succeeded.
	MetricTools []string

	ClusterTool      string
	DistributionTool string

	// Timeout is the per-call timeout. Zero uses the router default.
	Timeout time.Duration

	Logger *slog.Logger

	now func() time.Time
}

// Aggregator owns the cached snapshot. Only CollectAll replaces it.
type Aggregator struct {
	router           Router
	ttl              time.Duration
	metricTools      []string
	clusterTool      string
	distributionTool string
	timeout          time.Duration
	logger           *slog.Logger
	now              func() time.Time

	// refreshMu serializes refreshes; mu guards the cache.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	cache     *Snapshot
}

// New creates an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("aggregator: router is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("aggregator: ttl must be >= 0, got %s", cfg.TTL)
	}
	a := &Aggregator{
		router:           cfg.Router,
		ttl:              cfg.TTL,
		metricTools:      cfg.MetricTools,
		clusterTool:      cfg.ClusterTool,
		distributionTool: cfg.DistributionTool,
		timeout:          cfg.Timeout,
		logger:           cfg.Logger,
		now:              cfg.now,
	}
	if a.ttl == 0 {
		a.ttl = DefaultTTL
	}
	if len(a.metricTools) == 0 {
		a.metricTools = []string{DefaultMetricTool}
	}
	if a.clusterTool == "" {
		a.clusterTool = DefaultClusterTool
	}
	if a.distributionTool == "" {
		a.distributionTool = DefaultDistributionTool
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// CollectAll returns the cached snapshot while it is fresh, or collects a new
// one when it is stale or force is set. Probe failures are folded into the
// snapshot; only a cancelled ctx yields an error.
func (a *Aggregator) CollectAll(ctx context.Context, force bool) (*Snapshot, error) {
	if !force {
		if s, ok := a.freshCache(); ok {
			metrics.SnapshotCollections.WithLabelValues("cache").Inc()
			return s, nil
		}
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if !force {
		if s, ok := a.freshCache(); ok {
			metrics.SnapshotCollections.WithLabelValues("cache").Inc()
			return s, nil
		}
	}

	snap, err := a.collect(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache = snap
	a.mu.Unlock()

	metrics.SnapshotCollections.WithLabelValues("refresh").Inc()
	metrics.RecordSnapshot(snap.AvgCPUPercent, snap.AvgMemoryPercent, snap.TotalPowerWatts, snap.MissingResponses)

	a.logger.Info("collected metrics snapshot",
		"probes_queried", snap.ProbesQueried,
		"responding", snap.Responding,
		"missing", snap.MissingResponses,
		"avg_cpu_percent", round2(snap.AvgCPUPercent),
		"total_power_watts", round2(snap.TotalPowerWatts),
	)
	if snap.NoData {
		a.logger.Warn("no probe responded during collection", "probes_queried", snap.ProbesQueried)
	}
	return snap.Clone(), nil
}

func (a *Aggregator) freshCache() (*Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cache == nil || !a.cache.Fresh(a.now()) {
		return nil, false
	}
	return a.cache.Clone(), true
}

func (a *Aggregator) collect(ctx context.Context) (*Snapshot, error) {
	nodeTypes := []probe.Type{probe.TypeNode, probe.TypeHost}
	targets := a.router.Probes(nodeTypes...)
	clusterProbe, hasCluster := a.router.First(probe.TypeCluster)

	perTool := make([]map[string]probe.ToolResult, len(a.metricTools))
	var cluster *ClusterState

	var g errgroup.Group
	for i, tool := range a.metricTools {
		g.Go(func() error {
			perTool[i] = a.router.Broadcast(ctx, tool, nil, nodeTypes, a.timeout)
			return nil
		})
	}
	if hasCluster {
		g.Go(func() error {
			cluster = a.collectCluster(ctx, clusterProbe)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	readings := make([]NodeReading, 0, len(targets))
	for _, p := range targets {
		readings = append(readings, a.reading(p, perTool))
	}
	return Build(a.now(), a.ttl, readings, cluster, hasCluster), nil
}

func (a *Aggregator) collectCluster(ctx context.Context, p probe.Probe) *ClusterState {
	res, err := a.router.Call(ctx, p.ID, a.clusterTool, nil, a.timeout)
	if err != nil || !res.Success {
		a.logger.Warn("cluster metrics unavailable", "probe_id", p.ID, "error", firstNonEmpty(res.Error, errString(err)))
		return nil
	}
	return parseCluster(res.Payload)
}

// reading merges the metric tool payloads of one probe.
func (a *Aggregator) reading(p probe.Probe, perTool []map[string]probe.ToolResult) NodeReading {
	r := NodeReading{
		ProbeID:  p.ID,
		Hostname: p.Hostname,
		NodeName: p.NodeName(),
		Type:     p.Type,
	}
	merged := map[string]any{}
	for i, results := range perTool {
		res, ok := results[p.ID]
		if !ok || !res.Success {
			r.Error = fmt.Sprintf("%s: %s", a.metricTools[i], firstNonEmpty(res.Error, "no result"))
			return r
		}
		for k, v := range res.Payload {
			merged[k] = v
		}
	}

	r.CPUPercent, _ = probe.Float(merged, "cpu_percent")
	r.MemoryPercent, _ = probe.Float(merged, "memory_percent")
	r.PowerWatts, r.HasPower = probe.Float(merged, "power_watts")
	if n, ok := probe.Int(merged, "pod_count"); ok {
		r.PodCount, r.HasPods = n, true
	} else if n, ok := probe.Int(merged, "pods"); ok {
		r.PodCount, r.HasPods = n, true
	}

	for _, k := range []string{"cpu_percent", "memory_percent", "power_watts", "pod_count", "pods", "hostname"} {
		delete(merged, k)
	}
	if len(merged) > 0 {
		r.Extra = merged
	}
	return r
}

func parseCluster(payload map[string]any) *ClusterState {
	c := &ClusterState{}
	c.TotalNodes, _ = probe.Int(payload, "total_nodes")
	c.ReadyNodes, _ = probe.Int(payload, "ready_nodes")
	c.SchedulableNodes, _ = probe.Int(payload, "schedulable_nodes")
	c.TotalPods, _ = probe.Int(payload, "total_pods")
	c.RunningPods, _ = probe.Int(payload, "running_pods")
	c.PendingPods, _ = probe.Int(payload, "pending_pods")
	c.GPUNodes, _ = probe.Int(payload, "gpu_nodes")
	c.GPUPods, _ = probe.Int(payload, "gpu_pods")
	c.CPUUtilization, _ = probe.Float(payload, "cpu_utilization")
	c.MemoryUtilization, _ = probe.Float(payload, "memory_utilization")
	return c
}

// Cached returns a copy of the latest snapshot regardless of its age.
func (a *Aggregator) Cached() (*Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cache == nil {
		return nil, false
	}
	return a.cache.Clone(), true
}

// Summary describes the latest snapshot without refreshing it. It reports
// false before the first collection.
func (a *Aggregator) Summary() (Summary, bool) {
	s, ok := a.Cached()
	if !ok {
		return Summary{}, false
	}
	return s.Summarize(), true
}

// WorkloadDistribution asks the cluster probe how pods spread over nodes.
func (a *Aggregator) WorkloadDistribution(ctx context.Context) (map[string]any, error) {
	p, ok := a.router.First(probe.TypeCluster)
	if !ok {
		return nil, ErrNoClusterProbe
	}
	res, err := a.router.Call(ctx, p.ID, a.distributionTool, nil, a.timeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("workload distribution from %s: %s", p.ID, res.Error)
	}
	return res.Payload, nil
}

// Static is a Source serving a fixed snapshot, restamped on every read so it
// always looks freshly collected.
type Static struct {
	mu   sync.Mutex
	snap *Snapshot
	now  func() time.Time
}

// NewStatic wraps s. A nil s behaves like a farm where no probe answers.
func NewStatic(s *Snapshot) *Static {
	if s == nil {
		s = Build(time.Time{}, DefaultTTL, nil, nil, false)
	}
	return &Static{snap: s.Clone(), now: time.Now}
}

// CollectAll implements Source.
func (st *Static) CollectAll(ctx context.Context, _ bool) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.snap.Clone()
	out.Timestamp = st.now()
	return out, nil
}

// Set replaces the served snapshot.
func (st *Static) Set(s *Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snap = s.Clone()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
