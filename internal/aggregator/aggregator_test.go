package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/softcane/vsf-optimizer/internal/probe"
	"github.com/softcane/vsf-optimizer/internal/probe/probetest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newFarm(t *testing.T, fake *probetest.Client, nodes int, withCluster bool) *probe.Router {
	t.Helper()
	r, err := probe.NewRouter(probe.RouterConfig{
		Clients:        map[string]probe.Client{probe.DefaultTransport: fake},
		DefaultTimeout: 200 * time.Millisecond,
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if withCluster {
		if err := r.Register(probe.Probe{ID: "k8s", Type: probe.TypeCluster}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= nodes; i++ {
		id := fmt.Sprintf("vm-%02d", i)
		if err := r.Register(probe.Probe{ID: id, Type: probe.TypeNode, Hostname: "worker-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func newTestAggregator(t *testing.T, r Router, clock *fakeClock) *Aggregator {
	t.Helper()
	a, err := New(Config{Router: r, TTL: 30 * time.Second, Logger: slog.Default(), now: clock.now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestCollectAll_Aggregates(t *testing.T) {
	fake := probetest.New().
		Reply("vm-01", "system_info", map[string]any{"cpu_percent": 20.0, "memory_percent": 40.0, "power_watts": 100.0, "governor": "schedutil"}).
		Reply("vm-02", "system_info", map[string]any{"cpu_percent": 40.0, "memory_percent": 60.0, "pods": 7}).
		Fail("vm-03", "system_info", errors.New("connection refused")).
		Reply("k8s", "get_cluster_metrics", map[string]any{"total_nodes": 3, "ready_nodes": 3, "schedulable_nodes": 2, "total_pods": 12, "running_pods": 11, "pending_pods": 1})
	r := newFarm(t, fake, 3, true)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTestAggregator(t, r, clock)

	s, err := a.CollectAll(context.Background(), false)
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}

	if s.ProbesQueried != 4 || s.Responding != 3 || s.MissingResponses != 1 {
		t.Errorf("queried/responding/missing = %d/%d/%d, want 4/3/1", s.ProbesQueried, s.Responding, s.MissingResponses)
	}
	if s.AvgCPUPercent != 30 || s.AvgMemoryPercent != 50 {
		t.Errorf("averages = %v/%v, want 30/50", s.AvgCPUPercent, s.AvgMemoryPercent)
	}
	if !s.HasPower || s.TotalPowerWatts != 100 {
		t.Errorf("power = %v (has=%v), want 100", s.TotalPowerWatts, s.HasPower)
	}
	if s.NoData {
		t.Error("NoData set with responders")
	}
	if s.Cluster == nil || s.Cluster.SchedulableNodes != 2 || s.ActiveNodes() != 2 {
		t.Errorf("cluster = %+v, active = %d", s.Cluster, s.ActiveNodes())
	}

	vm1, _ := s.Node("vm-01")
	if vm1.Extra["governor"] != "schedutil" {
		t.Errorf("extra fields not kept: %v", vm1.Extra)
	}
	vm2, _ := s.Node("vm-02")
	if !vm2.HasPods || vm2.PodCount != 7 {
		t.Errorf("pod count = %d (has=%v), want 7", vm2.PodCount, vm2.HasPods)
	}
	vm3, _ := s.Node("vm-03")
	if vm3.Responding() {
		t.Error("vm-03 should not be responding")
	}
}

func TestCollectAll_ZeroResponses(t *testing.T) {
	fake := probetest.New().Fail("", "system_info", errors.New("no route to host"))
	r := newFarm(t, fake, 4, true)
	a := newTestAggregator(t, r, &fakeClock{t: time.Now()})

	s, err := a.CollectAll(context.Background(), true)
	if err != nil {
		t.Fatalf("CollectAll must not fail on probe errors: %v", err)
	}
	if !s.NoData {
		t.Error("expected NoData")
	}
	if s.MissingResponses != s.ProbesQueried || s.ProbesQueried != 5 {
		t.Errorf("missing %d, queried %d", s.MissingResponses, s.ProbesQueried)
	}
	if s.AvgCPUPercent != 0 || s.AvgMemoryPercent != 0 || s.TotalPowerWatts != 0 {
		t.Errorf("aggregates not zero: %+v", s)
	}
	for _, st := range r.Statuses(probe.TypeNode) {
		if st.Health != probe.HealthUnreachable {
			t.Errorf("%s health = %s, want unreachable", st.Probe.ID, st.Health)
		}
	}
}

func TestCollectAll_Cache(t *testing.T) {
	fake := probetest.New().Reply("", "system_info", map[string]any{"cpu_percent": 10.0, "memory_percent": 10.0})
	r := newFarm(t, fake, 2, false)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTestAggregator(t, r, clock)
	ctx := context.Background()

	if _, err := a.CollectAll(ctx, false); err != nil {
		t.Fatal(err)
	}
	calls := len(fake.Calls())
	if calls != 2 {
		t.Fatalf("first collection made %d calls, want 2", calls)
	}

	clock.t = clock.t.Add(10 * time.Second)
	if _, err := a.CollectAll(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := len(fake.Calls()); got != calls {
		t.Errorf("fresh cache should not call probes, calls %d -> %d", calls, got)
	}

	if _, err := a.CollectAll(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := len(fake.Calls()); got != calls+2 {
		t.Errorf("forced refresh made %d calls, want %d", got, calls+2)
	}

	clock.t = clock.t.Add(31 * time.Second)
	if _, err := a.CollectAll(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := len(fake.Calls()); got != calls+4 {
		t.Errorf("stale cache made %d calls, want %d", got, calls+4)
	}
}

func TestCollectAll_ReturnsCopies(t *testing.T) {
	fake := probetest.New().Reply("", "system_info", map[string]any{"cpu_percent": 50.0, "memory_percent": 50.0, "tags": map[string]any{"rack": "a"}})
	r := newFarm(t, fake, 1, false)
	a := newTestAggregator(t, r, &fakeClock{t: time.Now()})

	s, _ := a.CollectAll(context.Background(), false)
	s.AvgCPUPercent = 99
	s.Nodes[0].CPUPercent = 99
	s.Nodes[0].Extra["tags"].(map[string]any)["rack"] = "z"

	cached, ok := a.Cached()
	if !ok {
		t.Fatal("no cached snapshot")
	}
	if cached.AvgCPUPercent != 50 || cached.Nodes[0].CPUPercent != 50 {
		t.Error("caller mutation leaked into cache")
	}
	if cached.Nodes[0].Extra["tags"].(map[string]any)["rack"] != "a" {
		t.Error("nested extra mutation leaked into cache")
	}
}

func TestCollectAll_MultipleMetricTools(t *testing.T) {
	fake := probetest.New().
		Reply("", "system_info", map[string]any{"cpu_percent": 30.0, "memory_percent": 30.0}).
		Reply("vm-01", "power_info", map[string]any{"power_watts": 80.0}).
		Fail("vm-02", "power_info", &probe.ToolError{Tool: "power_info", Message: "no rapl"})
	r := newFarm(t, fake, 2, false)
	a, err := New(Config{Router: r, MetricTools: []string{"system_info", "power_info"}})
	if err != nil {
		t.Fatal(err)
	}

	s, _ := a.CollectAll(context.Background(), true)
	if s.Responding != 1 {
		t.Fatalf("responding = %d, want 1", s.Responding)
	}
	vm2, _ := s.Node("vm-02")
	if !strings.HasPrefix(vm2.Error, "power_info") {
		t.Errorf("vm-02 error = %q", vm2.Error)
	}
	if s.TotalPowerWatts != 80 {
		t.Errorf("power = %v, want 80", s.TotalPowerWatts)
	}
}

func TestCollectAll_Cancelled(t *testing.T) {
	fake := probetest.New().On("", "system_info", probetest.Response{Delay: time.Second})
	r := newFarm(t, fake, 1, false)
	a := newTestAggregator(t, r, &fakeClock{t: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.CollectAll(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := a.Cached(); ok {
		t.Error("cancelled collection must not replace the cache")
	}
}

func TestSummary(t *testing.T) {
	fake := probetest.New().
		Reply("vm-01", "system_info", map[string]any{"cpu_percent": 10.123, "memory_percent": 20.456, "power_watts": 50.006}).
		Reply("vm-02", "system_info", map[string]any{"cpu_percent": 20.0, "memory_percent": 30.0}).
		Reply("k8s", "get_cluster_metrics", map[string]any{"total_nodes": 2, "ready_nodes": 2, "total_pods": 5, "running_pods": 4})
	r := newFarm(t, fake, 2, true)
	a := newTestAggregator(t, r, &fakeClock{t: time.Now()})

	if _, ok := a.Summary(); ok {
		t.Fatal("summary before first collection")
	}
	if _, err := a.CollectAll(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	calls := len(fake.Calls())

	sum, ok := a.Summary()
	if !ok {
		t.Fatal("no summary")
	}
	if len(fake.Calls()) != calls {
		t.Error("Summary must not refresh")
	}
	if sum.TotalProbes != 3 || sum.HealthyProbes != 3 {
		t.Errorf("probes %d/%d", sum.HealthyProbes, sum.TotalProbes)
	}
	if sum.AvgCPUPercent != 15.06 || sum.AvgMemoryPercent != 25.23 {
		t.Errorf("rounded averages = %v/%v", sum.AvgCPUPercent, sum.AvgMemoryPercent)
	}
	if sum.TotalPowerWatts == nil || *sum.TotalPowerWatts != 50.01 {
		t.Errorf("power = %v", sum.TotalPowerWatts)
	}
	if sum.Cluster == nil || sum.Cluster.RunningPods != 4 {
		t.Errorf("cluster summary = %+v", sum.Cluster)
	}
	if !strings.Contains(sum.String(), "probes 3/3 healthy") {
		t.Errorf("String() = %q", sum.String())
	}
}

func TestWorkloadDistribution(t *testing.T) {
	fake := probetest.New().Reply("k8s", "get_workload_distribution", map[string]any{"total_pods": 9})

	a := newTestAggregator(t, newFarm(t, fake, 1, false), &fakeClock{t: time.Now()})
	if _, err := a.WorkloadDistribution(context.Background()); !errors.Is(err, ErrNoClusterProbe) {
		t.Fatalf("expected ErrNoClusterProbe, got %v", err)
	}

	a = newTestAggregator(t, newFarm(t, fake, 1, true), &fakeClock{t: time.Now()})
	d, err := a.WorkloadDistribution(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d["total_pods"] != 9 {
		t.Errorf("distribution = %v", d)
	}
}

func TestSnapshotMetrics(t *testing.T) {
	nodes := []NodeReading{
		{ProbeID: "vm-01", Type: probe.TypeNode, CPUPercent: 10, MemoryPercent: 20},
		{ProbeID: "vm-02", Type: probe.TypeNode, CPUPercent: 30, MemoryPercent: 40, PowerWatts: 60, HasPower: true},
		{ProbeID: "host", Type: probe.TypeHost, CPUPercent: 20, MemoryPercent: 30, PowerWatts: 300, HasPower: true},
		{ProbeID: "vm-03", Type: probe.TypeNode, Error: "timeout"},
	}
	s := Build(time.Now(), DefaultTTL, nodes, nil, true)

	m := s.Metrics()
	want := map[string]float64{
		"active_nodes":      2,
		"total_nodes":       3,
		"responding_probes": 3,
		"missing_responses": 2,
		"avg_cpu_percent":   20,
		"total_power_watts": 360,
		"total_pods":        0,
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}
	for _, name := range MetricNames() {
		if _, ok := m[name]; !ok {
			t.Errorf("metric %s missing", name)
		}
	}
}

func TestStatic(t *testing.T) {
	src := NewStatic(nil)
	s, err := src.CollectAll(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !s.NoData {
		t.Error("empty static source should report NoData")
	}

	src.Set(Build(time.Time{}, time.Second, []NodeReading{{ProbeID: "vm-01", Type: probe.TypeNode, CPUPercent: 42}}, nil, false))
	s, _ = src.CollectAll(context.Background(), false)
	if s.AvgCPUPercent != 42 || !s.Fresh(time.Now()) {
		t.Errorf("static snapshot = %+v", s)
	}
}
