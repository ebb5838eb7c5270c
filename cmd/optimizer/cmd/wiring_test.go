package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/softcane/vsf-optimizer/internal/config"
	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

func readyNode(name string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

// labConfig is a three-node farm: an in-process cluster probe over a fake
// clientset and synthetic node probes.
func labConfig() *config.Config {
	cfg := config.Default()
	cfg.Kubernetes.Enabled = true
	cfg.Controller.SettleDelaySeconds = -1
	cfg.Probes = []probe.Probe{
		{ID: "k8s", Type: probe.TypeCluster, Transport: probe.TransportKubernetes},
		{ID: "vm-01", Type: probe.TypeNode, Transport: probe.TransportSynthetic, Hostname: "worker-01"},
		{ID: "vm-02", Type: probe.TypeNode, Transport: probe.TransportSynthetic, Hostname: "worker-02"},
		{ID: "vm-03", Type: probe.TypeNode, Transport: probe.TransportSynthetic, Hostname: "worker-03"},
	}
	cfg.Policies = []policy.Policy{{
		Name:       "always-power-save",
		Type:       policy.TypePowerSave,
		Thresholds: map[string]float64{"max_avg_cpu": 100},
	}}
	return cfg
}

func newLabStack(t *testing.T) *stack {
	t.Helper()
	cfg := labConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cs := fake.NewSimpleClientset(readyNode("worker-01"), readyNode("worker-02"), readyNode("worker-03"))
	s, err := buildStack(cfg, stackOptions{Kube: cs})
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	return s
}

func TestBuildStack_CollectsFromEveryTransport(t *testing.T) {
	s := newLabStack(t)

	if got := len(s.router.Probes()); got != 4 {
		t.Fatalf("expected 4 registered probes, got %d", got)
	}

	snap, err := s.aggregator.CollectAll(context.Background(), true)
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if snap.NoData || snap.MissingResponses != 0 {
		t.Fatalf("expected every probe to answer, got missing=%d no_data=%v", snap.MissingResponses, snap.NoData)
	}
	if snap.Cluster == nil || snap.Cluster.TotalNodes != 3 {
		t.Fatalf("cluster state = %+v, want 3 nodes", snap.Cluster)
	}
	if got := snap.ActiveNodes(); got != 3 {
		t.Errorf("ActiveNodes = %d, want 3", got)
	}
	for _, st := range s.router.Statuses() {
		if st.Health != probe.HealthHealthy {
			t.Errorf("probe %s health = %s", st.Probe.ID, st.Health)
		}
	}
}

func TestBuildStack_DryRunCycle(t *testing.T) {
	s := newLabStack(t)

	cycle := s.controller.RunCycle(context.Background(), true)

	if cycle.State != controller.StateCompleted {
		t.Fatalf("state = %s (%s)", cycle.State, cycle.Error)
	}
	if len(cycle.Actions) != 1 || cycle.Actions[0].Outcome != controller.OutcomePlanned {
		t.Fatalf("expected one planned action, got %+v", cycle.Actions)
	}
}

func TestBuildStack_LiveCycleAndRollback(t *testing.T) {
	s := newLabStack(t)
	ctx := context.Background()

	cycle := s.controller.RunCycle(ctx, false)
	if cycle.State != controller.StateCompleted || cycle.Count(controller.OutcomeSucceeded) != 1 {
		t.Fatalf("cycle = %s, actions %+v", cycle.State, cycle.Actions)
	}
	if got := len(cycle.Actions[0].Results); got != 3 {
		t.Fatalf("expected one governor result per node probe, got %d", got)
	}

	rb, err := s.controller.Rollback(ctx, cycle.ID, false)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.RollbackOf != cycle.ID || rb.Count(controller.OutcomeSucceeded) != 3 {
		t.Errorf("rollback = %+v", controller.Summarize(rb))
	}
	for _, r := range rb.Actions {
		if r.Action.Params["governor"] != "schedutil" {
			t.Errorf("restored governor = %v, want schedutil", r.Action.Params["governor"])
		}
	}
}

func TestBuildClients(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "mcp only",
			mutate: func(c *config.Config) {},
			want:   []string{probe.DefaultTransport},
		},
		{
			name:   "prometheus url",
			mutate: func(c *config.Config) { c.Prometheus.URL = "http://prometheus:9090" },
			want:   []string{probe.DefaultTransport, probe.TransportPrometheus},
		},
		{
			name: "synthetic probe",
			mutate: func(c *config.Config) {
				c.Probes = []probe.Probe{{ID: "vm-01", Type: probe.TypeNode, Transport: probe.TransportSynthetic}}
			},
			want: []string{probe.DefaultTransport, probe.TransportSynthetic},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			clients, err := buildClients(cfg, nil, nil)
			if err != nil {
				t.Fatalf("buildClients: %v", err)
			}
			if len(clients) != len(tt.want) {
				t.Errorf("got %d clients, want %v", len(clients), tt.want)
			}
			for _, name := range tt.want {
				if _, ok := clients[name]; !ok {
					t.Errorf("missing client %q", name)
				}
			}
		})
	}
}

func TestBuildStack_UnknownTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Probes = []probe.Probe{{ID: "vm-01", Type: probe.TypeNode, Transport: probe.TransportPrometheus}}
	if _, err := buildStack(cfg, stackOptions{}); err == nil {
		t.Fatal("expected error for a probe without a transport client")
	}
}

func TestOutputProbeTable(t *testing.T) {
	s := newLabStack(t)
	var buf bytes.Buffer
	outputProbeTable(&buf, s.router.Statuses())
	out := buf.String()
	for _, want := range []string{"PROBE", "k8s", "kubernetes", "worker-03", "unknown"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
