package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/metrics"
	"github.com/softcane/vsf-optimizer/internal/probe"
	"github.com/softcane/vsf-optimizer/internal/probe/probetest"
)

// clusterProbeID is registered for injected snapshots without a cluster probe.
const clusterProbeID = "k8s"

// Runner runs scenarios.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// RunAll runs every scenario on its own farm and aggregates the results.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario) Report {
	rep := Report{Results: make([]Result, 0, len(scenarios))}
	for _, sc := range scenarios {
		res := r.RunScenario(ctx, sc)
		rep.Results = append(rep.Results, res)
		if res.Passed {
			rep.Passed++
		}
	}
	rep.Total = len(rep.Results)
	rep.Failed = rep.Total - rep.Passed
	if rep.Total > 0 {
		rep.PassRate = float64(rep.Passed) / float64(rep.Total)
	}
	r.logger.Info("scenario run finished",
		"total", rep.Total,
		"passed", rep.Passed,
		"failed", rep.Failed,
	)
	return rep
}

// RunScenario runs one cycle of sc and compares it with the expectations.
// Setup errors fail the scenario; they are never returned.
func (r *Runner) RunScenario(ctx context.Context, sc Scenario) Result {
	logger := r.logger.With("scenario", sc.Name)
	res := Result{Name: sc.Name, StartedAt: time.Now()}
	defer func() {
		res.EndedAt = time.Now()
		metrics.ScenarioResults.WithLabelValues(passLabel(res.Passed)).Inc()
		logger.Info("scenario finished", "passed", res.Passed, "state", res.State, "duration", res.Duration())
	}()

	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := newFarm(sc, logger)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	cycle := f.ctrl.RunCycle(ctx, sc.DryRun)
	summary := controller.Summarize(cycle)
	res.Summary = &summary
	res.State = cycle.State
	res.Triggered = cycle.Triggered

	after := cycle.After
	if after == nil {
		after, _ = f.source.CollectAll(ctx, true)
	}

	passed := true
	wantState := sc.ExpectedState
	if wantState == "" {
		wantState = controller.StateCompleted
	}
	if cycle.State != wantState {
		passed = false
		res.Error = fmt.Sprintf("state %s, want %s", cycle.State, wantState)
		if cycle.Error != "" {
			res.Error += ": " + cycle.Error
		}
	}

	res.Actions, res.Diff = diffActions(sc.ExpectedActions, cycle.Actions)
	if res.Diff != "" {
		passed = false
	}

	for _, c := range sc.Checks {
		cr := f.check(c, cycle, after)
		res.Checks = append(res.Checks, cr)
		passed = passed && cr.Passed
	}
	res.Passed = passed
	return res
}

func passLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}

// farm is the isolated router, source and controller of one scenario.
type farm struct {
	router *probe.Router
	source aggregator.Source
	ctrl   *controller.Controller
}

func newFarm(sc Scenario, logger *slog.Logger) (*farm, error) {
	fake := probetest.New()
	for _, resp := range sc.Responses {
		if resp.Error != "" {
			fake.Fail(resp.ProbeID, resp.Tool, errors.New(resp.Error))
			continue
		}
		fake.Reply(resp.ProbeID, resp.Tool, resp.Payload)
	}

	router, err := probe.NewRouter(probe.RouterConfig{
		Clients:        map[string]probe.Client{probe.DefaultTransport: fake},
		DefaultTimeout: 5 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	probes := sc.Probes
	if sc.Snapshot != nil && len(probes) == 0 {
		probes = probesFor(sc.Snapshot)
	}
	for _, p := range probes {
		if err := router.Register(p); err != nil {
			return nil, fmt.Errorf("register probe: %w", err)
		}
	}

	var source aggregator.Source
	if sc.Snapshot != nil {
		source = aggregator.NewStatic(sc.Snapshot)
	} else {
		agg, err := aggregator.New(aggregator.Config{Router: router, Logger: logger})
		if err != nil {
			return nil, err
		}
		source = agg
	}

	ctrl, err := controller.New(controller.Config{
		Source:      source,
		Router:      router,
		Policies:    sc.Policies,
		SettleDelay: -1,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	return &farm{router: router, source: source, ctrl: ctrl}, nil
}

// probesFor derives the probes behind an injected snapshot.
func probesFor(s *aggregator.Snapshot) []probe.Probe {
	out := []probe.Probe{{ID: clusterProbeID, Type: probe.TypeCluster}}
	for _, n := range s.Nodes {
		p := probe.Probe{ID: n.ProbeID, Type: n.Type, Hostname: n.Hostname}
		if n.NodeName != "" && n.NodeName != n.Hostname {
			p.Metadata = map[string]string{"node_name": n.NodeName}
		}
		out = append(out, p)
	}
	return out
}

// diffActions projects the executed actions onto the shape of the
// expectations and diffs the two lists.
func diffActions(want []ExpectedAction, records []controller.ActionRecord) ([]ExpectedAction, string) {
	got := make([]ExpectedAction, len(records))
	for i, rec := range records {
		a := ExpectedAction{Tool: rec.Action.Tool, Target: rec.Action.Target}
		if i < len(want) {
			if want[i].Target == "" {
				a.Target = ""
			}
			for k := range want[i].Params {
				if v, ok := rec.Action.Params[k]; ok {
					if a.Params == nil {
						a.Params = map[string]any{}
					}
					a.Params[k] = normalize(v)
				}
			}
		}
		got[i] = a
	}

	expected := make([]ExpectedAction, len(want))
	for i, w := range want {
		e := ExpectedAction{Tool: w.Tool, Target: w.Target}
		for k, v := range w.Params {
			if e.Params == nil {
				e.Params = map[string]any{}
			}
			e.Params[k] = normalize(v)
		}
		expected[i] = e
	}
	return got, cmp.Diff(expected, got, cmpopts.EquateEmpty())
}

// normalize makes numbers and string lists decoded from different sources
// comparable.
func normalize(v any) any {
	switch t := v.(type) {
	case string, bool, nil:
		return t
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return t
			}
			out = append(out, s)
		}
		return out
	}
	if f, ok := probe.ToFloat(v); ok {
		return f
	}
	return v
}

func (f *farm) check(c Check, cycle *controller.Cycle, after *aggregator.Snapshot) CheckResult {
	res := CheckResult{Type: c.Type}
	switch c.Type {
	case CheckActionCount:
		got := len(cycle.Actions)
		res.Passed = got == c.Expected
		res.Message = fmt.Sprintf("expected %d actions, got %d", c.Expected, got)

	case CheckMetricChange:
		if cycle.Before == nil || after == nil {
			res.Message = "no before or after snapshot"
			return res
		}
		before, okB := cycle.Before.Metrics()[c.Metric]
		now, okA := after.Metrics()[c.Metric]
		if !okB || !okA {
			res.Message = fmt.Sprintf("unknown metric %q", c.Metric)
			return res
		}
		switch c.Direction {
		case Increase:
			res.Passed = now >= before
		case Unchanged:
			res.Passed = now == before
		default:
			res.Passed = now <= before
		}
		dir := c.Direction
		if dir == "" {
			dir = Decrease
		}
		res.Message = fmt.Sprintf("%s %s: %.2f -> %.2f", c.Metric, dir, before, now)

	case CheckProbeHealth:
		var unhealthy []string
		for _, st := range f.router.Statuses() {
			if st.Health == probe.HealthUnreachable || st.Health == probe.HealthError {
				unhealthy = append(unhealthy, st.Probe.ID)
			}
		}
		if after != nil && after.MissingResponses > 0 && len(unhealthy) == 0 {
			unhealthy = append(unhealthy, fmt.Sprintf("%d missing responses", after.MissingResponses))
		}
		res.Passed = len(unhealthy) == 0
		res.Message = "all probes healthy"
		if !res.Passed {
			res.Message = fmt.Sprintf("unhealthy: %v", unhealthy)
		}

	default:
		res.Message = fmt.Sprintf("unknown check type %q", c.Type)
	}
	return res
}
