package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Router is the part of probe.Router the executor needs.
type Router interface {
	Call(ctx context.Context, target, tool string, params map[string]any, timeout time.Duration) (probe.ToolResult, error)
	Broadcast(ctx context.Context, tool string, params map[string]any, types []probe.Type, timeout time.Duration) map[string]probe.ToolResult
	First(t probe.Type) (probe.Probe, bool)
}

// errNoTarget means an action's target resolved to no probe.
var errNoTarget = errors.New("no probe to run the action on")

// Executor runs planned actions through the router.
type Executor struct {
	router  Router
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an Executor. timeout is the per-call timeout; zero
// uses the router default.
func NewExecutor(router Router, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{router: router, timeout: timeout, logger: logger}
}

// Execute runs a against its target and returns every tool result, ordered by
// probe id. The error is non-nil when the action did not fully succeed.
func (e *Executor) Execute(ctx context.Context, a policy.Action) ([]probe.ToolResult, error) {
	e.logger.Info("executing action",
		"policy", a.Policy,
		"tool", a.Tool,
		"target", a.Target,
		"node", a.Node(),
	)

	var results []probe.ToolResult
	switch a.Target {
	case policy.TargetBroadcast:
		byProbe := e.router.Broadcast(ctx, a.Tool, a.Params, []probe.Type{a.ProbeType}, e.timeout)
		if len(byProbe) == 0 {
			return nil, fmt.Errorf("%w: no %s probes registered", errNoTarget, a.ProbeType)
		}
		for _, r := range byProbe {
			results = append(results, r)
		}
		sort.Slice(results, func(i, j int) bool { return results[i].ProbeID < results[j].ProbeID })

	case policy.TargetCluster:
		p, ok := e.router.First(probe.TypeCluster)
		if !ok {
			return nil, fmt.Errorf("%w: no cluster probe registered", errNoTarget)
		}
		r, err := e.router.Call(ctx, p.ID, a.Tool, a.Params, e.timeout)
		if err != nil {
			return nil, err
		}
		results = append(results, r)

	default:
		r, err := e.router.Call(ctx, a.Target, a.Tool, a.Params, e.timeout)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, resultsError(results)
}

// resultsError folds failed results into one error. A probe reporting
// success=false in its payload counts as failed.
func resultsError(results []probe.ToolResult) error {
	var failed []string
	for _, r := range results {
		if msg, ok := failure(r); ok {
			failed = append(failed, fmt.Sprintf("%s: %s", r.ProbeID, msg))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d calls failed: %s", len(failed), len(results), strings.Join(failed, "; "))
}

func failure(r probe.ToolResult) (string, bool) {
	if !r.Success {
		return r.Error, true
	}
	if ok, present := probe.Bool(r.Payload, "success"); present && !ok {
		msg, _ := probe.String(r.Payload, "message")
		if msg == "" {
			msg = "probe reported success=false"
		}
		return msg, true
	}
	return "", false
}
