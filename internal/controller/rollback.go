package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// ErrNotReversible is returned when a cycle has nothing to roll back.
var ErrNotReversible = errors.New("cycle has no reversible actions")

// Rollback reverts the node removals and governor changes of a live cycle:
// drained or cordoned nodes are made schedulable again and governors are
// restored to the value each probe reported before the change. The rollback
// runs as a cycle of its own, stored in history with RollbackOf set.
func (c *Controller) Rollback(ctx context.Context, cycleID string, dryRun bool) (*Cycle, error) {
	target, err := c.Cycle(cycleID)
	if err != nil {
		return nil, err
	}
	if target.DryRun {
		return nil, fmt.Errorf("%w: %s was a dry run", ErrNotReversible, cycleID)
	}
	actions := reverseActions(target)
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotReversible, cycleID)
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	defer func() {
		c.setCancel(nil)
		cancel()
	}()

	cycle := &Cycle{
		ID:         uuid.NewString()[:8],
		StartedAt:  c.now(),
		DryRun:     dryRun,
		RollbackOf: cycleID,
		Triggered:  []string{rollbackPolicy(cycleID)},
	}
	logger := c.logger.With("cycle_id", cycle.ID, "rollback_of", cycleID, "dry_run", dryRun)
	logger.Info("starting rollback", "actions", len(actions))

	cycle.transition(StateExecuting, c.now())
	if _, cancelled := c.execute(cycleCtx, cycle, actions, logger); cancelled {
		cycle.Error = "cancelled before all actions ran"
		cycle.transition(StateCancelled, c.now())
	} else {
		cycle.transition(StateCompleted, c.now())
	}
	return c.finish(ctx, cycle, logger), nil
}

func rollbackPolicy(cycleID string) string {
	return "rollback:" + cycleID
}

// reverseActions derives the undo plan of c, newest change first.
func reverseActions(c *Cycle) []policy.Action {
	name := rollbackPolicy(c.ID)
	var (
		uncordon []string
		out      []policy.Action
	)
	addNode := func(node string) {
		if node != "" && !slices.Contains(uncordon, node) {
			uncordon = append(uncordon, node)
		}
	}

	for i := len(c.Actions) - 1; i >= 0; i-- {
		rec := c.Actions[i]
		if rec.Outcome != OutcomeSucceeded && rec.Outcome != OutcomeFailed {
			continue
		}
		a := rec.Action
		switch a.Tool {
		case policy.ToolDrainNode:
			// A failed drain may still have cordoned the node.
			addNode(a.Node())
		case policy.ToolSetNodeSchedulable:
			if s, ok := probe.Bool(a.Params, "schedulable"); ok && !s {
				addNode(a.Node())
			}
		case policy.ToolConsolidateWorkloads:
			for _, r := range rec.Results {
				nodes, _ := probe.Strings(r.Payload, "source_nodes")
				for _, n := range nodes {
					addNode(n)
				}
			}
		case policy.ToolSetGovernor:
			// A failed broadcast still changed the probes that answered.
			for _, r := range rec.Results {
				prev, ok := probe.String(r.Payload, "previous")
				if !r.Success || !ok || prev == "" {
					continue
				}
				out = append(out, policy.Action{
					Policy:    name,
					Target:    r.ProbeID,
					ProbeType: a.ProbeType,
					Tool:      policy.ToolSetGovernor,
					Params:    map[string]any{"governor": prev},
					Reason:    fmt.Sprintf("restore governor changed by %s", a.Policy),
				})
			}
		}
	}

	for _, node := range uncordon {
		out = append(out, policy.Action{
			Policy:    name,
			Target:    policy.TargetCluster,
			ProbeType: probe.TypeCluster,
			Tool:      policy.ToolSetNodeSchedulable,
			Params:    map[string]any{"node_name": node, "schedulable": true},
			Reason:    "return node to service",
		})
	}
	return out
}
