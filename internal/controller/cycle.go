package controller

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// State is the position of a cycle in its state machine:
// COLLECTING -> EVALUATING -> EXECUTING -> COMPLETED, or FAILED / CANCELLED.
type State string

const (
	StateCollecting State = "COLLECTING"
	StateEvaluating State = "EVALUATING"
	StateExecuting  State = "EXECUTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Outcome is what happened to one planned action.
type Outcome string

const (
	OutcomePlanned   Outcome = "planned"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Transition records entering a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// ActionRecord is one action of a cycle and its outcome.
type ActionRecord struct {
	Action    policy.Action      `json:"action"`
	Outcome   Outcome            `json:"outcome"`
	Results   []probe.ToolResult `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// Cycle is the record of one collect, evaluate and execute pass. Cycles
// returned by the controller are copies; the stored history never changes.
type Cycle struct {
	ID          string       `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
	DryRun      bool         `json:"dry_run"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`

	Before *aggregator.Snapshot `json:"before,omitempty"`
	After  *aggregator.Snapshot `json:"after,omitempty"`

	Triggered []string       `json:"triggered"`
	Conflicts []string       `json:"conflicts,omitempty"`
	Actions   []ActionRecord `json:"actions"`

	PartialFailure bool   `json:"partial_failure"`
	Error          string `json:"error,omitempty"`

	// RollbackOf is the id of the cycle this one reverted.
	RollbackOf string `json:"rollback_of,omitempty"`
}

func (c *Cycle) transition(s State, at time.Time) {
	c.State = s
	c.Transitions = append(c.Transitions, Transition{State: s, At: at})
}

// Succeeded reports whether the cycle completed with no failed action.
func (c *Cycle) Succeeded() bool {
	return c.State == StateCompleted && !c.PartialFailure
}

// Count returns the number of actions with outcome o.
func (c *Cycle) Count(o Outcome) int {
	n := 0
	for _, r := range c.Actions {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

func (c *Cycle) clone() *Cycle {
	out := *c
	out.Transitions = slices.Clone(c.Transitions)
	out.Triggered = slices.Clone(c.Triggered)
	out.Conflicts = slices.Clone(c.Conflicts)
	out.Before = c.Before.Clone()
	out.After = c.After.Clone()
	out.Actions = make([]ActionRecord, len(c.Actions))
	for i, r := range c.Actions {
		r.Results = slices.Clone(r.Results)
		out.Actions[i] = r
	}
	return &out
}

// CycleSummary is the operator-facing report of a cycle.
type CycleSummary struct {
	CycleID         string    `json:"cycle_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	DryRun          bool      `json:"dry_run"`
	State           State     `json:"state"`
	Success         bool      `json:"success"`
	PartialFailure  bool      `json:"partial_failure"`
	Error           string    `json:"error,omitempty"`
	RollbackOf      string    `json:"rollback_of,omitempty"`

	TriggeredPolicies []string        `json:"triggered_policies"`
	Conflicts         []string        `json:"conflicts,omitempty"`
	Actions           []ActionSummary `json:"actions"`
	ActionsPlanned    int             `json:"actions_planned"`
	ActionsSucceeded  int             `json:"actions_succeeded"`
	ActionsFailed     int             `json:"actions_failed"`
	ActionsSkipped    int             `json:"actions_skipped"`

	Before *aggregator.Summary `json:"before,omitempty"`
	After  *aggregator.Summary `json:"after,omitempty"`
	Deltas *Deltas             `json:"deltas,omitempty"`
}

// ActionSummary is one line of a CycleSummary.
type ActionSummary struct {
	Policy     string  `json:"policy"`
	Tool       string  `json:"tool"`
	Target     string  `json:"target"`
	Node       string  `json:"node,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// Deltas are after minus before.
type Deltas struct {
	TotalPowerWatts  float64 `json:"total_power_watts"`
	AvgCPUPercent    float64 `json:"avg_cpu_percent"`
	AvgMemoryPercent float64 `json:"avg_memory_percent"`
	ActiveNodes      int     `json:"active_nodes"`
}

// Summarize builds the report of c. Deltas are present only when both
// snapshots are.
func Summarize(c *Cycle) CycleSummary {
	s := CycleSummary{
		CycleID:           c.ID,
		StartedAt:         c.StartedAt,
		EndedAt:           c.EndedAt,
		DryRun:            c.DryRun,
		State:             c.State,
		Success:           c.Succeeded(),
		PartialFailure:    c.PartialFailure,
		Error:             c.Error,
		RollbackOf:        c.RollbackOf,
		TriggeredPolicies: slices.Clone(c.Triggered),
		Conflicts:         slices.Clone(c.Conflicts),
		Actions:           make([]ActionSummary, 0, len(c.Actions)),
		ActionsPlanned:    c.Count(OutcomePlanned),
		ActionsSucceeded:  c.Count(OutcomeSucceeded),
		ActionsFailed:     c.Count(OutcomeFailed),
		ActionsSkipped:    c.Count(OutcomeSkipped),
	}
	if s.TriggeredPolicies == nil {
		s.TriggeredPolicies = []string{}
	}
	if !c.EndedAt.IsZero() {
		s.DurationSeconds = round2(c.EndedAt.Sub(c.StartedAt).Seconds())
	}
	for _, r := range c.Actions {
		s.Actions = append(s.Actions, ActionSummary{
			Policy:     r.Action.Policy,
			Tool:       r.Action.Tool,
			Target:     r.Action.Target,
			Node:       r.Action.Node(),
			Outcome:    r.Outcome,
			Error:      r.Error,
			DurationMs: round2(float64(r.Duration) / float64(time.Millisecond)),
		})
	}
	if c.Before != nil {
		b := c.Before.Summarize()
		s.Before = &b
	}
	if c.After != nil {
		a := c.After.Summarize()
		s.After = &a
	}
	if c.Before != nil && c.After != nil {
		s.Deltas = &Deltas{
			TotalPowerWatts:  round2(c.After.TotalPowerWatts - c.Before.TotalPowerWatts),
			AvgCPUPercent:    round2(c.After.AvgCPUPercent - c.Before.AvgCPUPercent),
			AvgMemoryPercent: round2(c.After.AvgMemoryPercent - c.Before.AvgMemoryPercent),
			ActiveNodes:      c.After.ActiveNodes() - c.Before.ActiveNodes(),
		}
	}
	return s
}

// String renders the summary for a terminal.
func (s CycleSummary) String() string {
	var b strings.Builder
	mode := "live"
	if s.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(&b, "cycle %s [%s] %s in %.2fs\n", s.CycleID, mode, s.State, s.DurationSeconds)
	if s.RollbackOf != "" {
		fmt.Fprintf(&b, "  rollback of %s\n", s.RollbackOf)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", s.Error)
	}
	if len(s.TriggeredPolicies) == 0 {
		b.WriteString("  no policy triggered\n")
	} else {
		fmt.Fprintf(&b, "  triggered: %s\n", strings.Join(s.TriggeredPolicies, ", "))
	}
	for _, c := range s.Conflicts {
		fmt.Fprintf(&b, "  conflict: %s\n", c)
	}
	for i, a := range s.Actions {
		target := a.Target
		if a.Node != "" {
			target += " " + a.Node
		}
		fmt.Fprintf(&b, "  %2d. %-10s %s -> %s", i+1, a.Outcome, a.Tool, target)
		if a.Error != "" {
			fmt.Fprintf(&b, " (%s)", a.Error)
		}
		b.WriteString("\n")
	}
	if s.Before != nil {
		fmt.Fprintf(&b, "  before: %s\n", s.Before)
	}
	if s.After != nil {
		fmt.Fprintf(&b, "  after:  %s\n", s.After)
	}
	if d := s.Deltas; d != nil {
		fmt.Fprintf(&b, "  delta: power %+.2fW, cpu %+.2f%%, memory %+.2f%%, active nodes %+d\n",
			d.TotalPowerWatts, d.AvgCPUPercent, d.AvgMemoryPercent, d.ActiveNodes)
	}
	if s.PartialFailure {
		fmt.Fprintf(&b, "  partial failure: %d of %d actions failed\n", s.ActionsFailed, len(s.Actions))
	}
	return b.String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
