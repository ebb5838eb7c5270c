// Package controller implements the VSF optimization loop. Each cycle
// collects a fresh snapshot, evaluates the policies on it and executes the
// resulting actions in order, keeping a bounded history for audit and
// rollback.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/metrics"
	"github.com/softcane/vsf-optimizer/internal/policy"
)

const (
	// DefaultMaxHistory is the number of cycles kept when Config.MaxHistory
	// is zero.
	DefaultMaxHistory = 100

	// DefaultSettleDelay is the pause between the last live action and the
	// follow-up collection.
	DefaultSettleDelay = time.Second
)

var (
	// ErrUnknownCycle is returned for a cycle id not in history.
	ErrUnknownCycle = errors.New("unknown cycle")

	// ErrUnknownPolicy is returned for a policy name not registered.
	ErrUnknownPolicy = errors.New("unknown policy")
)

// Reporter receives the summary of every finished cycle.
type Reporter interface {
	Report(ctx context.Context, s CycleSummary) error
}

// Config holds controller configuration.
type Config struct {
	Source aggregator.Source
	Router Router

	// Evaluator defaults to a policy.Evaluator sharing Logger.
	Evaluator *policy.Evaluator

	// Policies are registered in order, as by AddPolicy.
	Policies []policy.Policy

	Guardrails GuardrailConfig

	// ActionTimeout is the per-call timeout of action tool calls. Zero uses
	// the router default.
	ActionTimeout time.Duration

	// SettleDelay is waited after live actions before re-collecting. A
	// negative value disables the wait.
	SettleDelay time.Duration

	MaxHistory int
	Reporter   Reporter
	Logger     *slog.Logger

	now func() time.Time
}

// Controller orchestrates optimization cycles. Cycles never overlap.
type Controller struct {
	source     aggregator.Source
	router     Router
	evaluator  *policy.Evaluator
	executor   *Executor
	guardrails GuardrailConfig
	settle     time.Duration
	maxHistory int
	reporter   Reporter
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	policies []policy.Policy
	history  []*Cycle

	// cycleMu serializes cycles; cancelMu guards cancel.
	cycleMu  sync.Mutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	running bool
	stopCh  chan struct{}
}

// New creates a new Controller instance.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.MaxHistory < 0 {
		return nil, fmt.Errorf("maxHistory must be >= 0, got %d", cfg.MaxHistory)
	}
	if f := cfg.Guardrails.MaxDrainFraction; f < 0 || f > 1 {
		return nil, fmt.Errorf("maxDrainFraction must be between 0 and 1, got %v", f)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = policy.NewEvaluator(logger)
	}
	settle := cfg.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	}
	maxHistory := cfg.MaxHistory
	if maxHistory == 0 {
		maxHistory = DefaultMaxHistory
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		source:     cfg.Source,
		router:     cfg.Router,
		evaluator:  evaluator,
		executor:   NewExecutor(cfg.Router, cfg.ActionTimeout, logger),
		guardrails: cfg.Guardrails,
		settle:     settle,
		maxHistory: maxHistory,
		reporter:   cfg.Reporter,
		logger:     logger,
		now:        now,
		stopCh:     make(chan struct{}),
	}
	for _, p := range cfg.Policies {
		if err := c.AddPolicy(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddPolicy validates p and registers it. A policy with the same name is
// replaced in place, keeping its position in the tie-break order.
func (c *Controller) AddPolicy(p policy.Policy) error {
	p = p.Clone()
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.policies {
		if c.policies[i].Name == p.Name {
			c.policies[i] = p
			c.logger.Info("replaced policy", "policy", p.Name, "type", p.Type, "priority", p.Priority)
			return nil
		}
	}
	c.policies = append(c.policies, p)
	c.logger.Info("added policy", "policy", p.Name, "type", p.Type, "priority", p.Priority)
	return nil
}

// RemovePolicy unregisters a policy. It reports whether it existed.
func (c *Controller) RemovePolicy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.policies)
	c.policies = slices.DeleteFunc(c.policies, func(p policy.Policy) bool { return p.Name == name })
	return len(c.policies) != before
}

// SetPolicyEnabled enables or disables a registered policy.
func (c *Controller) SetPolicyEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.policies {
		if c.policies[i].Name == name {
			c.policies[i].Disabled = !enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
}

// Policies returns copies of the registered policies in registration order.
func (c *Controller) Policies() []policy.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]policy.Policy, len(c.policies))
	for i := range c.policies {
		out[i] = c.policies[i].Clone()
	}
	return out
}

// RunCycle runs one full cycle and returns its record. It never panics or
// fails: problems are reported through the cycle's state and error.
func (c *Controller) RunCycle(ctx context.Context, dryRun bool) *Cycle {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	defer func() {
		c.setCancel(nil)
		cancel()
	}()

	cycle := &Cycle{
		ID:        uuid.NewString()[:8],
		StartedAt: c.now(),
		DryRun:    dryRun,
	}
	logger := c.logger.With("cycle_id", cycle.ID, "dry_run", dryRun)
	logger.Info("starting optimization cycle")

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("optimization cycle panicked", "panic", r)
				cycle.Error = fmt.Sprintf("panic: %v", r)
				cycle.transition(StateFailed, c.now())
			}
		}()
		c.runCycle(cycleCtx, cycle, logger)
	}()

	return c.finish(ctx, cycle, logger)
}

func (c *Controller) runCycle(ctx context.Context, cycle *Cycle, logger *slog.Logger) {
	cycle.transition(StateCollecting, c.now())
	before, err := c.source.CollectAll(ctx, true)
	switch {
	case err != nil && ctx.Err() != nil:
		cycle.Error = fmt.Sprintf("cancelled during collection: %v", err)
		cycle.transition(StateCancelled, c.now())
		return
	case err != nil:
		cycle.Error = fmt.Sprintf("collect metrics: %v", err)
		cycle.transition(StateFailed, c.now())
		return
	case before == nil || before.NoData:
		cycle.Before = before
		cycle.Error = "no probe responded; cannot evaluate policies"
		cycle.transition(StateFailed, c.now())
		return
	}
	cycle.Before = before

	cycle.transition(StateEvaluating, c.now())
	ev := c.evaluator.Evaluate(before, c.Policies())
	cycle.Triggered = ev.PolicyNames()
	cycle.Conflicts = ev.Conflicts
	if len(ev.Actions) == 0 {
		logger.Info("no actions planned", "triggered", len(ev.Triggered))
		cycle.transition(StateCompleted, c.now())
		return
	}

	cycle.transition(StateExecuting, c.now())
	live, cancelled := c.execute(ctx, cycle, ev.Actions, logger)
	if cancelled {
		cycle.Error = "cancelled before all actions ran"
		cycle.transition(StateCancelled, c.now())
		return
	}
	if live > 0 {
		cycle.After = c.collectAfter(ctx, logger)
	}
	cycle.transition(StateCompleted, c.now())
}

// execute runs actions strictly in order. It returns how many reached a
// probe and whether cancellation skipped any. Cancellation is honoured
// between actions only: a started action runs on a context detached from
// ctx, bounded by its own call timeout.
func (c *Controller) execute(ctx context.Context, cycle *Cycle, actions []policy.Action, logger *slog.Logger) (int, bool) {
	guard := NewGuardrailChecker(c.guardrails, cycle.Before, logger)
	live := 0

	for i, a := range actions {
		if ctx.Err() != nil {
			for _, rest := range actions[i:] {
				cycle.Actions = append(cycle.Actions, ActionRecord{
					Action:  rest,
					Outcome: OutcomeSkipped,
					Error:   "cycle cancelled",
				})
				metrics.ActionTaken.WithLabelValues(rest.Tool, string(OutcomeSkipped)).Inc()
			}
			logger.Warn("cycle cancelled; skipping remaining actions", "skipped", len(actions)-i)
			return live, true
		}

		a.DryRun = a.DryRun || cycle.DryRun
		var result GuardrailResult
		a, result = guard.Admit(a)
		rec := ActionRecord{Action: a, StartedAt: c.now()}

		if !result.Approved {
			rec.Outcome = OutcomeSkipped
			rec.Error = fmt.Sprintf("blocked by %s guardrail: %s", result.GuardrailName, result.Reason)
			metrics.GuardrailBlocked.WithLabelValues(result.GuardrailName).Inc()
		} else if a.DryRun {
			rec.Outcome = OutcomePlanned
			logger.Info("dry-run: planned action",
				"policy", a.Policy,
				"tool", a.Tool,
				"target", a.Target,
				"node", a.Node(),
			)
		} else {
			live++
			results, err := c.executor.Execute(context.WithoutCancel(ctx), a)
			rec.Results = results
			rec.Outcome = OutcomeSucceeded
			if err != nil {
				rec.Outcome = OutcomeFailed
				rec.Error = err.Error()
				cycle.PartialFailure = true
				logger.Error("action failed",
					"policy", a.Policy,
					"tool", a.Tool,
					"node", a.Node(),
					"error", err,
				)
			}
		}

		rec.Duration = c.now().Sub(rec.StartedAt)
		cycle.Actions = append(cycle.Actions, rec)
		metrics.ActionTaken.WithLabelValues(a.Tool, string(rec.Outcome)).Inc()
	}
	return live, false
}

// collectAfter re-collects once live actions had time to take effect. A
// failure leaves the cycle without an after snapshot.
func (c *Controller) collectAfter(ctx context.Context, logger *slog.Logger) *aggregator.Snapshot {
	if c.settle > 0 {
		t := time.NewTimer(c.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	after, err := c.source.CollectAll(ctx, true)
	if err != nil || after == nil || after.NoData {
		logger.Warn("post-action collection unavailable", "error", err)
		return nil
	}
	return after
}

func (c *Controller) finish(ctx context.Context, cycle *Cycle, logger *slog.Logger) *Cycle {
	cycle.EndedAt = c.now()
	c.store(cycle)

	duration := cycle.EndedAt.Sub(cycle.StartedAt)
	metrics.Cycles.WithLabelValues(string(cycle.State), metrics.BoolLabel(cycle.DryRun)).Inc()
	metrics.CycleDuration.Observe(duration.Seconds())

	logger.Info("optimization cycle finished",
		"state", cycle.State,
		"triggered", len(cycle.Triggered),
		"actions", len(cycle.Actions),
		"failed", cycle.Count(OutcomeFailed),
		"partial_failure", cycle.PartialFailure,
		"duration", duration,
		"error", cycle.Error,
	)

	if c.reporter != nil {
		if err := c.reporter.Report(context.WithoutCancel(ctx), Summarize(cycle)); err != nil {
			logger.Warn("failed to report cycle", "error", err)
		}
	}
	return cycle.clone()
}

func (c *Controller) store(cycle *Cycle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, cycle)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
}

func (c *Controller) setCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.cancel = cancel
}

// Cancel asks the running cycle to stop before its next action. It reports
// whether a cycle was running.
func (c *Controller) Cancel() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// History returns copies of the stored cycles, oldest first.
func (c *Controller) History() []*Cycle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Cycle, len(c.history))
	for i, cy := range c.history {
		out[i] = cy.clone()
	}
	return out
}

// Cycle returns a copy of the stored cycle with the given id.
func (c *Controller) Cycle(id string) (*Cycle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cy := range c.history {
		if cy.ID == id {
			return cy.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCycle, id)
}

// Summary returns the summary of a stored cycle.
func (c *Controller) Summary(id string) (CycleSummary, error) {
	cy, err := c.Cycle(id)
	if err != nil {
		return CycleSummary{}, err
	}
	return Summarize(cy), nil
}

// Start runs a cycle immediately and then every interval until ctx is done
// or Stop is called.
func (c *Controller) Start(ctx context.Context, interval time.Duration, dryRun bool) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %s", interval)
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	stopCh := c.stopCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.stopCh == stopCh {
			c.running = false
		}
		c.mu.Unlock()
	}()

	c.logger.Info("controller starting",
		"interval", interval,
		"dry_run", dryRun,
		"policies", len(c.Policies()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.RunCycle(ctx, dryRun)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped by context")
			return ctx.Err()
		case <-stopCh:
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
			c.RunCycle(ctx, dryRun)
		}
	}
}

// Stop stops the loop started by Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.stopCh = make(chan struct{})
		c.running = false
	}
}
