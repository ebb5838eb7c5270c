package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/softcane/vsf-optimizer/internal/metrics"
)

const (
	// DefaultCallTimeout bounds a tool call when neither the caller nor the
	// router config supplies one.
	DefaultCallTimeout = 10 * time.Second

	// DefaultRetryBackoff is the base of the linear retry backoff.
	DefaultRetryBackoff = time.Second
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// Clients maps a transport name to the client serving it.
	Clients map[string]Client

	// DefaultTimeout is used for calls that pass a non-positive timeout.
	DefaultTimeout time.Duration

	// MaxRetries is the number of extra attempts after a transport failure.
	// Tool errors are never retried. Zero disables retries.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration

	// MaxConcurrency caps in-flight calls during a broadcast. Zero means one
	// goroutine per probe.
	MaxConcurrency int

	// CallsPerSecond rate-limits outgoing calls across all probes. Zero
	// disables the limiter.
	CallsPerSecond float64
	Burst          int

	Logger *slog.Logger

	// now is overridden in tests.
	now func() time.Time
}

// entry is a registered probe plus its health bookkeeping. mu guards the
// bookkeeping only; probe is immutable after Register.
type entry struct {
	probe  Probe
	client Client

	mu          sync.Mutex
	health      Health
	lastContact time.Time
	lastSuccess time.Time
	lastError   string
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Probe:       e.probe,
		Health:      e.health,
		LastContact: e.lastContact,
		LastSuccess: e.lastSuccess,
		LastError:   e.lastError,
	}
}

// Router owns the probe registry and dispatches tool calls.
type Router struct {
	clients        map[string]Client
	defaultTimeout time.Duration
	maxRetries     int
	retryBackoff   time.Duration
	maxConcurrency int
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.RWMutex
	byID    map[string]*entry
	byHost  map[string]*entry
	ordered []*entry
}

// NewRouter creates a Router from cfg.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if len(cfg.Clients) == 0 {
		return nil, ErrNoClients
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0, got %d", cfg.MaxConcurrency)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	var limiter *rate.Limiter
	if cfg.CallsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), burst)
	}

	return &Router{
		clients:        maps.Clone(cfg.Clients),
		defaultTimeout: timeout,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   backoff,
		maxConcurrency: cfg.MaxConcurrency,
		limiter:        limiter,
		logger:         logger,
		now:            now,
		byID:           make(map[string]*entry),
		byHost:         make(map[string]*entry),
	}, nil
}

// Register adds a probe to the registry. Its initial health is HealthUnknown.
func (r *Router) Register(p Probe) error {
	if p.ID == "" {
		return &InvalidProbeError{Reason: "id is required"}
	}
	if !p.Type.Valid() {
		return &InvalidProbeError{ID: p.ID, Reason: fmt.Sprintf("invalid type %q", p.Type)}
	}
	if p.Transport == "" {
		p.Transport = DefaultTransport
	}
	client, ok := r.clients[p.Transport]
	if !ok {
		return &InvalidProbeError{ID: p.ID, Reason: fmt.Sprintf("no client for transport %q", p.Transport)}
	}
	p.Metadata = maps.Clone(p.Metadata)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[p.ID]; exists {
		return &DuplicateProbeError{ID: p.ID}
	}
	if p.Hostname != "" {
		if other, taken := r.byHost[p.Hostname]; taken {
			return &InvalidProbeError{ID: p.ID, Reason: fmt.Sprintf("hostname %q already routed to probe %q", p.Hostname, other.probe.ID)}
		}
	}

	e := &entry{probe: p, client: client, health: HealthUnknown}
	r.byID[p.ID] = e
	if p.Hostname != "" {
		r.byHost[p.Hostname] = e
	}
	r.ordered = append(r.ordered, e)

	r.logger.Info("registered probe",
		"probe_id", p.ID,
		"type", p.Type,
		"transport", p.Transport,
		"hostname", p.Hostname,
	)
	return nil
}

// Resolve returns the probe registered under target, which may be a probe id
// or a hostname alias.
func (r *Router) Resolve(target string) (Probe, error) {
	e, err := r.lookup(target)
	if err != nil {
		return Probe{}, err
	}
	return e.probe, nil
}

func (r *Router) lookup(target string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[target]; ok {
		return e, nil
	}
	if e, ok := r.byHost[target]; ok {
		return e, nil
	}
	return nil, &UnknownProbeError{Target: target}
}

// entries returns registered probes matching any of types, in registration
// order. No types means all probes.
func (r *Router) entries(types ...Type) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.ordered))
	for _, e := range r.ordered {
		if matchesType(e.probe.Type, types) {
			out = append(out, e)
		}
	}
	return out
}

func matchesType(t Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// Probes lists registered probes of the given types in registration order.
func (r *Router) Probes(types ...Type) []Probe {
	entries := r.entries(types...)
	out := make([]Probe, len(entries))
	for i, e := range entries {
		out[i] = e.probe
	}
	return out
}

// First returns the first registered probe of type t.
func (r *Router) First(t Type) (Probe, bool) {
	entries := r.entries(t)
	if len(entries) == 0 {
		return Probe{}, false
	}
	return entries[0].probe, true
}

// Status returns the health bookkeeping of a probe.
func (r *Router) Status(target string) (Status, error) {
	e, err := r.lookup(target)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

// Statuses returns health bookkeeping for probes of the given types.
func (r *Router) Statuses(types ...Type) []Status {
	entries := r.entries(types...)
	out := make([]Status, len(entries))
	for i, e := range entries {
		out[i] = e.status()
	}
	return out
}

// Call invokes tool on the probe named by target. Only an unknown target
// produces an error; every other failure is reported in the ToolResult.
func (r *Router) Call(ctx context.Context, target, tool string, params map[string]any, timeout time.Duration) (ToolResult, error) {
	e, err := r.lookup(target)
	if err != nil {
		return ToolResult{}, err
	}
	return r.invoke(ctx, e, tool, params, timeout), nil
}

// Broadcast invokes tool concurrently on every probe of the given types and
// waits for all of them. The result holds exactly one entry per matching
// probe, keyed by probe id.
func (r *Router) Broadcast(ctx context.Context, tool string, params map[string]any, types []Type, timeout time.Duration) map[string]ToolResult {
	targets := r.entries(types...)
	results := make([]ToolResult, len(targets))

	var g errgroup.Group
	if r.maxConcurrency > 0 {
		g.SetLimit(r.maxConcurrency)
	}
	for i, e := range targets {
		g.Go(func() error {
			results[i] = r.invoke(ctx, e, tool, params, timeout)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ToolResult, len(targets))
	for i, e := range targets {
		out[e.probe.ID] = results[i]
	}
	return out
}

func (r *Router) invoke(ctx context.Context, e *entry, tool string, params map[string]any, timeout time.Duration) ToolResult {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	start := time.Now()
	result := ToolResult{ProbeID: e.probe.ID, Tool: tool}

	var (
		payload map[string]any
		err     error
	)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		result.Attempts = attempt + 1
		payload, err = r.attempt(ctx, e, tool, params, timeout)
		if err == nil || IsToolError(err) || attempt == r.maxRetries {
			break
		}

		backoff := r.retryBackoff * time.Duration(attempt+1)
		r.logger.Debug("retrying probe call",
			"probe_id", e.probe.ID,
			"tool", tool,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if !sleepCtx(ctx, backoff) {
			break
		}
	}
	result.Duration = time.Since(start)

	outcome := "success"
	if err != nil {
		result.Error = err.Error()
		outcome = "unreachable"
		if IsToolError(err) {
			outcome = "tool_error"
		}
	} else {
		result.Success = true
		if payload == nil {
			payload = map[string]any{}
		}
		result.Payload = payload
	}

	r.record(e, err)
	metrics.ProbeCalls.WithLabelValues(string(e.probe.Type), tool, outcome).Inc()
	metrics.ProbeCallDuration.WithLabelValues(tool).Observe(result.Duration.Seconds())

	if err != nil {
		r.logger.Warn("probe call failed",
			"probe_id", e.probe.ID,
			"tool", tool,
			"outcome", outcome,
			"attempts", result.Attempts,
			"error", err,
		)
	}
	return result
}

func (r *Router) attempt(ctx context.Context, e *entry, tool string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := e.client.CallTool(callCtx, e.probe, tool, params)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsToolError(err) {
		return nil, fmt.Errorf("call timed out after %s: %w", timeout, err)
	}
	return payload, err
}

// record updates health bookkeeping for one completed call.
func (r *Router) record(e *entry, err error) {
	now := r.now()

	e.mu.Lock()
	e.lastContact = now
	switch {
	case err == nil:
		e.health = HealthHealthy
		e.lastSuccess = now
		e.lastError = ""
	case IsToolError(err):
		e.health = HealthError
		e.lastError = err.Error()
	default:
		e.health = HealthUnreachable
		e.lastError = err.Error()
	}
	health := e.health
	e.mu.Unlock()

	healthy := 0.0
	if health == HealthHealthy {
		healthy = 1
	}
	metrics.ProbeHealth.WithLabelValues(e.probe.ID, string(e.probe.Type)).Set(healthy)
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
