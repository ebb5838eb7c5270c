// Package probetest provides a scripted, recording probe.Client for tests and
// the scenario harness.
package probetest

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Response is the scripted answer to a tool call.
type Response struct {
	Payload map[string]any
	// Err is returned as is. Use *probe.ToolError for remote tool failures.
	Err error
	// Delay is waited before answering; a done context aborts the wait.
	Delay time.Duration
}

// Call is one recorded tool call.
type Call struct {
	ProbeID string
	Tool    string
	Params  map[string]any
	At      time.Time
}

type key struct {
	probeID string
	tool    string
}

// Client answers tool calls from a script and records every call it receives.
// Lookups try (probe, tool) first, then (any probe, tool). Unscripted calls
// fail with a *probe.ToolError, mirroring a probe without that tool.
type Client struct {
	mu        sync.Mutex
	responses map[key]Response
	calls     []Call
}

// New returns an empty Client.
func New() *Client {
	return &Client{responses: make(map[key]Response)}
}

// On scripts the response of tool on probeID. An empty probeID matches every
// probe without a more specific script.
func (c *Client) On(probeID, tool string, resp Response) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key{probeID, tool}] = resp
	return c
}

// Reply is shorthand for On with a successful payload.
func (c *Client) Reply(probeID, tool string, payload map[string]any) *Client {
	return c.On(probeID, tool, Response{Payload: payload})
}

// Fail is shorthand for On with an error.
func (c *Client) Fail(probeID, tool string, err error) *Client {
	return c.On(probeID, tool, Response{Err: err})
}

// CallTool implements probe.Client.
func (c *Client) CallTool(ctx context.Context, p probe.Probe, tool string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{ProbeID: p.ID, Tool: tool, Params: maps.Clone(params), At: time.Now()})
	resp, ok := c.responses[key{p.ID, tool}]
	if !ok {
		resp, ok = c.responses[key{"", tool}]
	}
	c.mu.Unlock()

	if !ok {
		return nil, &probe.ToolError{Tool: tool, Code: -32601, Message: "tool not found"}
	}

	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return maps.Clone(resp.Payload), nil
}

// Calls returns a copy of every recorded call in arrival order.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsTo returns recorded calls of tool in arrival order.
func (c *Client) CallsTo(tool string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Tool == tool {
			out = append(out, call)
		}
	}
	return out
}

// Reset forgets recorded calls but keeps the script.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}
