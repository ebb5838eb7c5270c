// Package mcp implements the probe transport that speaks JSON-RPC 2.0
// "tools/call" over HTTP, as served by the lab's MCP probe agents.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

const methodToolsCall = "tools/call"

// maxResponseBytes caps how much of a probe response is read.
const maxResponseBytes = 4 << 20

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  toolCallParams `json:"params"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// toolResult is the MCP tools/call result envelope.
type toolResult struct {
	Content           []contentPart  `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
	IsError           bool           `json:"isError"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientConfig holds configuration for the MCP transport.
type ClientConfig struct {
	// HTTPClient is optional. Call deadlines come from the context, so the
	// default client sets no timeout of its own.
	HTTPClient *http.Client
	// Headers are added to every request, e.g. an auth token.
	Headers map[string]string
	Logger  *slog.Logger
}

// Client posts tool calls to a probe's endpoint.
type Client struct {
	http    *http.Client
	headers map[string]string
	logger  *slog.Logger
	nextID  atomic.Int64
}

// NewClient creates a new MCP transport.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		http:    hc,
		headers: cfg.Headers,
		logger:  logger,
	}
}

// CallTool implements probe.Client.
func (c *Client) CallTool(ctx context.Context, p probe.Probe, tool string, params map[string]any) (map[string]any, error) {
	if p.Endpoint == "" {
		return nil, fmt.Errorf("probe %s has no endpoint", p.ID)
	}
	if params == nil {
		params = map[string]any{}
	}

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  methodToolsCall,
		Params:  toolCallParams{Name: tool, Arguments: params},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug("sending tool call",
		"probe_id", p.ID,
		"tool", tool,
		"request_id", id,
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach probe %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from probe %s: %w", p.ID, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("probe %s returned status %d", p.ID, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from probe %s: %w", p.ID, err)
	}
	if rpcResp.Error != nil {
		return nil, &probe.ToolError{Tool: tool, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	return decodeResult(tool, rpcResp.Result)
}

// decodeResult unwraps a tools/call result. Probes return the payload as
// structuredContent, as JSON text in the first content part, or as a bare
// object.
func decodeResult(tool string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}

	var envelope toolResult
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.IsError {
			return nil, &probe.ToolError{Tool: tool, Message: firstText(envelope.Content)}
		}
		if envelope.StructuredContent != nil {
			return envelope.StructuredContent, nil
		}
		if text := firstText(envelope.Content); text != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(text), &payload); err == nil {
				return payload, nil
			}
			return map[string]any{"text": text}, nil
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("tool %s returned a non-object result: %w", tool, err)
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return nil, &probe.ToolError{Tool: tool, Message: msg}
	}
	return payload, nil
}

func firstText(parts []contentPart) string {
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			return p.Text
		}
	}
	return ""
}
