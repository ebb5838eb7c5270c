// Package prom implements a probe transport that answers system_info from
// Prometheus instead of an agent on the VM. It reads node_exporter for CPU
// and memory and Kepler for power.
package prom

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

// ToolSystemInfo is the only tool this transport serves.
const ToolSystemInfo = "system_info"

// Default PromQL templates. %s is replaced by the probe's label selector.
const (
	DefaultCPUQuery    = `100 - (avg(rate(node_cpu_seconds_total{mode="idle",%s}[5m])) * 100)`
	DefaultMemoryQuery = `(1 - sum(node_memory_MemAvailable_bytes{%[1]s}) / sum(node_memory_MemTotal_bytes{%[1]s})) * 100`
	DefaultPowerQuery  = `sum(rate(kepler_node_platform_joules_total{%s}[1m]))`
)

// Queries holds the PromQL templates used to build system_info.
type Queries struct {
	CPU    string
	Memory string
	// Power is optional; readings without power samples omit power_watts.
	Power string
}

// ClientConfig holds configuration for the Prometheus transport.
type ClientConfig struct {
	PrometheusURL string
	// LabelName is the series label matched against the probe. Default: instance.
	LabelName string
	Queries   Queries
	Logger    *slog.Logger
	// API is an optional Prometheus API client. If nil, one will be created from PrometheusURL.
	// Useful for testing.
	API v1.API
}

// Client answers probe tool calls from Prometheus queries.
type Client struct {
	api       v1.API
	labelName string
	queries   Queries
	logger    *slog.Logger
}

// NewClient creates a new Prometheus probe transport.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var v1api v1.API
	if cfg.API != nil {
		v1api = cfg.API
	} else {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("PrometheusURL is required")
		}

		client, err := api.NewClient(api.Config{
			Address: cfg.PrometheusURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	labelName := cfg.LabelName
	if labelName == "" {
		labelName = "instance"
	}
	q := cfg.Queries
	if q.CPU == "" {
		q.CPU = DefaultCPUQuery
	}
	if q.Memory == "" {
		q.Memory = DefaultMemoryQuery
	}
	if q.Power == "" {
		q.Power = DefaultPowerQuery
	}

	return &Client{
		api:       v1api,
		labelName: labelName,
		queries:   q,
		logger:    logger,
	}, nil
}

// CallTool implements probe.Client.
func (c *Client) CallTool(ctx context.Context, p probe.Probe, tool string, params map[string]any) (map[string]any, error) {
	if tool != ToolSystemInfo {
		return nil, &probe.ToolError{Tool: tool, Message: "not supported by the prometheus transport"}
	}

	sel := c.selector(p)
	c.logger.Debug("querying prometheus for probe", "probe_id", p.ID, "selector", sel)

	cpu, ok, err := c.queryScalar(ctx, fmt.Sprintf(c.queries.CPU, sel))
	if err != nil {
		return nil, fmt.Errorf("failed to query CPU metrics: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no CPU samples for %s", sel)
	}

	mem, ok, err := c.queryScalar(ctx, fmt.Sprintf(c.queries.Memory, sel))
	if err != nil {
		return nil, fmt.Errorf("failed to query memory metrics: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no memory samples for %s", sel)
	}

	payload := map[string]any{
		"cpu_percent":    cpu,
		"memory_percent": mem,
		"source":         "prometheus",
	}

	power, ok, err := c.queryScalar(ctx, fmt.Sprintf(c.queries.Power, sel))
	switch {
	case err != nil:
		c.logger.Debug("power query failed, omitting power", "probe_id", p.ID, "error", err)
	case ok:
		payload["power_watts"] = power
	}

	return payload, nil
}

// selector builds the label matcher for a probe. The series label value is
// taken from metadata key "prometheus_instance", else the node name.
func (c *Client) selector(p probe.Probe) string {
	value := p.Metadata["prometheus_instance"]
	if value == "" {
		value = p.NodeName()
	}
	return c.labelName + "=" + strconv.Quote(value)
}

// queryScalar runs an instant query and returns the first sample value.
func (c *Client) queryScalar(ctx context.Context, query string) (float64, bool, error) {
	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, err
	}

	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	var value float64
	switch v := result.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, false, nil
		}
		value = float64(v[0].Value)
	case *model.Scalar:
		value = float64(v.Value)
	case nil:
		return 0, false, nil
	default:
		c.logger.Warn("unexpected prometheus result type", "type", result.Type())
		return 0, false, nil
	}

	// 0/0 in a ratio query yields NaN when a node has just stopped reporting.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false, nil
	}
	return value, true, nil
}
