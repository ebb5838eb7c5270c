package prom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

type QueryFunc func(query string) (model.Value, error)

// SmartMockAPI implements v1.API for testing, answering per query.
type SmartMockAPI struct {
	v1.API
	QueryFn QueryFunc
	Queries []string
}

func (m *SmartMockAPI) Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error) {
	m.Queries = append(m.Queries, query)
	val, err := m.QueryFn(query)
	return val, nil, err
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     ClientConfig{PrometheusURL: "http://localhost:9090", Logger: slog.Default()},
			wantErr: false,
		},
		{
			name:    "missing url and api",
			cfg:     ClientConfig{Logger: slog.Default()},
			wantErr: true,
		},
		{
			name:    "provided api",
			cfg:     ClientConfig{API: &SmartMockAPI{}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func vector(v float64) model.Vector {
	return model.Vector{{Metric: model.Metric{"instance": "worker-03"}, Value: model.SampleValue(v)}}
}

func TestCallTool_SystemInfo(t *testing.T) {
	tests := []struct {
		name      string
		queryFn   QueryFunc
		wantErr   bool
		wantPower bool
		wantCPU   float64
	}{
		{
			name: "all series present",
			queryFn: func(q string) (model.Value, error) {
				switch {
				case strings.Contains(q, "node_cpu_seconds_total"):
					return vector(37.5), nil
				case strings.Contains(q, "node_memory_MemTotal_bytes"):
					return vector(52), nil
				case strings.Contains(q, "kepler_node_platform_joules_total"):
					return vector(88.4), nil
				}
				return nil, fmt.Errorf("unexpected query: %s", q)
			},
			wantPower: true,
			wantCPU:   37.5,
		},
		{
			name: "no kepler",
			queryFn: func(q string) (model.Value, error) {
				switch {
				case strings.Contains(q, "kepler"):
					return model.Vector{}, nil
				case strings.Contains(q, "node_cpu_seconds_total"):
					return &model.Scalar{Value: 12}, nil
				}
				return vector(30), nil
			},
			wantPower: false,
			wantCPU:   12,
		},
		{
			name: "power query error is not fatal",
			queryFn: func(q string) (model.Value, error) {
				if strings.Contains(q, "kepler") {
					return nil, errors.New("unknown metric")
				}
				return vector(20), nil
			},
			wantPower: false,
			wantCPU:   20,
		},
		{
			name: "node exporter gone",
			queryFn: func(q string) (model.Value, error) {
				return model.Vector{}, nil
			},
			wantErr: true,
		},
		{
			name: "memory ratio is NaN",
			queryFn: func(q string) (model.Value, error) {
				if strings.Contains(q, "MemTotal") {
					return vector(math.NaN()), nil
				}
				return vector(10), nil
			},
			wantErr: true,
		},
		{
			name: "prometheus down",
			queryFn: func(q string) (model.Value, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &SmartMockAPI{QueryFn: tt.queryFn}
			c, err := NewClient(ClientConfig{API: mock})
			if err != nil {
				t.Fatal(err)
			}
			p := probe.Probe{ID: "vm-03", Type: probe.TypeNode, Hostname: "worker-03"}

			payload, err := c.CallTool(context.Background(), p, ToolSystemInfo, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CallTool() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if probe.IsToolError(err) {
					t.Errorf("missing data must be a transport failure, got %v", err)
				}
				return
			}
			if payload["cpu_percent"] != tt.wantCPU {
				t.Errorf("cpu_percent = %v, want %v", payload["cpu_percent"], tt.wantCPU)
			}
			_, hasPower := payload["power_watts"]
			if hasPower != tt.wantPower {
				t.Errorf("power present = %v, want %v", hasPower, tt.wantPower)
			}
			for _, q := range mock.Queries {
				if !strings.Contains(q, `instance="worker-03"`) {
					t.Errorf("query not scoped to probe: %s", q)
				}
			}
		})
	}
}

func TestCallTool_Selector(t *testing.T) {
	mock := &SmartMockAPI{QueryFn: func(q string) (model.Value, error) { return vector(1), nil }}
	c, err := NewClient(ClientConfig{API: mock, LabelName: "node"})
	if err != nil {
		t.Fatal(err)
	}
	p := probe.Probe{ID: "vm-09", Type: probe.TypeNode, Metadata: map[string]string{"prometheus_instance": "10.0.0.9:9100"}}

	if _, err := c.CallTool(context.Background(), p, ToolSystemInfo, nil); err != nil {
		t.Fatal(err)
	}
	if len(mock.Queries) == 0 || !strings.Contains(mock.Queries[0], `node="10.0.0.9:9100"`) {
		t.Errorf("expected metadata instance selector, got %v", mock.Queries)
	}
}

func TestCallTool_UnsupportedTool(t *testing.T) {
	c, err := NewClient(ClientConfig{API: &SmartMockAPI{}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.CallTool(context.Background(), probe.Probe{ID: "vm-01"}, "set_governor", nil)
	if !probe.IsToolError(err) {
		t.Fatalf("expected ToolError for unsupported tool, got %v", err)
	}
}
