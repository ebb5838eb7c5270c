// Package metrics provides Prometheus self-metrics for the VSF optimizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vsf"

var (
	// ProbeCalls counts tool calls per probe type, tool and outcome.
	// outcome=success|unreachable|tool_error
	ProbeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_calls_total",
			Help:      "Total probe tool calls grouped by probe type, tool and outcome",
		},
		[]string{"probe_type", "tool", "outcome"},
	)

	// ProbeCallDuration tracks tool call latency, retries included.
	ProbeCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_call_duration_seconds",
			Help:      "Latency of probe tool calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"tool"},
	)

	// ProbeHealth is 1 when the probe's last call succeeded, 0 otherwise.
	ProbeHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_healthy",
			Help:      "Probe health from the last call (1=healthy, 0=unreachable or error)",
		},
		[]string{"probe", "type"},
	)

	// SnapshotCollections counts aggregator reads by source.
	// source=cache|refresh
	SnapshotCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_collections_total",
			Help:      "Metric snapshot reads grouped by cache hit or refresh",
		},
		[]string{"source"},
	)

	// MissingResponses tracks probes that did not answer the last refresh.
	MissingResponses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_missing_responses",
			Help:      "Probes queried but not responding in the latest snapshot",
		},
	)

	// AvgCPUPercent tracks the mean CPU utilization of the latest snapshot.
	AvgCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_avg_cpu_percent",
			Help:      "Mean CPU utilization over responding probes",
		},
	)

	// AvgMemoryPercent tracks the mean memory utilization of the latest snapshot.
	AvgMemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_avg_memory_percent",
			Help:      "Mean memory utilization over responding probes",
		},
	)

	// TotalPowerWatts tracks the summed power draw of the latest snapshot.
	TotalPowerWatts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_total_power_watts",
			Help:      "Total power draw over responding probes reporting power",
		},
	)

	// PoliciesTriggered counts policy triggers by policy name and type.
	PoliciesTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policies_triggered_total",
			Help:      "Total policy triggers grouped by policy and type",
		},
		[]string{"policy", "type"},
	)

	// ActionTaken counts optimization actions by tool and outcome.
	// outcome=planned|succeeded|failed|skipped
	ActionTaken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_taken_total",
			Help:      "Total optimization actions grouped by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// GuardrailBlocked counts actions blocked by guardrails.
	GuardrailBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_blocked_total",
			Help:      "Actions blocked by guardrails",
		},
		[]string{"guardrail"},
	)

	// Cycles counts finished optimization cycles by final state.
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Optimization cycles grouped by final state",
		},
		[]string{"state", "dry_run"},
	)

	// CycleDuration tracks the wall-clock time of a full cycle.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete optimization cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// ScenarioResults counts harness scenario outcomes.
	// result=pass|fail
	ScenarioResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenario_results_total",
			Help:      "Test harness scenario outcomes",
		},
		[]string{"result"},
	)
)

// RecordSnapshot publishes the aggregate gauges of a freshly collected snapshot.
func RecordSnapshot(avgCPU, avgMemory, totalPower float64, missing int) {
	AvgCPUPercent.Set(avgCPU)
	AvgMemoryPercent.Set(avgMemory)
	TotalPowerWatts.Set(totalPower)
	MissingResponses.Set(float64(missing))
}

// BoolLabel renders a bool as a Prometheus label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
