// Package config provides configuration loading for the VSF optimizer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/softcane/vsf-optimizer/internal/policy"
	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Config holds all optimizer configuration.
type Config struct {
	Router        RouterConfig        `yaml:"router"`
	Aggregator    AggregatorConfig    `yaml:"aggregator"`
	Controller    ControllerConfig    `yaml:"controller"`
	MCP           MCPConfig           `yaml:"mcp"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	Kubernetes    KubernetesConfig    `yaml:"kubernetes"`
	Synthetic     SyntheticConfig     `yaml:"synthetic"`
	Report        ReportConfig        `yaml:"report"`
	MetricsServer MetricsServerConfig `yaml:"metricsServer"`

	// Probes are registered with the router at startup.
	Probes []probe.Probe `yaml:"probes"`

	// Policies are registered with the controller in order. PoliciesFile,
	// resolved relative to the config file, adds more after them.
	Policies     []policy.Policy `yaml:"policies"`
	PoliciesFile string          `yaml:"policiesFile"`
}

// RouterConfig configures the probe router.
type RouterConfig struct {
	CallTimeoutSeconds float64 `yaml:"callTimeoutSeconds"`
	MaxRetries         int     `yaml:"maxRetries"`
	RetryBackoffMillis int     `yaml:"retryBackoffMillis"`
	MaxConcurrency     int     `yaml:"maxConcurrency"`
	CallsPerSecond     float64 `yaml:"callsPerSecond"`
	Burst              int     `yaml:"burst"`
}

// AggregatorConfig configures snapshot collection.
type AggregatorConfig struct {
	CacheTTLSeconds  int      `yaml:"cacheTtlSeconds"`
	MetricTools      []string `yaml:"metricTools"`
	ClusterTool      string   `yaml:"clusterTool"`
	DistributionTool string   `yaml:"distributionTool"`
}

// ControllerConfig configures the optimization loop.
type ControllerConfig struct {
	CycleIntervalSeconds int     `yaml:"cycleIntervalSeconds"`
	MaxHistory           int     `yaml:"maxHistory"`
	ActionTimeoutSeconds int     `yaml:"actionTimeoutSeconds"`
	SettleDelaySeconds   float64 `yaml:"settleDelaySeconds"`

	Guardrails GuardrailsConfig `yaml:"guardrails"`
}

// GuardrailsConfig bounds the capacity one cycle may remove. Zero disables a
// guardrail; Load fills in the defaults.
type GuardrailsConfig struct {
	MaxDrainFraction       float64 `yaml:"maxDrainFraction"`
	MinActiveNodes         int     `yaml:"minActiveNodes"`
	HighUtilizationPercent float64 `yaml:"highUtilizationPercent"`
}

// MCPConfig configures the JSON-RPC probe transport.
type MCPConfig struct {
	// Headers are sent with every call. Values are expanded from the
	// environment, e.g. "Bearer ${VSF_PROBE_TOKEN}".
	Headers map[string]string `yaml:"headers"`
}

// PrometheusConfig configures the Prometheus probe transport.
type PrometheusConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	LabelName      string `yaml:"labelName"`
	CPUQuery       string `yaml:"cpuQuery"`
	MemoryQuery    string `yaml:"memoryQuery"`
	PowerQuery     string `yaml:"powerQuery"`
}

// KubernetesConfig configures the in-process cluster probe.
type KubernetesConfig struct {
	Enabled bool `yaml:"enabled"`
	// Kubeconfig is used outside the cluster. Empty falls back to
	// $KUBECONFIG and then ~/.kube/config.
	Kubeconfig              string `yaml:"kubeconfig"`
	DrainGracePeriodSeconds int64  `yaml:"drainGracePeriodSeconds"`
	OverloadedPods          int    `yaml:"overloadedPods"`
}

// SyntheticConfig configures the synthetic lab transport.
type SyntheticConfig struct {
	Seed int64 `yaml:"seed"`
}

// ReportConfig configures the cycle report sink.
type ReportConfig struct {
	// Path of the JSON lines file; empty disables reporting, "-" is stdout.
	Path   string `yaml:"path"`
	FarmID string `yaml:"farmId"`
	// SecretKeyEnv names the environment variable holding the HMAC key.
	SecretKeyEnv string `yaml:"secretKeyEnv"`
}

// MetricsServerConfig configures the /metrics endpoint.
type MetricsServerConfig struct {
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file, applies defaults and validates
// it. A policiesFile is loaded and appended to the inline policies.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if cfg.PoliciesFile != "" {
		pf := cfg.PoliciesFile
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
		}
		extra, err := LoadPolicyFile(pf)
		if err != nil {
			return nil, err
		}
		cfg.Policies = append(cfg.Policies, extra...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Router.CallTimeoutSeconds == 0 {
		c.Router.CallTimeoutSeconds = 10
	}
	if c.Router.RetryBackoffMillis == 0 {
		c.Router.RetryBackoffMillis = 1000
	}
	if c.Aggregator.CacheTTLSeconds == 0 {
		c.Aggregator.CacheTTLSeconds = 30
	}
	if c.Controller.CycleIntervalSeconds == 0 {
		c.Controller.CycleIntervalSeconds = 300
	}
	if c.Controller.MaxHistory == 0 {
		c.Controller.MaxHistory = 100
	}
	if c.Controller.ActionTimeoutSeconds == 0 {
		c.Controller.ActionTimeoutSeconds = 120
	}
	if c.Controller.SettleDelaySeconds == 0 {
		c.Controller.SettleDelaySeconds = 5
	}
	g := &c.Controller.Guardrails
	if g.MaxDrainFraction == 0 {
		g.MaxDrainFraction = 0.5
	}
	if g.MinActiveNodes == 0 {
		g.MinActiveNodes = 2
	}
	if g.HighUtilizationPercent == 0 {
		g.HighUtilizationPercent = 85
	}
	if c.Prometheus.TimeoutSeconds == 0 {
		c.Prometheus.TimeoutSeconds = 10
	}
	if c.Kubernetes.DrainGracePeriodSeconds == 0 {
		c.Kubernetes.DrainGracePeriodSeconds = 30
	}
	if c.Synthetic.Seed == 0 {
		c.Synthetic.Seed = 42
	}
	if c.Report.FarmID == "" {
		c.Report.FarmID = "vsf"
	}
	if c.Report.SecretKeyEnv == "" {
		c.Report.SecretKeyEnv = "VSF_REPORT_KEY"
	}
	if c.MetricsServer.Address == "" {
		c.MetricsServer.Address = ":8080"
	}
}

// Validate checks the configuration for mistakes that must fail at startup.
func (c *Config) Validate() error {
	if c.Router.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("router.callTimeoutSeconds must be > 0")
	}
	if c.Router.MaxRetries < 0 || c.Router.MaxRetries > 5 {
		return fmt.Errorf("router.maxRetries must be between 0 and 5")
	}
	if c.Router.MaxConcurrency < 0 {
		return fmt.Errorf("router.maxConcurrency must be >= 0")
	}
	if c.Router.CallsPerSecond < 0 {
		return fmt.Errorf("router.callsPerSecond must be >= 0")
	}

	if c.Aggregator.CacheTTLSeconds < 0 {
		return fmt.Errorf("aggregator.cacheTtlSeconds must be >= 0")
	}

	if c.Controller.CycleIntervalSeconds < 10 {
		return fmt.Errorf("controller.cycleIntervalSeconds must be >= 10")
	}
	if c.Controller.MaxHistory < 1 {
		return fmt.Errorf("controller.maxHistory must be >= 1")
	}
	if c.Controller.ActionTimeoutSeconds < 1 {
		return fmt.Errorf("controller.actionTimeoutSeconds must be >= 1")
	}
	g := c.Controller.Guardrails
	if g.MaxDrainFraction < 0 || g.MaxDrainFraction > 1 {
		return fmt.Errorf("controller.guardrails.maxDrainFraction must be between 0 and 1")
	}
	if g.MinActiveNodes < 0 {
		return fmt.Errorf("controller.guardrails.minActiveNodes must be >= 0")
	}
	if g.HighUtilizationPercent < 0 || g.HighUtilizationPercent > 100 {
		return fmt.Errorf("controller.guardrails.highUtilizationPercent must be between 0 and 100")
	}

	ids := make(map[string]bool, len(c.Probes))
	for i, p := range c.Probes {
		if p.ID == "" {
			return fmt.Errorf("probes[%d].id is required", i)
		}
		if ids[p.ID] {
			return &probe.DuplicateProbeError{ID: p.ID}
		}
		ids[p.ID] = true
		t, err := probe.ParseType(string(p.Type))
		if err != nil {
			return fmt.Errorf("probes[%d]: %w", i, err)
		}
		c.Probes[i].Type = t

		switch p.Transport {
		case "", probe.DefaultTransport:
			if p.Endpoint == "" {
				return fmt.Errorf("probes[%d] (%s): endpoint is required for the %s transport", i, p.ID, probe.DefaultTransport)
			}
		case probe.TransportPrometheus:
			if c.Prometheus.URL == "" {
				return fmt.Errorf("probes[%d] (%s): prometheus.url is required", i, p.ID)
			}
		case probe.TransportKubernetes:
			if !c.Kubernetes.Enabled {
				return fmt.Errorf("probes[%d] (%s): kubernetes.enabled must be true", i, p.ID)
			}
		case probe.TransportSynthetic:
		default:
			return fmt.Errorf("probes[%d] (%s): unknown transport %q", i, p.ID, p.Transport)
		}
	}

	names := make(map[string]bool, len(c.Policies))
	for i := range c.Policies {
		p := &c.Policies[i]
		if names[p.Name] {
			return fmt.Errorf("policies: duplicate policy name %q", p.Name)
		}
		names[p.Name] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UsesTransport reports whether any configured probe uses transport t.
func (c *Config) UsesTransport(t string) bool {
	for _, p := range c.Probes {
		tr := p.Transport
		if tr == "" {
			tr = probe.DefaultTransport
		}
		if tr == t {
			return true
		}
	}
	return false
}

// CallTimeout returns the default per-call timeout.
func (c *RouterConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds * float64(time.Second))
}

// RetryBackoff returns the retry backoff base.
func (c *RouterConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// CacheTTL returns the snapshot cache lifetime.
func (c *AggregatorConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CycleInterval returns the interval between cycles.
func (c *ControllerConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

// ActionTimeout returns the per-call timeout of action tools.
func (c *ControllerConfig) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// SettleDelay returns the wait before the post-action collection. A
// negative setting disables the wait.
func (c *ControllerConfig) SettleDelay() time.Duration {
	if c.SettleDelaySeconds < 0 {
		return -1
	}
	return time.Duration(c.SettleDelaySeconds * float64(time.Second))
}

// Timeout returns the Prometheus query timeout.
func (c *PrometheusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
