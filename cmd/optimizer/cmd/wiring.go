package cmd

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/vsf-optimizer/internal/aggregator"
	"github.com/softcane/vsf-optimizer/internal/config"
	"github.com/softcane/vsf-optimizer/internal/controller"
	"github.com/softcane/vsf-optimizer/internal/probe"
	"github.com/softcane/vsf-optimizer/internal/probe/kube"
	"github.com/softcane/vsf-optimizer/internal/probe/mcp"
	"github.com/softcane/vsf-optimizer/internal/probe/prom"
	"github.com/softcane/vsf-optimizer/internal/probe/synthetic"
)

// stack is the wired optimizer: router, aggregator and controller sharing
// one configuration.
type stack struct {
	cfg        *config.Config
	router     *probe.Router
	aggregator *aggregator.Aggregator
	controller *controller.Controller
}

// stackOptions carries dependencies that tests replace.
type stackOptions struct {
	// Kube is used instead of a clientset built from the environment.
	Kube     kubernetes.Interface
	Reporter controller.Reporter
	Logger   *slog.Logger
}

// loadConfig loads --config, or the built-in defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		slog.Warn("no --config given, using defaults without probes")
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildStack wires every component described by cfg.
func buildStack(cfg *config.Config, opts stackOptions) (*stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clients, err := buildClients(cfg, opts.Kube, logger)
	if err != nil {
		return nil, err
	}

	router, err := probe.NewRouter(probe.RouterConfig{
		Clients:        clients,
		DefaultTimeout: cfg.Router.CallTimeout(),
		MaxRetries:     cfg.Router.MaxRetries,
		RetryBackoff:   cfg.Router.RetryBackoff(),
		MaxConcurrency: cfg.Router.MaxConcurrency,
		CallsPerSecond: cfg.Router.CallsPerSecond,
		Burst:          cfg.Router.Burst,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create probe router: %w", err)
	}
	for _, p := range cfg.Probes {
		if err := router.Register(p); err != nil {
			return nil, fmt.Errorf("failed to register probe: %w", err)
		}
	}

	agg, err := aggregator.New(aggregator.Config{
		Router:           router,
		TTL:              cfg.Aggregator.CacheTTL(),
		MetricTools:      cfg.Aggregator.MetricTools,
		ClusterTool:      cfg.Aggregator.ClusterTool,
		DistributionTool: cfg.Aggregator.DistributionTool,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Source:   agg,
		Router:   router,
		Policies: cfg.Policies,
		Guardrails: controller.GuardrailConfig{
			MaxDrainFraction:       cfg.Controller.Guardrails.MaxDrainFraction,
			MinActiveNodes:         cfg.Controller.Guardrails.MinActiveNodes,
			HighUtilizationPercent: cfg.Controller.Guardrails.HighUtilizationPercent,
		},
		ActionTimeout: cfg.Controller.ActionTimeout(),
		SettleDelay:   cfg.Controller.SettleDelay(),
		MaxHistory:    cfg.Controller.MaxHistory,
		Reporter:      opts.Reporter,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	return &stack{cfg: cfg, router: router, aggregator: agg, controller: ctrl}, nil
}

// buildClients creates one probe client per transport the configuration
// needs. The MCP transport is always available.
func buildClients(cfg *config.Config, kubeClient kubernetes.Interface, logger *slog.Logger) (map[string]probe.Client, error) {
	headers := maps.Clone(cfg.MCP.Headers)
	for k, v := range headers {
		headers[k] = os.ExpandEnv(v)
	}
	clients := map[string]probe.Client{
		probe.DefaultTransport: mcp.NewClient(mcp.ClientConfig{
			Headers: headers,
			Logger:  logger,
		}),
	}

	if cfg.Prometheus.URL != "" {
		pc, err := prom.NewClient(prom.ClientConfig{
			PrometheusURL: cfg.Prometheus.URL,
			LabelName:     cfg.Prometheus.LabelName,
			Queries: prom.Queries{
				CPU:    cfg.Prometheus.CPUQuery,
				Memory: cfg.Prometheus.MemoryQuery,
				Power:  cfg.Prometheus.PowerQuery,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize prometheus transport: %w", err)
		}
		clients[probe.TransportPrometheus] = pc
	}

	if cfg.Kubernetes.Enabled {
		if kubeClient == nil {
			var err error
			kubeClient, err = newKubeClient(cfg.Kubernetes.Kubeconfig)
			if err != nil {
				return nil, err
			}
		}
		kc, err := kube.NewClient(kube.ClientConfig{
			Kube:                    kubeClient,
			Logger:                  logger,
			DrainGracePeriodSeconds: cfg.Kubernetes.DrainGracePeriodSeconds,
			OverloadedPods:          cfg.Kubernetes.OverloadedPods,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize kubernetes transport: %w", err)
		}
		clients[probe.TransportKubernetes] = kc
	}

	if cfg.UsesTransport(probe.TransportSynthetic) {
		clients[probe.TransportSynthetic] = synthetic.NewClient(cfg.Synthetic.Seed)
	}

	return clients, nil
}

// newKubeClient connects in-cluster first, then through a kubeconfig:
// the configured path, $KUBECONFIG, then ~/.kube/config.
func newKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}
