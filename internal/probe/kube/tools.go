// Package kube implements the cluster probe in-process: the same tool set the
// lab's k8s MCP probe serves, backed directly by client-go.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/vsf-optimizer/internal/probe"
)

// Tool names served by the cluster probe.
const (
	ToolClusterMetrics       = "get_cluster_metrics"
	ToolNodePowerState       = "get_node_power_state"
	ToolSetNodeSchedulable   = "set_node_schedulable"
	ToolDrainNode            = "drain_node"
	ToolWorkloadDistribution = "get_workload_distribution"
	ToolConsolidateWorkloads = "consolidate_workloads"
	ToolGPUWorkloads         = "get_gpu_workloads"
	ToolSetNodeLabels        = "set_node_labels"
)

// gpuResource is the extended resource advertised by the NVIDIA device plugin.
const gpuResource corev1.ResourceName = "nvidia.com/gpu"

// Defaults for consolidation and workload classification.
var (
	DefaultExcludeNamespaces = []string{"kube-system", "calico-system"}
	DefaultOverloadedPods    = 20
)

// ClientConfig configures the in-process cluster probe.
type ClientConfig struct {
	Kube   kubernetes.Interface
	Logger *slog.Logger

	// DrainGracePeriodSeconds is used when a drain call does not pass one.
	DrainGracePeriodSeconds int64

	// OverloadedPods marks a node overloaded above this pod count.
	OverloadedPods int
}

// Client serves cluster probe tools against a Kubernetes API.
type Client struct {
	kube           kubernetes.Interface
	drainer        *Drainer
	logger         *slog.Logger
	gracePeriod    int64
	overloadedPods int
	handlers       map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// NewClient creates the cluster probe transport.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Kube == nil {
		return nil, errors.New("kubernetes client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.DrainGracePeriodSeconds
	if grace <= 0 {
		grace = 30
	}
	overloaded := cfg.OverloadedPods
	if overloaded <= 0 {
		overloaded = DefaultOverloadedPods
	}

	c := &Client{
		kube:           cfg.Kube,
		drainer:        NewDrainer(cfg.Kube, logger),
		logger:         logger,
		gracePeriod:    grace,
		overloadedPods: overloaded,
	}
	c.handlers = map[string]handlerFunc{
		ToolClusterMetrics:       c.clusterMetrics,
		ToolNodePowerState:       c.nodePowerState,
		ToolSetNodeSchedulable:   c.setNodeSchedulable,
		ToolDrainNode:            c.drainNode,
		ToolWorkloadDistribution: c.workloadDistribution,
		ToolConsolidateWorkloads: c.consolidateWorkloads,
		ToolGPUWorkloads:         c.gpuWorkloads,
		ToolSetNodeLabels:        c.setNodeLabels,
	}
	return c, nil
}

// Tools lists the tool names this probe serves.
func (c *Client) Tools() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool implements probe.Client.
func (c *Client) CallTool(ctx context.Context, p probe.Probe, tool string, params map[string]any) (map[string]any, error) {
	h, ok := c.handlers[tool]
	if !ok {
		return nil, &probe.ToolError{Tool: tool, Code: -32601, Message: "unknown tool"}
	}
	if params == nil {
		params = map[string]any{}
	}

	payload, err := h(ctx, params)
	if err == nil {
		return payload, nil
	}

	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return nil, &probe.ToolError{Tool: tool, Code: -32602, Message: pe.Error()}
	case apierrors.IsNotFound(err), apierrors.IsInvalid(err), apierrors.IsForbidden(err), apierrors.IsConflict(err):
		return nil, &probe.ToolError{Tool: tool, Message: err.Error()}
	default:
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
}

type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg }

func requireString(params map[string]any, key string) (string, error) {
	s, ok := probe.String(params, key)
	if !ok || s == "" {
		return "", &paramError{msg: fmt.Sprintf("parameter %q is required", key)}
	}
	return s, nil
}

func optionalBool(params map[string]any, key string, def bool) bool {
	if v, ok := probe.Bool(params, key); ok {
		return v
	}
	return def
}

func (c *Client) listNodesAndPods(ctx context.Context) ([]corev1.Node, []corev1.Pod, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	pods, err := c.kube.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pods: %w", err)
	}
	return nodes.Items, pods.Items, nil
}

func (c *Client) clusterMetrics(ctx context.Context, _ map[string]any) (map[string]any, error) {
	nodes, pods, err := c.listNodesAndPods(ctx)
	if err != nil {
		return nil, err
	}

	var ready, schedulable, gpuNodes int
	for i := range nodes {
		n := &nodes[i]
		if isNodeReady(n) {
			ready++
		}
		if !n.Spec.Unschedulable {
			schedulable++
		}
		if isGPUNode(n) {
			gpuNodes++
		}
	}

	var running, pending, gpuPods int
	for i := range pods {
		p := &pods[i]
		switch p.Status.Phase {
		case corev1.PodRunning:
			running++
		case corev1.PodPending:
			pending++
		}
		if podGPURequest(p) > 0 {
			gpuPods++
		}
	}

	return map[string]any{
		"total_nodes":       len(nodes),
		"ready_nodes":       ready,
		"schedulable_nodes": schedulable,
		"total_pods":        len(pods),
		"running_pods":      running,
		"pending_pods":      pending,
		"gpu_nodes":         gpuNodes,
		"gpu_pods":          gpuPods,
	}, nil
}

func (c *Client) nodePowerState(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, err := requireString(params, "node_name")
	if err != nil {
		return nil, err
	}
	node, err := c.kube.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	pods, err := podsOnNode(ctx, c.kube, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	taints := make([]string, 0, len(node.Spec.Taints))
	for _, t := range node.Spec.Taints {
		taints = append(taints, fmt.Sprintf("%s=%s:%s", t.Key, t.Value, t.Effect))
	}
	labels := make(map[string]any, len(node.Labels))
	for k, v := range node.Labels {
		labels[k] = v
	}

	return map[string]any{
		"node":        name,
		"schedulable": !node.Spec.Unschedulable,
		"ready":       isNodeReady(node),
		"pods":        len(pods),
		"labels":      labels,
		"taints":      taints,
	}, nil
}

func (c *Client) setNodeSchedulable(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, err := requireString(params, "node_name")
	if err != nil {
		return nil, err
	}
	schedulable, ok := probe.Bool(params, "schedulable")
	if !ok {
		return nil, &paramError{msg: `parameter "schedulable" is required`}
	}
	dryRun := optionalBool(params, "dry_run", false)

	if err := c.drainer.SetSchedulable(ctx, name, schedulable, dryRun); err != nil {
		return nil, err
	}

	action := "cordoned"
	if schedulable {
		action = "uncordoned"
	}
	return map[string]any{
		"node":        name,
		"schedulable": schedulable,
		"success":     true,
		"dry_run":     dryRun,
		"message":     "node " + action,
	}, nil
}

func (c *Client) drainOptions(params map[string]any) (DrainOptions, error) {
	opts := DrainOptions{
		GracePeriodSeconds: c.gracePeriod,
		DryRun:             optionalBool(params, "dry_run", false),
		IgnoreDaemonSets:   optionalBool(params, "ignore_daemonsets", true),
		Force:              optionalBool(params, "force", false),
	}
	if g, ok := probe.Int(params, "grace_period_seconds"); ok && g >= 0 {
		opts.GracePeriodSeconds = int64(g)
	}
	ns, err := probe.Strings(params, "exclude_namespaces")
	if err != nil {
		return opts, &paramError{msg: err.Error()}
	}
	if ns == nil {
		ns = DefaultExcludeNamespaces
	}
	opts.ExcludeNamespaces = ns
	return opts, nil
}

func (c *Client) drainNode(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, err := requireString(params, "node_name")
	if err != nil {
		return nil, err
	}
	opts, err := c.drainOptions(params)
	if err != nil {
		return nil, err
	}

	if secs, ok := probe.Int(params, "timeout_seconds"); ok && secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	res, err := c.drainer.Drain(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return drainPayload(res), nil
}

func drainPayload(res *DrainResult) map[string]any {
	failed := make([]any, len(res.FailedPods))
	for i, p := range res.FailedPods {
		failed[i] = p
	}
	return map[string]any{
		"node":             res.NodeName,
		"success":          res.Success,
		"pods_evicted":     res.PodsEvicted,
		"pods_skipped":     res.PodsSkipped,
		"pods_failed":      res.PodsFailed,
		"failed_pods":      failed,
		"duration_seconds": res.Duration.Seconds(),
		"message":          res.Message,
		"dry_run":          res.DryRun,
	}
}

// nodeLoad is the pod placement of one node.
type nodeLoad struct {
	name    string
	pods    int
	gpuPods int
}

// placement is the pod placement across the cluster.
type placement struct {
	Nodes      []nodeLoad
	TotalPods  int
	TotalGPU   int
	Empty      []string
	Overloaded []string
}

// distribution counts scheduled pods per node. Terminal pods are ignored.
func (c *Client) distribution(ctx context.Context) (*placement, error) {
	nodes, pods, err := c.listNodesAndPods(ctx)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(nodes))
	d := &placement{Nodes: make([]nodeLoad, len(nodes)), TotalPods: len(pods)}
	for i, n := range nodes {
		d.Nodes[i] = nodeLoad{name: n.Name}
		index[n.Name] = i
	}

	for i := range pods {
		p := &pods[i]
		if isTerminal(p) {
			continue
		}
		idx, ok := index[p.Spec.NodeName]
		if !ok {
			continue
		}
		d.Nodes[idx].pods++
		if podGPURequest(p) > 0 {
			d.Nodes[idx].gpuPods++
			d.TotalGPU++
		}
	}

	sort.Slice(d.Nodes, func(i, j int) bool { return d.Nodes[i].name < d.Nodes[j].name })
	for _, n := range d.Nodes {
		if n.pods == 0 {
			d.Empty = append(d.Empty, n.name)
		}
		if n.pods > c.overloadedPods {
			d.Overloaded = append(d.Overloaded, n.name)
		}
	}
	return d, nil
}

func (c *Client) workloadDistribution(ctx context.Context, _ map[string]any) (map[string]any, error) {
	d, err := c.distribution(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]any, len(d.Nodes))
	for _, n := range d.Nodes {
		nodes[n.name] = map[string]any{
			"pods":     n.pods,
			"gpu_pods": n.gpuPods,
		}
	}
	return map[string]any{
		"nodes":            nodes,
		"total_pods":       d.TotalPods,
		"total_gpu_pods":   d.TotalGPU,
		"empty_nodes":      toAnySlice(d.Empty),
		"overloaded_nodes": toAnySlice(d.Overloaded),
	}, nil
}

// consolidateWorkloads drains the emptiest active nodes until only
// target_node_count nodes carry pods, or exactly the nodes listed in
// "nodes" when the caller already chose them. A failed drain is rolled
// back by uncordoning the node.
func (c *Client) consolidateWorkloads(ctx context.Context, params map[string]any) (map[string]any, error) {
	target, ok := probe.Int(params, "target_node_count")
	if !ok || target < 0 {
		return nil, &paramError{msg: `parameter "target_node_count" must be a non-negative integer`}
	}
	excludeNodes, err := probe.Strings(params, "exclude_nodes")
	if err != nil {
		return nil, &paramError{msg: err.Error()}
	}
	requested, err := probe.Strings(params, "nodes")
	if err != nil {
		return nil, &paramError{msg: err.Error()}
	}
	opts, err := c.drainOptions(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	d, err := c.distribution(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(excludeNodes))
	for _, n := range excludeNodes {
		excluded[n] = true
	}
	candidates := make([]nodeLoad, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if !excluded[n.name] {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].pods < candidates[j].pods })

	active := 0
	for _, n := range candidates {
		if n.pods > 0 {
			active++
		}
	}
	// Empty nodes sort first and are already free; skip past them.
	firstActive := len(candidates) - active
	sources := candidates[firstActive : firstActive+max(0, active-target)]
	if _, given := params["nodes"]; given {
		sources, err = namedSources(d, requested, excluded)
		if err != nil {
			return nil, err
		}
	}
	draining := make(map[string]bool, len(sources))
	for _, n := range sources {
		draining[n.name] = true
	}

	var (
		sourceNodes []string
		freed       []string
		podsMoved   int
		podsFailed  int
	)
	for _, n := range sources {
		sourceNodes = append(sourceNodes, n.name)
		res, err := c.drainer.Drain(ctx, n.name, opts)
		if err != nil || !res.Success {
			podsFailed += n.pods
			if res != nil {
				podsMoved += res.PodsEvicted
			}
			if !opts.DryRun {
				if uerr := c.drainer.SetSchedulable(ctx, n.name, true, false); uerr != nil {
					c.logger.Warn("failed to roll back cordon", "node", n.name, "error", uerr)
				}
			}
			continue
		}
		if opts.DryRun {
			podsMoved += n.pods
		} else {
			podsMoved += res.PodsEvicted
		}
		freed = append(freed, n.name)
	}

	var targets []string
	for _, n := range candidates[firstActive:] {
		if len(targets) == target {
			break
		}
		if !draining[n.name] {
			targets = append(targets, n.name)
		}
	}

	message := fmt.Sprintf("consolidated from %d nodes", len(sourceNodes))
	if podsFailed > 0 {
		message = "partial consolidation"
	}
	return map[string]any{
		"success":          podsFailed == 0,
		"pods_moved":       podsMoved,
		"pods_failed":      podsFailed,
		"source_nodes":     toAnySlice(sourceNodes),
		"target_nodes":     toAnySlice(targets),
		"nodes_freed":      toAnySlice(freed),
		"duration_seconds": time.Since(start).Seconds(),
		"dry_run":          opts.DryRun,
		"message":          message,
	}, nil
}

// namedSources resolves an explicit drain list against the distribution.
// Excluded nodes are refused rather than silently dropped.
func namedSources(d *placement, names []string, excluded map[string]bool) ([]nodeLoad, error) {
	byName := make(map[string]nodeLoad, len(d.Nodes))
	for _, n := range d.Nodes {
		byName[n.name] = n
	}
	sources := make([]nodeLoad, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if excluded[name] {
			return nil, &paramError{msg: fmt.Sprintf("node %q is both listed and excluded", name)}
		}
		n, ok := byName[name]
		if !ok {
			return nil, &paramError{msg: fmt.Sprintf("node %q not found", name)}
		}
		sources = append(sources, n)
	}
	return sources, nil
}

func (c *Client) gpuWorkloads(ctx context.Context, _ map[string]any) (map[string]any, error) {
	nodes, pods, err := c.listNodesAndPods(ctx)
	if err != nil {
		return nil, err
	}

	var gpuNodes int
	var available int64
	for i := range nodes {
		if isGPUNode(&nodes[i]) {
			gpuNodes++
		}
		if q, ok := nodes[i].Status.Capacity[gpuResource]; ok {
			available += q.Value()
		}
	}

	var allocated int64
	workloads := make([]any, 0)
	for i := range pods {
		p := &pods[i]
		n := podGPURequest(p)
		if n == 0 {
			continue
		}
		allocated += n
		running := 0
		if p.Status.Phase == corev1.PodRunning {
			running = 1
		}
		workloads = append(workloads, map[string]any{
			"name":      p.Name,
			"namespace": p.Namespace,
			"node":      p.Spec.NodeName,
			"gpu_count": n,
			"available": running,
		})
	}

	return map[string]any{
		"gpu_nodes":            gpuNodes,
		"gpu_pods":             len(workloads),
		"total_gpus_allocated": allocated,
		"total_gpus_available": available,
		"workloads":            workloads,
	}, nil
}

func (c *Client) setNodeLabels(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, err := requireString(params, "node_name")
	if err != nil {
		return nil, err
	}
	labels, err := probe.StringMap(params, "labels")
	if err != nil {
		return nil, &paramError{msg: err.Error()}
	}
	remove, err := probe.Strings(params, "remove_labels")
	if err != nil {
		return nil, &paramError{msg: err.Error()}
	}
	if len(labels) == 0 && len(remove) == 0 {
		return nil, &paramError{msg: `one of "labels" or "remove_labels" is required`}
	}

	patch := make(map[string]*string, len(labels)+len(remove))
	for k, v := range labels {
		patch[k] = &v
	}
	for _, k := range remove {
		patch[k] = nil
	}
	body, err := mergePatchLabels(patch)
	if err != nil {
		return nil, err
	}

	if optionalBool(params, "dry_run", false) {
		c.logger.Info("dry-run: would label node", "node", name, "patch", string(body))
	} else {
		if _, err := c.kube.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{}); err != nil {
			return nil, err
		}
	}

	set := make(map[string]any, len(labels))
	for k, v := range labels {
		set[k] = v
	}
	return map[string]any{
		"node":           name,
		"labels_set":     set,
		"labels_removed": toAnySlice(remove),
		"success":        true,
		"message":        "labels updated",
	}, nil
}

func mergePatchLabels(labels map[string]*string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": labels},
	})
}

func isNodeReady(n *corev1.Node) bool {
	for _, c := range n.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func isGPUNode(n *corev1.Node) bool {
	if _, ok := n.Status.Capacity[gpuResource]; ok {
		return true
	}
	for k := range n.Labels {
		if strings.Contains(strings.ToLower(k), "gpu") {
			return true
		}
	}
	return false
}

func podGPURequest(p *corev1.Pod) int64 {
	var total int64
	for _, c := range p.Spec.Containers {
		if q, ok := c.Resources.Requests[gpuResource]; ok {
			total += q.Value()
		} else if q, ok := c.Resources.Limits[gpuResource]; ok {
			total += q.Value()
		}
	}
	return total
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
