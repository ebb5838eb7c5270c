package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DrainOptions configures one drain.
type DrainOptions struct {
	// GracePeriodSeconds is the grace period for pod termination.
	GracePeriodSeconds int64

	// DryRun reports what would be evicted without touching the cluster.
	DryRun bool

	// IgnoreDaemonSets skips DaemonSet pods during drain.
	IgnoreDaemonSets bool

	// Force keeps evicting after a pod fails instead of aborting.
	Force bool

	// ExcludeNamespaces are never evicted, e.g. kube-system.
	ExcludeNamespaces []string
}

// DrainResult represents the outcome of a drain operation.
type DrainResult struct {
	NodeName    string
	Success     bool
	DryRun      bool
	PodsEvicted int
	PodsSkipped int
	PodsFailed  int
	Duration    time.Duration
	FailedPods  []string
	Message     string
}

// Drainer cordons nodes and evicts their pods through the Eviction API, so
// PodDisruptionBudgets are respected.
type Drainer struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewDrainer creates a new Drainer instance.
func NewDrainer(client kubernetes.Interface, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		client: client,
		logger: logger,
	}
}

// Drain cordons nodeName and evicts its pods. A returned error means the drain
// could not start; eviction failures are reported in the result.
func (d *Drainer) Drain(ctx context.Context, nodeName string, opts DrainOptions) (*DrainResult, error) {
	start := time.Now()
	result := &DrainResult{
		NodeName: nodeName,
		DryRun:   opts.DryRun,
	}

	d.logger.Info("starting node drain",
		"node", nodeName,
		"dry_run", opts.DryRun,
		"grace_period_seconds", opts.GracePeriodSeconds,
	)

	if err := d.SetSchedulable(ctx, nodeName, false, opts.DryRun); err != nil {
		return result, fmt.Errorf("failed to cordon node: %w", err)
	}

	pods, err := podsOnNode(ctx, d.client, nodeName)
	if err != nil {
		return result, fmt.Errorf("failed to list pods: %w", err)
	}

	excluded := make(map[string]bool, len(opts.ExcludeNamespaces))
	for _, ns := range opts.ExcludeNamespaces {
		excluded[ns] = true
	}

	for i := range pods {
		pod := &pods[i]
		if isTerminal(pod) || excluded[pod.Namespace] || isMirrorPod(pod) ||
			(opts.IgnoreDaemonSets && isDaemonSetPod(pod)) {
			result.PodsSkipped++
			continue
		}

		if err := d.evictPod(ctx, pod, opts); err != nil {
			d.logger.Warn("failed to evict pod",
				"pod", pod.Name,
				"namespace", pod.Namespace,
				"error", err,
			)
			result.PodsFailed++
			result.FailedPods = append(result.FailedPods, pod.Namespace+"/"+pod.Name)

			if !opts.Force {
				result.Message = fmt.Sprintf("failed to evict pod %s/%s: %v", pod.Namespace, pod.Name, err)
				break
			}
			continue
		}
		result.PodsEvicted++
	}

	result.Success = result.PodsFailed == 0
	result.Duration = time.Since(start)
	if result.Success {
		result.Message = "drain completed"
		if opts.DryRun {
			result.Message = "dry-run: drain simulated"
		}
	} else if result.Message == "" {
		result.Message = fmt.Sprintf("%d pods failed to evict", result.PodsFailed)
	}

	d.logger.Info("drain complete",
		"node", nodeName,
		"success", result.Success,
		"pods_evicted", result.PodsEvicted,
		"pods_skipped", result.PodsSkipped,
		"pods_failed", result.PodsFailed,
		"duration", result.Duration,
	)

	return result, nil
}

// SetSchedulable cordons (false) or uncordons (true) a node.
func (d *Drainer) SetSchedulable(ctx context.Context, nodeName string, schedulable, dryRun bool) error {
	node, err := d.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return err
	}

	if node.Spec.Unschedulable == !schedulable {
		d.logger.Debug("node already in requested state", "node", nodeName, "schedulable", schedulable)
		return nil
	}

	if dryRun {
		d.logger.Info("dry-run: would change node schedulability", "node", nodeName, "schedulable", schedulable)
		return nil
	}

	node.Spec.Unschedulable = !schedulable
	_, err = d.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	return err
}

// evictPod evicts a single pod using the Eviction API.
func (d *Drainer) evictPod(ctx context.Context, pod *corev1.Pod, opts DrainOptions) error {
	if opts.DryRun {
		d.logger.Info("dry-run: would evict pod",
			"pod", pod.Name,
			"namespace", pod.Namespace,
			"node", pod.Spec.NodeName,
		)
		return nil
	}

	grace := opts.GracePeriodSeconds
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
		DeleteOptions: &metav1.DeleteOptions{
			GracePeriodSeconds: &grace,
		},
	}

	err := d.client.CoreV1().Pods(pod.Namespace).EvictV1(ctx, eviction)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		if apierrors.IsTooManyRequests(err) {
			return fmt.Errorf("PDB prevents eviction: %w", err)
		}
		return err
	}

	d.logger.Debug("evicted pod",
		"pod", pod.Name,
		"namespace", pod.Namespace,
	)
	return nil
}

func podsOnNode(ctx context.Context, client kubernetes.Interface, nodeName string) ([]corev1.Pod, error) {
	podList, err := client.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("spec.nodeName=%s", nodeName),
	})
	if err != nil {
		return nil, err
	}
	// The fake clientset ignores field selectors.
	pods := podList.Items[:0]
	for _, p := range podList.Items {
		if p.Spec.NodeName == nodeName {
			pods = append(pods, p)
		}
	}
	return pods, nil
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isMirrorPod(pod *corev1.Pod) bool {
	_, exists := pod.Annotations[corev1.MirrorPodAnnotationKey]
	return exists
}

func isTerminal(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}
