package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	burrowerrs "github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
)

// KubernetesBackend runs one pod per session in a dedicated namespace.
// The pod name doubles as the sandbox id.
type KubernetesBackend struct {
	client    kubernetes.Interface
	restCfg   *rest.Config
	namespace string
}

// NewKubernetesBackend builds a clientset from the in-cluster config,
// falling back to kubeconfig for out-of-cluster development.
func NewKubernetesBackend(namespace string) (*KubernetesBackend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return &KubernetesBackend{client: client, restCfg: cfg, namespace: namespace}, nil
}

// newKubernetesBackendWithClient is the test seam. The fake clientset
// carries no exec transport, so restCfg stays nil.
func newKubernetesBackendWithClient(client kubernetes.Interface, namespace string) *KubernetesBackend {
	return &KubernetesBackend{client: client, namespace: namespace}
}

func (b *KubernetesBackend) Close() error { return nil }

func (b *KubernetesBackend) CreateSandbox(ctx context.Context, spec SandboxSpec) (*SandboxInfo, error) {
	pod := b.buildPod(spec)

	created, err := b.client.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, burrowerrs.Wrap(burrowerrs.KindBackendUnavailable, "failed to create pod", err)
	}
	logger := log.WithSessionID(spec.SessionID)
	logger.Info().Str("pod", created.Name).Msg("Sandbox pod created")

	// Wait for the pod to get an IP; executor readiness is probed by the
	// scheduler on top of this.
	deadline := time.NewTimer(2 * time.Minute)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, burrowerrs.New(burrowerrs.KindSchedulingFailed,
				fmt.Sprintf("pod %s did not become ready in time", created.Name))
		case <-ticker.C:
		}
		pod, err := b.client.CoreV1().Pods(b.namespace).Get(ctx, created.Name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod: %w", err)
		}
		if pod.Status.Phase == corev1.PodFailed {
			return nil, burrowerrs.New(burrowerrs.KindSchedulingFailed,
				fmt.Sprintf("pod %s failed: %s", pod.Name, pod.Status.Reason))
		}
		if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
			return &SandboxInfo{
				ID:        pod.Name,
				SessionID: spec.SessionID,
				NodeID:    pod.Spec.NodeName,
				Running:   true,
				Address:   fmt.Sprintf("%s:%d", pod.Status.PodIP, spec.ExecutorPort),
			}, nil
		}
	}
}

func (b *KubernetesBackend) buildPod(spec SandboxSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	env = append(env,
		corev1.EnvVar{Name: "EXECUTOR_PORT", Value: fmt.Sprintf("%d", spec.ExecutorPort)},
		corev1.EnvVar{Name: "ALLOW_NETWORK", Value: fmt.Sprintf("%t", spec.AllowNetwork)},
	)

	limits := corev1.ResourceList{}
	if spec.Limits.CPUCores > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.Limits.CPUCores*1000), resource.DecimalSI)
	}
	if spec.Limits.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.Limits.MemoryBytes, resource.BinarySI)
	}
	if spec.Limits.DiskBytes > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(spec.Limits.DiskBytes, resource.BinarySI)
	}

	runAsUser := int64(1000)
	nonRoot := true
	noEscalation := false
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "burrow-" + spec.SessionID,
			Namespace: b.namespace,
			Labels: map[string]string{
				LabelManaged:   "true",
				LabelSessionID: spec.SessionID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeName:      spec.NodeID,
			Containers: []corev1.Container{{
				Name:  "sandbox",
				Image: spec.Image,
				Env:   env,
				Ports: []corev1.ContainerPort{{ContainerPort: int32(spec.ExecutorPort)}},
				Resources: corev1.ResourceRequirements{
					Limits:   limits,
					Requests: limits,
				},
				SecurityContext: &corev1.SecurityContext{
					RunAsUser:                &runAsUser,
					RunAsNonRoot:             &nonRoot,
					AllowPrivilegeEscalation: &noEscalation,
					Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
				},
			}},
		},
	}
	return pod
}

func (b *KubernetesBackend) InspectSandbox(ctx context.Context, id string) (*SandboxInfo, error) {
	pod, err := b.client.CoreV1().Pods(b.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, burrowerrs.New(burrowerrs.KindNotFound, fmt.Sprintf("pod not found: %s", id))
		}
		return nil, fmt.Errorf("failed to get pod %s: %w", id, err)
	}
	return b.podInfo(pod), nil
}

func (b *KubernetesBackend) podInfo(pod *corev1.Pod) *SandboxInfo {
	info := &SandboxInfo{
		ID:        pod.Name,
		SessionID: pod.Labels[LabelSessionID],
		NodeID:    pod.Spec.NodeName,
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		info.Running = true
		if pod.Status.PodIP != "" && len(pod.Spec.Containers) > 0 && len(pod.Spec.Containers[0].Ports) > 0 {
			info.Address = fmt.Sprintf("%s:%d", pod.Status.PodIP, pod.Spec.Containers[0].Ports[0].ContainerPort)
		}
	case corev1.PodSucceeded:
		code := 0
		info.ExitCode = &code
	case corev1.PodFailed:
		code := 1
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				code = int(cs.State.Terminated.ExitCode)
			}
		}
		info.ExitCode = &code
	}
	return info
}

func (b *KubernetesBackend) StopSandbox(ctx context.Context, id string, grace time.Duration) error {
	seconds := int64(grace.Seconds())
	err := b.client.CoreV1().Pods(b.namespace).Delete(ctx, id, metav1.DeleteOptions{
		GracePeriodSeconds: &seconds,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", id, err)
	}
	return nil
}

func (b *KubernetesBackend) DeleteSandbox(ctx context.Context, id string) error {
	zero := int64(0)
	err := b.client.CoreV1().Pods(b.namespace).Delete(ctx, id, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to force delete pod %s: %w", id, err)
	}
	return nil
}

func (b *KubernetesBackend) ListSandboxes(ctx context.Context) ([]SandboxInfo, error) {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}
	infos := make([]SandboxInfo, 0, len(pods.Items))
	for i := range pods.Items {
		infos = append(infos, *b.podInfo(&pods.Items[i]))
	}
	return infos, nil
}

func (b *KubernetesBackend) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	stream, err := b.client.CoreV1().Pods(b.namespace).GetLogs(id, opts).Stream(ctx)
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return "", burrowerrs.New(burrowerrs.KindNotFound, fmt.Sprintf("pod not found: %s", id))
		}
		return "", fmt.Errorf("failed to stream pod logs: %w", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read pod logs: %w", err)
	}
	return string(data), nil
}

// CopyInto streams data into the pod's workspace through an exec with
// stdin, so file transfer does not depend on the executor daemon.
func (b *KubernetesBackend) CopyInto(ctx context.Context, id, relPath string, data []byte) error {
	full, err := podWorkspaceFile(relPath)
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	err = b.execInPod(ctx, id, []string{"sh", "-c",
		fmt.Sprintf("mkdir -p %q && cat > %q", path.Dir(full), full)},
		bytes.NewReader(data), nil, &stderr)
	if err != nil {
		if burrowerrs.IsKind(err, burrowerrs.KindBackendUnavailable) {
			return err
		}
		return burrowerrs.Wrap(burrowerrs.KindExecutorUnreachable,
			fmt.Sprintf("failed to copy into pod %s: %s", id, stderr.String()), err)
	}
	return nil
}

// CopyFrom streams a workspace file out of the pod.
func (b *KubernetesBackend) CopyFrom(ctx context.Context, id, relPath string) ([]byte, error) {
	full, err := podWorkspaceFile(relPath)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	err = b.execInPod(ctx, id, []string{"cat", full}, nil, &stdout, &stderr)
	if err != nil {
		if burrowerrs.IsKind(err, burrowerrs.KindBackendUnavailable) {
			return nil, err
		}
		return nil, burrowerrs.Wrap(burrowerrs.KindNotFound,
			fmt.Sprintf("failed to copy from pod %s: %s", id, stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

func (b *KubernetesBackend) execInPod(ctx context.Context, podName string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if b.restCfg == nil {
		return burrowerrs.New(burrowerrs.KindBackendUnavailable, "pod exec transport is not configured")
	}
	req := b.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(b.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    stdout != nil,
			Stderr:    stderr != nil,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(b.restCfg, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create pod executor: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
}

// podWorkspaceFile resolves a relative path against the in-container
// workspace root.
func podWorkspaceFile(relPath string) (string, error) {
	if relPath == "" || path.IsAbs(relPath) {
		return "", burrowerrs.New(burrowerrs.KindInvalidRequest, "path must be relative")
	}
	full := path.Join("/workspace", relPath)
	if full == "/workspace" || !strings.HasPrefix(full, "/workspace/") {
		return "", burrowerrs.New(burrowerrs.KindInvalidRequest, "path must stay inside the workspace")
	}
	return full, nil
}

func (b *KubernetesBackend) Nodes(ctx context.Context) ([]NodeInfo, error) {
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	infos := make([]NodeInfo, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		ready := false
		for _, cond := range node.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}
		cpu := node.Status.Allocatable.Cpu()
		mem := node.Status.Allocatable.Memory()
		var cached []string
		for _, img := range node.Status.Images {
			cached = append(cached, img.Names...)
		}
		infos = append(infos, NodeInfo{
			ID:           node.Name,
			Name:         node.Name,
			CPUCores:     float64(cpu.MilliValue()) / 1000,
			MemoryBytes:  mem.Value(),
			Ready:        ready,
			CachedImages: cached,
		})
	}
	return infos, nil
}

var _ Backend = (*KubernetesBackend)(nil)
var _ Backend = (*ContainerdBackend)(nil)
