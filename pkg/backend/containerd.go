package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	burrowerrs "github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
)

const (
	// DefaultNamespace is the containerd namespace for burrow sandboxes
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// labelExecutorPort records the per-sandbox host port so Inspect
	// can rebuild the executor address without extra state.
	labelExecutorPort = "burrow.executor-port"

	localNodeID = "local"
)

// ContainerdBackend runs sandboxes on the local containerd. Containers
// share the host network namespace and each sandbox gets its own
// executor port; network isolation for untrusted code is enforced one
// layer down, inside the container, by the executor's bwrap jail.
type ContainerdBackend struct {
	client     *containerd.Client
	namespace  string
	logDir     string
	workspaces *workspace.LocalWorkspaces
	nextPort   atomic.Int64
}

// NewContainerdBackend connects to containerd and prepares the log dir.
func NewContainerdBackend(socketPath, dataDir string, basePort int) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	logDir := filepath.Join(dataDir, "sandbox-logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	workspaces, err := workspace.NewLocalWorkspaces(dataDir)
	if err != nil {
		client.Close()
		return nil, err
	}

	b := &ContainerdBackend{
		client:     client,
		namespace:  DefaultNamespace,
		logDir:     logDir,
		workspaces: workspaces,
	}
	b.nextPort.Store(b.seedPort(int64(basePort)))
	return b, nil
}

// seedPort starts the allocator above any executor port still claimed
// by a surviving sandbox, so a control plane restart cannot hand out a
// port that is in use on the shared host network.
func (b *ContainerdBackend) seedPort(base int64) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, LabelManaged, "true")
	existing, err := b.client.Containers(ctx, filter)
	if err != nil {
		logger := log.WithComponent("backend")
		logger.Warn().Err(err).Msg("Could not list containers to seed the port allocator")
		return base
	}
	labelSets := make([]map[string]string, 0, len(existing))
	for _, c := range existing {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		labelSets = append(labelSets, labels)
	}
	return nextPortAfter(base, labelSets)
}

func nextPortAfter(base int64, labelSets []map[string]string) int64 {
	next := base
	for _, labels := range labelSets {
		if p, err := strconv.Atoi(labels[labelExecutorPort]); err == nil && int64(p) > next {
			next = int64(p)
		}
	}
	return next
}

// Close closes the containerd client connection
func (b *ContainerdBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *ContainerdBackend) CreateSandbox(ctx context.Context, spec SandboxSpec) (*SandboxInfo, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	logger := log.WithSessionID(spec.SessionID)

	image, err := b.client.GetImage(ctx, spec.Image)
	if err != nil {
		logger.Debug().Str("image", spec.Image).Msg("Image not present, pulling")
		image, err = b.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, burrowerrs.Wrap(burrowerrs.KindBackendUnavailable,
				fmt.Sprintf("failed to pull image %s", spec.Image), err).
				WithSolution("check the image reference and registry availability")
		}
	}

	port := int(b.nextPort.Add(1))
	env := flattenEnv(spec.Env)
	env = append(env,
		fmt.Sprintf("EXECUTOR_PORT=%d", port),
		fmt.Sprintf("ALLOW_NETWORK=%t", spec.AllowNetwork),
	)

	hostWorkspace, err := b.workspaces.Create(spec.SessionID)
	if err != nil {
		return nil, err
	}
	workspaceDest := spec.Env["WORKSPACE_PATH"]
	if workspaceDest == "" {
		workspaceDest = "/workspace"
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		// Non-root inside the sandbox; matches the executor's UID
		oci.WithUIDGID(1000, 1000),
		oci.WithMounts([]specs.Mount{{
			Destination: workspaceDest,
			Type:        "bind",
			Source:      hostWorkspace,
			Options:     []string{"rbind", "rw"},
		}}),
		withSandboxLimits(spec.Limits),
	}
	opts = append(opts, sandboxIsolationOpts(spec.AllowNetwork)...)

	containerID := "burrow-" + spec.SessionID
	container, err := b.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			LabelManaged:      "true",
			LabelSessionID:    spec.SessionID,
			labelExecutorPort: strconv.Itoa(port),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	logPath := filepath.Join(b.logDir, containerID+".log")
	task, err := container.NewTask(ctx, cio.LogFile(logPath))
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup) //nolint:errcheck
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)                                      //nolint:errcheck
		container.Delete(ctx, containerd.WithSnapshotCleanup) //nolint:errcheck
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	logger.Info().Str("container_id", containerID).Int("executor_port", port).Msg("Sandbox container started")

	return &SandboxInfo{
		ID:        containerID,
		SessionID: spec.SessionID,
		NodeID:    localNodeID,
		Running:   true,
		Address:   fmt.Sprintf("127.0.0.1:%d", port),
	}, nil
}

func (b *ContainerdBackend) InspectSandbox(ctx context.Context, id string) (*SandboxInfo, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	container, err := b.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, burrowerrs.New(burrowerrs.KindNotFound, fmt.Sprintf("container not found: %s", id))
		}
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read container labels: %w", err)
	}
	info := &SandboxInfo{
		ID:        id,
		SessionID: labels[LabelSessionID],
		NodeID:    localNodeID,
	}
	if port := labels[labelExecutorPort]; port != "" {
		info.Address = "127.0.0.1:" + port
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means created but never started, or already reaped
		return info, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		info.Running = true
	case containerd.Stopped:
		code := int(status.ExitStatus)
		info.ExitCode = &code
	}
	return info, nil
}

func (b *ContainerdBackend) StopSandbox(ctx context.Context, id string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	container, err := b.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// Not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		// Grace expired, escalate
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (b *ContainerdBackend) DeleteSandbox(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	// Workspace cleanup happens even when the container is already gone;
	// a create that failed halfway may have left only the directory.
	logger := log.WithComponent("backend")
	defer func() {
		if sessionID := strings.TrimPrefix(id, "burrow-"); sessionID != id {
			if err := b.workspaces.Remove(sessionID); err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove workspace")
			}
		}
	}()

	container, err := b.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if err := b.StopSandbox(ctx, id, 10*time.Second); err != nil {
		logger.Warn().Err(err).Str("container_id", id).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	os.Remove(filepath.Join(b.logDir, id+".log")) //nolint:errcheck
	return nil
}

func (b *ContainerdBackend) ListSandboxes(ctx context.Context) ([]SandboxInfo, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, LabelManaged, "true")
	containers, err := b.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]SandboxInfo, 0, len(containers))
	for _, c := range containers {
		info, err := b.InspectSandbox(ctx, c.ID())
		if err != nil {
			if burrowerrs.IsKind(err, burrowerrs.KindNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func (b *ContainerdBackend) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.logDir, id+".log"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", burrowerrs.New(burrowerrs.KindNotFound, fmt.Sprintf("no logs for container %s", id))
		}
		return "", fmt.Errorf("failed to read container log: %w", err)
	}
	return tailLines(string(data), tail), nil
}

// CopyInto writes data to a workspace-relative path inside the sandbox.
// The workspace is a host bind mount, so no executor round trip is
// needed and the copy works even when the executor is wedged.
func (b *ContainerdBackend) CopyInto(ctx context.Context, id, relPath string, data []byte) error {
	full, err := b.workspaceFile(id, relPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace file: %w", err)
	}
	os.Chown(full, 1000, 1000) //nolint:errcheck
	return nil
}

// CopyFrom reads a workspace-relative path from the sandbox.
func (b *ContainerdBackend) CopyFrom(ctx context.Context, id, relPath string) ([]byte, error) {
	full, err := b.workspaceFile(id, relPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, burrowerrs.New(burrowerrs.KindNotFound, fmt.Sprintf("no workspace file %s", relPath))
		}
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}
	return data, nil
}

func (b *ContainerdBackend) workspaceFile(id, relPath string) (string, error) {
	sessionID := strings.TrimPrefix(id, "burrow-")
	if sessionID == id || sessionID == "" {
		return "", burrowerrs.New(burrowerrs.KindInvalidRequest, fmt.Sprintf("not a sandbox id: %s", id))
	}
	if relPath == "" || filepath.IsAbs(relPath) || strings.Contains(relPath, "..") {
		return "", burrowerrs.New(burrowerrs.KindInvalidRequest, "path must be relative and stay inside the workspace")
	}
	return filepath.Join(b.workspaces.Path(sessionID), relPath), nil
}

// Nodes on the local backend is the host itself. Pulled images are
// reported so placement can see what is already warm.
func (b *ContainerdBackend) Nodes(ctx context.Context) ([]NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := NodeInfo{
		ID:    localNodeID,
		Name:  localNodeID,
		Ready: true,
	}
	imgCtx := namespaces.WithNamespace(ctx, b.namespace)
	if images, err := b.client.ListImages(imgCtx); err == nil {
		for _, img := range images {
			node.CachedImages = append(node.CachedImages, img.Name())
		}
	}
	return []NodeInfo{node}, nil
}

// sandboxIsolationOpts drops every capability from the container
// process. The host network namespace carries the control channel to
// the executor; user code gets its own network namespace inside the
// executor's jail unless the template allows network, and only then is
// the host resolv.conf exposed.
func sandboxIsolationOpts(allowNetwork bool) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithCapabilities(nil),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}
	if allowNetwork {
		opts = append(opts, oci.WithHostResolvconf)
	}
	return opts
}

// withSandboxLimits translates the session's resource limits into OCI
// cgroup settings.
func withSandboxLimits(limits types.ResourceLimit) oci.SpecOpts {
	return func(ctx context.Context, client oci.Client, c *containers.Container, s *oci.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if limits.CPUCores > 0 {
			period := uint64(100000)
			quota := int64(limits.CPUCores * 100000)
			s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		if limits.MemoryBytes > 0 {
			mem := limits.MemoryBytes
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &mem}
		}
		if limits.MaxProcesses > 0 {
			s.Linux.Resources.Pids = &specs.LinuxPids{Limit: int64(limits.MaxProcesses)}
		}
		return nil
	}
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func tailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
