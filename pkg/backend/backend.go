// Package backend abstracts the container substrate behind a small
// adapter port. Two adapters ship: containerd for single-host
// deployments and Kubernetes for cluster deployments. The rest of the
// control plane only sees opaque sandbox ids, labels and addresses.
package backend

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

const (
	// LabelManaged marks containers owned by this control plane.
	// Reconciliation only ever touches containers carrying it.
	LabelManaged = "burrow.managed"

	// LabelSessionID ties a container back to its session row.
	LabelSessionID = "burrow.session-id"
)

// SandboxSpec is everything a backend needs to provision one sandbox.
type SandboxSpec struct {
	SessionID    string
	Image        string
	Env          map[string]string
	Limits       types.ResourceLimit
	AllowNetwork bool
	NodeID       string // scheduler placement hint, may be empty
	ExecutorPort int
}

// SandboxInfo is the backend's view of one managed container.
type SandboxInfo struct {
	ID        string
	SessionID string
	NodeID    string
	Running   bool
	ExitCode  *int

	// Address is host:port where the in-container executor answers.
	Address string
}

// NodeInfo describes a schedulable node. CPUCores and MemoryBytes are
// the allocatable capacity; zero means the backend does not report it.
type NodeInfo struct {
	ID          string
	Name        string
	CPUCores    float64
	MemoryBytes int64
	Ready       bool

	// CachedImages lists image references already present on the node.
	CachedImages []string
}

// HasImage reports whether the node already holds the image.
func (n NodeInfo) HasImage(image string) bool {
	for _, cached := range n.CachedImages {
		if cached == image {
			return true
		}
	}
	return false
}

// Fits reports whether the node's allocatable capacity covers the
// requested limits. Unreported capacity is treated as sufficient.
func (n NodeInfo) Fits(limits types.ResourceLimit) bool {
	if n.CPUCores > 0 && limits.CPUCores > n.CPUCores {
		return false
	}
	if n.MemoryBytes > 0 && limits.MemoryBytes > n.MemoryBytes {
		return false
	}
	return true
}

// Backend is the container substrate port.
type Backend interface {
	// CreateSandbox pulls the image if needed, creates and starts the
	// container. The returned info carries the executor address.
	CreateSandbox(ctx context.Context, spec SandboxSpec) (*SandboxInfo, error)

	// InspectSandbox reports current container state. A NotFound error
	// means the container is gone from the substrate.
	InspectSandbox(ctx context.Context, id string) (*SandboxInfo, error)

	// StopSandbox sends SIGTERM and escalates to SIGKILL after grace.
	StopSandbox(ctx context.Context, id string, grace time.Duration) error

	// DeleteSandbox force-removes the container and its storage.
	// Deleting an already-gone container is not an error.
	DeleteSandbox(ctx context.Context, id string) error

	// ListSandboxes enumerates containers labeled as managed by this
	// control plane. Foreign containers are never returned.
	ListSandboxes(ctx context.Context) ([]SandboxInfo, error)

	// FetchLogs returns up to tail lines of the container's output.
	FetchLogs(ctx context.Context, id string, tail int) (string, error)

	// CopyInto writes data to a workspace-relative path inside the
	// sandbox, bypassing the executor.
	CopyInto(ctx context.Context, id, path string, data []byte) error

	// CopyFrom reads a workspace-relative path from the sandbox.
	CopyFrom(ctx context.Context, id, path string) ([]byte, error)

	// Nodes lists schedulable nodes for placement decisions.
	Nodes(ctx context.Context) ([]NodeInfo, error)

	Close() error
}
