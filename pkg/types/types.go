package types

import (
	"encoding/json"
	"time"
)

// Template is an operator-defined blueprint for a sandbox: a container
// image plus default limits. Image references are effectively immutable;
// updates create a new active version while running sessions keep the
// snapshot they were created from.
type Template struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	Image          string            `json:"image" db:"image"`
	Runtime        RuntimeKind       `json:"runtime" db:"runtime"`
	DefaultLimits  ResourceLimit     `json:"default_limits" db:"-"`
	DefaultTimeout int               `json:"default_timeout" db:"default_timeout"` // seconds, 1..3600
	DefaultEnv     map[string]string `json:"default_env,omitempty" db:"-"`
	AllowNetwork   bool              `json:"allow_network" db:"allow_network"`
	Active         bool              `json:"active" db:"active"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// RuntimeKind identifies the language runtime baked into a template image.
type RuntimeKind string

const (
	RuntimePython RuntimeKind = "python3.11"
	RuntimeNode   RuntimeKind = "nodejs20"
	RuntimeShell  RuntimeKind = "shell"
)

// ResourceLimit bounds a session's container. Immutable once attached.
type ResourceLimit struct {
	CPUCores     float64 `json:"cpu_cores"`
	MemoryBytes  int64   `json:"memory_bytes"`
	DiskBytes    int64   `json:"disk_bytes"`
	MaxProcesses int     `json:"max_processes,omitempty"`
}

// SessionMode controls how many executions a session accepts.
type SessionMode string

const (
	// SessionModeEphemeral sessions self-terminate after their sole
	// execution completes.
	SessionModeEphemeral SessionMode = "ephemeral"

	// SessionModePersistent sessions accept executions until idle or
	// lifetime reap, or an explicit delete.
	SessionModePersistent SessionMode = "persistent"
)

// SessionStatus is the canonical wire form of a session's lifecycle
// state. Always uppercase on the wire.
type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionCreating   SessionStatus = "CREATING"
	SessionStarting   SessionStatus = "STARTING"
	SessionRunning    SessionStatus = "RUNNING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionFailed     SessionStatus = "FAILED"
	SessionTimeout    SessionStatus = "TIMEOUT"
)

// Session is a provisioned sandbox, 1:1 with a backend container over its
// lifetime. The status field is the single source of truth for clients.
type Session struct {
	ID             string            `json:"id" db:"id"`
	TemplateID     string            `json:"template_id" db:"template_id"`
	Mode           SessionMode       `json:"mode" db:"mode"`
	Status         SessionStatus     `json:"status" db:"status"`
	Limits         ResourceLimit     `json:"limits" db:"-"`
	WorkspacePath  string            `json:"workspace_path" db:"workspace_path"`
	Runtime        RuntimeKind       `json:"runtime" db:"runtime"`
	NodeID         string            `json:"node_id,omitempty" db:"node_id"`
	ContainerID    string            `json:"container_id,omitempty" db:"container_id"`
	PodName        string            `json:"pod_name,omitempty" db:"pod_name"`
	Env            map[string]string `json:"env,omitempty" db:"-"`
	TimeoutSeconds int               `json:"timeout_seconds" db:"timeout_seconds"`
	InternalToken  string            `json:"-" db:"internal_token"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	LastActivityAt time.Time         `json:"last_activity_at" db:"last_activity_at"`
}

// ExecutionStatus is the canonical wire form of an execution's state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCrashed   ExecutionStatus = "CRASHED"
)

// Execution is one code submission against a session.
type Execution struct {
	ID             string             `json:"id" db:"id"`
	SessionID      string             `json:"session_id" db:"session_id"`
	Status         ExecutionStatus    `json:"status" db:"status"`
	Code           string             `json:"code,omitempty" db:"code"`
	Language       string             `json:"language" db:"language"`
	TimeoutSeconds int                `json:"timeout_seconds" db:"timeout_seconds"`
	ExitCode       *int               `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMessage   string             `json:"error_message,omitempty" db:"error_message"`
	Stdout         string             `json:"stdout,omitempty" db:"stdout"`
	Stderr         string             `json:"stderr,omitempty" db:"stderr"`
	Artifacts      []ArtifactMetadata `json:"artifacts,omitempty" db:"-"`
	Metrics        *ExecutionMetrics  `json:"metrics,omitempty" db:"-"`
	ReturnValue    json.RawMessage    `json:"return_value,omitempty" db:"return_value"`
	RetryCount     int                `json:"retry_count" db:"retry_count"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	LastHeartbeat  *time.Time         `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
}

// ExecutionMetrics is the best-effort resource accounting for one run.
type ExecutionMetrics struct {
	DurationMs   int64    `json:"duration_ms"`
	CPUTimeMs    *int64   `json:"cpu_time_ms,omitempty"`
	PeakMemoryMB *float64 `json:"peak_memory_mb,omitempty"`
}

// ArtifactMetadata describes a non-hidden file left in the workspace
// after an execution. Paths are relative to the workspace root.
type ArtifactMetadata struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type"`
	Kind      string    `json:"kind"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SupportedLanguages is the execute-request language whitelist.
var SupportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"shell":      true,
}

// MaxCodeBytes caps submitted code size.
const MaxCodeBytes = 1 << 20 // 1 MiB

// MaxStreamBytes caps captured stdout and stderr, each.
const MaxStreamBytes = 10 << 20 // 10 MiB

// TruncationMarker is appended to stdout/stderr cut at MaxStreamBytes.
const TruncationMarker = "…[truncated]"
