package types

import (
	"encoding/json"
	"time"
)

// Payloads exchanged between the executor runner inside a container and
// the control plane's internal callback API. All carry bearer-token auth
// with the per-session internal token.

// ContainerReady is posted by the executor once its HTTP server is up.
type ContainerReady struct {
	SessionID    string    `json:"session_id"`
	ContainerID  string    `json:"container_id"`
	ExecutorPort int       `json:"executor_port"`
	ReadyAt      time.Time `json:"ready_at"`
}

// ExitReason classifies why an executor process ended.
type ExitReason string

const (
	ExitNormal    ExitReason = "normal"
	ExitSigterm   ExitReason = "sigterm"
	ExitSigkill   ExitReason = "sigkill"
	ExitOOMKilled ExitReason = "oom_killed"
	ExitError     ExitReason = "error"
)

// ContainerExited is posted by the executor on shutdown.
type ContainerExited struct {
	ContainerID string     `json:"container_id"`
	ExitCode    int        `json:"exit_code"`
	ExitReason  ExitReason `json:"exit_reason"`
	ExitedAt    time.Time  `json:"exited_at"`
}

// ExecutionRequest is the payload the dispatch engine posts to the
// executor's /execute endpoint.
type ExecutionRequest struct {
	ExecutionID    string            `json:"execution_id"`
	SessionID      string            `json:"session_id"`
	Code           string            `json:"code"`
	Language       string            `json:"language"`
	TimeoutSeconds int               `json:"timeout"`
	Event          json.RawMessage   `json:"event,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// ExecutionResult is the full result the executor posts back.
type ExecutionResult struct {
	ExecutionID string             `json:"execution_id"`
	SessionID   string             `json:"session_id"`
	Status      ExecutionStatus    `json:"status"`
	ExitCode    int                `json:"exit_code"`
	Stdout      string             `json:"stdout"`
	Stderr      string             `json:"stderr"`
	ReturnValue json.RawMessage    `json:"return_value,omitempty"`
	Artifacts   []ArtifactMetadata `json:"artifacts,omitempty"`
	Metrics     ExecutionMetrics   `json:"metrics"`
	Error       string             `json:"error,omitempty"`
}

// HeartbeatPayload is posted every heartbeat interval while an execution
// is active. Heartbeats carry no ordering, only freshness.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Progress  string    `json:"progress,omitempty"`
}

// InstallRequest asks the executor to install packages before the
// session is declared running.
type InstallRequest struct {
	Packages              []string `json:"packages"`
	TimeoutSeconds        int      `json:"install_timeout"`
	FailOnError           bool     `json:"fail_on_dependency_error"`
	AllowVersionConflicts bool     `json:"allow_version_conflicts"`
}

// InstallResult reports the outcome of a dependency install.
type InstallResult struct {
	Installed []string `json:"installed"`
	Failed    []string `json:"failed,omitempty"`
	Output    string   `json:"output,omitempty"`
}
