// Package client is the Go SDK for the Burrow REST API. The CLI uses
// it; external callers can too.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Client talks to one control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given control plane address.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ResourceLimits mirrors the API's limits payload.
type ResourceLimits struct {
	CPUCores     float64 `json:"cpu_cores"`
	MemoryBytes  int64   `json:"memory_bytes"`
	DiskBytes    int64   `json:"disk_bytes"`
	MaxProcesses int     `json:"max_processes,omitempty"`
}

// TemplateSpec is the input for template creation.
type TemplateSpec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Runtime        string            `json:"runtime"`
	DefaultLimits  ResourceLimits    `json:"default_limits"`
	DefaultTimeout int               `json:"default_timeout"`
	DefaultEnv     map[string]string `json:"default_env,omitempty"`
	AllowNetwork   bool              `json:"allow_network"`
}

// SessionSpec is the input for session creation.
type SessionSpec struct {
	TemplateID     string            `json:"template_id"`
	Mode           string            `json:"mode,omitempty"`
	Limits         *ResourceLimits   `json:"limits,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	NodeID         string            `json:"node_id,omitempty"`
}

// ExecuteSpec is the input for one code submission.
type ExecuteSpec struct {
	Code           string            `json:"code"`
	Language       string            `json:"language"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	Event          json.RawMessage   `json:"event,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// CreateTemplate registers a sandbox template.
func (c *Client) CreateTemplate(ctx context.Context, spec TemplateSpec) (*types.Template, error) {
	var tpl types.Template
	if err := c.do(ctx, http.MethodPost, "/api/v1/templates", spec, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ListTemplates returns all templates.
func (c *Client) ListTemplates(ctx context.Context) ([]*types.Template, error) {
	var out struct {
		Templates []*types.Template `json:"templates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/templates", nil, &out); err != nil {
		return nil, err
	}
	return out.Templates, nil
}

// CreateSession starts provisioning a sandbox. The returned session is
// PENDING; poll GetSession until it is RUNNING.
func (c *Client) CreateSession(ctx context.Context, spec SessionSpec) (*types.Session, error) {
	var sess types.Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", spec, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+id, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// TerminateSession stops a session and its container.
func (c *Client) TerminateSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	if err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+id, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Execute submits code to a running session.
func (c *Client) Execute(ctx context.Context, sessionID string, spec ExecuteSpec) (*types.Execution, error) {
	var exec types.Execution
	if err := c.do(ctx, http.MethodPost, "/api/v1/executions/sessions/"+sessionID+"/execute", spec, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ExecutionResult fetches the full result of an execution.
func (c *Client) ExecutionResult(ctx context.Context, executionID string) (*types.Execution, error) {
	var exec types.Execution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+executionID+"/result", nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// apiError is the control plane's error envelope.
type apiError struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope apiError
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.ErrorCode == "" {
			return errdefs.New(errdefs.KindInternal,
				fmt.Sprintf("control plane returned %d for %s %s", resp.StatusCode, method, path))
		}
		e := errdefs.New(errdefs.Kind(envelope.ErrorCode), envelope.Description)
		if envelope.ErrorDetail != "" {
			e = e.WithDetail(envelope.ErrorDetail)
		}
		if envelope.Solution != "" {
			e = e.WithSolution(envelope.Solution)
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
