package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// spoolDir receives results the control plane would not take so a human
// (or a restarted control plane) can recover them.
const spoolDir = "/tmp/results"

// resultBackoff is the retry schedule for result delivery. After the
// last attempt the result is spooled to disk.
var resultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

// CallbackClient talks to the control plane's internal API with the
// per-session token.
type CallbackClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewCallbackClient creates a callback client.
func NewCallbackClient(controlPlaneURL, token string) *CallbackClient {
	return &CallbackClient{
		baseURL: controlPlaneURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("callback"),
	}
}

func (c *CallbackClient) post(ctx context.Context, path string, payload interface{}) error {
	return c.postAttempt(ctx, path, payload, 0)
}

func (c *CallbackClient) postAttempt(ctx context.Context, path string, payload interface{}, attempt int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if attempt > 0 {
		req.Header.Set("X-Delivery-Attempt", strconv.Itoa(attempt))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control plane returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// PostReady announces the executor's HTTP server is accepting work.
func (c *CallbackClient) PostReady(ctx context.Context, ready types.ContainerReady) error {
	return c.post(ctx, "/internal/containers/ready", ready)
}

// PostExited reports container shutdown. Best effort, single attempt;
// the reconciler catches anything this misses.
func (c *CallbackClient) PostExited(ctx context.Context, exited types.ContainerExited) error {
	return c.post(ctx, "/internal/containers/exited", exited)
}

// PostHeartbeat reports execution liveness.
func (c *CallbackClient) PostHeartbeat(ctx context.Context, executionID string, hb types.HeartbeatPayload) error {
	return c.post(ctx, "/internal/executions/"+executionID+"/heartbeat", hb)
}

// PostResult delivers a result with bounded retries, spooling to disk
// when the control plane stays unreachable. The result is the only
// record of the execution's outcome, so it must not be dropped.
func (c *CallbackClient) PostResult(ctx context.Context, result types.ExecutionResult) error {
	path := "/internal/executions/" + result.ExecutionID + "/result"

	var lastErr error
	for attempt := 0; attempt <= len(resultBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return c.spool(result)
			case <-time.After(resultBackoff[attempt-1]):
			}
		}
		if lastErr = c.postAttempt(ctx, path, result, attempt+1); lastErr == nil {
			return nil
		}
		c.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Str("execution_id", result.ExecutionID).Msg("Result delivery failed")
	}

	c.logger.Error().Err(lastErr).Str("execution_id", result.ExecutionID).Msg("Result delivery exhausted retries, spooling")
	return c.spool(result)
}

func (c *CallbackClient) spool(result types.ExecutionResult) error {
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(spoolDir, result.ExecutionID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to spool result: %w", err)
	}
	return nil
}
