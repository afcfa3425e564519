// Package dispatch routes code submissions to in-container executors
// and folds their results back into the store. Result finality is
// compare-and-set: the first terminal outcome for an execution wins,
// whether it came from the executor callback or the watchdog.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
)

const (
	// resultGrace is how long past the execution timeout the watchdog
	// waits for the executor's own timeout handling to report first.
	resultGrace = 30 * time.Second

	// heartbeatInterval mirrors the executor's reporting cadence; a
	// heartbeat older than twice this is considered stale.
	heartbeatInterval = 5 * time.Second
)

// ExecuteRequest is the validated input for one code submission.
type ExecuteRequest struct {
	Code           string
	Language       string
	TimeoutSeconds int
	Event          json.RawMessage
	EnvVars        map[string]string
}

// Engine owns the execution half of the lifecycle.
type Engine struct {
	store     storage.Store
	backend   backend.Backend
	locks     *storage.SessionLocks
	cfg       *config.Config
	artifacts workspace.ArtifactStore
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	grace     time.Duration

	mu        sync.Mutex
	watchdogs map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewEngine creates a dispatch engine. artifacts may be nil when
// archival is not configured.
func NewEngine(store storage.Store, be backend.Backend, locks *storage.SessionLocks, cfg *config.Config, artifacts workspace.ArtifactStore) *Engine {
	e := &Engine{
		store:     store,
		backend:   be,
		locks:     locks,
		cfg:       cfg,
		artifacts: artifacts,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    log.WithComponent("dispatch"),
		grace:     resultGrace,
		watchdogs: make(map[string]context.CancelFunc),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "executor-dispatch",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerOpen.Set(1)
			} else {
				metrics.CircuitBreakerOpen.Set(0)
			}
			e.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Dispatch circuit breaker state changed")
		},
	})
	return e
}

// Execute validates, persists and dispatches one code submission. The
// execution is persisted RUNNING before the dispatch leaves, so any
// dispatch failure finalizes it as FAILED through the usual CAS instead
// of stranding a row no terminal path covers.
func (e *Engine) Execute(ctx context.Context, sessionID string, req ExecuteRequest) (*types.Execution, error) {
	if err := validateRequest(req, e.cfg.MaxTimeoutSeconds); err != nil {
		return nil, err
	}

	var exec *types.Execution
	var address string
	err := e.locks.WithLock(sessionID, func() error {
		sess, err := e.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess.Status != types.SessionRunning {
			return errdefs.New(errdefs.KindConflict,
				fmt.Sprintf("session is %s, executions require RUNNING", sess.Status)).
				WithSolution("wait for the session to become RUNNING or create a new one")
		}
		if sess.Mode == types.SessionModeEphemeral {
			prior, err := e.store.ListExecutionsBySession(sessionID)
			if err != nil {
				return err
			}
			if len(prior) > 0 {
				return errdefs.New(errdefs.KindConflict,
					"ephemeral sessions accept exactly one execution").
					WithSolution("create a new session or use persistent mode")
			}
		}

		timeout := req.TimeoutSeconds
		if timeout == 0 {
			timeout = sess.TimeoutSeconds
		}

		info, err := e.backend.InspectSandbox(ctx, sess.ContainerID)
		if err != nil {
			return errdefs.Wrap(errdefs.KindExecutorUnreachable, "failed to resolve executor address", err)
		}
		if !info.Running || info.Address == "" {
			return errdefs.New(errdefs.KindExecutorUnreachable, "sandbox container is not running")
		}
		address = info.Address

		now := time.Now().UTC()
		exec = &types.Execution{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			Status:         types.ExecutionRunning,
			Code:           req.Code,
			Language:       req.Language,
			TimeoutSeconds: timeout,
			CreatedAt:      now,
			StartedAt:      &now,
		}
		if err := e.store.CreateExecution(exec); err != nil {
			return err
		}
		return e.store.TouchSessionActivity(sessionID, now)
	})
	if err != nil {
		return nil, err
	}

	if err := e.post(ctx, exec, address, req); err != nil {
		metrics.ExecutorDispatchErrors.Inc()
		e.finalize(exec.ID, func(x *types.Execution) { //nolint:errcheck
			x.Status = types.ExecutionFailed
			x.ErrorMessage = "dispatch to executor failed"
		})
		return nil, err
	}

	e.startWatchdog(exec, address)
	return exec, nil
}

// post submits the execution through the circuit breaker. The executor
// answers 202 and runs the code from its own queue.
func (e *Engine) post(ctx context.Context, exec *types.Execution, address string, req ExecuteRequest) error {
	sess, err := e.store.GetSession(exec.SessionID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(types.ExecutionRequest{
		ExecutionID:    exec.ID,
		SessionID:      exec.SessionID,
		Code:           exec.Code,
		Language:       exec.Language,
		TimeoutSeconds: exec.TimeoutSeconds,
		Event:          req.Event,
		EnvVars:        req.EnvVars,
	})
	if err != nil {
		return err
	}

	_, err = e.breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"http://"+address+"/execute", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+sess.InternalToken)

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindExecutorUnreachable, "executor request failed", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		switch resp.StatusCode {
		case http.StatusAccepted:
			return nil, nil
		case http.StatusServiceUnavailable:
			return nil, errdefs.New(errdefs.KindQueueFull, "executor queue is full").
				WithSolution("retry after an in-flight execution completes")
		default:
			return nil, errdefs.New(errdefs.KindExecutorUnreachable,
				fmt.Sprintf("executor rejected dispatch with status %d", resp.StatusCode))
		}
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errdefs.Wrap(errdefs.KindExecutorUnreachable, "executor dispatch circuit is open", err).
			WithSolution("the executor fleet is unhealthy, retry later")
	}
	return err
}

// startWatchdog arms a timer at timeout plus grace. When it fires the
// outcome depends on executor liveness: a dead executor means CRASHED,
// a live one that just never reported means TIMEOUT.
func (e *Engine) startWatchdog(exec *types.Execution, address string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.watchdogs[exec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.stopWatchdog(exec.ID)

		timer := time.NewTimer(time.Duration(exec.TimeoutSeconds)*time.Second + e.grace)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		current, err := e.store.GetExecution(exec.ID)
		if err != nil || types.IsTerminalExecution(current.Status) {
			return
		}

		probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer probeCancel()
		alive := e.probeHealth(probeCtx, address) && heartbeatFresh(current.LastHeartbeat)

		status := types.ExecutionCrashed
		msg := "executor stopped responding before reporting a result"
		if alive {
			status = types.ExecutionTimeout
			msg = fmt.Sprintf("no result within %ds plus grace", exec.TimeoutSeconds)
		}
		e.logger.Warn().Str("execution_id", exec.ID).Str("status", string(status)).Msg("Watchdog fired")
		e.finalize(exec.ID, func(x *types.Execution) {
			x.Status = status
			x.ErrorMessage = msg
		})
	}()
}

func (e *Engine) stopWatchdog(executionID string) {
	e.mu.Lock()
	cancel, ok := e.watchdogs[executionID]
	delete(e.watchdogs, executionID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func heartbeatFresh(last *time.Time) bool {
	if last == nil {
		return false
	}
	return time.Since(*last) < 2*heartbeatInterval
}

func (e *Engine) probeHealth(ctx context.Context, address string) bool {
	return health.ExecutorChecker(address).Check(ctx).Healthy
}

// HandleResult folds an executor result callback into the store.
// Duplicate results after finality are acknowledged without effect.
func (e *Engine) HandleResult(result types.ExecutionResult) error {
	applied, err := e.finalize(result.ExecutionID, func(x *types.Execution) {
		x.Status = result.Status
		code := result.ExitCode
		x.ExitCode = &code
		x.Stdout = truncateStream(result.Stdout)
		x.Stderr = truncateStream(result.Stderr)
		x.ReturnValue = result.ReturnValue
		x.Artifacts = result.Artifacts
		m := result.Metrics
		x.Metrics = &m
		x.ErrorMessage = result.Error
	})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Info().Str("execution_id", result.ExecutionID).Msg("Duplicate result ignored, execution already final")
		return nil
	}

	metrics.ExecutionsTotal.WithLabelValues(string(result.Status)).Inc()
	if result.Metrics.DurationMs > 0 {
		exec, err := e.store.GetExecution(result.ExecutionID)
		if err == nil {
			metrics.ExecutionDuration.WithLabelValues(exec.Language).
				Observe(float64(result.Metrics.DurationMs) / 1000)
		}
	}

	e.store.TouchSessionActivity(result.SessionID, time.Now().UTC()) //nolint:errcheck

	sess, err := e.store.GetSession(result.SessionID)
	if err != nil {
		return err
	}
	if len(result.Artifacts) > 0 {
		e.archiveArtifacts(sess, result.Artifacts)
	}
	if sess.Mode == types.SessionModeEphemeral {
		e.completeEphemeral(sess)
	}
	return nil
}

// archiveArtifacts copies workspace artifacts out of the sandbox into
// object storage before an ephemeral teardown can destroy them. Best
// effort; failures are logged, never fatal to the result.
func (e *Engine) archiveArtifacts(sess *types.Session, artifacts []types.ArtifactMetadata) {
	if e.artifacts == nil || !e.artifacts.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	info, err := e.backend.InspectSandbox(ctx, sess.ContainerID)
	if err != nil || !info.Running || info.Address == "" {
		e.logger.Warn().Str("session_id", sess.ID).Msg("Cannot archive artifacts, sandbox unreachable")
		return
	}
	for _, a := range artifacts {
		data, err := e.backend.CopyFrom(ctx, sess.ContainerID, a.Path)
		if err != nil && errdefs.IsKind(err, errdefs.KindBackendUnavailable) {
			data, err = e.fetchFile(ctx, info.Address, sess.InternalToken, a.Path)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("path", a.Path).Msg("Failed to fetch artifact from sandbox")
			continue
		}
		if err := e.artifacts.Put(ctx, sess.ID, a.Path, data); err != nil {
			e.logger.Warn().Err(err).Str("path", a.Path).Msg("Failed to archive artifact")
		}
	}
}

func (e *Engine) fetchFile(ctx context.Context, address, token, relPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+address+"/files?path="+url.QueryEscape(relPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor file fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// completeEphemeral retires a single-shot session after its execution.
func (e *Engine) completeEphemeral(sess *types.Session) {
	err := e.locks.WithLock(sess.ID, func() error {
		if _, err := e.store.TransitionSession(sess.ID, types.SessionCompleted, nil); err != nil {
			return err
		}
		if sess.ContainerID == "" {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.backend.StopSandbox(ctx, sess.ContainerID, 10*time.Second); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Graceful stop failed for ephemeral session")
		}
		return e.backend.DeleteSandbox(ctx, sess.ContainerID)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to retire ephemeral session")
	}
}

// finalize applies a terminal mutation through the store's CAS and
// stops the watchdog when the result took.
func (e *Engine) finalize(executionID string, apply func(*types.Execution)) (bool, error) {
	applied, err := e.store.CompleteExecution(executionID, apply)
	if err != nil {
		return false, err
	}
	if applied {
		e.stopWatchdog(executionID)
	}
	return applied, nil
}

// HandleHeartbeat records executor liveness for a running execution.
func (e *Engine) HandleHeartbeat(executionID string, hb types.HeartbeatPayload) error {
	at := hb.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := e.store.RecordHeartbeat(executionID, at); err != nil {
		return err
	}
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	return e.store.TouchSessionActivity(exec.SessionID, at)
}

// HandleExited processes a container_exited callback: any execution
// still running in that container crashed with it.
func (e *Engine) HandleExited(sessionID string, exited types.ContainerExited) error {
	return e.locks.WithLock(sessionID, func() error {
		execs, err := e.store.ListExecutionsBySession(sessionID)
		if err != nil {
			return err
		}
		for _, exec := range execs {
			if types.IsTerminalExecution(exec.Status) {
				continue
			}
			e.finalize(exec.ID, func(x *types.Execution) { //nolint:errcheck
				x.Status = types.ExecutionCrashed
				code := exited.ExitCode
				x.ExitCode = &code
				x.ErrorMessage = fmt.Sprintf("container exited (%s) during execution", exited.ExitReason)
			})
		}

		sess, err := e.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if types.IsTerminalSession(sess.Status) {
			return nil
		}
		target := types.SessionFailed
		if exited.ExitReason == types.ExitNormal || exited.ExitReason == types.ExitSigterm {
			target = types.SessionCompleted
		}
		_, err = e.store.TransitionSession(sessionID, target, nil)
		return err
	})
}

// Wait blocks until outstanding watchdogs drain. Used on shutdown.
func (e *Engine) Wait() {
	e.mu.Lock()
	for _, cancel := range e.watchdogs {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func validateRequest(req ExecuteRequest, maxTimeout int) error {
	if strings.TrimSpace(req.Code) == "" {
		return errdefs.New(errdefs.KindInvalidRequest, "code must not be empty")
	}
	if len(req.Code) > types.MaxCodeBytes {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("code exceeds %d bytes", types.MaxCodeBytes)).
			WithSolution("ship large inputs as workspace files instead of inline code")
	}
	if !types.SupportedLanguages[req.Language] {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("unsupported language %q", req.Language)).
			WithSolution("use one of: python, javascript, shell")
	}
	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > maxTimeout {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("timeout must be in 0..%d seconds", maxTimeout))
	}
	return nil
}

// truncateStream caps captured output at the stream limit, marking the
// cut.
func truncateStream(s string) string {
	if len(s) <= types.MaxStreamBytes {
		return s
	}
	return s[:types.MaxStreamBytes] + types.TruncationMarker
}
