// Package executor implements the in-container runner: a small HTTP
// daemon that accepts code from the control plane, runs it in a
// bubblewrap jail, and reports results through the internal callback
// API.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// maxQueueDepth bounds the sequential execution queue; beyond it
	// the executor answers 503 and the control plane surfaces 429.
	maxQueueDepth = 10

	// heartbeatEvery is the liveness reporting cadence while code runs.
	heartbeatEvery = 5 * time.Second
)

// Config is the executor's environment surface, injected by the
// scheduler at container creation.
type Config struct {
	Port            int
	ControlPlaneURL string
	Token           string
	SessionID       string
	WorkspacePath   string
	DisableBwrap    bool
	AllowNetwork    bool
}

// LoadConfig reads the executor environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("EXECUTOR_PORT", 8089)
	v.SetDefault("WORKSPACE_PATH", "/workspace")
	// Isolation is on unless explicitly opted out; images must bundle
	// bwrap or set DISABLE_BWRAP=true.
	v.SetDefault("DISABLE_BWRAP", false)

	cfg := &Config{
		Port:            v.GetInt("EXECUTOR_PORT"),
		ControlPlaneURL: strings.TrimSuffix(v.GetString("CONTROL_PLANE_URL"), "/"),
		Token:           v.GetString("INTERNAL_API_TOKEN"),
		SessionID:       v.GetString("SESSION_ID"),
		WorkspacePath:   v.GetString("WORKSPACE_PATH"),
		DisableBwrap:    v.GetBool("DISABLE_BWRAP"),
		AllowNetwork:    v.GetBool("ALLOW_NETWORK"),
	}
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("CONTROL_PLANE_URL is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("SESSION_ID is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("INTERNAL_API_TOKEN is required")
	}
	return cfg, nil
}

// Runner is the executor daemon.
type Runner struct {
	cfg       *Config
	isolator  *Isolator
	callbacks *CallbackClient
	logger    zerolog.Logger

	queue   chan types.ExecutionRequest
	httpSrv *http.Server

	mu      sync.Mutex
	current string // execution id being run, empty when idle
}

// NewRunner wires the daemon together.
func NewRunner(cfg *Config) (*Runner, error) {
	iso, err := NewIsolator(cfg.DisableBwrap, cfg.AllowNetwork, cfg.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkspacePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		isolator:  iso,
		callbacks: NewCallbackClient(cfg.ControlPlaneURL, cfg.Token),
		logger:    log.WithComponent("executor"),
		queue:     make(chan types.ExecutionRequest, maxQueueDepth),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/execute", r.auth(r.handleExecute))
	mux.HandleFunc("/install", r.auth(r.handleInstall))
	mux.HandleFunc("/files", r.auth(r.handleFiles))
	r.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return r, nil
}

// Run serves until the context is canceled (SIGTERM from the backend),
// then reports container exit and drains.
func (r *Runner) Run(ctx context.Context) error {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.worker(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := r.callbacks.PostReady(readyCtx, types.ContainerReady{
		SessionID:    r.cfg.SessionID,
		ContainerID:  hostname(),
		ExecutorPort: r.cfg.Port,
		ReadyAt:      time.Now().UTC(),
	})
	cancel()
	if err != nil {
		// The scheduler's health probe covers the lost callback.
		r.logger.Warn().Err(err).Msg("Ready callback failed")
	}
	r.logger.Info().Int("port", r.cfg.Port).Bool("bwrap", r.isolator.Enabled()).Msg("Executor listening")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	r.httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	close(r.queue)
	<-workerDone

	r.callbacks.PostExited(shutdownCtx, types.ContainerExited{ //nolint:errcheck
		ContainerID: hostname(),
		ExitCode:    0,
		ExitReason:  types.ExitSigterm,
		ExitedAt:    time.Now().UTC(),
	})
	return nil
}

func (r *Runner) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		auth := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !security.VerifyToken(auth, r.cfg.Token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, req)
	}
}

func (r *Runner) handleHealth(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"status":      "ok",
		"session_id":  r.cfg.SessionID,
		"queue_depth": len(r.queue),
		"busy":        current != "",
	})
}

func (r *Runner) handleExecute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var er types.ExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&er); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	select {
	case r.queue <- er:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}

// worker consumes the queue sequentially. One execution at a time per
// sandbox; concurrency is across sessions, not within one.
func (r *Runner) worker(ctx context.Context) {
	for er := range r.queue {
		if ctx.Err() != nil {
			r.reportCrash(er, "executor shutting down")
			continue
		}
		r.runOne(ctx, er)
	}
}

func (r *Runner) reportCrash(er types.ExecutionRequest, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.callbacks.PostResult(ctx, types.ExecutionResult{ //nolint:errcheck
		ExecutionID: er.ExecutionID,
		SessionID:   er.SessionID,
		Status:      types.ExecutionCrashed,
		ExitCode:    -1,
		Error:       msg,
	})
}

func (r *Runner) runOne(ctx context.Context, er types.ExecutionRequest) {
	logger := r.logger.With().Str("execution_id", er.ExecutionID).Logger()
	r.mu.Lock()
	r.current = er.ExecutionID
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = ""
		r.mu.Unlock()
	}()

	started := time.Now()
	result := r.execute(ctx, er, started)
	result.Metrics.DurationMs = time.Since(started).Milliseconds()

	logger.Info().Str("status", string(result.Status)).Int64("duration_ms", result.Metrics.DurationMs).Msg("Execution finished")
	if err := r.callbacks.PostResult(ctx, result); err != nil {
		logger.Error().Err(err).Msg("Result could not be delivered")
	}
}

func (r *Runner) execute(ctx context.Context, er types.ExecutionRequest, started time.Time) types.ExecutionResult {
	result := types.ExecutionResult{
		ExecutionID: er.ExecutionID,
		SessionID:   er.SessionID,
	}

	argv, err := stageCode(r.cfg.WorkspacePath, er.Language, er.Code)
	if err != nil {
		result.Status = types.ExecutionFailed
		result.ExitCode = -1
		result.Error = err.Error()
		return result
	}

	timeout := time.Duration(er.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := r.isolator.Command(runCtx, argv)
	cmd.Env = append(os.Environ(), flattenEnvPairs(er.EnvVars)...)
	// The event object arrives on stdin; wrappers parse it before the
	// handler runs.
	cmd.Stdin = bytes.NewReader(er.Event)
	stdout := newCappedBuffer(types.MaxStreamBytes)
	stderr := newCappedBuffer(types.MaxStreamBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		result.Status = types.ExecutionFailed
		result.ExitCode = -1
		result.Error = fmt.Sprintf("failed to start: %v", err)
		return result
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	go r.heartbeatLoop(hbCtx, er.ExecutionID)
	waitErr := cmd.Wait()
	hbCancel()

	rawStdout := stdout.String()
	clean, returnValue := ParseSentinel(rawStdout)
	result.Stdout = clean
	result.Stderr = stderr.String()
	result.ReturnValue = returnValue

	if state := cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
		cpuMs := (state.UserTime() + state.SystemTime()).Milliseconds()
		result.Metrics.CPUTimeMs = &cpuMs
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
			// Maxrss is KiB on Linux
			peak := float64(ru.Maxrss) / 1024.0
			result.Metrics.PeakMemoryMB = &peak
		}
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = types.ExecutionTimeout
		result.Error = fmt.Sprintf("execution exceeded %ds", er.TimeoutSeconds)
	case runCtx.Err() == context.Canceled:
		// Executor shutdown killed the process mid-flight
		result.Status = types.ExecutionCrashed
		result.Error = "executor terminated during execution"
	case waitErr == nil:
		result.Status = types.ExecutionCompleted
	default:
		result.Status = types.ExecutionFailed
		result.Error = waitErr.Error()
	}

	if artifacts, err := ScanArtifacts(r.cfg.WorkspacePath, started); err == nil {
		result.Artifacts = artifacts
	}
	return result
}

func (r *Runner) heartbeatLoop(ctx context.Context, executionID string) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.callbacks.PostHeartbeat(hbCtx, executionID, types.HeartbeatPayload{
				Timestamp: time.Now().UTC(),
			})
			cancel()
			if err != nil {
				r.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// handleInstall installs packages with the session runtime's package
// manager before the session goes RUNNING.
func (r *Runner) handleInstall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ir types.InstallRequest
	if err := json.NewDecoder(req.Body).Decode(&ir); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	timeout := time.Duration(ir.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()

	result := r.install(ctx, ir)
	status := http.StatusOK
	if ir.FailOnError && len(result.Failed) > 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result) //nolint:errcheck
}

func (r *Runner) install(ctx context.Context, ir types.InstallRequest) types.InstallResult {
	var result types.InstallResult
	for _, pkg := range ir.Packages {
		argv := installArgv(pkg)
		if argv == nil {
			result.Failed = append(result.Failed, pkg)
			continue
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = r.cfg.WorkspacePath
		out, err := cmd.CombinedOutput()
		result.Output += string(out)
		if err != nil {
			r.logger.Warn().Err(err).Str("package", pkg).Msg("Package install failed")
			result.Failed = append(result.Failed, pkg)
			continue
		}
		result.Installed = append(result.Installed, pkg)
	}
	return result
}

// installArgv picks the package manager from the available runtime.
func installArgv(pkg string) []string {
	if _, err := exec.LookPath("pip3"); err == nil {
		return []string{"pip3", "install", "--user", pkg}
	}
	if _, err := exec.LookPath("npm"); err == nil {
		return []string{"npm", "install", pkg}
	}
	return nil
}

// handleFiles serves workspace reads and writes for the control plane's
// file proxy endpoints.
func (r *Runner) handleFiles(w http.ResponseWriter, req *http.Request) {
	relPath := req.URL.Query().Get("path")
	if relPath == "" || strings.Contains(relPath, "..") || filepath.IsAbs(relPath) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	full := filepath.Join(r.cfg.WorkspacePath, relPath)

	switch req.Method {
	case http.MethodGet:
		f, err := os.Open(full)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, f) //nolint:errcheck

	case http.MethodPost:
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			http.Error(w, "failed to create directory", http.StatusInternalServerError)
			return
		}
		f, err := os.Create(full)
		if err != nil {
			http.Error(w, "failed to create file", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		if _, err := io.Copy(f, req.Body); err != nil {
			http.Error(w, "write failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func flattenEnvPairs(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
