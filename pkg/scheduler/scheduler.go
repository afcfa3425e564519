// Package scheduler provisions sandboxes for new sessions: placement,
// container creation, executor readiness and optional dependency
// install. Provisioning is asynchronous; callers observe progress
// through the session status.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// CreateSessionRequest is the validated input for a new session.
type CreateSessionRequest struct {
	TemplateID     string
	Mode           types.SessionMode
	Limits         *types.ResourceLimit // nil means template defaults
	TimeoutSeconds int                  // 0 means template default
	Env            map[string]string
	NodeID         string // placement hint, may be empty

	// Packages are installed during provisioning, before RUNNING.
	Packages              []string
	InstallTimeoutSeconds int
	FailOnInstallError    bool
}

// Scheduler owns the PENDING -> RUNNING half of the session lifecycle.
type Scheduler struct {
	store   storage.Store
	backend backend.Backend
	locks   *storage.SessionLocks
	cfg     *config.Config
	client  *http.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	ready map[string]chan types.ContainerReady

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(store storage.Store, be backend.Backend, locks *storage.SessionLocks, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:   store,
		backend: be,
		locks:   locks,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("scheduler"),
		ready:   make(map[string]chan types.ContainerReady),
	}
}

// CreateSession validates the request, persists the PENDING session and
// kicks off asynchronous provisioning. The returned session is PENDING.
func (s *Scheduler) CreateSession(ctx context.Context, req CreateSessionRequest) (*types.Session, error) {
	tpl, err := s.store.GetTemplate(req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.Active {
		return nil, errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("template %s is not active", tpl.ID)).
			WithSolution("pick an active template or reactivate this one")
	}

	limits := tpl.DefaultLimits
	if req.Limits != nil {
		if err := validateLimits(*req.Limits, tpl.DefaultLimits); err != nil {
			return nil, err
		}
		limits = *req.Limits
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = tpl.DefaultTimeout
	}
	if timeout < 1 || timeout > s.cfg.MaxTimeoutSeconds {
		return nil, errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("timeout must be in 1..%d seconds, got %d", s.cfg.MaxTimeoutSeconds, timeout))
	}

	mode := req.Mode
	if mode == "" {
		mode = types.SessionModeEphemeral
	}
	if mode != types.SessionModeEphemeral && mode != types.SessionModePersistent {
		return nil, errdefs.New(errdefs.KindInvalidRequest, fmt.Sprintf("unknown session mode %q", mode))
	}

	env := make(map[string]string, len(tpl.DefaultEnv)+len(req.Env))
	for k, v := range tpl.DefaultEnv {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	token, err := security.NewToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate internal token: %w", err)
	}

	now := time.Now().UTC()
	sess := &types.Session{
		ID:             uuid.NewString(),
		TemplateID:     tpl.ID,
		Mode:           mode,
		Status:         types.SessionPending,
		Limits:         limits,
		WorkspacePath:  s.cfg.WorkspacePath,
		Runtime:        tpl.Runtime,
		NodeID:         req.NodeID,
		Env:            env,
		TimeoutSeconds: timeout,
		InternalToken:  token,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.WithLabelValues(string(mode)).Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.provision(sess.ID, tpl, req)
	}()

	return sess, nil
}

// provision drives one session from PENDING to RUNNING, or to FAILED.
func (s *Scheduler) provision(sessionID string, tpl *types.Template, req CreateSessionRequest) {
	logger := s.logger.With().Str("session_id", sessionID).Logger()
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err := s.locks.WithLock(sessionID, func() error {
		sess, err := s.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess.Status != types.SessionPending {
			// Deleted or already reaped before provisioning began
			logger.Info().Str("status", string(sess.Status)).Msg("Skipping provisioning, session left PENDING")
			return nil
		}

		if _, err := s.store.TransitionSession(sessionID, types.SessionCreating, nil); err != nil {
			return err
		}

		nodeID, err := s.pickNode(ctx, sess, tpl.Image)
		if err != nil {
			return err
		}

		info, err := s.backend.CreateSandbox(ctx, backend.SandboxSpec{
			SessionID: sessionID,
			Image:     tpl.Image,
			Env: mergeEnv(sess.Env, map[string]string{
				"SESSION_ID":         sessionID,
				"CONTROL_PLANE_URL":  s.cfg.ControlPlaneURL,
				"INTERNAL_API_TOKEN": sess.InternalToken,
				"WORKSPACE_PATH":     sess.WorkspacePath,
				// Deployment-level isolation knob; session env must not
				// be able to switch the jail off
				"DISABLE_BWRAP": strconv.FormatBool(s.cfg.DisableBwrap),
			}),
			Limits:       sess.Limits,
			AllowNetwork: tpl.AllowNetwork,
			NodeID:       nodeID,
			ExecutorPort: s.cfg.ExecutorPort,
		})
		if err != nil {
			return err
		}

		if _, err := s.store.TransitionSession(sessionID, types.SessionStarting, func(sess *types.Session) {
			sess.ContainerID = info.ID
			sess.NodeID = info.NodeID
		}); err != nil {
			return err
		}

		if err := s.awaitReady(ctx, sessionID, info.Address); err != nil {
			return err
		}

		if len(req.Packages) > 0 {
			if err := s.installPackages(ctx, sess, info.Address, req); err != nil {
				return err
			}
		}

		_, err = s.store.TransitionSession(sessionID, types.SessionRunning, nil)
		return err
	})

	if err != nil {
		logger.Error().Err(err).Msg("Provisioning failed")
		metrics.SchedulingFailures.WithLabelValues(string(errdefs.KindOf(err))).Inc()
		s.failSession(sessionID)
		return
	}

	metrics.SchedulingLatency.Observe(time.Since(started).Seconds())
	logger.Info().Dur("elapsed", time.Since(started)).Msg("Session running")
}

// failSession moves the session to FAILED and tears down whatever the
// backend created.
func (s *Scheduler) failSession(sessionID string) {
	sess, err := s.store.TransitionSession(sessionID, types.SessionFailed, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to mark session FAILED")
		return
	}
	if sess.ContainerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.backend.DeleteSandbox(ctx, sess.ContainerID); err != nil {
			s.logger.Error().Err(err).Str("container_id", sess.ContainerID).Msg("Failed to delete container of failed session")
		}
	}
}

// pickNode chooses a placement. The request hint wins when its node is
// ready. Otherwise candidates narrow to nodes that already hold the
// template image, then to nodes whose allocatable capacity covers the
// requested limits, and the least loaded survivor is picked.
func (s *Scheduler) pickNode(ctx context.Context, sess *types.Session, image string) (string, error) {
	nodes, err := s.backend.Nodes(ctx)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindBackendUnavailable, "failed to list nodes", err)
	}
	ready := make([]backend.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		if n.Ready {
			ready = append(ready, n)
		}
	}
	if len(ready) == 0 {
		return "", errdefs.New(errdefs.KindSchedulingFailed, "no ready nodes").
			WithSolution("check node status on the backend")
	}

	if sess.NodeID != "" {
		for _, n := range ready {
			if n.ID == sess.NodeID {
				return n.ID, nil
			}
		}
		return "", errdefs.New(errdefs.KindSchedulingFailed,
			fmt.Sprintf("requested node %s is not ready", sess.NodeID))
	}
	if len(ready) == 1 {
		return ready[0].ID, nil
	}

	candidates := ready
	if warm := filterNodes(candidates, func(n backend.NodeInfo) bool { return n.HasImage(image) }); len(warm) > 0 {
		candidates = warm
	}
	if fit := filterNodes(candidates, func(n backend.NodeInfo) bool { return n.Fits(sess.Limits) }); len(fit) > 0 {
		candidates = fit
	}

	counts, err := s.liveSessionCounts()
	if err != nil {
		return "", err
	}
	best := candidates[0]
	for _, n := range candidates[1:] {
		if counts[n.ID] < counts[best.ID] {
			best = n
		}
	}
	return best.ID, nil
}

func filterNodes(nodes []backend.NodeInfo, keep func(backend.NodeInfo) bool) []backend.NodeInfo {
	var out []backend.NodeInfo
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Scheduler) liveSessionCounts() (map[string]int, error) {
	sessions, err := s.store.ListSessions(storage.SessionFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, sess := range sessions {
		if !types.IsTerminalSession(sess.Status) && sess.NodeID != "" {
			counts[sess.NodeID]++
		}
	}
	return counts, nil
}

// awaitReady blocks until the executor announces itself or answers the
// health probe, whichever happens first, bounded by the readiness
// timeout.
func (s *Scheduler) awaitReady(ctx context.Context, sessionID, address string) error {
	readyCh := s.registerReady(sessionID)
	defer s.unregisterReady(sessionID)

	deadline := time.NewTimer(time.Duration(s.cfg.ReadinessTimeoutSecs) * time.Second)
	defer deadline.Stop()
	probe := time.NewTicker(time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readyCh:
			return nil
		case <-deadline.C:
			return errdefs.New(errdefs.KindSchedulingFailed,
				fmt.Sprintf("executor did not become ready within %ds", s.cfg.ReadinessTimeoutSecs)).
				WithSolution("check the template image bundles the executor runner")
		case <-probe.C:
			if s.probeHealth(ctx, address) {
				return nil
			}
		}
	}
}

func (s *Scheduler) probeHealth(ctx context.Context, address string) bool {
	return health.ExecutorChecker(address).Check(ctx).Healthy
}

// NotifyReady delivers a container_ready callback to a waiting
// provisioner. Unknown sessions are ignored; the callback may race a
// health probe that already won.
func (s *Scheduler) NotifyReady(ready types.ContainerReady) {
	s.mu.Lock()
	ch, ok := s.ready[ready.SessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ready:
	default:
	}
}

func (s *Scheduler) registerReady(sessionID string) chan types.ContainerReady {
	ch := make(chan types.ContainerReady, 1)
	s.mu.Lock()
	s.ready[sessionID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) unregisterReady(sessionID string) {
	s.mu.Lock()
	delete(s.ready, sessionID)
	s.mu.Unlock()
}

// installPackages runs the dependency install against the executor
// before the session goes RUNNING.
func (s *Scheduler) installPackages(ctx context.Context, sess *types.Session, address string, req CreateSessionRequest) error {
	installTimeout := req.InstallTimeoutSeconds
	if installTimeout <= 0 {
		installTimeout = 120
	}

	payload, err := json.Marshal(types.InstallRequest{
		Packages:       req.Packages,
		TimeoutSeconds: installTimeout,
		FailOnError:    req.FailOnInstallError,
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(installTimeout+10)*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://"+address+"/install", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+sess.InternalToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return errdefs.Wrap(errdefs.KindExecutorUnreachable, "dependency install request failed", err)
	}
	defer resp.Body.Close()

	var result types.InstallResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode install result: %w", err)
	}
	if resp.StatusCode != http.StatusOK || (req.FailOnInstallError && len(result.Failed) > 0) {
		return errdefs.New(errdefs.KindSchedulingFailed,
			fmt.Sprintf("dependency install failed for %v", result.Failed)).
			WithDetail(truncateForDetail(result.Output))
	}
	if len(result.Failed) > 0 {
		s.logger.Warn().Str("session_id", sess.ID).Strs("failed", result.Failed).Msg("Some packages failed to install")
	}
	return nil
}

// TerminateSession stops and removes a session's container and marks it
// TERMINATED. Deleting an already-terminated session succeeds again, so
// concurrent or repeated DELETE calls all come back clean; other
// terminal states stay a Conflict.
func (s *Scheduler) TerminateSession(ctx context.Context, sessionID string) error {
	return s.locks.WithLock(sessionID, func() error {
		sess, err := s.store.TransitionSession(sessionID, types.SessionTerminated, nil)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				if cur, getErr := s.store.GetSession(sessionID); getErr == nil && cur.Status == types.SessionTerminated {
					return nil
				}
			}
			return err
		}
		if sess.ContainerID == "" {
			return nil
		}
		if err := s.backend.StopSandbox(ctx, sess.ContainerID, 10*time.Second); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Graceful stop failed, forcing delete")
		}
		return s.backend.DeleteSandbox(ctx, sess.ContainerID)
	})
}

// Wait blocks until in-flight provisioning goroutines finish. Used on
// shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func validateLimits(req, bound types.ResourceLimit) error {
	if req.CPUCores <= 0 || req.MemoryBytes <= 0 {
		return errdefs.New(errdefs.KindInvalidRequest, "cpu_cores and memory_bytes must be positive")
	}
	if req.CPUCores > bound.CPUCores {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("cpu_cores %.2f exceeds template bound %.2f", req.CPUCores, bound.CPUCores))
	}
	if req.MemoryBytes > bound.MemoryBytes {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("memory_bytes %d exceeds template bound %d", req.MemoryBytes, bound.MemoryBytes))
	}
	if bound.DiskBytes > 0 && req.DiskBytes > bound.DiskBytes {
		return errdefs.New(errdefs.KindInvalidRequest,
			fmt.Sprintf("disk_bytes %d exceeds template bound %d", req.DiskBytes, bound.DiskBytes))
	}
	return nil
}

func mergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func truncateForDetail(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max]
	}
	return s
}
