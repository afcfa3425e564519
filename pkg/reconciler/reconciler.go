// Package reconciler keeps the store and the container substrate
// agreeing with each other. A full pass runs at startup before the API
// accepts traffic, then periodically: sessions whose containers died
// are failed, containers whose sessions are gone are destroyed, and
// idle or over-age sessions are reaped.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// provisioningStallAfter bounds how long a session may sit in
// PENDING/CREATING/STARTING before the reconciler declares it stuck.
const provisioningStallAfter = 10 * time.Minute

// Reconciler runs the repair and reap loops.
type Reconciler struct {
	store   storage.Store
	backend backend.Backend
	locks   *storage.SessionLocks
	cfg     *config.Config
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReconciler creates a reconciler.
func NewReconciler(store storage.Store, be backend.Backend, locks *storage.SessionLocks, cfg *config.Config) *Reconciler {
	return &Reconciler{
		store:   store,
		backend: be,
		locks:   locks,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the periodic loop. Callers should run Reconcile once
// synchronously before serving traffic.
func (r *Reconciler) Start() {
	go r.loop()
}

// Stop terminates the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)
	interval := time.Duration(r.cfg.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation pass failed")
			}
			cancel()
		}
	}
}

// Reconcile runs one full pass: repair, then reap.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	metrics.ReconcileRuns.Inc()

	sandboxes, err := r.backend.ListSandboxes(ctx)
	if err != nil {
		return errdefs.Wrap(errdefs.KindBackendUnavailable, "failed to list sandboxes", err)
	}
	byContainer := make(map[string]backend.SandboxInfo, len(sandboxes))
	for _, sb := range sandboxes {
		byContainer[sb.ID] = sb
	}

	sessions, err := r.store.ListSessions(storage.SessionFilter{})
	if err != nil {
		return err
	}
	liveContainers := make(map[string]bool)

	for _, sess := range sessions {
		if types.IsTerminalSession(sess.Status) {
			continue
		}
		liveContainers[sess.ContainerID] = true
		r.repairSession(ctx, sess, byContainer)
	}

	// Containers carrying our label but not backed by a live session
	// are orphans; destroy them.
	for _, sb := range sandboxes {
		if liveContainers[sb.ID] {
			continue
		}
		r.logger.Info().Str("container_id", sb.ID).Str("session_id", sb.SessionID).Msg("Destroying orphaned container")
		if err := r.backend.DeleteSandbox(ctx, sb.ID); err != nil {
			r.logger.Error().Err(err).Str("container_id", sb.ID).Msg("Failed to destroy orphan")
			continue
		}
		metrics.OrphansDestroyed.Inc()
	}

	r.reap(ctx, sessions)
	r.reapStaleExecutions(ctx)
	r.updateSessionGauges(sessions)
	return nil
}

// reapStaleExecutions finalizes RUNNING executions that outlived twice
// their declared timeout. The dispatch watchdog only covers executions
// dispatched by this process; after a control plane restart this is the
// path that unwedges rows whose container survived.
func (r *Reconciler) reapStaleExecutions(ctx context.Context) {
	execs, err := r.store.ListExecutionsByStatus(types.ExecutionRunning)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list running executions")
		return
	}
	now := time.Now().UTC()

	for _, exec := range execs {
		started := exec.CreatedAt
		if exec.StartedAt != nil {
			started = *exec.StartedAt
		}
		overdue := 2 * time.Duration(exec.TimeoutSeconds) * time.Second
		if overdue <= 0 {
			overdue = 2 * time.Minute
		}
		if now.Sub(started) <= overdue {
			continue
		}

		status := types.ExecutionCrashed
		msg := "executor unreachable past twice the execution timeout"
		if r.executorAlive(ctx, exec.SessionID) {
			// The executor enforces its own timeout, so a live one this
			// far overdue has lost the result.
			status = types.ExecutionTimeout
			msg = fmt.Sprintf("no result within twice the %ds timeout", exec.TimeoutSeconds)
		}
		r.logger.Warn().Str("execution_id", exec.ID).Str("status", string(status)).Msg("Reaping stale execution")
		_, err := r.store.CompleteExecution(exec.ID, func(x *types.Execution) {
			x.Status = status
			x.ErrorMessage = msg
		})
		if err != nil {
			r.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to reap stale execution")
		}
	}
}

func (r *Reconciler) executorAlive(ctx context.Context, sessionID string) bool {
	sess, err := r.store.GetSession(sessionID)
	if err != nil || sess.ContainerID == "" {
		return false
	}
	info, err := r.backend.InspectSandbox(ctx, sess.ContainerID)
	if err != nil || !info.Running || info.Address == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return health.ExecutorChecker(info.Address).Check(probeCtx).Healthy
}

// repairSession fixes one live session against the observed substrate.
func (r *Reconciler) repairSession(ctx context.Context, sess *types.Session, byContainer map[string]backend.SandboxInfo) {
	logger := r.logger.With().Str("session_id", sess.ID).Logger()

	switch sess.Status {
	case types.SessionPending, types.SessionCreating, types.SessionStarting:
		// In-flight provisioning is left alone unless it stalled,
		// which happens when the control plane died mid-provision.
		if time.Since(sess.CreatedAt) > provisioningStallAfter {
			logger.Warn().Str("status", string(sess.Status)).Msg("Failing session stuck in provisioning")
			r.failSession(ctx, sess, "control plane restarted during provisioning")
		}
		return
	case types.SessionRunning:
		sb, present := byContainer[sess.ContainerID]
		if present && sb.Running {
			return
		}
		logger.Warn().Str("container_id", sess.ContainerID).Msg("Container gone or stopped for RUNNING session")
		r.failSession(ctx, sess, "container disappeared from the backend")
	}
}

// failSession marks a session FAILED, crashes its running executions
// and removes the container if anything is left of it.
func (r *Reconciler) failSession(ctx context.Context, sess *types.Session, reason string) {
	err := r.locks.WithLock(sess.ID, func() error {
		updated, err := r.store.TransitionSession(sess.ID, types.SessionFailed, nil)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				// Lost the race to another terminal transition
				return nil
			}
			return err
		}
		r.crashExecutions(sess.ID, reason)
		if updated.ContainerID != "" {
			return r.backend.DeleteSandbox(ctx, updated.ContainerID)
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to fail session")
	}
}

func (r *Reconciler) crashExecutions(sessionID, reason string) {
	execs, err := r.store.ListExecutionsBySession(sessionID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to list executions")
		return
	}
	for _, exec := range execs {
		if types.IsTerminalExecution(exec.Status) {
			continue
		}
		_, err := r.store.CompleteExecution(exec.ID, func(x *types.Execution) {
			x.Status = types.ExecutionCrashed
			x.ErrorMessage = reason
		})
		if err != nil {
			r.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to crash execution")
		}
	}
}

// reap terminates sessions past their idle threshold or lifetime cap.
// Both limits can be disabled independently with the -1 sentinel.
func (r *Reconciler) reap(ctx context.Context, sessions []*types.Session) {
	now := time.Now().UTC()
	idleAfter := time.Duration(r.cfg.IdleThresholdMinutes) * time.Minute
	maxLifetime := time.Duration(r.cfg.MaxLifetimeHours) * time.Hour

	for _, sess := range sessions {
		if sess.Status != types.SessionRunning {
			continue
		}

		var reason string
		switch {
		case r.cfg.LifetimeReapEnabled() && now.Sub(sess.CreatedAt) > maxLifetime:
			reason = "lifetime"
		case r.cfg.IdleReapEnabled() && now.Sub(sess.LastActivityAt) > idleAfter:
			reason = "idle"
		default:
			continue
		}

		r.logger.Info().Str("session_id", sess.ID).Str("reason", reason).Msg("Reaping session")
		if err := r.terminate(ctx, sess.ID); err != nil {
			r.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to reap session")
			continue
		}
		metrics.SessionsReaped.WithLabelValues(reason).Inc()
	}
}

// terminate transitions first, then removes the container, so a crash
// between the two leaves an orphan (cleaned next pass) rather than a
// live container behind a dead session.
func (r *Reconciler) terminate(ctx context.Context, sessionID string) error {
	return r.locks.WithLock(sessionID, func() error {
		sess, err := r.store.TransitionSession(sessionID, types.SessionTerminated, nil)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				return nil
			}
			return err
		}
		r.crashExecutions(sessionID, "session reaped")
		if sess.ContainerID == "" {
			return nil
		}
		if err := r.backend.StopSandbox(ctx, sess.ContainerID, 10*time.Second); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Graceful stop failed during reap")
		}
		return r.backend.DeleteSandbox(ctx, sess.ContainerID)
	})
}

func (r *Reconciler) updateSessionGauges(sessions []*types.Session) {
	counts := make(map[types.SessionStatus]int)
	for _, sess := range sessions {
		counts[sess.Status]++
	}
	for _, status := range []types.SessionStatus{
		types.SessionPending, types.SessionCreating, types.SessionStarting,
		types.SessionRunning, types.SessionCompleted, types.SessionTerminated,
		types.SessionFailed, types.SessionTimeout,
	} {
		metrics.SessionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
