package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

type fakeBackend struct {
	mu      sync.Mutex
	address string
	running bool
	deleted []string
	files   map[string][]byte
}

func (f *fakeBackend) CreateSandbox(ctx context.Context, spec backend.SandboxSpec) (*backend.SandboxInfo, error) {
	return nil, nil
}

func (f *fakeBackend) InspectSandbox(ctx context.Context, id string) (*backend.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &backend.SandboxInfo{ID: id, Running: f.running, Address: f.address}, nil
}

func (f *fakeBackend) StopSandbox(ctx context.Context, id string, grace time.Duration) error {
	return nil
}

func (f *fakeBackend) DeleteSandbox(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) ListSandboxes(ctx context.Context) ([]backend.SandboxInfo, error) {
	return nil, nil
}

func (f *fakeBackend) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}

func (f *fakeBackend) Nodes(ctx context.Context) ([]backend.NodeInfo, error) {
	return []backend.NodeInfo{{ID: "local", Ready: true}}, nil
}

func (f *fakeBackend) CopyInto(ctx context.Context, id, path string, data []byte) error {
	return errdefs.New(errdefs.KindBackendUnavailable, "no direct workspace access")
}

func (f *fakeBackend) CopyFrom(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.files[path]; ok {
		return data, nil
	}
	return nil, errdefs.New(errdefs.KindBackendUnavailable, "no direct workspace access")
}

func (f *fakeBackend) Close() error { return nil }

func newTestEngine(t *testing.T, be backend.Backend) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{MaxTimeoutSeconds: 3600}
	return NewEngine(store, be, storage.NewSessionLocks(), cfg, nil), store
}

func seedSession(t *testing.T, store storage.Store, mode types.SessionMode, timeout int) *types.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &types.Session{
		ID:             "sess-1",
		TemplateID:     "tpl-python",
		Mode:           mode,
		Status:         types.SessionRunning,
		ContainerID:    "ctr-sess-1",
		TimeoutSeconds: timeout,
		InternalToken:  "token-abc",
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	require.NoError(t, store.CreateSession(sess))
	return sess
}

func acceptingExecutor(t *testing.T, gotAuth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/execute" {
			if gotAuth != nil {
				*gotAuth = r.Header.Get("Authorization")
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		req  ExecuteRequest
		ok   bool
	}{
		{"valid python", ExecuteRequest{Code: "print(1)", Language: "python"}, true},
		{"valid shell", ExecuteRequest{Code: "echo hi", Language: "shell"}, true},
		{"empty code", ExecuteRequest{Code: "   ", Language: "python"}, false},
		{"oversized code", ExecuteRequest{Code: strings.Repeat("x", types.MaxCodeBytes+1), Language: "python"}, false},
		{"unsupported language", ExecuteRequest{Code: "x", Language: "ruby"}, false},
		{"negative timeout", ExecuteRequest{Code: "x", Language: "python", TimeoutSeconds: -1}, false},
		{"timeout above max", ExecuteRequest{Code: "x", Language: "python", TimeoutSeconds: 7200}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req, 3600)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidRequest))
			}
		})
	}
}

func TestExecuteDispatchesToExecutor(t *testing.T) {
	var auth string
	srv := acceptingExecutor(t, &auth)
	be := &fakeBackend{address: strings.TrimPrefix(srv.URL, "http://"), running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModePersistent, 300)

	exec, err := engine.Execute(context.Background(), sess.ID, ExecuteRequest{
		Code:     "print('hi')",
		Language: "python",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)
	assert.Equal(t, 300, exec.TimeoutSeconds)
	assert.Equal(t, "Bearer token-abc", auth)

	engine.Wait()
}

func TestExecuteRequiresRunningSession(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModePersistent, 300)
	_, err := store.TransitionSession(sess.ID, types.SessionTerminated, nil)
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "x", Language: "python"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestExecuteEphemeralSingleFlight(t *testing.T) {
	srv := acceptingExecutor(t, nil)
	be := &fakeBackend{address: strings.TrimPrefix(srv.URL, "http://"), running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModeEphemeral, 300)

	_, err := engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "y", Language: "python"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	engine.Wait()
}

func TestExecuteQueueFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	be := &fakeBackend{address: strings.TrimPrefix(srv.URL, "http://"), running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModePersistent, 300)

	_, err := engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "x", Language: "python"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))

	// The rejected submission is a FAILED execution, not a dangling row
	execs, err := store.ListExecutionsBySession(sess.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionFailed, execs[0].Status)
}

func TestExecuteDispatchFailureFinalizesExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	be := &fakeBackend{address: strings.TrimPrefix(srv.URL, "http://"), running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModeEphemeral, 300)

	_, err := engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "x", Language: "python"})
	require.Error(t, err)

	// The failed dispatch must not leave a non-terminal row behind:
	// that would block the ephemeral single-flight check forever.
	execs, err := store.ListExecutionsBySession(sess.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionFailed, execs[0].Status)

	// A retry on the ephemeral session is still a conflict: the slot
	// was consumed by the failed attempt.
	_, err = engine.Execute(context.Background(), sess.ID, ExecuteRequest{Code: "x", Language: "python"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestHandleResultTruncatesAndFinalizes(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	seedSession(t, store, types.SessionModePersistent, 300)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	big := strings.Repeat("a", types.MaxStreamBytes+100)
	require.NoError(t, engine.HandleResult(types.ExecutionResult{
		ExecutionID: "exec-1",
		SessionID:   "sess-1",
		Status:      types.ExecutionCompleted,
		ExitCode:    0,
		Stdout:      big,
		Metrics:     types.ExecutionMetrics{DurationMs: 1200},
	}))

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Len(t, exec.Stdout, types.MaxStreamBytes+len(types.TruncationMarker))
	assert.True(t, strings.HasSuffix(exec.Stdout, types.TruncationMarker))

	// Duplicate result is acknowledged but does not overwrite
	require.NoError(t, engine.HandleResult(types.ExecutionResult{
		ExecutionID: "exec-1",
		SessionID:   "sess-1",
		Status:      types.ExecutionFailed,
		ExitCode:    1,
	}))
	exec, err = store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
}

func TestHandleResultRetiresEphemeralSession(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	seedSession(t, store, types.SessionModeEphemeral, 300)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	require.NoError(t, engine.HandleResult(types.ExecutionResult{
		ExecutionID: "exec-1",
		SessionID:   "sess-1",
		Status:      types.ExecutionCompleted,
	}))

	sess, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, sess.Status)
	assert.Contains(t, be.deleted, "ctr-sess-1")
}

func TestWatchdogTimesOutLiveExecutor(t *testing.T) {
	srv := acceptingExecutor(t, nil)
	be := &fakeBackend{address: strings.TrimPrefix(srv.URL, "http://"), running: true}
	engine, store := newTestEngine(t, be)
	engine.grace = 50 * time.Millisecond
	seedSession(t, store, types.SessionModePersistent, 0)

	now := time.Now().UTC()
	hb := now
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 0, CreatedAt: now, LastHeartbeat: &hb,
	}))
	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	engine.startWatchdog(exec, be.address)

	require.Eventually(t, func() bool {
		got, err := store.GetExecution("exec-1")
		return err == nil && got.Status == types.ExecutionTimeout
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchdogMarksDeadExecutorCrashed(t *testing.T) {
	// No server behind the address; health probe fails
	be := &fakeBackend{address: "127.0.0.1:1", running: true}
	engine, store := newTestEngine(t, be)
	engine.grace = 50 * time.Millisecond
	seedSession(t, store, types.SessionModePersistent, 0)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 0, CreatedAt: now,
	}))
	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	engine.startWatchdog(exec, be.address)

	require.Eventually(t, func() bool {
		got, err := store.GetExecution("exec-1")
		return err == nil && got.Status == types.ExecutionCrashed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchdogLosesToResultCallback(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	engine.grace = 200 * time.Millisecond
	seedSession(t, store, types.SessionModePersistent, 0)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 0, CreatedAt: now,
	}))
	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	engine.startWatchdog(exec, "127.0.0.1:1")

	require.NoError(t, engine.HandleResult(types.ExecutionResult{
		ExecutionID: "exec-1",
		SessionID:   "sess-1",
		Status:      types.ExecutionCompleted,
	}))
	engine.Wait()

	got, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, got.Status)
}

func TestHandleHeartbeat(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModePersistent, 300)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: sess.ID, Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	at := now.Add(time.Second)
	require.NoError(t, engine.HandleHeartbeat("exec-1", types.HeartbeatPayload{Timestamp: at}))

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	require.NotNil(t, exec.LastHeartbeat)
	assert.True(t, exec.LastHeartbeat.Equal(at))

	got, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(at))
}

func TestHandleExited(t *testing.T) {
	be := &fakeBackend{running: true}
	engine, store := newTestEngine(t, be)
	sess := seedSession(t, store, types.SessionModePersistent, 300)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: sess.ID, Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	require.NoError(t, engine.HandleExited(sess.ID, types.ContainerExited{
		ContainerID: sess.ContainerID,
		ExitCode:    137,
		ExitReason:  types.ExitOOMKilled,
	}))

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCrashed, exec.Status)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, 137, *exec.ExitCode)

	got, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, got.Status)
}

func TestHeartbeatFresh(t *testing.T) {
	assert.False(t, heartbeatFresh(nil))
	stale := time.Now().Add(-time.Minute)
	assert.False(t, heartbeatFresh(&stale))
	fresh := time.Now().Add(-time.Second)
	assert.True(t, heartbeatFresh(&fresh))
}
