package scheduler

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

// fakeBackend provisions sandboxes pointing at a test HTTP server.
type fakeBackend struct {
	mu        sync.Mutex
	address   string
	nodes     []backend.NodeInfo
	createErr error
	created   []backend.SandboxSpec
	deleted   []string
	stopped   []string
}

func (f *fakeBackend) CreateSandbox(ctx context.Context, spec backend.SandboxSpec) (*backend.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, spec)
	return &backend.SandboxInfo{
		ID:        "ctr-" + spec.SessionID,
		SessionID: spec.SessionID,
		NodeID:    spec.NodeID,
		Running:   true,
		Address:   f.address,
	}, nil
}

func (f *fakeBackend) InspectSandbox(ctx context.Context, id string) (*backend.SandboxInfo, error) {
	return &backend.SandboxInfo{ID: id, Running: true, Address: f.address}, nil
}

func (f *fakeBackend) StopSandbox(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
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
	if f.nodes != nil {
		return f.nodes, nil
	}
	return []backend.NodeInfo{{ID: "local", Name: "local", Ready: true}}, nil
}

func (f *fakeBackend) CopyInto(ctx context.Context, id, path string, data []byte) error {
	return nil
}

func (f *fakeBackend) CopyFrom(ctx context.Context, id, path string) ([]byte, error) {
	return nil, errdefs.New(errdefs.KindNotFound, "no such file")
}

func (f *fakeBackend) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		ControlPlaneURL:      "http://localhost:8080",
		MaxTimeoutSeconds:    3600,
		ReadinessTimeoutSecs: 2,
		WorkspacePath:        "/workspace",
		ExecutorPort:         8089,
	}
}

func newTestScheduler(t *testing.T, be backend.Backend, cfg *config.Config) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewScheduler(store, be, storage.NewSessionLocks(), cfg), store
}

func seedTemplate(t *testing.T, store storage.Store) *types.Template {
	t.Helper()
	now := time.Now().UTC()
	tpl := &types.Template{
		ID:      "tpl-python",
		Name:    "python",
		Image:   "registry.local/sandbox-python:3.11",
		Runtime: types.RuntimePython,
		DefaultLimits: types.ResourceLimit{
			CPUCores:    2,
			MemoryBytes: 1 << 30,
			DiskBytes:   2 << 30,
		},
		DefaultTimeout: 300,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateTemplate(tpl))
	return tpl
}

func waitForStatus(t *testing.T, store storage.Store, id string, want types.SessionStatus) *types.Session {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		sess, err := store.GetSession(id)
		require.NoError(t, err)
		if sess.Status == want {
			return sess
		}
		if types.IsTerminalSession(sess.Status) && sess.Status != want {
			t.Fatalf("session reached terminal status %s, wanted %s", sess.Status, want)
		}
		select {
		case <-deadline:
			t.Fatalf("session stuck in %s, wanted %s", sess.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateSessionValidation(t *testing.T) {
	be := &fakeBackend{}
	sched, store := newTestScheduler(t, be, testConfig())
	tpl := seedTemplate(t, store)

	tests := []struct {
		name string
		req  CreateSessionRequest
		kind errdefs.Kind
	}{
		{
			"unknown template",
			CreateSessionRequest{TemplateID: "missing"},
			errdefs.KindNotFound,
		},
		{
			"limits above template bound",
			CreateSessionRequest{
				TemplateID: tpl.ID,
				Limits:     &types.ResourceLimit{CPUCores: 8, MemoryBytes: 1 << 30},
			},
			errdefs.KindInvalidRequest,
		},
		{
			"non-positive limits",
			CreateSessionRequest{
				TemplateID: tpl.ID,
				Limits:     &types.ResourceLimit{CPUCores: 0, MemoryBytes: 0},
			},
			errdefs.KindInvalidRequest,
		},
		{
			"timeout above maximum",
			CreateSessionRequest{TemplateID: tpl.ID, TimeoutSeconds: 7200},
			errdefs.KindInvalidRequest,
		},
		{
			"unknown mode",
			CreateSessionRequest{TemplateID: tpl.ID, Mode: "forever"},
			errdefs.KindInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.CreateSession(context.Background(), tt.req)
			assert.True(t, errdefs.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestCreateSessionRejectsInactiveTemplate(t *testing.T) {
	be := &fakeBackend{}
	sched, store := newTestScheduler(t, be, testConfig())
	tpl := seedTemplate(t, store)
	tpl.Active = false
	require.NoError(t, store.UpdateTemplate(tpl))

	_, err := sched.CreateSession(context.Background(), CreateSessionRequest{TemplateID: tpl.ID})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidRequest))
}

func TestProvisionToRunning(t *testing.T) {
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer executor.Close()

	be := &fakeBackend{address: strings.TrimPrefix(executor.URL, "http://")}
	sched, store := newTestScheduler(t, be, testConfig())
	tpl := seedTemplate(t, store)

	sess, err := sched.CreateSession(context.Background(), CreateSessionRequest{
		TemplateID: tpl.ID,
		Mode:       types.SessionModePersistent,
		Env:        map[string]string{"EXTRA": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, sess.Status)
	assert.NotEmpty(t, sess.InternalToken)

	got := waitForStatus(t, store, sess.ID, types.SessionRunning)
	assert.Equal(t, "ctr-"+sess.ID, got.ContainerID)
	assert.Equal(t, "local", got.NodeID)

	require.Len(t, be.created, 1)
	env := be.created[0].Env
	assert.Equal(t, sess.ID, env["SESSION_ID"])
	assert.Equal(t, sess.InternalToken, env["INTERNAL_API_TOKEN"])
	assert.Equal(t, "http://localhost:8080", env["CONTROL_PLANE_URL"])
	assert.Equal(t, "1", env["EXTRA"])
	assert.Equal(t, "false", env["DISABLE_BWRAP"], "session env cannot switch the jail off")
}

func TestProvisionFailsWhenExecutorNeverReady(t *testing.T) {
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer executor.Close()

	be := &fakeBackend{address: strings.TrimPrefix(executor.URL, "http://")}
	sched, store := newTestScheduler(t, be, testConfig())
	tpl := seedTemplate(t, store)

	sess, err := sched.CreateSession(context.Background(), CreateSessionRequest{TemplateID: tpl.ID})
	require.NoError(t, err)

	got := waitForStatus(t, store, sess.ID, types.SessionFailed)
	require.NotNil(t, got.CompletedAt)

	sched.Wait()
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Contains(t, be.deleted, "ctr-"+sess.ID)
}

func TestProvisionFailsWhenBackendErrors(t *testing.T) {
	be := &fakeBackend{
		createErr: errdefs.New(errdefs.KindBackendUnavailable, "image pull failed"),
	}
	sched, store := newTestScheduler(t, be, testConfig())
	tpl := seedTemplate(t, store)

	sess, err := sched.CreateSession(context.Background(), CreateSessionRequest{TemplateID: tpl.ID})
	require.NoError(t, err)

	waitForStatus(t, store, sess.ID, types.SessionFailed)
}

func TestNotifyReadyUnblocksProvisioning(t *testing.T) {
	// Health probe always fails; only the ready callback can win.
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer executor.Close()

	cfg := testConfig()
	cfg.ReadinessTimeoutSecs = 10
	be := &fakeBackend{address: strings.TrimPrefix(executor.URL, "http://")}
	sched, store := newTestScheduler(t, be, cfg)
	tpl := seedTemplate(t, store)

	sess, err := sched.CreateSession(context.Background(), CreateSessionRequest{TemplateID: tpl.ID})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		waitForStatus(t, store, sess.ID, types.SessionRunning)
	}()
	for {
		select {
		case <-done:
			return
		case <-time.After(20 * time.Millisecond):
			sched.NotifyReady(types.ContainerReady{SessionID: sess.ID, ContainerID: "ctr-" + sess.ID})
		}
	}
}

func TestTerminateSession(t *testing.T) {
	be := &fakeBackend{}
	sched, store := newTestScheduler(t, be, testConfig())

	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(&types.Session{
		ID:             "sess-1",
		TemplateID:     "tpl-python",
		Mode:           types.SessionModePersistent,
		Status:         types.SessionRunning,
		ContainerID:    "ctr-sess-1",
		TimeoutSeconds: 300,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}))

	require.NoError(t, sched.TerminateSession(context.Background(), "sess-1"))

	sess, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, sess.Status)
	assert.Contains(t, be.stopped, "ctr-sess-1")
	assert.Contains(t, be.deleted, "ctr-sess-1")

	// Deleting again succeeds without touching the backend a second time
	deleted := len(be.deleted)
	require.NoError(t, sched.TerminateSession(context.Background(), "sess-1"))
	assert.Len(t, be.deleted, deleted)
}

func TestTerminateSessionConflictsOnOtherTerminalStates(t *testing.T) {
	be := &fakeBackend{}
	sched, store := newTestScheduler(t, be, testConfig())

	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(&types.Session{
		ID:             "sess-done",
		TemplateID:     "tpl-python",
		Mode:           types.SessionModeEphemeral,
		Status:         types.SessionCompleted,
		TimeoutSeconds: 300,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}))

	err := sched.TerminateSession(context.Background(), "sess-done")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestPickNodePrefersLeastLoaded(t *testing.T) {
	be := &fakeBackend{nodes: []backend.NodeInfo{
		{ID: "node-a", Ready: true},
		{ID: "node-b", Ready: true},
		{ID: "node-c", Ready: false},
	}}
	sched, store := newTestScheduler(t, be, testConfig())

	now := time.Now().UTC()
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, store.CreateSession(&types.Session{
			ID: id, TemplateID: "tpl", Status: types.SessionRunning,
			NodeID: "node-a", CreatedAt: now, UpdatedAt: now, LastActivityAt: now,
		}))
	}

	node, err := sched.pickNode(context.Background(), &types.Session{}, "img")
	require.NoError(t, err)
	assert.Equal(t, "node-b", node)

	// Hint wins when the node is ready
	node, err = sched.pickNode(context.Background(), &types.Session{NodeID: "node-a"}, "img")
	require.NoError(t, err)
	assert.Equal(t, "node-a", node)

	// Hint for a not-ready node fails
	_, err = sched.pickNode(context.Background(), &types.Session{NodeID: "node-c"}, "img")
	assert.True(t, errdefs.IsKind(err, errdefs.KindSchedulingFailed))
}

func TestPickNodePrefersCachedImageThenCapacity(t *testing.T) {
	image := "registry.local/sandbox-python:3.11"
	be := &fakeBackend{nodes: []backend.NodeInfo{
		{ID: "cold-big", Ready: true, CPUCores: 16, MemoryBytes: 64 << 30},
		{ID: "warm-small", Ready: true, CPUCores: 4, MemoryBytes: 8 << 30, CachedImages: []string{image}},
		{ID: "warm-big", Ready: true, CPUCores: 16, MemoryBytes: 64 << 30, CachedImages: []string{image}},
	}}
	sched, store := newTestScheduler(t, be, testConfig())

	// Both warm nodes beat the cold one; the request is too big for the
	// small warm node, so capacity narrows it down to warm-big.
	sess := &types.Session{Limits: types.ResourceLimit{CPUCores: 8, MemoryBytes: 16 << 30}}
	node, err := sched.pickNode(context.Background(), sess, image)
	require.NoError(t, err)
	assert.Equal(t, "warm-big", node)

	// A request that fits everywhere lands on the least loaded warm node
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(&types.Session{
		ID: "s1", TemplateID: "tpl", Status: types.SessionRunning,
		NodeID: "warm-big", CreatedAt: now, UpdatedAt: now, LastActivityAt: now,
	}))
	sess = &types.Session{Limits: types.ResourceLimit{CPUCores: 1, MemoryBytes: 1 << 30}}
	node, err = sched.pickNode(context.Background(), sess, image)
	require.NoError(t, err)
	assert.Equal(t, "warm-small", node)

	// An unknown image falls through to capacity and load alone
	sess = &types.Session{Limits: types.ResourceLimit{CPUCores: 8, MemoryBytes: 16 << 30}}
	node, err = sched.pickNode(context.Background(), sess, "registry.local/other:1")
	require.NoError(t, err)
	assert.Equal(t, "cold-big", node)
}
