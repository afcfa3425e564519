package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/dispatch"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

type fakeBackend struct {
	files map[string][]byte
}

func (f *fakeBackend) CreateSandbox(ctx context.Context, spec backend.SandboxSpec) (*backend.SandboxInfo, error) {
	return &backend.SandboxInfo{ID: "ctr-" + spec.SessionID, SessionID: spec.SessionID, Running: true}, nil
}

func (f *fakeBackend) InspectSandbox(ctx context.Context, id string) (*backend.SandboxInfo, error) {
	return &backend.SandboxInfo{ID: id, Running: false}, nil
}

func (f *fakeBackend) StopSandbox(ctx context.Context, id string, grace time.Duration) error {
	return nil
}

func (f *fakeBackend) DeleteSandbox(ctx context.Context, id string) error { return nil }

func (f *fakeBackend) ListSandboxes(ctx context.Context) ([]backend.SandboxInfo, error) {
	return nil, nil
}

func (f *fakeBackend) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	return "line1\nline2\n", nil
}

func (f *fakeBackend) Nodes(ctx context.Context) ([]backend.NodeInfo, error) {
	return []backend.NodeInfo{{ID: "local", Ready: true}}, nil
}

func (f *fakeBackend) CopyInto(ctx context.Context, id, path string, data []byte) error {
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = data
	return nil
}

func (f *fakeBackend) CopyFrom(ctx context.Context, id, path string) ([]byte, error) {
	if data, ok := f.files[path]; ok {
		return data, nil
	}
	return nil, errdefs.New(errdefs.KindNotFound, "no such file")
}

func (f *fakeBackend) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, storage.Store, *Server) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		ListenAddr:           "127.0.0.1:0",
		ControlPlaneURL:      "http://localhost:8080",
		MaxTimeoutSeconds:    3600,
		ReadinessTimeoutSecs: 1,
		WorkspacePath:        "/workspace",
		ExecutorPort:         8089,
	}
	be := &fakeBackend{}
	locks := storage.NewSessionLocks()
	sched := scheduler.NewScheduler(store, be, locks, cfg)
	engine := dispatch.NewEngine(store, be, locks, cfg, nil)
	srv := NewServer(store, sched, engine, be, nil, cfg)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store, srv
}

func doJSON(t *testing.T, method, url string, body interface{}, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded) //nolint:errcheck
	return resp, decoded
}

func templateBody() map[string]interface{} {
	return map[string]interface{}{
		"name":    "python sandbox",
		"image":   "registry.local/sandbox-python:3.11",
		"runtime": "python3.11",
		"default_limits": map[string]interface{}{
			"cpu_cores":    1.0,
			"memory_bytes": 512 << 20,
			"disk_bytes":   1 << 30,
		},
		"default_timeout": 300,
	}
}

func TestTemplateCRUDOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, created := doJSON(t, http.MethodPost, ts.URL+"/api/v1/templates", templateBody(), "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, got := doJSON(t, http.MethodGet, ts.URL+"/api/v1/templates/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "python sandbox", got["name"])

	body := templateBody()
	body["name"] = "renamed"
	resp, got = doJSON(t, http.MethodPut, ts.URL+"/api/v1/templates/"+id, body, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", got["name"])

	resp, list := doJSON(t, http.MethodGet, ts.URL+"/api/v1/templates", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/templates/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/v1/templates/"+id, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", envelope["error_code"])
	assert.NotEmpty(t, envelope["request_id"])
}

func TestCreateTemplateValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := templateBody()
	body["runtime"] = "cobol"
	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/templates", body, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", envelope["error_code"])
}

func TestCreateSessionUnknownTemplateIsBadRequest(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions",
		map[string]interface{}{"template_id": "missing"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", envelope["error_code"])
	assert.NotEmpty(t, envelope["solution"])
}

func TestCreateSessionReturnsPending(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedTemplate(t, store)

	resp, sess := doJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions",
		map[string]interface{}{"template_id": "tpl-python", "mode": "persistent"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PENDING", sess["status"])
	// The internal token must never serialize
	_, present := sess["internal_token"]
	assert.False(t, present)
}

func TestListSessionsNormalizesStatusFilter(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)
	seedSession(t, store, "sess-2", types.SessionFailed)

	resp, list := doJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions?status=running", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])
}

func TestExecuteOnMissingSession(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/executions/sessions/missing/execute",
		map[string]interface{}{"code": "print(1)", "language": "python"}, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", envelope["error_code"])
}

func TestExecuteOnTerminatedSessionConflicts(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionTerminated)

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/executions/sessions/sess-1/execute",
		map[string]interface{}{"code": "print(1)", "language": "python"}, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Conflict", envelope["error_code"])
}

func TestExecutionStatusAndResult(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	now := time.Now().UTC()
	code := 0
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionCompleted,
		Language: "python", TimeoutSeconds: 300, ExitCode: &code,
		Stdout: "hi\n", CreatedAt: now,
	}))

	resp, status := doJSON(t, http.MethodGet, ts.URL+"/api/v1/executions/exec-1/status", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", status["status"])
	_, hasStdout := status["stdout"]
	assert.False(t, hasStdout)

	resp, result := doJSON(t, http.MethodGet, ts.URL+"/api/v1/executions/exec-1/result", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi\n", result["stdout"])

	resp, list := doJSON(t, http.MethodGet, ts.URL+"/api/v1/executions/sessions/sess-1/executions", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), list["count"])
}

func TestInternalResultCallbackAuth(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	result := map[string]interface{}{
		"execution_id": "exec-1",
		"session_id":   "sess-1",
		"status":       "COMPLETED",
		"exit_code":    0,
		"stdout":       "done\n",
	}

	// Wrong token
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/internal/executions/exec-1/result", result, "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token finalizes
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/internal/executions/exec-1/result", result, "token-abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)

	// Duplicate is acknowledged with 200
	result["status"] = "FAILED"
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/internal/executions/exec-1/result", result, "token-abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exec, err = store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
}

func TestInternalHeartbeat(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	now := time.Now().UTC()
	require.NoError(t, store.CreateExecution(&types.Execution{
		ID: "exec-1", SessionID: "sess-1", Status: types.ExecutionRunning,
		Language: "python", TimeoutSeconds: 300, CreatedAt: now,
	}))

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/internal/executions/exec-1/heartbeat",
		map[string]interface{}{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)}, "token-abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	exec, err := store.GetExecution("exec-1")
	require.NoError(t, err)
	assert.NotNil(t, exec.LastHeartbeat)
}

func TestInternalContainerReady(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionStarting)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/internal/containers/ready",
		map[string]interface{}{
			"session_id":    "sess-1",
			"container_id":  "ctr-sess-1",
			"executor_port": 8089,
		}, "token-abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLogs(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions/sess-1/logs?tail=2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "line1\nline2\n", body["logs"])
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, detailed := doJSON(t, http.MethodGet, ts.URL+"/health/detailed", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	components := detailed["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["store"])
	assert.Equal(t, "ok", components["backend"])
}

func TestFileTransferThroughBackend(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "data.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/sessions/sess-1/files/upload?path=out/data.txt", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The bytes land in the sandbox workspace without an executor round
	// trip and come back out the same way
	getResp, err := http.Get(ts.URL + "/api/v1/sessions/sess-1/files/out/data.txt")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	data, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFileDownloadRejectsTraversal(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedSession(t, store, "sess-1", types.SessionRunning)

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions/sess-1/files/..%2F..%2Fetc%2Fpasswd", nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", envelope["error_code"])
}

func seedTemplate(t *testing.T, store storage.Store) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateTemplate(&types.Template{
		ID:      "tpl-python",
		Name:    "python",
		Image:   "registry.local/sandbox-python:3.11",
		Runtime: types.RuntimePython,
		DefaultLimits: types.ResourceLimit{
			CPUCores: 2, MemoryBytes: 1 << 30, DiskBytes: 2 << 30,
		},
		DefaultTimeout: 300,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
}

func seedSession(t *testing.T, store storage.Store, id string, status types.SessionStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(&types.Session{
		ID:             id,
		TemplateID:     "tpl-python",
		Mode:           types.SessionModePersistent,
		Status:         status,
		ContainerID:    "ctr-" + id,
		TimeoutSeconds: 300,
		InternalToken:  "token-abc",
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}))
}
