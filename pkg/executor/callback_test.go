package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestCallbacksCarryBearerToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody types.ContainerReady
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "tok-123")
	err := c.PostReady(context.Background(), types.ContainerReady{SessionID: "sess-1", ExecutorPort: 8089})
	require.NoError(t, err)
	assert.Equal(t, "/internal/containers/ready", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "sess-1", gotBody.SessionID)
}

func TestPostRejectedStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "wrong")
	err := c.PostHeartbeat(context.Background(), "exec-1", types.HeartbeatPayload{Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPostResultSpoolsWhenContextCanceled(t *testing.T) {
	c := NewCallbackClient("http://127.0.0.1:1", "tok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := types.ExecutionResult{ExecutionID: "exec-spool", SessionID: "sess-1", Status: types.ExecutionCompleted}
	err := c.PostResult(ctx, result)
	require.NoError(t, err)

	path := filepath.Join(spoolDir, "exec-spool.json")
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got types.ExecutionResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "exec-spool", got.ExecutionID)
	assert.Equal(t, types.ExecutionCompleted, got.Status)
}
