package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/dispatch"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Request DTOs

type limitsPayload struct {
	CPUCores     float64 `json:"cpu_cores" validate:"gt=0"`
	MemoryBytes  int64   `json:"memory_bytes" validate:"gt=0"`
	DiskBytes    int64   `json:"disk_bytes" validate:"gte=0"`
	MaxProcesses int     `json:"max_processes" validate:"gte=0"`
}

type dependenciesPayload struct {
	Packages              []string `json:"packages" validate:"required,min=1,dive,required"`
	InstallTimeoutSeconds int      `json:"install_timeout" validate:"gte=0,lte=600"`
	FailOnError           bool     `json:"fail_on_dependency_error"`
}

type createSessionPayload struct {
	TemplateID     string               `json:"template_id" validate:"required"`
	Mode           string               `json:"mode" validate:"omitempty,oneof=ephemeral persistent"`
	Limits         *limitsPayload       `json:"limits"`
	TimeoutSeconds int                  `json:"timeout" validate:"gte=0"`
	Env            map[string]string    `json:"env"`
	Dependencies   *dependenciesPayload `json:"dependencies"`
	NodeID         string               `json:"node_id"`
}

type executePayload struct {
	Code           string            `json:"code" validate:"required"`
	Language       string            `json:"language" validate:"required"`
	TimeoutSeconds int               `json:"timeout" validate:"gte=0"`
	Event          json.RawMessage   `json:"event"`
	EnvVars        map[string]string `json:"env_vars"`
}

type templatePayload struct {
	Name           string            `json:"name" validate:"required"`
	Image          string            `json:"image" validate:"required"`
	Runtime        string            `json:"runtime" validate:"required,oneof=python3.11 nodejs20 shell"`
	DefaultLimits  limitsPayload     `json:"default_limits" validate:"required"`
	DefaultTimeout int               `json:"default_timeout" validate:"required,gte=1,lte=3600"`
	DefaultEnv     map[string]string `json:"default_env"`
	AllowNetwork   bool              `json:"allow_network"`
	Active         *bool             `json:"active"`
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidRequest, "malformed JSON body", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return errdefs.New(errdefs.KindInvalidRequest, "request failed validation").
			WithDetail(err.Error())
	}
	return nil
}

// Session handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionPayload
	if err := s.decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req := scheduler.CreateSessionRequest{
		TemplateID:     body.TemplateID,
		Mode:           types.SessionMode(body.Mode),
		TimeoutSeconds: body.TimeoutSeconds,
		Env:            body.Env,
		NodeID:         body.NodeID,
	}
	if body.Limits != nil {
		req.Limits = &types.ResourceLimit{
			CPUCores:     body.Limits.CPUCores,
			MemoryBytes:  body.Limits.MemoryBytes,
			DiskBytes:    body.Limits.DiskBytes,
			MaxProcesses: body.Limits.MaxProcesses,
		}
	}
	if body.Dependencies != nil {
		req.Packages = body.Dependencies.Packages
		req.InstallTimeoutSeconds = body.Dependencies.InstallTimeoutSeconds
		req.FailOnInstallError = body.Dependencies.FailOnError
	}

	sess, err := s.sched.CreateSession(r.Context(), req)
	if err != nil {
		// An unknown template on create is a caller mistake, not a
		// missing resource.
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			err = errdefs.New(errdefs.KindInvalidRequest,
				fmt.Sprintf("unknown template %q", body.TemplateID)).
				WithSolution("list templates with GET /api/v1/templates")
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.SessionFilter{
		Status:     types.SessionStatus(strings.ToUpper(q.Get("status"))),
		TemplateID: q.Get("template_id"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	sessions, err := s.store.ListSessions(filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.TerminateSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.ContainerID == "" {
		writeError(w, r, errdefs.New(errdefs.KindConflict, "session has no container yet"))
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	logs, err := s.backend.FetchLogs(r.Context(), sess.ContainerID, tail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID,
		"logs":       logs,
	})
}

// Workspace file handlers. Transfers go through the backend's copy
// port, which reaches the workspace even when the executor is wedged;
// the executor's file endpoint is the fallback when the backend has no
// direct path. Downloads of terminated sessions fall back to the
// artifact archive.

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	relPath := r.URL.Query().Get("path")
	if relPath == "" || strings.Contains(relPath, "..") {
		writeError(w, r, errdefs.New(errdefs.KindInvalidRequest, "path query parameter is required and must stay inside the workspace"))
		return
	}
	if sess.Status != types.SessionRunning {
		writeError(w, r, errdefs.New(errdefs.KindConflict,
			fmt.Sprintf("session is %s, uploads require RUNNING", sess.Status)))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInvalidRequest, "multipart field 'file' is required", err))
		return
	}
	defer file.Close()

	if err := s.forwardUpload(r.Context(), sess, relPath, file); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": relPath})
}

func (s *Server) forwardUpload(ctx context.Context, sess *types.Session, relPath string, file multipart.File) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidRequest, "failed to read upload", err)
	}
	err = s.backend.CopyInto(ctx, sess.ContainerID, relPath, data)
	if err == nil {
		return nil
	}
	if !errdefs.IsKind(err, errdefs.KindBackendUnavailable) {
		return err
	}
	return s.uploadViaExecutor(ctx, sess, relPath, data)
}

func (s *Server) uploadViaExecutor(ctx context.Context, sess *types.Session, relPath string, data []byte) error {
	address, err := s.executorAddress(ctx, sess)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+address+"/files?path="+url.QueryEscape(relPath), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.InternalToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindExecutorUnreachable, "file upload to sandbox failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errdefs.New(errdefs.KindExecutorUnreachable,
			fmt.Sprintf("sandbox rejected upload with status %d", resp.StatusCode))
	}
	return nil
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	relPath := chi.URLParam(r, "*")
	if relPath == "" || strings.Contains(relPath, "..") {
		writeError(w, r, errdefs.New(errdefs.KindInvalidRequest, "file path must stay inside the workspace"))
		return
	}

	if sess.Status == types.SessionRunning {
		data, err := s.backend.CopyFrom(r.Context(), sess.ContainerID, relPath)
		if err != nil && errdefs.IsKind(err, errdefs.KindBackendUnavailable) {
			data, err = s.fetchFromExecutor(r.Context(), sess, relPath)
		}
		if err == nil {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			w.Write(data) //nolint:errcheck
			return
		}
	}

	// Archive fallback for terminated sessions
	if s.artifacts != nil && s.artifacts.Enabled() {
		data, err := s.artifacts.Get(r.Context(), sess.ID, relPath)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(data) //nolint:errcheck
		return
	}

	writeError(w, r, errdefs.New(errdefs.KindNotFound,
		fmt.Sprintf("file %s is not reachable", relPath)).
		WithSolution("files of terminated sessions are only available when artifact archival is configured"))
}

func (s *Server) fetchFromExecutor(ctx context.Context, sess *types.Session, relPath string) ([]byte, error) {
	address, err := s.executorAddress(ctx, sess)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+address+"/files?path="+url.QueryEscape(relPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.InternalToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Server) executorAddress(ctx context.Context, sess *types.Session) (string, error) {
	info, err := s.backend.InspectSandbox(ctx, sess.ContainerID)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindExecutorUnreachable, "failed to resolve sandbox address", err)
	}
	if !info.Running || info.Address == "" {
		return "", errdefs.New(errdefs.KindExecutorUnreachable, "sandbox container is not running")
	}
	return info.Address, nil
}

// Execution handlers

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executePayload
	if err := s.decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.engine.Execute(r.Context(), chi.URLParam(r, "id"), dispatch.ExecuteRequest{
		Code:           body.Code,
		Language:       body.Language,
		TimeoutSeconds: body.TimeoutSeconds,
		Event:          body.Event,
		EnvVars:        body.EnvVars,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"status":       exec.Status,
	})
}

func (s *Server) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(id); err != nil {
		writeError(w, r, err)
		return
	}
	execs, err := s.store.ListExecutionsBySession(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// Template handlers

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templatePayload
	if err := s.decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	tpl := templateFromPayload(&body)
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if err := s.store.CreateTemplate(tpl); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.store.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body templatePayload
	if err := s.decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	tpl := templateFromPayload(&body)
	tpl.ID = existing.ID
	tpl.CreatedAt = existing.CreatedAt
	tpl.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTemplate(tpl); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTemplate(id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteTemplate(id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func templateFromPayload(body *templatePayload) *types.Template {
	active := true
	if body.Active != nil {
		active = *body.Active
	}
	return &types.Template{
		Name:    body.Name,
		Image:   body.Image,
		Runtime: types.RuntimeKind(body.Runtime),
		DefaultLimits: types.ResourceLimit{
			CPUCores:     body.DefaultLimits.CPUCores,
			MemoryBytes:  body.DefaultLimits.MemoryBytes,
			DiskBytes:    body.DefaultLimits.DiskBytes,
			MaxProcesses: body.DefaultLimits.MaxProcesses,
		},
		DefaultTimeout: body.DefaultTimeout,
		DefaultEnv:     body.DefaultEnv,
		AllowNetwork:   body.AllowNetwork,
		Active:         active,
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true

	if _, err := s.store.ListTemplates(); err != nil {
		components["store"] = "unavailable"
		healthy = false
	} else {
		components["store"] = "ok"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.backend.Nodes(ctx); err != nil {
		components["backend"] = "unavailable"
		healthy = false
	} else {
		components["backend"] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
