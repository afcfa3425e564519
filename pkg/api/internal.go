package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Internal callback surface. Every callback authenticates with the
// per-session internal token the container was provisioned with, so a
// compromised sandbox can only speak for itself.

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func (s *Server) authorizeSession(w http.ResponseWriter, r *http.Request, sess *types.Session) bool {
	if !security.VerifyToken(bearerToken(r), sess.InternalToken) {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{
			ErrorCode:   "Unauthorized",
			Description: "missing or invalid internal token",
			RequestID:   middleware.GetReqID(r.Context()),
		})
		return false
	}
	return true
}

func (s *Server) handleContainerReady(w http.ResponseWriter, r *http.Request) {
	var payload types.ContainerReady
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	sess, err := s.store.GetSession(payload.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeSession(w, r, sess) {
		return
	}
	s.sched.NotifyReady(payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleContainerExited(w http.ResponseWriter, r *http.Request) {
	var payload types.ContainerExited
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	sess, err := s.sessionByContainer(payload.ContainerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeSession(w, r, sess) {
		return
	}
	if err := s.engine.HandleExited(sess.ID, payload); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var payload types.ExecutionResult
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	payload.ExecutionID = chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(payload.ExecutionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload.SessionID = exec.SessionID

	sess, err := s.store.GetSession(exec.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeSession(w, r, sess) {
		return
	}
	if err := s.engine.HandleResult(payload); err != nil {
		writeError(w, r, err)
		return
	}
	// Duplicate results after finality land here too; both cases are a
	// 200 so the executor stops retrying.
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload types.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, errdefs.Wrap(errdefs.KindInvalidRequest, "malformed JSON body", err))
		return
	}
	executionID := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.store.GetSession(exec.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authorizeSession(w, r, sess) {
		return
	}
	if err := s.engine.HandleHeartbeat(executionID, payload); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) sessionByContainer(containerID string) (*types.Session, error) {
	sessions, err := s.store.ListSessions(storage.SessionFilter{})
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.ContainerID == containerID {
			return sess, nil
		}
	}
	return nil, errdefs.New(errdefs.KindNotFound, "no session for container "+containerID)
}
