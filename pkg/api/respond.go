package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
)

// errorEnvelope is the wire form of every error response. Internal
// details never cross this boundary; they go to the log keyed by
// request_id.
type errorEnvelope struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id"`
}

func statusForKind(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindInvalidRequest:
		return http.StatusBadRequest
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindQueueFull:
		return http.StatusTooManyRequests
	case errdefs.KindBackendUnavailable, errdefs.KindSchedulingFailed:
		return http.StatusServiceUnavailable
	case errdefs.KindExecutorUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	e := errdefs.AsError(err)

	logger := log.WithRequestID(requestID)
	if statusForKind(e.Kind) >= 500 {
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}

	writeJSON(w, statusForKind(e.Kind), errorEnvelope{
		ErrorCode:   string(e.Kind),
		Description: e.Description,
		ErrorDetail: e.Detail,
		Solution:    e.Solution,
		RequestID:   requestID,
	})
}
