package api

import (
	"encoding/json"
	"net/http"

	"github.com/strandtv/strand/internal/vod/job"
)

// errorBody is the wire shape for every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: kind, Message: message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, "not_found", message)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "bad_request", message)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized", "unknown or missing user identity")
}

// statusForKind maps terminal job error kinds to HTTP statuses for the
// paths that surface them as responses rather than job snapshots.
func statusForKind(kind job.ErrorKind) int {
	switch kind {
	case job.ErrNoSources:
		return http.StatusNotFound
	case job.ErrAllSourcesExhausted, job.ErrBadStreamSources:
		return http.StatusBadGateway
	case job.ErrJobDeadline:
		return http.StatusGatewayTimeout
	case job.ErrSessionInUse:
		return http.StatusConflict
	case job.ErrSessionTimeout, job.ErrFSUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
