package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/session"
)

type sessionDenied struct {
	Error      string `json:"error"`
	ActiveUser string `json:"activeUser"`
	StartedAt  int64  `json:"startedAt"` // unix millis
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	if u.DebridKey == "" {
		writeError(w, http.StatusForbidden, "no_debrid_key", "account has no debrid credentials")
		return
	}

	ip := s.clientIP(r)
	verdict, err := s.deps.Sessions.Check(r.Context(), u.DebridKey, ip, u.ID, u.Username)
	if err != nil {
		if errors.Is(err, session.ErrTimeout) {
			w.Header().Set("Retry-After", "2")
			writeError(w, http.StatusServiceUnavailable, "SESSION_TIMEOUT", "session check timed out, retry shortly")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "session_store", "session backend unavailable")
		return
	}
	if !verdict.Admitted {
		active := verdict.Active
		writeJSON(w, http.StatusConflict, sessionDenied{
			Error:      "in_use_elsewhere",
			ActiveUser: active.Username,
			StartedAt:  active.StartedAt.UnixMilli(),
		})
		return
	}
	s.logger.Debug().
		Str(log.FieldUserID, u.ID).
		Str("ip", ip).
		Msg("session admitted")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.sessionTouch(w, r, s.deps.Sessions.Heartbeat)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.sessionTouch(w, r, s.deps.Sessions.End)
}

func (s *Server) sessionTouch(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, key, ip string) error) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	if u.DebridKey == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	if err := op(r.Context(), u.DebridKey, s.clientIP(r)); err != nil {
		writeError(w, http.StatusServiceUnavailable, "session_store", "session backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
