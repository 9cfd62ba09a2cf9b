package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/storage"
)

// SessionAuth resolves X-Session-Id (or the session_id query parameter, for
// WebSocket upgrades where custom headers are unavailable) against the
// session store and puts the user id into the request context. Sessions are
// written by the auth service; this service only reads them.
func SessionAuth(store storage.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get("X-Session-Id")
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session_id")
			}
			if sessionID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := store.GetSession(r.Context(), sessionID)
			if err != nil {
				logger.Errorf("session lookup session_id=%s: %v", MaskSessionID(sessionID), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if userID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, SessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MaskSessionID masks a session id for log output.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
