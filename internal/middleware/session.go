package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/retailassist/session-server-go/internal/errors"
)

const (
	SessionTokenHeader = "X-Session-Token"
	PhoneHeader        = "X-Phone"
	ChatIDHeader       = "X-Chat-Id"
)

const SessionTokenContextKey contextKey = "sessionToken"

// GetSessionToken returns the token stored by SessionToken, or "".
func GetSessionToken(ctx context.Context) string {
	if token, ok := ctx.Value(SessionTokenContextKey).(string); ok {
		return token
	}
	return ""
}

// SessionToken copies the caller's session token into the request context.
// The token is optional here; handlers that need one use RequireSessionToken.
func SessionToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := extractToken(r); token != "" {
			r = r.WithContext(context.WithValue(r.Context(), SessionTokenContextKey, token))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSessionToken rejects requests without a session token with 400.
func RequireSessionToken(next http.Handler) http.Handler {
	return SessionToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetSessionToken(r.Context()) == "" {
			writeError(w, apperrors.MissingRequired(SessionTokenHeader+" header"))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(SessionTokenHeader)); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}
