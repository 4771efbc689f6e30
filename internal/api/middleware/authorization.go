package middleware

import (
	"context"
	"net/http"
	"strings"

	internal_jwt "insurance-chat-backend/internal/jwt"
)

type contextKey string

// SessionIDKey carries the authenticated session ID through the request
// context.
const SessionIDKey contextKey = "sessionID"

// SessionFromContext returns the session ID the request's token was
// issued for.
func SessionFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(SessionIDKey).(string)
	return sessionID
}

// ValidateSessionJWT checks the bearer token and stashes its session ID
// in the request context. Endpoints compare it against the session they
// operate on.
func ValidateSessionJWT(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		sessionID, err := internal_jwt.ParseSessionToken(tokenString)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SessionIDKey, sessionID)
		next(w, r.WithContext(ctx))
	}
}
