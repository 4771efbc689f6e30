package endpoints

import (
	"fmt"
	"net/http"
	"strings"

	internal_jwt "insurance-chat-backend/internal/jwt"
	"insurance-chat-backend/internal/websocket"
)

type WebsocketEndpoints interface {
	SessionSocket(http.ResponseWriter, *http.Request) error
}

type websocketEndpoints struct {
	handler *websocket.Handler
	prefix  string
}

func NewWebsocketEndpoints(handler *websocket.Handler, prefix string) WebsocketEndpoints {
	return &websocketEndpoints{
		handler: handler,
		prefix:  strings.TrimRight(prefix, "/") + "/sessions/",
	}
}

// SessionSocket upgrades the connection and joins the client to its
// session's push room. Auth runs over the token query parameter because
// browser websocket clients cannot set headers.
func (h *websocketEndpoints) SessionSocket(w http.ResponseWriter, r *http.Request) error {
	if h.handler == nil {
		return &HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "Websocket not available",
			ErrorLog:   fmt.Errorf("websocket handler missing"),
		}
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Session not found",
			ErrorLog:   fmt.Errorf("websocket session id missing in path %s", r.URL.Path),
		}
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return &HTTPError{
			StatusCode: http.StatusUnauthorized,
			Message:    "Missing token",
			ErrorLog:   fmt.Errorf("websocket missing token for session %s", sessionID),
		}
	}

	tokenSession, err := internal_jwt.ParseSessionToken(token)
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusUnauthorized,
			Message:    "Unauthorized",
			ErrorLog:   fmt.Errorf("websocket token invalid: %w", err),
		}
	}
	if tokenSession != sessionID {
		return &HTTPError{
			StatusCode: http.StatusForbidden,
			Message:    "Token does not match session",
			ErrorLog:   fmt.Errorf("websocket session mismatch: %s vs %s", tokenSession, sessionID),
		}
	}

	h.handler.CreateRoom(sessionID)
	h.handler.JoinRoom(w, r, sessionID, sessionID)
	return nil
}
