package router

import (
	"net/http"

	"insurance-chat-backend/internal/api"
	"insurance-chat-backend/internal/api/endpoints"
	"insurance-chat-backend/internal/api/middleware"
)

// SessionRoutes wires the chat-facing session API. Session creation is
// open; everything under /sessions/{id} requires the session token the
// create call issued.
func SessionRoutes(prefix string, coord endpoints.SessionCoordinator, chatService endpoints.ChatService) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		sessionEndpoints := endpoints.NewSessionEndpoints(coord, chatService, prefix)

		mux.HandleFunc(prefix+"/sessions", s.MakeHTTPHandleFunc(sessionEndpoints.Sessions))
		mux.HandleFunc(prefix+"/sessions/", s.MakeHTTPHandleFunc(sessionEndpoints.SessionOps, middleware.ValidateSessionJWT))
	}
}
