package router

import (
	"net/http"

	"insurance-chat-backend/internal/api"
	"insurance-chat-backend/internal/api/endpoints"
)

func WebsocketRoutes(prefix string) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		wsEndpoints := endpoints.NewWebsocketEndpoints(s.Handler(), prefix)
		mux.HandleFunc(prefix+"/sessions/", s.MakeHTTPHandleFunc(wsEndpoints.SessionSocket))
	}
}
