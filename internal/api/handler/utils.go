package handler

import (
	"net/http"

	"insurance-chat-backend/internal/api"
)

type ApiMessageResponse struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	return api.WriteJSON(w, status, v)
}
