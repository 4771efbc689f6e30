package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"insurance-chat-backend/internal/api"
	"insurance-chat-backend/internal/api/middleware"
	internal_jwt "insurance-chat-backend/internal/jwt"
	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/chat"
	"insurance-chat-backend/internal/service/coordinator"
)

// SessionCoordinator is the slice of the coordinator the HTTP layer
// needs.
type SessionCoordinator interface {
	CreateSession(ctx context.Context, sessionID string) (model.SessionItem, error)
	GetSession(ctx context.Context, sessionID string) (model.SessionItem, error)
	DrainPending(ctx context.Context, sessionID string) ([]model.PendingDeliveryItem, error)
	ConfirmDelivered(ctx context.Context, sessionID string, deliveryIDs []string) error
}

// ChatService handles a customer message end to end.
type ChatService interface {
	HandleUserMessage(ctx context.Context, sessionID, message string) (chat.Result, error)
}

type SessionEndpoints interface {
	Sessions(http.ResponseWriter, *http.Request) error
	SessionOps(http.ResponseWriter, *http.Request) error
}

type SessionPaths struct {
	SessionsPath  string
	SessionPrefix string
}

type sessionEndpoints struct {
	coord SessionCoordinator
	chat  ChatService
	paths SessionPaths
}

func NewSessionEndpoints(coord SessionCoordinator, chatService ChatService, prefix string) SessionEndpoints {
	base := strings.TrimRight(prefix, "/")
	return NewSessionEndpointsWithPaths(coord, chatService, SessionPaths{
		SessionsPath:  base + "/sessions",
		SessionPrefix: base + "/sessions/",
	})
}

func NewSessionEndpointsWithPaths(coord SessionCoordinator, chatService ChatService, paths SessionPaths) SessionEndpoints {
	return &sessionEndpoints{
		coord: coord,
		chat:  chatService,
		paths: paths,
	}
}

type CreateSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Token     string `json:"token"`
	CreatedAt string `json:"createdAt"`
}

type PostMessageRequest struct {
	Message string `json:"message"`
}

type PostMessageResponse struct {
	SessionID        string `json:"sessionId"`
	Response         string `json:"response"`
	SpecialistActive bool   `json:"specialistActive"`
}

type TurnResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp"`
}

type SessionResponse struct {
	SessionID      string         `json:"sessionId"`
	State          string         `json:"state"`
	Transcript     []TurnResponse `json:"transcript"`
	LastActivityAt string         `json:"lastActivityAt"`
	CreatedAt      string         `json:"createdAt"`
}

type DeliveryResponse struct {
	DeliveryID string `json:"deliveryId"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Sender     string `json:"sender,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type PendingResponse struct {
	SessionID  string             `json:"sessionId"`
	Deliveries []DeliveryResponse `json:"deliveries"`
}

type AckRequest struct {
	DeliveryIDs []string `json:"deliveryIds"`
}

func (h *sessionEndpoints) Sessions(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleCreateSession,
	})
}

func (h *sessionEndpoints) SessionOps(w http.ResponseWriter, r *http.Request) error {
	sessionID, rest, err := h.extractSessionPath(r.URL.Path)
	if err != nil {
		return err
	}

	// The token was issued for exactly one session.
	if authed := middleware.SessionFromContext(r.Context()); authed != "" && authed != sessionID {
		return &HTTPError{
			StatusCode: http.StatusForbidden,
			Message:    "Token does not match session",
			ErrorLog:   fmt.Errorf("session mismatch: token %s, path %s", authed, sessionID),
		}
	}

	switch rest {
	case "":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet: h.getSessionHandler(sessionID),
		})
	case "messages":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.postMessageHandler(sessionID),
		})
	case "pending":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet: h.pendingHandler(sessionID),
		})
	case "pending/ack":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.ackHandler(sessionID),
		})
	default:
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("unknown session route: %s", r.URL.Path),
		}
	}
}

func (h *sessionEndpoints) handleCreateSession(w http.ResponseWriter, r *http.Request) error {
	var req CreateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    "Invalid request payload",
				ErrorLog:   fmt.Errorf("decode create session request: %w", err),
			}
		}
	}

	session, err := h.coord.CreateSession(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		return h.serviceError(err)
	}

	token, err := internal_jwt.CreateSessionToken(session.SessionID, 0)
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusInternalServerError,
			Message:    "Internal server error",
			ErrorLog:   fmt.Errorf("create session token: %w", err),
		}
	}

	return api.WriteJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: session.SessionID,
		State:     string(session.State),
		Token:     token,
		CreatedAt: session.CreatedAt,
	})
}

func (h *sessionEndpoints) getSessionHandler(sessionID string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		session, err := h.coord.GetSession(r.Context(), sessionID)
		if err != nil {
			return h.serviceError(err)
		}
		return api.WriteJSON(w, http.StatusOK, toSessionResponse(session))
	}
}

func (h *sessionEndpoints) postMessageHandler(sessionID string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req PostMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    "Invalid request payload",
				ErrorLog:   fmt.Errorf("decode message request: %w", err),
			}
		}
		if strings.TrimSpace(req.Message) == "" {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    "Message is required",
				ErrorLog:   fmt.Errorf("empty message for session %s", sessionID),
			}
		}

		result, err := h.chat.HandleUserMessage(r.Context(), sessionID, req.Message)
		if err != nil {
			return h.serviceError(err)
		}

		return api.WriteJSON(w, http.StatusOK, PostMessageResponse{
			SessionID:        result.SessionID,
			Response:         result.Response,
			SpecialistActive: result.SpecialistActive,
		})
	}
}

func (h *sessionEndpoints) pendingHandler(sessionID string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		deliveries, err := h.coord.DrainPending(r.Context(), sessionID)
		if err != nil {
			return h.serviceError(err)
		}

		resp := PendingResponse{
			SessionID:  sessionID,
			Deliveries: make([]DeliveryResponse, 0, len(deliveries)),
		}
		for _, d := range deliveries {
			resp.Deliveries = append(resp.Deliveries, DeliveryResponse{
				DeliveryID: d.DeliveryID,
				Kind:       string(d.Kind),
				Message:    d.Message,
				Sender:     d.Sender,
				CreatedAt:  d.CreatedAt,
			})
		}
		return api.WriteJSON(w, http.StatusOK, resp)
	}
}

func (h *sessionEndpoints) ackHandler(sessionID string) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req AckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    "Invalid request payload",
				ErrorLog:   fmt.Errorf("decode ack request: %w", err),
			}
		}
		if len(req.DeliveryIDs) == 0 {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    "deliveryIds is required",
				ErrorLog:   fmt.Errorf("empty ack for session %s", sessionID),
			}
		}

		if err := h.coord.ConfirmDelivered(r.Context(), sessionID, req.DeliveryIDs); err != nil {
			return h.serviceError(err)
		}
		return api.WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Deliveries confirmed"})
	}
}

func (h *sessionEndpoints) extractSessionPath(path string) (sessionID, rest string, err error) {
	trimmed := strings.TrimPrefix(path, h.paths.SessionPrefix)
	if trimmed == path {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("path mismatch: %s", path),
		}
	}
	trimmed = strings.Trim(trimmed, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Session not found",
			ErrorLog:   fmt.Errorf("session id missing in path: %s", path),
		}
	}
	if len(parts) == 2 {
		rest = parts[1]
	}
	return parts[0], rest, nil
}

func (h *sessionEndpoints) serviceError(err error) error {
	if err == nil {
		return nil
	}

	svcErr, ok := err.(*coordinator.Error)
	if !ok {
		return &HTTPError{
			StatusCode: http.StatusInternalServerError,
			Message:    "Internal server error",
			ErrorLog:   fmt.Errorf("coordinator: %w", err),
		}
	}

	var logErr error
	if svcErr.Err != nil {
		logErr = fmt.Errorf("%s: %w", svcErr.Message, svcErr.Err)
	} else {
		logErr = svcErr
	}

	switch svcErr.Code {
	case coordinator.ErrorCodeValidation, coordinator.ErrorCodeUsage:
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: svcErr.Message, ErrorLog: logErr}
	case coordinator.ErrorCodeNotFound:
		return &HTTPError{StatusCode: http.StatusNotFound, Message: svcErr.Message, ErrorLog: logErr}
	case coordinator.ErrorCodeConflict:
		return &HTTPError{StatusCode: http.StatusConflict, Message: svcErr.Message, ErrorLog: logErr}
	default:
		return &HTTPError{StatusCode: http.StatusInternalServerError, Message: "Internal server error", ErrorLog: logErr}
	}
}

func toSessionResponse(session model.SessionItem) SessionResponse {
	resp := SessionResponse{
		SessionID:      session.SessionID,
		State:          string(session.State),
		Transcript:     make([]TurnResponse, 0, len(session.Transcript)),
		LastActivityAt: session.LastActivityAt,
		CreatedAt:      session.CreatedAt,
	}
	for _, turn := range session.Transcript {
		resp.Transcript = append(resp.Transcript, TurnResponse{
			Role:      string(turn.Role),
			Content:   turn.Content,
			Sender:    turn.Sender,
			Timestamp: turn.CreatedAt,
		})
	}
	return resp
}
