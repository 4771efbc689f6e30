package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"insurance-chat-backend/internal/ai"
	"insurance-chat-backend/internal/knowledge"
	"insurance-chat-backend/internal/model"
)

const systemPrompt = `You are a helpful insurance assistant for small businesses.
Answer questions about coverage, quotes and applications concisely and accurately.
If you do not know an answer, say so instead of guessing.`

const fallbackReply = "I'm having trouble responding right now. Please try again in a moment, or ask to speak with a specialist."

const specialistHandlingReply = "A specialist is currently handling your conversation. Please wait for their response."

// Coordinator is the slice of the escalation coordinator the chat path
// uses.
type Coordinator interface {
	AppendTurn(ctx context.Context, sessionID string, turn model.TurnItem) (model.SessionItem, error)
	IsSpecialistActive(ctx context.Context, sessionID string) bool
}

// Evaluator runs the escalation policy for one turn, out-of-band.
type Evaluator interface {
	Evaluate(ctx context.Context, session model.SessionItem, latest string) (bool, error)
}

// ThreadPoster forwards user messages into the operator-chat thread while
// a specialist is handling the session.
type ThreadPoster interface {
	PostUserMessage(ctx context.Context, threadRef, message string) error
}

type Result struct {
	SessionID        string
	Response         string
	SpecialistActive bool
}

type Service struct {
	coord        Coordinator
	responder    ai.Responder
	searcher     knowledge.Searcher
	evaluator    Evaluator
	threads      ThreadPoster
	replyTimeout time.Duration
}

func New(coord Coordinator, responder ai.Responder, searcher knowledge.Searcher, evaluator Evaluator, threads ThreadPoster, replyTimeout time.Duration) *Service {
	if replyTimeout <= 0 {
		replyTimeout = 30 * time.Second
	}
	return &Service{
		coord:        coord,
		responder:    responder,
		searcher:     searcher,
		evaluator:    evaluator,
		threads:      threads,
		replyTimeout: replyTimeout,
	}
}

// HandleUserMessage appends the user's turn, generates the automated
// reply unless a human is handling the session, and fires the escalation
// evaluation without blocking the response. The user turn is durable
// before any external call, so a reply failure loses only the reply.
func (s *Service) HandleUserMessage(ctx context.Context, sessionID, message string) (Result, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Result{}, errors.New("chat: message is required")
	}

	session, err := s.coord.AppendTurn(ctx, sessionID, model.TurnItem{
		Role:    model.TurnRoleUser,
		Content: message,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chat: append user turn: %w", err)
	}

	if s.evaluator != nil {
		// Fire-and-forget on a detached context: the user-facing reply
		// must not wait for, or fail with, the evaluation.
		evalSession := session
		go func() {
			if _, err := s.evaluator.Evaluate(context.Background(), evalSession, message); err != nil {
				log.Printf("[chat] escalation evaluation failed for session %s: %v", evalSession.SessionID, err)
			}
		}()
	}

	if session.State == model.SessionStateSpecialistActive && len(session.ActiveSpecialists) > 0 {
		s.forwardToThread(ctx, session.ThreadRef, message)
		return Result{SessionID: session.SessionID, Response: specialistHandlingReply, SpecialistActive: true}, nil
	}

	reply := s.generateReply(ctx, session, message)

	// The external call may have taken seconds; a specialist who joined
	// in the meantime owns the conversation now, so the automated reply
	// is suppressed rather than appended behind their back.
	if s.coord.IsSpecialistActive(ctx, session.SessionID) {
		return Result{SessionID: session.SessionID, Response: specialistHandlingReply, SpecialistActive: true}, nil
	}

	if _, err := s.coord.AppendTurn(ctx, session.SessionID, model.TurnItem{
		Role:    model.TurnRoleAssistant,
		Content: reply,
	}); err != nil {
		log.Printf("[chat] failed to append assistant turn for session %s: %v", session.SessionID, err)
	}

	return Result{SessionID: session.SessionID, Response: reply}, nil
}

func (s *Service) generateReply(ctx context.Context, session model.SessionItem, message string) string {
	prompt := systemPrompt
	if s.searcher != nil {
		docs, err := s.searcher.Search(ctx, message)
		if err != nil {
			log.Printf("[chat] knowledge search failed: %v", err)
		} else if len(docs) > 0 {
			var sb strings.Builder
			sb.WriteString(prompt)
			sb.WriteString("\n\nRelevant knowledge base extracts:\n")
			for _, doc := range docs {
				sb.WriteString("- ")
				sb.WriteString(doc.Content)
				sb.WriteString("\n")
			}
			prompt = sb.String()
		}
	}

	history := make([]ai.Message, 0, len(session.Transcript))
	for _, turn := range session.Transcript {
		role := string(turn.Role)
		if turn.Role == model.TurnRoleSpecialist || turn.Role == model.TurnRoleSystem {
			role = "assistant"
		}
		history = append(history, ai.Message{Role: role, Content: turn.Content})
	}

	replyCtx, cancel := context.WithTimeout(ctx, s.replyTimeout)
	defer cancel()

	reply, err := s.responder.Reply(replyCtx, prompt, history)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			log.Printf("[chat] reply generation failed for session %s: %v", session.SessionID, err)
		}
		return fallbackReply
	}
	return reply
}

func (s *Service) forwardToThread(ctx context.Context, threadRef, message string) {
	if s.threads == nil || threadRef == "" {
		return
	}
	if err := s.threads.PostUserMessage(ctx, threadRef, message); err != nil {
		log.Printf("[chat] failed to forward user message to operator thread %s: %v", threadRef, err)
	}
}
