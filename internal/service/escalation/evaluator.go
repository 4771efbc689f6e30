package escalation

import (
	"context"
	"log"
	"sync"

	"insurance-chat-backend/internal/ai"
	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/coordinator"
)

// Coordinator is the slice of the escalation coordinator the evaluator
// needs; narrowed for test doubles.
type Coordinator interface {
	IsSpecialistActive(ctx context.Context, sessionID string) bool
	Escalate(ctx context.Context, sessionID, threadRef string, params coordinator.EscalationParams) (bool, error)
}

// ThreadOpener opens an operator-chat thread for an escalating session
// and returns the stable thread reference.
type ThreadOpener interface {
	OpenThread(ctx context.Context, sessionID string, params coordinator.EscalationParams, transcript []model.TurnItem) (string, error)
}

// Evaluator inspects each user turn out-of-band and decides whether the
// session needs a human. It never blocks the reply path: callers launch
// Evaluate on its own goroutine and the classifier call carries its own
// deadline with a safe no-escalation default.
type Evaluator struct {
	coord      Coordinator
	classifier ai.Classifier
	opener     ThreadOpener
	policy     Policy

	mu         sync.Mutex
	sentiments map[string][]string
}

func NewEvaluator(coord Coordinator, classifier ai.Classifier, opener ThreadOpener, policy Policy) *Evaluator {
	return &Evaluator{
		coord:      coord,
		classifier: classifier,
		opener:     opener,
		policy:     policy,
		sentiments: make(map[string][]string),
	}
}

// Evaluate runs the policy table against the latest user turn. Returns
// whether an escalation was applied.
func (e *Evaluator) Evaluate(ctx context.Context, session model.SessionItem, latest string) (bool, error) {
	// Defense in depth: the coordinator makes double escalation a no-op,
	// but an already-escalated session also short-circuits the policy
	// itself, before a redundant operator thread gets opened.
	switch session.State {
	case model.SessionStateEscalated, model.SessionStateSpecialistActive:
		return false, nil
	}
	if e.coord.IsSpecialistActive(ctx, session.SessionID) {
		return false, nil
	}

	if e.policy.MatchesExplicitRequest(latest) {
		return e.trigger(ctx, session, coordinator.EscalationParams{
			Reason:     "customer explicitly requested a human specialist",
			Urgency:    "high",
			Indicators: []string{"explicit_request"},
		})
	}

	classifyCtx, cancel := context.WithTimeout(ctx, e.policy.ClassifierTimeout)
	defer cancel()
	classification, err := e.classifier.Classify(classifyCtx, latest, recentMessages(session, e.policy.AngryWindow*2))
	if err != nil {
		// Evaluator failures never escalate and never surface to the user.
		log.Printf("[escalation] classifier unavailable for session %s: %v", session.SessionID, err)
		return false, nil
	}

	angry := e.recordSentiment(session.SessionID, classification.Sentiment)

	if classification.Urgency == "critical" {
		return e.trigger(ctx, session, coordinator.EscalationParams{
			Reason:     "critical urgency reported for the latest customer message",
			Urgency:    "critical",
			Indicators: classification.Indicators,
		})
	}

	if classification.RequiresHuman {
		return e.trigger(ctx, session, coordinator.EscalationParams{
			Reason:     "monitoring classified the conversation as requiring a human",
			Urgency:    classification.Urgency,
			Indicators: classification.Indicators,
		})
	}

	if angry >= e.policy.AngryMin {
		return e.trigger(ctx, session, coordinator.EscalationParams{
			Reason:     "sustained customer frustration across recent turns",
			Urgency:    "high",
			Indicators: []string{"sustained_anger"},
		})
	}

	if len(session.Transcript) > e.policy.MaxOpenTurns && !classification.Resolved {
		return e.trigger(ctx, session, coordinator.EscalationParams{
			Reason:     "long-running conversation without resolution",
			Urgency:    "medium",
			Indicators: []string{"unresolved_thread"},
		})
	}

	return false, nil
}

func (e *Evaluator) trigger(ctx context.Context, session model.SessionItem, params coordinator.EscalationParams) (bool, error) {
	threadRef, err := e.opener.OpenThread(ctx, session.SessionID, params, session.Transcript)
	if err != nil {
		log.Printf("[escalation] failed to open operator thread for session %s: %v", session.SessionID, err)
		return false, err
	}

	escalated, err := e.coord.Escalate(ctx, session.SessionID, threadRef, params)
	if err != nil {
		return false, err
	}
	if !escalated {
		// Lost the race against a concurrent escalation; the earlier
		// thread stays bound and this one goes unused.
		log.Printf("[escalation] session %s already escalated, skipping", session.SessionID)
	}
	return escalated, nil
}

// recordSentiment appends to the per-session sentiment window and
// returns how many of the last AngryWindow entries are angry.
func (e *Evaluator) recordSentiment(sessionID, sentiment string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := append(e.sentiments[sessionID], sentiment)
	if len(history) > e.policy.AngryWindow {
		history = history[len(history)-e.policy.AngryWindow:]
	}
	e.sentiments[sessionID] = history

	angry := 0
	for _, s := range history {
		if s == "angry" {
			angry++
		}
	}
	return angry
}

func recentMessages(session model.SessionItem, limit int) []ai.Message {
	transcript := session.Transcript
	if limit > 0 && len(transcript) > limit {
		transcript = transcript[len(transcript)-limit:]
	}
	messages := make([]ai.Message, 0, len(transcript))
	for _, turn := range transcript {
		role := string(turn.Role)
		if turn.Role == model.TurnRoleSpecialist {
			role = "assistant"
		}
		messages = append(messages, ai.Message{Role: role, Content: turn.Content})
	}
	return messages
}
