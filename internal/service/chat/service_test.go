package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"insurance-chat-backend/internal/ai"
	"insurance-chat-backend/internal/knowledge"
	"insurance-chat-backend/internal/model"
)

type fakeCoordinator struct {
	mu               sync.Mutex
	session          model.SessionItem
	turns            []model.TurnItem
	specialistActive bool
	appendErr        error
}

func (f *fakeCoordinator) AppendTurn(_ context.Context, sessionID string, turn model.TurnItem) (model.SessionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return model.SessionItem{}, f.appendErr
	}
	f.turns = append(f.turns, turn)
	f.session.SessionID = sessionID
	f.session.Transcript = append(f.session.Transcript, turn)
	return f.session, nil
}

func (f *fakeCoordinator) IsSpecialistActive(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specialistActive
}

func (f *fakeCoordinator) appendedRoles() []model.TurnRole {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles := make([]model.TurnRole, 0, len(f.turns))
	for _, turn := range f.turns {
		roles = append(roles, turn.Role)
	}
	return roles
}

type fakeResponder struct {
	reply   string
	err     error
	prompts []string
	delay   time.Duration
	after   func()
}

func (f *fakeResponder) Reply(ctx context.Context, systemPrompt string, _ []ai.Message) (string, error) {
	f.prompts = append(f.prompts, systemPrompt)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.after != nil {
		f.after()
	}
	return f.reply, f.err
}

type fakeSearcher struct {
	docs []knowledge.ScoredDocument
	err  error
}

func (f *fakeSearcher) Search(context.Context, string) ([]knowledge.ScoredDocument, error) {
	return f.docs, f.err
}

type fakeEvaluator struct {
	calls chan string
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ model.SessionItem, latest string) (bool, error) {
	f.calls <- latest
	return false, nil
}

type fakePoster struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakePoster) PostUserMessage(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func waitForEvaluation(t *testing.T, calls chan string) string {
	t.Helper()
	select {
	case latest := <-calls:
		return latest
	case <-time.After(2 * time.Second):
		t.Fatal("evaluator was not invoked")
		return ""
	}
}

func TestHandleUserMessageGeneratesReply(t *testing.T) {
	coord := &fakeCoordinator{}
	responder := &fakeResponder{reply: "General liability covers third-party claims."}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	svc := New(coord, responder, nil, evaluator, nil, time.Second)

	result, err := svc.HandleUserMessage(context.Background(), "s1", "what does general liability cover?")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if result.Response != responder.reply {
		t.Fatalf("expected model reply, got %q", result.Response)
	}
	if result.SpecialistActive {
		t.Fatal("specialist should not be active")
	}

	roles := coord.appendedRoles()
	if len(roles) != 2 || roles[0] != model.TurnRoleUser || roles[1] != model.TurnRoleAssistant {
		t.Fatalf("expected user then assistant turns, got %v", roles)
	}
	if latest := waitForEvaluation(t, evaluator.calls); latest != "what does general liability cover?" {
		t.Fatalf("evaluator got wrong message %q", latest)
	}
}

func TestHandleUserMessageSpecialistActiveShortCircuits(t *testing.T) {
	coord := &fakeCoordinator{
		session: model.SessionItem{
			State:             model.SessionStateSpecialistActive,
			ThreadRef:         "C1|111.222",
			ActiveSpecialists: []string{"U1"},
		},
		specialistActive: true,
	}
	responder := &fakeResponder{reply: "should not be used"}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	poster := &fakePoster{}
	svc := New(coord, responder, nil, evaluator, poster, time.Second)

	result, err := svc.HandleUserMessage(context.Background(), "s1", "any update?")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if !result.SpecialistActive {
		t.Fatal("expected specialist-active result")
	}
	if len(responder.prompts) != 0 {
		t.Fatal("responder should not be called while a specialist is active")
	}
	if roles := coord.appendedRoles(); len(roles) != 1 || roles[0] != model.TurnRoleUser {
		t.Fatalf("only the user turn should be appended, got %v", roles)
	}

	waitForEvaluation(t, evaluator.calls)
	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.messages) != 1 || poster.messages[0] != "any update?" {
		t.Fatalf("user message should be forwarded to the operator thread, got %v", poster.messages)
	}
}

func TestHandleUserMessageSuppressesReplyWhenSpecialistJoinsMidFlight(t *testing.T) {
	coord := &fakeCoordinator{}
	responder := &fakeResponder{reply: "late reply"}
	// The specialist joins while the reply call is in flight.
	responder.after = func() {
		coord.mu.Lock()
		coord.specialistActive = true
		coord.mu.Unlock()
	}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	svc := New(coord, responder, nil, evaluator, nil, time.Second)

	result, err := svc.HandleUserMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if !result.SpecialistActive {
		t.Fatal("expected specialist-active result after mid-flight join")
	}
	if roles := coord.appendedRoles(); len(roles) != 1 {
		t.Fatalf("assistant turn must be suppressed, got %v", roles)
	}
	waitForEvaluation(t, evaluator.calls)
}

func TestHandleUserMessageFallsBackOnResponderFailure(t *testing.T) {
	coord := &fakeCoordinator{}
	responder := &fakeResponder{err: errors.New("upstream is down")}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	svc := New(coord, responder, nil, evaluator, nil, time.Second)

	result, err := svc.HandleUserMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if result.Response != fallbackReply {
		t.Fatalf("expected fallback reply, got %q", result.Response)
	}
	waitForEvaluation(t, evaluator.calls)
}

func TestHandleUserMessageTimesOutSlowResponder(t *testing.T) {
	coord := &fakeCoordinator{}
	responder := &fakeResponder{reply: "too late", delay: time.Second}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	svc := New(coord, responder, nil, evaluator, nil, 50*time.Millisecond)

	result, err := svc.HandleUserMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if result.Response != fallbackReply {
		t.Fatalf("expected fallback reply after timeout, got %q", result.Response)
	}
	waitForEvaluation(t, evaluator.calls)
}

func TestHandleUserMessageInjectsKnowledge(t *testing.T) {
	coord := &fakeCoordinator{}
	responder := &fakeResponder{reply: "answer"}
	searcher := &fakeSearcher{docs: []knowledge.ScoredDocument{
		{Content: "Workers comp is required in most states.", Score: 0.9},
	}}
	evaluator := &fakeEvaluator{calls: make(chan string, 1)}
	svc := New(coord, responder, searcher, evaluator, nil, time.Second)

	if _, err := svc.HandleUserMessage(context.Background(), "s1", "do I need workers comp?"); err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if len(responder.prompts) != 1 || !strings.Contains(responder.prompts[0], "Workers comp is required") {
		t.Fatalf("expected knowledge extract in system prompt, got %q", responder.prompts)
	}
	waitForEvaluation(t, evaluator.calls)
}

func TestHandleUserMessageRejectsEmptyMessage(t *testing.T) {
	svc := New(&fakeCoordinator{}, &fakeResponder{}, nil, nil, nil, time.Second)
	if _, err := svc.HandleUserMessage(context.Background(), "s1", "   "); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestHandleUserMessageAppendErrorPropagates(t *testing.T) {
	coord := &fakeCoordinator{appendErr: errors.New("dynamo unavailable")}
	svc := New(coord, &fakeResponder{}, nil, nil, nil, time.Second)
	if _, err := svc.HandleUserMessage(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("expected append error to propagate")
	}
}
