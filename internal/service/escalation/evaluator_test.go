package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"insurance-chat-backend/internal/ai"
	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/coordinator"
)

type fakeCoordinator struct {
	specialistActive bool
	escalations      []coordinator.EscalationParams
	threadRefs       []string
	escalateResult   bool
}

func (f *fakeCoordinator) IsSpecialistActive(ctx context.Context, sessionID string) bool {
	return f.specialistActive
}

func (f *fakeCoordinator) Escalate(ctx context.Context, sessionID, threadRef string, params coordinator.EscalationParams) (bool, error) {
	f.escalations = append(f.escalations, params)
	f.threadRefs = append(f.threadRefs, threadRef)
	return f.escalateResult, nil
}

type fakeClassifier struct {
	result ai.Classification
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(ctx context.Context, latest string, recent []ai.Message) (ai.Classification, error) {
	f.calls++
	return f.result, f.err
}

type fakeOpener struct {
	threadRef string
	err       error
	opened    int
}

func (f *fakeOpener) OpenThread(ctx context.Context, sessionID string, params coordinator.EscalationParams, transcript []model.TurnItem) (string, error) {
	f.opened++
	return f.threadRef, f.err
}

func testPolicy() Policy {
	policy := DefaultPolicy()
	policy.ClassifierTimeout = time.Second
	return policy
}

func userSession(turns ...string) model.SessionItem {
	session := model.SessionItem{SessionID: "s1", State: model.SessionStateActive}
	for _, content := range turns {
		session.Transcript = append(session.Transcript, model.TurnItem{Role: model.TurnRoleUser, Content: content})
	}
	return session
}

func TestExplicitRequestEscalatesWithoutClassifier(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{}
	opener := &fakeOpener{threadRef: "C1|1.1"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	escalated, err := evaluator.Evaluate(context.Background(), userSession("hi", "let me talk to a human"), "let me talk to a human")
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !escalated {
		t.Fatalf("explicit request should escalate")
	}
	if classifier.calls != 0 {
		t.Fatalf("explicit request must win before classification")
	}
	if len(coord.escalations) != 1 || coord.escalations[0].Indicators[0] != "explicit_request" {
		t.Fatalf("unexpected escalation params %+v", coord.escalations)
	}
	if coord.threadRefs[0] != "C1|1.1" {
		t.Fatalf("threadRef not propagated: %v", coord.threadRefs)
	}
}

func TestSpecialistActiveShortCircuits(t *testing.T) {
	coord := &fakeCoordinator{specialistActive: true, escalateResult: true}
	classifier := &fakeClassifier{}
	opener := &fakeOpener{threadRef: "C1|1.1"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	escalated, err := evaluator.Evaluate(context.Background(), userSession("transfer me to an agent"), "transfer me to an agent")
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if escalated {
		t.Fatalf("active specialist must suppress escalation")
	}
	if opener.opened != 0 || len(coord.escalations) != 0 {
		t.Fatalf("no thread should be opened while a specialist is active")
	}
}

func TestEscalatedSessionOpensNoNewThread(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{}
	opener := &fakeOpener{threadRef: "C1|9.9"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	session := userSession("transfer me to an agent")
	session.State = model.SessionStateEscalated

	escalated, err := evaluator.Evaluate(context.Background(), session, "transfer me to an agent")
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if escalated {
		t.Fatalf("escalated session must not escalate again")
	}
	if opener.opened != 0 {
		t.Fatalf("no new operator thread may be opened for an escalated session")
	}
}

func TestCriticalUrgencyEscalates(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{result: ai.Classification{Sentiment: "negative", Urgency: "critical"}}
	opener := &fakeOpener{threadRef: "C1|2.2"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	escalated, err := evaluator.Evaluate(context.Background(), userSession("my policy lapsed and I have a claim today"), "my policy lapsed and I have a claim today")
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !escalated {
		t.Fatalf("critical urgency should escalate")
	}
	if coord.escalations[0].Urgency != "critical" {
		t.Fatalf("unexpected urgency %s", coord.escalations[0].Urgency)
	}
}

func TestSustainedAngerEscalates(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{result: ai.Classification{Sentiment: "angry", Urgency: "medium"}}
	opener := &fakeOpener{threadRef: "C1|3.3"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())
	ctx := context.Background()

	session := userSession("this is wrong", "still wrong", "unacceptable")
	var escalated bool
	var err error
	for _, content := range []string{"this is wrong", "still wrong", "unacceptable"} {
		escalated, err = evaluator.Evaluate(ctx, session, content)
		if err != nil {
			t.Fatalf("Evaluate error: %v", err)
		}
	}
	if !escalated {
		t.Fatalf("three angry turns out of four should escalate")
	}
	if coord.escalations[0].Indicators[0] != "sustained_anger" {
		t.Fatalf("unexpected indicators %+v", coord.escalations[0])
	}
}

func TestLongUnresolvedThreadEscalates(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{result: ai.Classification{Sentiment: "neutral", Urgency: "low", Resolved: false}}
	opener := &fakeOpener{threadRef: "C1|4.4"}
	policy := testPolicy()
	policy.MaxOpenTurns = 3
	evaluator := NewEvaluator(coord, classifier, opener, policy)

	session := userSession("q1", "q2", "q3", "q4")
	escalated, err := evaluator.Evaluate(context.Background(), session, "q4")
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !escalated {
		t.Fatalf("long unresolved thread should escalate")
	}
}

func TestClassifierFailureDefaultsToNoEscalation(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{err: errors.New("timeout")}
	opener := &fakeOpener{threadRef: "C1|5.5"}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	escalated, err := evaluator.Evaluate(context.Background(), userSession("what does E&O cover?"), "what does E&O cover?")
	if err != nil {
		t.Fatalf("classifier failure must not surface: %v", err)
	}
	if escalated || opener.opened != 0 {
		t.Fatalf("classifier failure must default to no escalation")
	}
}

func TestOpenThreadFailureDoesNotEscalate(t *testing.T) {
	coord := &fakeCoordinator{escalateResult: true}
	classifier := &fakeClassifier{}
	opener := &fakeOpener{err: errors.New("slack unavailable")}
	evaluator := NewEvaluator(coord, classifier, opener, testPolicy())

	escalated, err := evaluator.Evaluate(context.Background(), userSession("I want a representative"), "I want a representative")
	if err == nil {
		t.Fatalf("expected error from opener failure")
	}
	if escalated || len(coord.escalations) != 0 {
		t.Fatalf("no escalation should be recorded when the thread cannot be opened")
	}
}
