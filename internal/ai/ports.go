package ai

import "context"

// Message is the transport-neutral dialog format handed to the model.
type Message struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// Responder generates the automated assistant reply. Implementations may
// block for seconds; callers bound them with a context deadline.
type Responder interface {
	Reply(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// Classification is the evaluator's view of a single exchange.
type Classification struct {
	Sentiment        string   `json:"sentiment"`
	Urgency          string   `json:"urgency"`
	FrustrationLevel int      `json:"frustration_level"`
	Indicators       []string `json:"escalation_indicators"`
	RequiresHuman    bool     `json:"requires_human"`
	Resolved         bool     `json:"resolved"`
}

// Classifier inspects the latest user turn in context. A failed or
// timed-out call must default to "no escalation", never block the reply.
type Classifier interface {
	Classify(ctx context.Context, latest string, recent []Message) (Classification, error)
}
