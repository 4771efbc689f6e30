package escalation

import (
	"strings"
	"time"

	"insurance-chat-backend/internal/env"
)

// Policy holds the escalation thresholds. They are data, not code: every
// value can be tuned through the environment without touching the state
// machine.
type Policy struct {
	// Keywords that count as an explicit request for a human. Checked
	// before any classifier signal.
	Keywords []string
	// AngryWindow is how many recent classifications are inspected for
	// sustained anger; AngryMin is how many of them must be "angry".
	AngryWindow int
	AngryMin    int
	// MaxOpenTurns triggers escalation for long threads whose latest
	// classification still marks the query unresolved.
	MaxOpenTurns int
	// ClassifierTimeout bounds the external classification call.
	ClassifierTimeout time.Duration
}

const defaultKeywords = "human,agent,representative,speak to someone,transfer"

func DefaultPolicy() Policy {
	return Policy{
		Keywords:          strings.Split(defaultKeywords, ","),
		AngryWindow:       4,
		AngryMin:          3,
		MaxOpenTurns:      24,
		ClassifierTimeout: 6 * time.Second,
	}
}

func PolicyFromEnv() Policy {
	policy := DefaultPolicy()
	if raw := env.Get(env.EscalationKeywords); raw != "" {
		keywords := make([]string, 0)
		for _, keyword := range strings.Split(raw, ",") {
			keyword = strings.TrimSpace(keyword)
			if keyword != "" {
				keywords = append(keywords, keyword)
			}
		}
		if len(keywords) > 0 {
			policy.Keywords = keywords
		}
	}
	policy.AngryWindow = env.GetIntOrDefault(env.EscalationAngryWindow, policy.AngryWindow)
	policy.AngryMin = env.GetIntOrDefault(env.EscalationAngryMin, policy.AngryMin)
	policy.MaxOpenTurns = env.GetIntOrDefault(env.EscalationMaxOpenTurns, policy.MaxOpenTurns)
	if ms := env.GetIntOrDefault(env.ClassifierTimeoutMillis, 0); ms > 0 {
		policy.ClassifierTimeout = time.Duration(ms) * time.Millisecond
	}
	return policy
}

// MatchesExplicitRequest reports whether the message contains a direct
// ask for a person.
func (p Policy) MatchesExplicitRequest(message string) bool {
	lowered := strings.ToLower(message)
	for _, keyword := range p.Keywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
