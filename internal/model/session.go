package model

const (
	SessionsTable   = "Sessions"
	DeliveriesTable = "PendingDeliveries"
)

type SessionState string

const (
	SessionStateActive           SessionState = "ACTIVE"
	SessionStateEscalated        SessionState = "ESCALATED"
	SessionStateSpecialistActive SessionState = "SPECIALIST_ACTIVE"
	SessionStateResolved         SessionState = "RESOLVED"
)

type TurnRole string

const (
	TurnRoleUser       TurnRole = "user"
	TurnRoleAssistant  TurnRole = "assistant"
	TurnRoleSpecialist TurnRole = "specialist"
	TurnRoleSystem     TurnRole = "system"
)

type TurnItem struct {
	Role      TurnRole `dynamodbav:"role"`
	Content   string   `dynamodbav:"content"`
	Sender    string   `dynamodbav:"sender,omitempty"`
	CreatedAt string   `dynamodbav:"createdAt"`
}

type EscalationInfoItem struct {
	Reason     string   `dynamodbav:"reason"`
	Urgency    string   `dynamodbav:"urgency,omitempty"`
	Indicators []string `dynamodbav:"indicators,omitempty"`
	CreatedAt  string   `dynamodbav:"createdAt"`
}

// SessionItem is the full durable session record. It is always written as a
// single overwrite so a failed write leaves the prior record intact.
type SessionItem struct {
	SessionID         string              `dynamodbav:"sessionId"`
	ThreadRef         string              `dynamodbav:"threadRef,omitempty"`
	State             SessionState        `dynamodbav:"state"`
	Transcript        []TurnItem          `dynamodbav:"transcript,omitempty"`
	Escalation        *EscalationInfoItem `dynamodbav:"escalation,omitempty"`
	ActiveSpecialists []string            `dynamodbav:"activeSpecialists,omitempty"`
	ResolvedBy        string              `dynamodbav:"resolvedBy,omitempty"`
	Archived          bool                `dynamodbav:"archived,omitempty"`
	CreatedAt         string              `dynamodbav:"createdAt"`
	LastActivityAt    string              `dynamodbav:"lastActivityAt"`
}

func (s *SessionItem) HasSpecialist(id string) bool {
	for _, existing := range s.ActiveSpecialists {
		if existing == id {
			return true
		}
	}
	return false
}
