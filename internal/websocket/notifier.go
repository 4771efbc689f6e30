package websocket

import (
	"log"
	"time"
)

// PendingNotifier implements the coordinator's push hook. When a
// delivery is enqueued for a session it publishes a nudge on the
// session's redis channel; connected clients stop waiting for the next
// poll interval and pull immediately. Polling remains the source of
// truth, so a lost nudge costs latency, not messages.
type PendingNotifier struct{}

func NewPendingNotifier() *PendingNotifier {
	return &PendingNotifier{}
}

type pendingEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	At        string `json:"at"`
}

func (n *PendingNotifier) NotifyPending(sessionID string) {
	event := pendingEvent{
		Type:      "pending.available",
		SessionID: sessionID,
		At:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := Publish(sessionID, event); err != nil {
		log.Printf("failed to publish pending nudge for session %s: %v", sessionID, err)
	}
}
