package model

import "fmt"

type DeliveryKind string

const (
	DeliveryKindSpecialistReply    DeliveryKind = "specialist_reply"
	DeliveryKindSystemNotification DeliveryKind = "system_notification"
	DeliveryKindControlSignal      DeliveryKind = "control_signal"
)

// PendingDeliveryItem is one message queued for a session until the chat
// client pulls it. Delivered rows stay for a grace period so a duplicate
// poll after a confirm still resolves, then get garbage-collected.
type PendingDeliveryItem struct {
	PK          string       `dynamodbav:"pk"`
	SessionID   string       `dynamodbav:"sessionId"`
	DeliveryID  string       `dynamodbav:"deliveryId"`
	Kind        DeliveryKind `dynamodbav:"kind"`
	Message     string       `dynamodbav:"message"`
	Sender      string       `dynamodbav:"sender,omitempty"`
	Delivered   bool         `dynamodbav:"delivered"`
	DeliveredAt string       `dynamodbav:"deliveredAt,omitempty"`
	CreatedAt   string       `dynamodbav:"createdAt"`
}

func DeliveryPK(sessionID, deliveryID string) string {
	return fmt.Sprintf("%s#%s", sessionID, deliveryID)
}
