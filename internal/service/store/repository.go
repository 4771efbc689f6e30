package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"insurance-chat-backend/internal/database"
	"insurance-chat-backend/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var ErrNotFound = errors.New("session store: not found")

// Repository is durable storage for sessions and pending deliveries.
// The coordinator, not the store, serializes concurrent writers; every
// session write is a single full-record overwrite.
type Repository interface {
	GetSession(ctx context.Context, sessionID string) (model.SessionItem, error)
	PutSession(ctx context.Context, session model.SessionItem) error
	FindByThreadRef(ctx context.Context, threadRef string) (model.SessionItem, error)
	ListSessions(ctx context.Context) ([]model.SessionItem, error)
	EnqueueDelivery(ctx context.Context, item model.PendingDeliveryItem) error
	ListUndelivered(ctx context.Context, sessionID string) ([]model.PendingDeliveryItem, error)
	MarkDelivered(ctx context.Context, sessionID string, deliveryIDs []string, deliveredAt, gcBefore string) error
}

type DynamoRepository struct {
	db *database.Database
}

func NewDynamoRepository(db *database.Database) Repository {
	return &DynamoRepository{db: db}
}

func (r *DynamoRepository) GetSession(ctx context.Context, sessionID string) (model.SessionItem, error) {
	var session model.SessionItem
	err := r.db.Client.GetItem(
		ctx,
		model.SessionsTable,
		map[string]types.AttributeValue{
			"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		},
		&session,
	)
	if err != nil {
		if isNotFound(err) {
			return model.SessionItem{}, ErrNotFound
		}
		return model.SessionItem{}, err
	}
	return session, nil
}

func (r *DynamoRepository) PutSession(ctx context.Context, session model.SessionItem) error {
	return r.db.Client.PutItem(ctx, model.SessionsTable, session)
}

// FindByThreadRef resolves the operator-chat thread back to its session.
// The mapping lives on the session record itself, so the index needs no
// separate rebuild after restart.
func (r *DynamoRepository) FindByThreadRef(ctx context.Context, threadRef string) (model.SessionItem, error) {
	items, err := r.db.Client.QueryItems(
		ctx,
		model.SessionsTable,
		aws.String("byThreadRef"),
		"threadRef = :threadRef",
		map[string]types.AttributeValue{
			":threadRef": &types.AttributeValueMemberS{Value: threadRef},
		},
		nil,
		nil,
	)
	if err != nil && !isIndexNotFound(err) {
		return model.SessionItem{}, err
	}

	if (err != nil && isIndexNotFound(err)) || items == nil {
		items, err = r.db.Client.ScanItems(
			ctx,
			model.SessionsTable,
			"threadRef = :threadRef",
			map[string]types.AttributeValue{
				":threadRef": &types.AttributeValueMemberS{Value: threadRef},
			},
			nil,
		)
		if err != nil {
			return model.SessionItem{}, err
		}
	}

	if len(items) == 0 {
		return model.SessionItem{}, ErrNotFound
	}

	var session model.SessionItem
	if err := attributevalue.UnmarshalMap(items[0], &session); err != nil {
		return model.SessionItem{}, err
	}
	return session, nil
}

func (r *DynamoRepository) ListSessions(ctx context.Context) ([]model.SessionItem, error) {
	items, err := r.db.Client.ScanItems(ctx, model.SessionsTable, "", nil, nil)
	if err != nil {
		return nil, err
	}

	sessions := make([]model.SessionItem, 0, len(items))
	for _, item := range items {
		var session model.SessionItem
		if err := attributevalue.UnmarshalMap(item, &session); err != nil {
			return nil, err
		}
		if session.Archived {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (r *DynamoRepository) EnqueueDelivery(ctx context.Context, item model.PendingDeliveryItem) error {
	return r.db.Client.PutItem(ctx, model.DeliveriesTable, item)
}

func (r *DynamoRepository) ListUndelivered(ctx context.Context, sessionID string) ([]model.PendingDeliveryItem, error) {
	items, err := r.listSessionDeliveries(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	undelivered := make([]model.PendingDeliveryItem, 0, len(items))
	for _, item := range items {
		if !item.Delivered {
			undelivered = append(undelivered, item)
		}
	}

	sort.Slice(undelivered, func(i, j int) bool {
		ti := parseTime(undelivered[i].CreatedAt)
		tj := parseTime(undelivered[j].CreatedAt)
		return ti.Before(tj)
	})

	return undelivered, nil
}

// MarkDelivered flips the given entries to delivered and garbage-collects
// entries whose delivery confirmation is older than gcBefore.
func (r *DynamoRepository) MarkDelivered(ctx context.Context, sessionID string, deliveryIDs []string, deliveredAt, gcBefore string) error {
	for _, id := range deliveryIDs {
		err := r.db.Client.UpdateItem(
			ctx,
			model.DeliveriesTable,
			map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: model.DeliveryPK(sessionID, id)},
			},
			"SET #delivered = :delivered, #deliveredAt = :deliveredAt",
			map[string]types.AttributeValue{
				":delivered":   &types.AttributeValueMemberBOOL{Value: true},
				":deliveredAt": &types.AttributeValueMemberS{Value: deliveredAt},
			},
			map[string]string{
				"#delivered":   "delivered",
				"#deliveredAt": "deliveredAt",
			},
			nil,
		)
		if err != nil {
			return err
		}
	}

	items, err := r.listSessionDeliveries(ctx, sessionID)
	if err != nil {
		return err
	}
	cutoff := parseTime(gcBefore)
	for _, item := range items {
		if !item.Delivered || item.DeliveredAt == "" {
			continue
		}
		if parseTime(item.DeliveredAt).After(cutoff) {
			continue
		}
		err := r.db.Client.DeleteItem(
			ctx,
			model.DeliveriesTable,
			map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: item.PK},
			},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *DynamoRepository) listSessionDeliveries(ctx context.Context, sessionID string) ([]model.PendingDeliveryItem, error) {
	raw, err := r.db.Client.QueryItems(
		ctx,
		model.DeliveriesTable,
		aws.String("bySession"),
		"sessionId = :sessionId",
		map[string]types.AttributeValue{
			":sessionId": &types.AttributeValueMemberS{Value: sessionID},
		},
		nil,
		nil,
	)
	if err != nil && !isIndexNotFound(err) {
		return nil, err
	}

	if (err != nil && isIndexNotFound(err)) || raw == nil {
		raw, err = r.db.Client.ScanItems(
			ctx,
			model.DeliveriesTable,
			"sessionId = :sessionId",
			map[string]types.AttributeValue{
				":sessionId": &types.AttributeValueMemberS{Value: sessionID},
			},
			nil,
		)
		if err != nil {
			return nil, err
		}
	}

	items := make([]model.PendingDeliveryItem, 0, len(raw))
	for _, entry := range raw {
		var item model.PendingDeliveryItem
		if err := attributevalue.UnmarshalMap(entry, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "item not found")
}

func isIndexNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "index") && strings.Contains(msg, "not") && strings.Contains(msg, "found")
}

func parseTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
