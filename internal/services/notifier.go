package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asilinks/backend/internal/events"
)

// EventNotifier publishes notifications to the redis stream consumed by
// the notify bridge. Delivery is best effort, failures only log.
type EventNotifier struct {
	publisher events.Publisher
	log       *zap.Logger
}

func NewEventNotifier(publisher events.Publisher, log *zap.Logger) *EventNotifier {
	return &EventNotifier{publisher: publisher, log: log}
}

func (n *EventNotifier) Notify(ctx context.Context, accountID uuid.UUID, template string, data map[string]any) {
	event := events.NewNotification(accountID.String(), template, data)
	if err := n.publisher.Publish(ctx, events.StreamNotifications, event); err != nil {
		n.log.Warn("notification publish failed",
			zap.String("template", template),
			zap.String("account_id", accountID.String()),
			zap.Error(err))
	}
}
