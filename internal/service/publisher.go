package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// EventPublisher receives conversation events after they commit.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// events publishes to an optional feed. Failures are logged and counted but
// never fail the operation that produced them; the store is authoritative.
type events struct {
	publisher EventPublisher
	logger    *logger.Logger
}

func (e events) statusChanged(ctx context.Context, prev model.Status, conv *model.Conversation) {
	metrics.RecordTransition(string(prev), string(conv.Status))

	event := &model.ConversationEvent{
		ConversationID: conv.ID,
		Type:           model.EventTypeStatusChanged,
		Status:         conv.Status,
		PreviousStatus: prev,
	}
	if conv.AdminID != nil {
		event.AdminID = *conv.AdminID
	}
	e.publish(ctx, event)
}

func (e events) messagesAppended(ctx context.Context, status model.Status, msgs ...*model.Message) {
	for _, msg := range msgs {
		metrics.MessagesTotal.WithLabelValues(string(msg.SenderType)).Inc()
		e.publish(ctx, &model.ConversationEvent{
			ConversationID: msg.ConversationID,
			Type:           model.EventTypeMessageAppended,
			Status:         status,
			MessageID:      msg.ID,
			SenderType:     msg.SenderType,
		})
	}
}

func (e events) publish(ctx context.Context, event *model.ConversationEvent) {
	if e.publisher == nil {
		return
	}
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.CreatedAt = time.Now().UTC()

	if _, err := e.publisher.PublishEvent(ctx, event); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(event.Type)).Inc()
		e.logger.Warn("failed to publish conversation event",
			zap.Error(err),
			zap.Int64("conversation_id", event.ConversationID),
			zap.String("type", string(event.Type)),
		)
	}
}
