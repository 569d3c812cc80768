package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
)

const (
	// StreamName is the name of the conversation event stream.
	StreamName = "SUPPORT_CHAT"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "chat"
)

// StreamManager publishes conversation events to JetStream.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Support chat status changes and message appends",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(conversationID int64, eventType model.EventType) string {
	return fmt.Sprintf("%s.%d.event.%s", SubjectPrefix, conversationID, eventType)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(conversationID int64) string {
	return fmt.Sprintf("%s.%d.>", SubjectPrefix, conversationID)
}

// PublishEvent publishes an event to JetStream. The event id doubles as the
// message id so redelivered publishes are deduplicated by the server.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	subject := EventSubject(event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, event.ID)
	msg.Header.Set("Conversation-Id", strconv.FormatInt(event.ConversationID, 10))

	ack, err := m.client.JetStream().PublishMsg(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// Watch delivers a signal on the returned channel whenever an event for the
// conversation is published. Signals coalesce: a pending one is not
// duplicated. The subscription ends when ctx is done.
func (m *StreamManager) Watch(ctx context.Context, conversationID int64) (<-chan struct{}, error) {
	wake := make(chan struct{}, 1)

	sub, err := m.client.Conn().Subscribe(ConversationFilter(conversationID), func(*nats.Msg) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && m.client.IsConnected() {
			m.client.logger.Debug("unsubscribe failed",
				zap.Error(err),
				zap.Int64("conversation_id", conversationID),
			)
		}
	}()

	return wake, nil
}
