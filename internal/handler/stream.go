package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// Watcher signals when a conversation may have changed. The signal is a
// hint; the store is always re-read.
type Watcher interface {
	Watch(ctx context.Context, conversationID int64) (<-chan struct{}, error)
}

// StreamHandler serves conversation updates as server-sent events.
type StreamHandler struct {
	messages     *service.MessageService
	watcher      Watcher
	pollInterval time.Duration
	heartbeat    time.Duration
	logger       *logger.Logger
}

// NewStreamHandler creates a new stream handler. watcher may be nil, in
// which case updates are found by polling only.
func NewStreamHandler(msgSvc *service.MessageService, watcher Watcher, pollInterval time.Duration, log *logger.Logger) *StreamHandler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &StreamHandler{
		messages:     msgSvc,
		watcher:      watcher,
		pollInterval: pollInterval,
		heartbeat:    30 * time.Second,
		logger:       log,
	}
}

// ConnectedEvent opens a stream.
type ConnectedEvent struct {
	ConversationID int64        `json:"conversation_id"`
	Status         model.Status `json:"status"`
}

// ReplayCompleteEvent marks the end of the backlog.
type ReplayCompleteEvent struct {
	LastMessageID int64 `json:"last_message_id"`
	MessageCount  int   `json:"message_count"`
}

// StatusEvent reports a lifecycle change.
type StatusEvent struct {
	Status    model.Status `json:"status"`
	AdminName string       `json:"admin_name,omitempty"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a failure before the stream ends.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Serve streams conversation id to the viewer. The watermark comes from the
// Last-Event-ID header on reconnect, else from ?last_message_id=. Message
// events carry the message id as their SSE id.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request, id int64, viewer model.Viewer) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger).WithConversation(id)

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_message_id")
	}
	since, err := middleware.ParseWatermark(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var wake <-chan struct{}
	if h.watcher != nil {
		ch, err := h.watcher.Watch(ctx, id)
		if err != nil {
			log.Warn("event watch unavailable, polling only", zap.Error(err))
		} else {
			wake = ch
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	s := &sseStream{w: w, flusher: flusher, since: since, viewer: viewer}

	first, err := h.messages.Poll(ctx, id, service.PollRequest{Since: since, Viewer: viewer})
	if err != nil {
		s.send("error", "", &ErrorEvent{Code: "replay_error", Message: "Failed to load messages"})
		log.Error("failed to replay messages", zap.Error(err))
		return
	}
	s.send("connected", "", &ConnectedEvent{ConversationID: id, Status: first.Status})
	s.status = first.Status

	replayed, err := h.drain(ctx, s, id, first)
	if err != nil {
		s.send("error", "", &ErrorEvent{Code: "replay_error", Message: "Failed to load messages"})
		log.Error("failed to replay messages", zap.Error(err))
		return
	}
	s.send("replay_complete", "", &ReplayCompleteEvent{LastMessageID: s.since, MessageCount: replayed})

	log.Debug("message replay complete",
		zap.Int("messages_replayed", replayed),
		zap.Int64("last_message_id", s.since),
	)

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case <-heartbeat.C:
			s.send("heartbeat", "", &HeartbeatEvent{Timestamp: time.Now().UTC()})
			continue
		case <-poll.C:
		case <-wake:
		}

		if _, err := h.drain(ctx, s, id, nil); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.send("error", "", &ErrorEvent{Code: "poll_error", Message: "Failed to load messages"})
			log.Error("stream poll failed", zap.Error(err))
			return
		}
	}
}

// drain sends pages until the backlog is empty. page, when set, is the
// already fetched first page.
func (h *StreamHandler) drain(ctx context.Context, s *sseStream, id int64, page *service.PollResult) (int, error) {
	sent := 0
	for {
		if page == nil {
			var err error
			page, err = h.messages.Poll(ctx, id, service.PollRequest{Since: s.since, Viewer: s.viewer})
			if err != nil {
				return sent, err
			}
		}

		for i := range page.Messages {
			msg := &page.Messages[i]
			s.send("message", fmt.Sprint(msg.ID), msg.View(s.viewer, ""))
			sent++
		}
		s.since = page.LastID

		if page.Status != s.status {
			s.status = page.Status
			s.send("status", "", &StatusEvent{Status: page.Status, AdminName: page.Conversation.AdminName})
		}

		if !page.HasMore {
			return sent, nil
		}
		page = nil
	}
}

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	since   int64
	status  model.Status
	viewer  model.Viewer
}

func (s *sseStream) send(event, id string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		fmt.Fprintf(s.w, "id: %s\n", id)
	}
	fmt.Fprintf(s.w, "event: %s\n", event)
	fmt.Fprintf(s.w, "data: %s\n\n", jsonData)
	s.flusher.Flush()

	return nil
}
