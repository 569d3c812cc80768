package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/responder"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// Poll page sizes.
const (
	DefaultPollLimit = 50
	MaxPollLimit     = 100
)

// MessageService handles message operations.
type MessageService struct {
	conversations *ConversationService
	responder     *responder.Responder
	logger        *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(conversations *ConversationService, r *responder.Responder, log *logger.Logger) *MessageService {
	return &MessageService{
		conversations: conversations,
		responder:     r,
		logger:        log,
	}
}

// PostResult is the outcome of posting a message.
type PostResult struct {
	Message      model.Message
	Replies      []model.Message
	Conversation *model.Conversation
	// Duplicate is set when the client token was already stored; Message is
	// then the original and nothing was appended.
	Duplicate      bool
	HandoffOffered bool
}

// PostClient appends a client message. In bot status the responder answers
// it, or a hand-off offer is appended when it cannot.
func (s *MessageService) PostClient(ctx context.Context, id int64, body, token string) (*PostResult, error) {
	return s.postClient(ctx, "MessageService.PostClient", id, body, token, false)
}

// QuickQuestion posts a canned question. In bot status it always gets a bot
// answer, falling back to a fixed text when the responder has none.
func (s *MessageService) QuickQuestion(ctx context.Context, id int64, question, token string) (*PostResult, error) {
	return s.postClient(ctx, "MessageService.QuickQuestion", id, question, token, true)
}

func (s *MessageService) postClient(ctx context.Context, op string, id int64, body, token string, quick bool) (*PostResult, error) {
	ctx, span := startSpan(ctx, op, id)
	defer span.End()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, missing("message")
	}

	unlock := s.conversations.locks.Lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if conv.Status == model.StatusClosed {
		return nil, rejected(ReasonClosed, conv)
	}
	if dup, err := s.findDuplicate(ctx, conv, model.SenderClient, token); dup != nil || err != nil {
		return dup, err
	}

	msg := clientMessage(body, token)
	if err := s.append(ctx, conv, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if dup, derr := s.findDuplicate(ctx, conv, model.SenderClient, token); dup != nil || derr != nil {
				return dup, derr
			}
		}
		return nil, endSpan(span, translate(conv, err, ReasonClosed))
	}

	result := &PostResult{Message: *msg, Conversation: conv}
	if conv.Status != model.StatusBot {
		return result, nil
	}

	reply := s.answer(ctx, conv.ID, body, quick, result)
	if err := s.append(ctx, conv, reply); err != nil {
		return nil, endSpan(span, translate(conv, err, ReasonClosed))
	}
	result.Replies = []model.Message{*reply}

	return result, nil
}

// answer runs the responder and builds the bot reply.
func (s *MessageService) answer(ctx context.Context, id int64, body string, quick bool, result *PostResult) *model.Message {
	match, ok, err := s.responder.Reply(ctx, body)
	if err != nil {
		s.logger.Warn("keyword table unavailable, using built-in rules",
			zap.Error(err),
			zap.Int64("conversation_id", id),
		)
	}
	metrics.ResponderOutcomes.WithLabelValues(match.Rule).Inc()

	switch {
	case ok:
		return botMessage(match.Reply)
	case quick:
		return botMessage(QuickFallbackText)
	default:
		result.HandoffOffered = true
		return botMessage(HandoffOffer())
	}
}

// PostAdmin appends an admin message. On a conversation waiting for an agent
// the first admin to reply is assigned, and the join announcement precedes
// the reply.
func (s *MessageService) PostAdmin(ctx context.Context, id int64, admin model.Agent, body, token string) (*PostResult, error) {
	ctx, span := startSpan(ctx, "MessageService.PostAdmin", id)
	defer span.End()

	if admin.ID == "" {
		return nil, ErrUnauthorized
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, missing("message")
	}

	unlock := s.conversations.locks.Lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, endSpan(span, err)
	}

	switch {
	case conv.Status == model.StatusClosed:
		return nil, rejected(ReasonClosed, conv)
	case conv.Assigned() && !conv.AssignedTo(admin.ID):
		return nil, ErrUnauthorized
	case conv.Status == model.StatusBot:
		return nil, rejected(ReasonNotWaiting, conv)
	}

	if dup, err := s.findDuplicate(ctx, conv, model.SenderAdmin, token); dup != nil || err != nil {
		return dup, err
	}

	msg := adminMessage(body, token)

	if conv.Status == model.StatusHumanRequested {
		next, msgs, err := s.conversations.assignLocked(ctx, conv, admin, msg)
		if err != nil {
			return nil, endSpan(span, err)
		}
		return &PostResult{Message: *msg, Replies: msgs[:len(msgs)-1], Conversation: next}, nil
	}

	if err := s.append(ctx, conv, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if dup, derr := s.findDuplicate(ctx, conv, model.SenderAdmin, token); dup != nil || derr != nil {
				return dup, derr
			}
		}
		return nil, endSpan(span, translate(conv, err, ReasonClosed))
	}
	return &PostResult{Message: *msg, Conversation: conv}, nil
}

func (s *MessageService) append(ctx context.Context, conv *model.Conversation, msg *model.Message) error {
	if err := s.conversations.store.AppendMessages(ctx, conv.ID, msg); err != nil {
		return err
	}
	s.conversations.events.messagesAppended(ctx, conv.Status, msg)
	return nil
}

// findDuplicate looks up a message already stored under token. A token held
// by a different sender is rejected rather than replayed.
func (s *MessageService) findDuplicate(ctx context.Context, conv *model.Conversation, sender model.SenderType, token string) (*PostResult, error) {
	if token == "" {
		return nil, nil
	}
	existing, err := s.conversations.store.FindMessageByToken(ctx, conv.ID, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("client token lookup failed",
				zap.Error(err),
				zap.Int64("conversation_id", conv.ID),
			)
		}
		return nil, nil
	}
	if existing.SenderType != sender {
		return nil, rejected(ReasonTokenInUse, conv)
	}
	return &PostResult{Message: *existing, Conversation: conv, Duplicate: true}, nil
}

// PollRequest selects a page of a conversation log.
type PollRequest struct {
	// Since is the caller's watermark: only messages with a greater id are
	// returned.
	Since int64
	Limit int
	// Tail with Since == 0 returns the newest Limit messages instead of the
	// oldest.
	Tail   bool
	Viewer model.Viewer
}

// PollResult is one page of a conversation log.
type PollResult struct {
	Messages []model.Message
	Status   model.Status
	// LastID is the next watermark. It equals Since when nothing is new.
	LastID       int64
	HasMore      bool
	Conversation *model.Conversation
}

// Poll returns messages after the watermark together with the current
// status.
func (s *MessageService) Poll(ctx context.Context, id int64, req PollRequest) (*PollResult, error) {
	if req.Since < 0 {
		return nil, fmt.Errorf("%w: negative last_message_id", ErrMissingInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		msgs    []model.Message
		hasMore bool
	)
	st := s.conversations.store
	if req.Tail && req.Since == 0 {
		msgs, err = st.TailMessages(ctx, id, limit)
	} else {
		msgs, err = st.ListMessages(ctx, id, req.Since, limit+1)
		if len(msgs) > limit {
			msgs = msgs[:limit]
			hasMore = true
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	viewer := req.Viewer
	if viewer == "" {
		viewer = model.ViewerClient
	}
	metrics.PollsTotal.WithLabelValues(string(viewer)).Inc()

	result := &PollResult{
		Messages:     msgs,
		Status:       conv.Status,
		LastID:       req.Since,
		HasMore:      hasMore,
		Conversation: conv,
	}
	if len(msgs) > 0 {
		result.LastID = msgs[len(msgs)-1].ID
	}
	return result, nil
}

// Transcript returns the whole log of a conversation the admin may read.
func (s *MessageService) Transcript(ctx context.Context, id int64, admin model.Agent) (*model.Conversation, []model.Message, error) {
	conv, err := s.conversations.GetForAdmin(ctx, id, admin)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.conversations.store.ListMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return conv, msgs, nil
}
