// Package service provides business logic for the support chat.
package service

import (
	"context"
	"errors"
	"fmt"
	"html"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

// ConversationService drives the conversation lifecycle.
type ConversationService struct {
	store  store.Store
	events events
	locks  *keyedMutex
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. publisher may
// be nil when the event feed is disabled.
func NewConversationService(st store.Store, publisher EventPublisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		events: events{publisher: publisher, logger: log},
		locks:  newKeyedMutex(),
		logger: log,
	}
}

// Start creates a conversation in bot status with the welcome message.
func (s *ConversationService) Start(ctx context.Context, clientID string) (*model.Conversation, error) {
	ctx, span := startSpan(ctx, "ConversationService.Start", 0)
	defer span.End()

	if clientID == "" {
		return nil, missing("client_id")
	}

	welcome := botMessage(WelcomeText)
	conv, err := s.store.CreateConversation(ctx, clientID, welcome)
	if err != nil {
		return nil, endSpan(span, fmt.Errorf("failed to create conversation: %w", err))
	}

	metrics.ConversationsTotal.Inc()
	s.events.messagesAppended(ctx, conv.Status, welcome)
	s.logger.Info("conversation started",
		zap.Int64("conversation_id", conv.ID),
		zap.String("client_id", clientID),
	)

	return conv, nil
}

// Active returns the client's open conversation, starting one when there is
// none. created reports whether a new conversation was started.
func (s *ConversationService) Active(ctx context.Context, clientID string) (conv *model.Conversation, created bool, err error) {
	if clientID == "" {
		return nil, false, missing("client_id")
	}

	conv, err = s.store.FindActiveConversation(ctx, clientID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to find active conversation: %w", err)
	}

	conv, err = s.Start(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id int64) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// GetForClient retrieves a conversation owned by clientID.
func (s *ConversationService) GetForClient(ctx context.Context, id int64, clientID string) (*model.Conversation, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeClient(conv, clientID); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetForAdmin retrieves a conversation the admin may read.
func (s *ConversationService) GetForAdmin(ctx context.Context, id int64, admin model.Agent) (*model.Conversation, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeAdminView(conv, admin); err != nil {
		return nil, err
	}
	return conv, nil
}

// List returns the admin queue.
func (s *ConversationService) List(ctx context.Context, filter store.ListFilter) ([]model.ConversationSummary, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMissingInput, filter.Status)
	}

	summaries, err := s.store.ListConversations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return summaries, nil
}

// RequestHuman asks for a human agent. A non-empty problem is recorded as a
// client message ahead of the transfer notice. Repeating the request while
// waiting only records the problem.
func (s *ConversationService) RequestHuman(ctx context.Context, id int64, problem string) (*model.Conversation, []model.Message, error) {
	ctx, span := startSpan(ctx, "ConversationService.RequestHuman", id)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, endSpan(span, err)
	}

	var problemMsgs []*model.Message
	if problem != "" {
		problemMsgs = append(problemMsgs, clientMessage(problem, ""))
	}

	switch conv.Status {
	case model.StatusClosed:
		return nil, nil, rejected(ReasonClosed, conv)
	case model.StatusHumanAssigned:
		return nil, nil, rejected(ReasonAlreadyAssigned, conv)
	case model.StatusHumanRequested:
		return s.stillWaiting(ctx, span, conv, problemMsgs)
	}

	msgs := append(append([]*model.Message{}, problemMsgs...), botMessage(TransferNoticeText))
	next, err := s.store.ApplyTransition(ctx, id, store.Transition{
		From:     []model.Status{model.StatusBot},
		To:       model.StatusHumanRequested,
		Messages: msgs,
	})
	if err != nil {
		// Another process moved the conversation first.
		if errors.Is(err, store.ErrConflict) && next != nil &&
			next.Status == model.StatusHumanRequested && !next.Assigned() {
			return s.stillWaiting(ctx, span, next, problemMsgs)
		}
		return nil, nil, endSpan(span, translate(next, err, ReasonNotWaiting))
	}

	s.committed(ctx, conv.Status, next, msgs)
	return next, values(msgs), nil
}

// stillWaiting handles a repeated request: only the problem is recorded.
func (s *ConversationService) stillWaiting(ctx context.Context, span trace.Span, conv *model.Conversation, msgs []*model.Message) (*model.Conversation, []model.Message, error) {
	if len(msgs) > 0 {
		if err := s.store.AppendMessages(ctx, conv.ID, msgs...); err != nil {
			return nil, nil, endSpan(span, translate(conv, err, ReasonNotWaiting))
		}
		s.events.messagesAppended(ctx, conv.Status, msgs...)
	}
	return conv, values(msgs), nil
}

// ReturnToBot cancels a pending agent request. It fails once an admin has
// taken the conversation.
func (s *ConversationService) ReturnToBot(ctx context.Context, id int64) (*model.Conversation, []model.Message, error) {
	ctx, span := startSpan(ctx, "ConversationService.ReturnToBot", id)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	msgs := []*model.Message{botMessage(ReturnToBotText)}
	next, err := s.store.ApplyTransition(ctx, id, store.Transition{
		From:              sourcesOf(model.StatusBot),
		To:                model.StatusBot,
		RequireUnassigned: true,
		Messages:          msgs,
	})
	if err != nil {
		return nil, nil, endSpan(span, translate(next, err, ReasonNotRequested))
	}

	s.committed(ctx, model.StatusHumanRequested, next, msgs)
	return next, values(msgs), nil
}

// AssignAdmin makes admin the conversation's agent. Exactly one admin wins;
// the others get a TransitionError carrying the winner's conversation.
// Assigning again to the current agent is a no-op.
func (s *ConversationService) AssignAdmin(ctx context.Context, id int64, admin model.Agent) (*model.Conversation, []model.Message, error) {
	ctx, span := startSpan(ctx, "ConversationService.AssignAdmin", id)
	defer span.End()

	if admin.ID == "" {
		return nil, nil, ErrUnauthorized
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, endSpan(span, err)
	}
	if conv.Status == model.StatusHumanAssigned && conv.AssignedTo(admin.ID) {
		return conv, nil, nil
	}

	conv, msgs, err := s.assignLocked(ctx, conv, admin)
	if err != nil {
		return nil, nil, endSpan(span, err)
	}
	return conv, msgs, nil
}

// assignLocked runs the assignment compare-and-set, appending the join
// announcement followed by extra. The caller holds the conversation lock.
func (s *ConversationService) assignLocked(ctx context.Context, conv *model.Conversation, admin model.Agent, extra ...*model.Message) (*model.Conversation, []model.Message, error) {
	msgs := append([]*model.Message{botMessage(JoinText(admin.Name))}, extra...)

	next, err := s.store.ApplyTransition(ctx, conv.ID, store.Transition{
		From:              sourcesOf(model.StatusHumanAssigned),
		To:                model.StatusHumanAssigned,
		Assign:            &admin,
		RequireUnassigned: true,
		Messages:          msgs,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && next != nil && next.Assigned() {
			metrics.AssignmentConflictsTotal.Inc()
			s.logger.Info("assignment lost",
				zap.Int64("conversation_id", conv.ID),
				zap.String("admin_id", admin.ID),
			)
		}
		return nil, nil, translate(next, err, ReasonNotWaiting)
	}

	s.committed(ctx, conv.Status, next, msgs)
	s.logger.Info("conversation assigned",
		zap.Int64("conversation_id", next.ID),
		zap.String("admin_id", admin.ID),
	)
	return next, values(msgs), nil
}

// Close ends the conversation with a closing bot message. An empty
// closingMessage uses the default text.
func (s *ConversationService) Close(ctx context.Context, id int64, admin model.Agent, closingMessage string) (*model.Conversation, []model.Message, error) {
	ctx, span := startSpan(ctx, "ConversationService.Close", id)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, endSpan(span, err)
	}
	if conv.Status == model.StatusClosed {
		return nil, nil, rejected(ReasonClosed, conv)
	}
	if err := AuthorizeAdminClose(conv, admin); err != nil {
		return nil, nil, err
	}

	// Bot bodies render as markup, so free text from the admin is escaped.
	if closingMessage == "" {
		closingMessage = DefaultClosingText
	} else {
		closingMessage = html.EscapeString(closingMessage)
	}
	msgs := []*model.Message{botMessage(closingMessage)}

	// Pin the observed state so a concurrent assignment elsewhere is not
	// closed over.
	next, err := s.store.ApplyTransition(ctx, id, store.Transition{
		From:              []model.Status{conv.Status},
		To:                model.StatusClosed,
		RequireUnassigned: !conv.Assigned(),
		Messages:          msgs,
	})
	if err != nil {
		return nil, nil, endSpan(span, translate(next, err, ReasonClosed))
	}

	s.committed(ctx, conv.Status, next, msgs)
	s.logger.Info("conversation closed",
		zap.Int64("conversation_id", id),
		zap.String("admin_id", admin.ID),
	)
	return next, values(msgs), nil
}

func (s *ConversationService) committed(ctx context.Context, prev model.Status, conv *model.Conversation, msgs []*model.Message) {
	s.events.messagesAppended(ctx, conv.Status, msgs...)
	if prev != conv.Status {
		s.events.statusChanged(ctx, prev, conv)
	}
}

// translate maps store errors onto service errors. conv is the current
// conversation returned by the store, if any.
func translate(conv *model.Conversation, err error, reason string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrClosed):
		return rejected(ReasonClosed, conv)
	case errors.Is(err, store.ErrDuplicate):
		return rejected(ReasonTokenInUse, conv)
	case errors.Is(err, store.ErrConflict):
		if conv != nil {
			switch {
			case conv.Status == model.StatusClosed:
				reason = ReasonClosed
			case conv.Assigned():
				reason = ReasonAlreadyAssigned
			}
		}
		return rejected(reason, conv)
	}
	return fmt.Errorf("store operation failed: %w", err)
}

func botMessage(body string) *model.Message {
	return &model.Message{SenderType: model.SenderBot, Body: body}
}

func clientMessage(body, token string) *model.Message {
	return &model.Message{SenderType: model.SenderClient, Body: body, ClientToken: token}
}

func adminMessage(body, token string) *model.Message {
	return &model.Message{SenderType: model.SenderAdmin, Body: body, ClientToken: token}
}

func values(msgs []*model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

func startSpan(ctx context.Context, name string, conversationID int64) (context.Context, trace.Span) {
	ctx, span := tracing.Tracer().Start(ctx, name)
	if conversationID != 0 {
		span.SetAttributes(attribute.Int64("conversation.id", conversationID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
