// Package store persists conversations, their message logs and the bot
// keyword table.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/support-chat/internal/model"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional transition does not match
	// the stored row. The current conversation is returned alongside it.
	ErrConflict = errors.New("store: conversation changed")
	// ErrClosed is returned when appending to a closed conversation.
	ErrClosed = errors.New("store: conversation closed")
	// ErrDuplicate is returned when a client token was already used in the
	// conversation.
	ErrDuplicate = errors.New("store: duplicate client token")
)

// Transition is a compare-and-set on a conversation row. The row must be in
// one of From (and unassigned when RequireUnassigned is set); it then moves
// to To, optionally takes Assign as its admin, and Messages are appended in
// order within the same atomic step.
type Transition struct {
	From              []model.Status
	To                model.Status
	Assign            *model.Agent
	RequireUnassigned bool
	Messages          []*model.Message
}

func (t Transition) allows(conv *model.Conversation) bool {
	if t.RequireUnassigned && conv.Assigned() {
		return false
	}
	for _, s := range t.From {
		if conv.Status == s {
			return true
		}
	}
	return false
}

// ListFilter selects rows for the admin queue. Zero values match everything.
type ListFilter struct {
	Status  model.Status
	AdminID string
	Limit   int
}

// Store is the persistence contract consumed by the service layer.
// Implementations are safe for concurrent use. Message ids are strictly
// increasing in append order.
type Store interface {
	// CreateConversation inserts a conversation in bot status and appends
	// the optional welcome message.
	CreateConversation(ctx context.Context, clientID string, welcome *model.Message) (*model.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*model.Conversation, error)
	// FindActiveConversation returns the client's newest non-closed
	// conversation or ErrNotFound.
	FindActiveConversation(ctx context.Context, clientID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, filter ListFilter) ([]model.ConversationSummary, error)

	// ApplyTransition performs t atomically. On mismatch it returns the
	// current conversation and ErrConflict.
	ApplyTransition(ctx context.Context, id int64, t Transition) (*model.Conversation, error)

	// AppendMessages appends msgs in order, assigning ID and SentAt, and
	// bumps the conversation's updated_at. Fails with ErrClosed on a closed
	// conversation.
	AppendMessages(ctx context.Context, conversationID int64, msgs ...*model.Message) error
	FindMessageByToken(ctx context.Context, conversationID int64, token string) (*model.Message, error)
	// ListMessages returns messages with id > sinceID ascending. limit <= 0
	// returns all of them.
	ListMessages(ctx context.Context, conversationID, sinceID int64, limit int) ([]model.Message, error)
	// TailMessages returns the newest limit messages ascending.
	TailMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error)

	ListKeywordResponses(ctx context.Context) ([]model.KeywordResponse, error)
	// PutKeywordResponse inserts or replaces the entry with the same keyword.
	PutKeywordResponse(ctx context.Context, kw *model.KeywordResponse) error

	Ping(ctx context.Context) error
	Close() error
}
