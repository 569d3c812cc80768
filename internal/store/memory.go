package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// MemoryStore keeps everything in process memory. One lock guards all state,
// which serializes every append and transition.
type MemoryStore struct {
	mu            sync.RWMutex
	nextConvID    int64
	nextMsgID     int64
	nextKeywordID int64
	conversations map[int64]*model.Conversation
	messages      map[int64][]model.Message
	keywords      []model.KeywordResponse
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*model.Conversation),
		messages:      make(map[int64][]model.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, clientID string, welcome *model.Message) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nextConvID++
	conv := &model.Conversation{
		ID:        s.nextConvID,
		ClientID:  clientID,
		Status:    model.StatusBot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv

	if welcome != nil {
		if err := s.appendLocked(conv, welcome); err != nil {
			return nil, err
		}
	}

	return conv.Clone(), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) FindActiveConversation(ctx context.Context, clientID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *model.Conversation
	for _, conv := range s.conversations {
		if conv.ClientID != clientID || conv.Status == model.StatusClosed {
			continue
		}
		if newest == nil || conv.ID > newest.ID {
			newest = conv
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, filter ListFilter) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ConversationSummary
	for _, conv := range s.conversations {
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		if filter.AdminID != "" && !conv.AssignedTo(filter.AdminID) {
			continue
		}

		summary := model.ConversationSummary{Conversation: *conv.Clone()}
		msgs := s.messages[conv.ID]
		summary.MessageCount = len(msgs)
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, id int64, t Transition) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.allows(conv) {
		return conv.Clone(), ErrConflict
	}
	for _, msg := range t.Messages {
		if msg.ClientToken != "" && s.hasTokenLocked(id, msg.ClientToken) {
			return conv.Clone(), ErrDuplicate
		}
	}

	conv.Status = t.To
	if t.Assign != nil {
		adminID := t.Assign.ID
		conv.AdminID = &adminID
		conv.AdminName = t.Assign.Name
	}
	conv.UpdatedAt = s.now()

	for _, msg := range t.Messages {
		s.insertLocked(conv, msg)
	}

	return conv.Clone(), nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, conversationID int64, msgs ...*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if conv.Status == model.StatusClosed {
		return ErrClosed
	}
	for _, msg := range msgs {
		if msg.ClientToken != "" && s.hasTokenLocked(conversationID, msg.ClientToken) {
			return ErrDuplicate
		}
	}
	for _, msg := range msgs {
		s.insertLocked(conv, msg)
	}
	return nil
}

// appendLocked is used during creation where the row cannot be closed yet.
func (s *MemoryStore) appendLocked(conv *model.Conversation, msg *model.Message) error {
	if msg.ClientToken != "" && s.hasTokenLocked(conv.ID, msg.ClientToken) {
		return ErrDuplicate
	}
	s.insertLocked(conv, msg)
	return nil
}

func (s *MemoryStore) insertLocked(conv *model.Conversation, msg *model.Message) {
	s.nextMsgID++
	msg.ID = s.nextMsgID
	msg.ConversationID = conv.ID
	msg.SentAt = s.now()
	conv.UpdatedAt = msg.SentAt
	s.messages[conv.ID] = append(s.messages[conv.ID], *msg)
}

func (s *MemoryStore) hasTokenLocked(conversationID int64, token string) bool {
	for _, m := range s.messages[conversationID] {
		if m.ClientToken == token {
			return true
		}
	}
	return false
}

func (s *MemoryStore) FindMessageByToken(ctx context.Context, conversationID int64, token string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, ErrNotFound
	}
	for _, m := range s.messages[conversationID] {
		if m.ClientToken == token {
			found := m
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID, sinceID int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	start := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID > sinceID })
	end := len(msgs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]model.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

func (s *MemoryStore) TailMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}

	out := make([]model.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

func (s *MemoryStore) ListKeywordResponses(ctx context.Context) ([]model.KeywordResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.KeywordResponse, len(s.keywords))
	copy(out, s.keywords)
	return out, nil
}

func (s *MemoryStore) PutKeywordResponse(ctx context.Context, kw *model.KeywordResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.keywords {
		if strings.EqualFold(s.keywords[i].Keyword, kw.Keyword) {
			s.keywords[i].Response = kw.Response
			kw.ID = s.keywords[i].ID
			return nil
		}
	}

	s.nextKeywordID++
	kw.ID = s.nextKeywordID
	s.keywords = append(s.keywords, *kw)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
