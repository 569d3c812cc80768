package chatclient

import (
	"html"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// Entry is one line of the client's chat view.
type Entry struct {
	model.MessageView
	// Pending is set for an optimistic entry the server has not confirmed.
	Pending bool
}

// Timeline merges optimistic sends with polled server messages. Confirmed
// messages are unique by id and ordered by id; pending entries follow them
// in send order. It is safe for concurrent use.
type Timeline struct {
	mu        sync.Mutex
	confirmed []Entry
	ids       map[int64]struct{}
	pending   []Entry
	lastID    int64
	status    model.Status
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[int64]struct{}), status: model.StatusBot}
}

// AddOptimistic records a message the client is about to send and returns
// the entry carrying its new client token.
func (t *Timeline) AddOptimistic(body string) Entry {
	e := Entry{
		MessageView: model.MessageView{
			Content:     html.EscapeString(body),
			SenderType:  model.SenderClient,
			SenderName:  "You",
			SentAt:      time.Now().UTC(),
			ClientToken: uuid.New().String(),
		},
		Pending: true,
	}

	t.mu.Lock()
	t.pending = append(t.pending, e)
	t.mu.Unlock()

	return e
}

// Fail drops a pending entry whose send was rejected.
func (t *Timeline) Fail(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropPendingLocked(token)
}

// Confirm merges server messages. A message carrying the token of a pending
// entry replaces it; a message already present is ignored. The watermark is
// left alone: messages committed before a confirmed send may not have been
// polled yet.
func (t *Timeline) Confirm(views ...model.MessageView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeLocked(views)
}

func (t *Timeline) mergeLocked(views []model.MessageView) {
	added := false
	for _, v := range views {
		if v.ClientToken != "" {
			t.dropPendingLocked(v.ClientToken)
		}
		if _, ok := t.ids[v.ID]; ok {
			continue
		}
		t.ids[v.ID] = struct{}{}
		t.confirmed = append(t.confirmed, Entry{MessageView: v})
		added = true
	}

	if added {
		sort.SliceStable(t.confirmed, func(i, j int) bool {
			return t.confirmed[i].ID < t.confirmed[j].ID
		})
	}
}

// Apply merges a poll response and advances the watermark. Only poll
// responses move it, since they cover every id above the previous one.
func (t *Timeline) Apply(resp *model.GetMessagesResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mergeLocked(resp.Messages)
	for _, v := range resp.Messages {
		if v.ID > t.lastID {
			t.lastID = v.ID
		}
	}
	if resp.Status != "" {
		t.status = resp.Status
	}
	if resp.LastMessageID > t.lastID {
		t.lastID = resp.LastMessageID
	}
}

// SetStatus records a status learned outside a poll.
func (t *Timeline) SetStatus(status model.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// LastID is the watermark for the next poll.
func (t *Timeline) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Status is the last known conversation status.
func (t *Timeline) Status() model.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Entries returns every entry, confirmed first.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	out = append(out, t.confirmed...)
	return append(out, t.pending...)
}

// Visible returns the entries the client should see. Once an agent holds the
// conversation, bot messages are hidden except the join announcement.
func (t *Timeline) Visible() []Entry {
	entries := t.Entries()
	if t.Status() != model.StatusHumanAssigned {
		return entries
	}

	out := entries[:0]
	for _, e := range entries {
		if e.SenderType == model.SenderBot && !model.IsJoinText(e.Content) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *Timeline) dropPendingLocked(token string) {
	for i := range t.pending {
		if t.pending[i].ClientToken == token {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}
