package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// runStoreSuite exercises the Store contract. Every case uses fresh client
// ids so it can run against a shared database.
func runStoreSuite(t *testing.T, st Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, st) })
	t.Run("FindActive", func(t *testing.T) { testFindActive(t, st) })
	t.Run("AppendOrder", func(t *testing.T) { testAppendOrder(t, st) })
	t.Run("ClientTokens", func(t *testing.T) { testClientTokens(t, st) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, st) })
	t.Run("ConcurrentAssign", func(t *testing.T) { testConcurrentAssign(t, st) })
	t.Run("ClosedRejectsAppend", func(t *testing.T) { testClosedRejectsAppend(t, st) })
	t.Run("ListAndTail", func(t *testing.T) { testListAndTail(t, st) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, st) })
	t.Run("Keywords", func(t *testing.T) { testKeywords(t, st) })
}

func newClientID() string {
	return "client-" + uuid.NewString()
}

func botMsg(body string) *model.Message {
	return &model.Message{SenderType: model.SenderBot, Body: body}
}

func clientMsg(body, token string) *model.Message {
	return &model.Message{SenderType: model.SenderClient, Body: body, ClientToken: token}
}

func testCreateAndGet(t *testing.T, st Store) {
	ctx := context.Background()
	clientID := newClientID()

	welcome := botMsg("welcome")
	conv, err := st.CreateConversation(ctx, clientID, welcome)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Status != model.StatusBot || conv.Assigned() {
		t.Errorf("new conversation = %+v, want unassigned bot", conv)
	}
	if welcome.ID == 0 || welcome.ConversationID != conv.ID {
		t.Errorf("welcome not stamped: %+v", welcome)
	}

	got, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ClientID != clientID {
		t.Errorf("client id = %q, want %q", got.ClientID, clientID)
	}

	if _, err := st.GetConversation(ctx, conv.ID+1_000_000); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func testFindActive(t *testing.T, st Store) {
	ctx := context.Background()
	clientID := newClientID()

	if _, err := st.FindActiveConversation(ctx, clientID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	first, err := st.CreateConversation(ctx, clientID, nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	second, err := st.CreateConversation(ctx, clientID, nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	active, err := st.FindActiveConversation(ctx, clientID)
	if err != nil {
		t.Fatalf("FindActiveConversation: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active = %d, want newest %d", active.ID, second.ID)
	}

	if _, err := st.ApplyTransition(ctx, second.ID, Transition{
		From: []model.Status{model.StatusBot},
		To:   model.StatusClosed,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, err = st.FindActiveConversation(ctx, clientID)
	if err != nil {
		t.Fatalf("FindActiveConversation after close: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("active = %d, want %d", active.ID, first.ID)
	}
}

func testAppendOrder(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	a, b := clientMsg("one", ""), botMsg("two")
	if err := st.AppendMessages(ctx, conv.ID, a, b); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if !(a.ID > 0 && b.ID > a.ID) {
		t.Fatalf("ids not increasing: %d, %d", a.ID, b.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.AppendMessages(ctx, conv.ID, botMsg("concurrent")); err != nil {
				t.Errorf("concurrent append: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 22 {
		t.Fatalf("got %d messages, want 22", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("message %d id %d not after %d", i, msgs[i].ID, msgs[i-1].ID)
		}
	}

	if err := st.AppendMessages(ctx, conv.ID+1_000_000, botMsg("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("append to unknown: err = %v, want ErrNotFound", err)
	}
}

func testClientTokens(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	token := uuid.NewString()
	first := clientMsg("hello", token)
	if err := st.AppendMessages(ctx, conv.ID, first); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := st.AppendMessages(ctx, conv.ID, clientMsg("hello again", token)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate token: err = %v, want ErrDuplicate", err)
	}

	found, err := st.FindMessageByToken(ctx, conv.ID, token)
	if err != nil {
		t.Fatalf("FindMessageByToken: %v", err)
	}
	if found.ID != first.ID || found.Body != "hello" {
		t.Errorf("found %+v, want message %d", found, first.ID)
	}

	if _, err := st.FindMessageByToken(ctx, conv.ID, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token: err = %v, want ErrNotFound", err)
	}
	if _, err := st.FindMessageByToken(ctx, conv.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty token: err = %v, want ErrNotFound", err)
	}

	other, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := st.AppendMessages(ctx, other.ID, clientMsg("hello", token)); err != nil {
		t.Errorf("same token in another conversation: %v", err)
	}

	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want the duplicate dropped", len(msgs))
	}
}

func testTransition(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	notice := botMsg("transfer")
	got, err := st.ApplyTransition(ctx, conv.ID, Transition{
		From:     []model.Status{model.StatusBot},
		To:       model.StatusHumanRequested,
		Messages: []*model.Message{notice},
	})
	if err != nil {
		t.Fatalf("request human: %v", err)
	}
	if got.Status != model.StatusHumanRequested {
		t.Errorf("status = %s, want human_requested", got.Status)
	}
	if notice.ID == 0 {
		t.Error("transition message not stamped")
	}

	// A mismatched From, as sent by a caller holding a stale bot snapshot,
	// returns the current row with ErrConflict and appends nothing.
	late := botMsg("transfer again")
	got, err = st.ApplyTransition(ctx, conv.ID, Transition{
		From:     []model.Status{model.StatusBot},
		To:       model.StatusHumanRequested,
		Messages: []*model.Message{late},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got == nil || got.Status != model.StatusHumanRequested || got.Assigned() {
		t.Errorf("conflict returned %+v, want current row", got)
	}
	if msgs, err := st.ListMessages(ctx, conv.ID, 0, 0); err != nil {
		t.Fatalf("ListMessages: %v", err)
	} else if len(msgs) != 1 || msgs[0].ID != notice.ID {
		t.Errorf("log after conflict = %+v, want only the first notice", msgs)
	}

	agent := &model.Agent{ID: "admin-1", Name: "Alice"}
	got, err = st.ApplyTransition(ctx, conv.ID, Transition{
		From:              []model.Status{model.StatusHumanRequested},
		To:                model.StatusHumanAssigned,
		Assign:            agent,
		RequireUnassigned: true,
		Messages:          []*model.Message{botMsg("joined")},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !got.AssignedTo("admin-1") || got.AdminName != "Alice" {
		t.Errorf("assigned = %+v, want Alice", got)
	}

	stored, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if stored.Status != model.StatusHumanAssigned || !stored.AssignedTo("admin-1") {
		t.Errorf("stored = %+v, want assigned to admin-1", stored)
	}

	_, err = st.ApplyTransition(ctx, conv.ID, Transition{
		From:              []model.Status{model.StatusHumanAssigned},
		To:                model.StatusClosed,
		RequireUnassigned: true,
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("RequireUnassigned on assigned row: err = %v, want ErrConflict", err)
	}

	if _, err := st.ApplyTransition(ctx, conv.ID+1_000_000, Transition{To: model.StatusClosed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func testConcurrentAssign(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := st.ApplyTransition(ctx, conv.ID, Transition{
		From: []model.Status{model.StatusBot},
		To:   model.StatusHumanRequested,
	}); err != nil {
		t.Fatalf("request human: %v", err)
	}

	const admins = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < admins; i++ {
		agent := model.Agent{ID: uuid.NewString(), Name: "agent"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.ApplyTransition(ctx, conv.ID, Transition{
				From:              []model.Status{model.StatusHumanRequested},
				To:                model.StatusHumanAssigned,
				Assign:            &agent,
				RequireUnassigned: true,
				Messages:          []*model.Message{botMsg("joined " + agent.ID)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, agent.ID)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("assign: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || conflicts != admins-1 {
		t.Fatalf("winners = %d, conflicts = %d, want 1 and %d", len(winners), conflicts, admins-1)
	}

	stored, err := st.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !stored.AssignedTo(winners[0]) {
		t.Errorf("stored admin = %v, want %s", stored.AdminID, winners[0])
	}

	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d join messages, want 1", len(msgs))
	}
}

func testClosedRejectsAppend(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	closing := botMsg("closed")
	if _, err := st.ApplyTransition(ctx, conv.ID, Transition{
		From:     []model.Status{model.StatusBot},
		To:       model.StatusClosed,
		Messages: []*model.Message{closing},
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := st.AppendMessages(ctx, conv.ID, clientMsg("still there?", "")); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}

	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != closing.ID {
		t.Errorf("messages = %+v, want only the closing message", msgs)
	}
}

func testListAndTail(t *testing.T, st Store) {
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		m := botMsg("m")
		if err := st.AppendMessages(ctx, conv.ID, m); err != nil {
			t.Fatalf("AppendMessages: %v", err)
		}
		ids = append(ids, m.ID)
	}

	tests := []struct {
		name  string
		since int64
		limit int
		want  []int64
	}{
		{"all", 0, 0, ids},
		{"after watermark", ids[1], 0, ids[2:]},
		{"limited", ids[0], 2, ids[1:3]},
		{"caught up", ids[4], 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := st.ListMessages(ctx, conv.ID, tt.since, tt.limit)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			assertIDs(t, msgs, tt.want)
		})
	}

	tail, err := st.TailMessages(ctx, conv.ID, 3)
	if err != nil {
		t.Fatalf("TailMessages: %v", err)
	}
	assertIDs(t, tail, ids[2:])

	tail, err = st.TailMessages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("TailMessages: %v", err)
	}
	assertIDs(t, tail, ids)
}

func assertIDs(t *testing.T, msgs []model.Message, want []int64) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i].ID != want[i] {
			t.Errorf("message %d id = %d, want %d", i, msgs[i].ID, want[i])
		}
	}
}

func testListConversations(t *testing.T, st Store) {
	ctx := context.Background()
	adminID := "admin-" + uuid.NewString()

	waiting, err := st.CreateConversation(ctx, newClientID(), botMsg("welcome"))
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	assigned, err := st.CreateConversation(ctx, newClientID(), nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := st.ApplyTransition(ctx, waiting.ID, Transition{
		From: []model.Status{model.StatusBot},
		To:   model.StatusHumanRequested,
	}); err != nil {
		t.Fatalf("request human: %v", err)
	}
	if _, err := st.ApplyTransition(ctx, assigned.ID, Transition{
		From:     []model.Status{model.StatusBot},
		To:       model.StatusHumanAssigned,
		Assign:   &model.Agent{ID: adminID, Name: "Bob"},
		Messages: []*model.Message{botMsg("joined")},
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	mine, err := st.ListConversations(ctx, ListFilter{AdminID: adminID})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != assigned.ID {
		t.Fatalf("admin filter = %+v, want conversation %d", mine, assigned.ID)
	}
	if mine[0].MessageCount != 1 || mine[0].LastMessage == nil || mine[0].LastMessage.Body != "joined" {
		t.Errorf("summary = %+v, want one message 'joined'", mine[0])
	}

	queue, err := st.ListConversations(ctx, ListFilter{Status: model.StatusHumanRequested})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	found := false
	for _, s := range queue {
		if s.Status != model.StatusHumanRequested {
			t.Errorf("status filter leaked %s", s.Status)
		}
		if s.ID == waiting.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("waiting conversation %d missing from queue", waiting.ID)
	}

	limited, err := st.ListConversations(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d rows", len(limited))
	}
}

func testKeywords(t *testing.T, st Store) {
	ctx := context.Background()
	keyword := "kw-" + uuid.NewString()

	kw := &model.KeywordResponse{Keyword: keyword, Response: "first"}
	if err := st.PutKeywordResponse(ctx, kw); err != nil {
		t.Fatalf("PutKeywordResponse: %v", err)
	}
	if kw.ID == 0 {
		t.Fatal("keyword id not set")
	}

	replaced := &model.KeywordResponse{Keyword: keyword, Response: "second"}
	if err := st.PutKeywordResponse(ctx, replaced); err != nil {
		t.Fatalf("PutKeywordResponse replace: %v", err)
	}
	if replaced.ID != kw.ID {
		t.Errorf("replace id = %d, want %d", replaced.ID, kw.ID)
	}

	rows, err := st.ListKeywordResponses(ctx)
	if err != nil {
		t.Fatalf("ListKeywordResponses: %v", err)
	}
	count := 0
	for i, row := range rows {
		if i > 0 && row.ID <= rows[i-1].ID {
			t.Errorf("keywords not in id order at %d", i)
		}
		if row.Keyword == keyword {
			count++
			if row.Response != "second" {
				t.Errorf("response = %q, want second", row.Response)
			}
		}
	}
	if count != 1 {
		t.Errorf("keyword appears %d times, want 1", count)
	}
}
