package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/capitalize-ai/support-chat/internal/export"
	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/internal/responder"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

const testSecret = "handler-test-secret"

type testAPI struct {
	t      *testing.T
	server *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := store.NewMemoryStore()
	log := logger.NewNop()

	conversations := service.NewConversationService(st, nil, log)
	router := NewRouter(RouterConfig{
		Conversations:      conversations,
		Messages:           service.NewMessageService(conversations, responder.New(st), log),
		Keywords:           service.NewKeywordService(st, log),
		Health:             NewHealthHandler(st, nil),
		JWTSecret:          testSecret,
		SessionTTL:         time.Hour,
		RateLimitRequests:  10000,
		RateLimitWindow:    time.Minute,
		StreamPollInterval: 20 * time.Millisecond,
		AdminTailSize:      DefaultAdminTail,
		Logger:             log,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testAPI{t: t, server: server}
}

func (a *testAPI) adminToken(id, name string) string {
	a.t.Helper()
	token, err := middleware.GenerateToken(testSecret, middleware.Principal{ID: id, Role: middleware.RoleAdmin, Name: name}, time.Hour)
	if err != nil {
		a.t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (a *testAPI) session() string {
	a.t.Helper()
	var resp model.SessionResponse
	a.call(http.MethodPost, "/api/v1/session", "", nil, http.StatusCreated, &resp)
	if resp.Token == "" || resp.ClientID == "" {
		a.t.Fatalf("session = %+v", resp)
	}
	return resp.Token
}

type header struct{ key, value string }

// call sends a JSON request and decodes the response into out when set.
func (a *testAPI) call(method, path, token string, body interface{}, wantStatus int, out interface{}, headers ...header) []byte {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	if err != nil {
		a.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, h := range headers {
		req.Header.Set(h.key, h.value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		a.t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		a.t.Fatalf("%s %s: status = %d, want %d: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			a.t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return raw
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.call(http.MethodGet, "/health", "", nil, http.StatusOK, nil)
	api.call(http.MethodGet, "/ready", "", nil, http.StatusOK, nil)
	api.call(http.MethodGet, "/metrics", "", nil, http.StatusOK, nil)
}

func TestRouterDefaultsToGlobalLogger(t *testing.T) {
	prev := logger.Global()
	logger.SetGlobal(logger.NewNop())
	t.Cleanup(func() { logger.SetGlobal(prev) })

	st := store.NewMemoryStore()
	conversations := service.NewConversationService(st, nil, logger.Global())
	router := NewRouter(RouterConfig{
		Conversations:     conversations,
		Messages:          service.NewMessageService(conversations, responder.New(st), logger.Global()),
		Keywords:          service.NewKeywordService(st, logger.Global()),
		Health:            NewHealthHandler(st, nil),
		JWTSecret:         testSecret,
		SessionTTL:        time.Hour,
		RateLimitRequests: 10,
		RateLimitWindow:   time.Minute,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestAuthBoundaries(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()
	admin := api.adminToken("admin-1", "Alice")

	api.call(http.MethodGet, "/api/v1/chat/status", "", nil, http.StatusUnauthorized, nil)
	api.call(http.MethodGet, "/api/v1/chat/status", admin, nil, http.StatusForbidden, nil)
	api.call(http.MethodGet, "/api/v1/admin/conversations", client, nil, http.StatusForbidden, nil)
	api.call(http.MethodGet, "/api/v1/admin/conversations", "bogus", nil, http.StatusUnauthorized, nil)
}

func TestSupportFlow(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()
	alice := api.adminToken("admin-alice", "Alice")
	bob := api.adminToken("admin-bob", "Bob")

	var sent model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "Hello"}, http.StatusCreated, &sent)
	if sent.Status != model.StatusBot || len(sent.Responses) != 1 {
		t.Fatalf("send = %+v", sent)
	}
	if sent.Message.SenderName != "You" || sent.Responses[0].SenderName != model.BotName {
		t.Errorf("sender names = %q, %q", sent.Message.SenderName, sent.Responses[0].SenderName)
	}
	convID := sent.ConversationID
	path := "/api/v1/admin/conversations/" + strconv.FormatInt(convID, 10)

	var polled model.GetMessagesResponse
	api.call(http.MethodGet, "/api/v1/chat/messages", client, nil, http.StatusOK, &polled)
	if len(polled.Messages) != 3 || polled.Messages[0].Content != service.WelcomeText {
		t.Fatalf("initial poll = %+v", polled.Messages)
	}
	watermark := polled.LastMessageID

	// Admins cannot reply before the client asks for one.
	api.call(http.MethodPost, path+"/messages", alice, &model.SendMessageRequest{Message: "early"}, http.StatusConflict, nil)

	var requested model.TransitionResponse
	api.call(http.MethodPost, "/api/v1/chat/human", client, &model.RequestHumanRequest{Problem: "Need a bus for 80 people"}, http.StatusOK, &requested)
	if requested.Status != model.StatusHumanRequested || len(requested.Messages) != 2 {
		t.Fatalf("request human = %+v", requested)
	}

	var queue model.ListConversationsResponse
	api.call(http.MethodGet, "/api/v1/admin/conversations?status=human_requested", alice, nil, http.StatusOK, &queue)
	if len(queue.Conversations) != 1 || queue.Conversations[0].ID != convID {
		t.Fatalf("queue = %+v", queue.Conversations)
	}

	var reply model.SendMessageResponse
	api.call(http.MethodPost, path+"/messages", alice, &model.SendMessageRequest{Message: "Hi, Alice here"}, http.StatusCreated, &reply)
	if reply.Status != model.StatusHumanAssigned || len(reply.Responses) != 1 {
		t.Fatalf("first reply = %+v", reply)
	}
	if reply.Message.SenderName != "You (Agent)" {
		t.Errorf("admin sees own message as %q", reply.Message.SenderName)
	}

	var conflict model.ErrorResponse
	api.call(http.MethodPost, path+"/assign", bob, nil, http.StatusConflict, &conflict)
	if conflict.Message != service.ReasonAlreadyAssigned || conflict.Conversation == nil || conflict.Conversation.AdminName != "Alice" {
		t.Errorf("conflict = %+v", conflict)
	}
	api.call(http.MethodPost, path+"/messages", bob, &model.SendMessageRequest{Message: "me too"}, http.StatusForbidden, nil)
	api.call(http.MethodGet, path+"/messages", bob, nil, http.StatusForbidden, nil)

	api.call(http.MethodGet, "/api/v1/chat/messages?last_message_id="+strconv.FormatInt(watermark, 10), client, nil, http.StatusOK, &polled)
	if polled.Status != model.StatusHumanAssigned || len(polled.Messages) != 4 {
		t.Fatalf("client poll = %+v", polled)
	}
	last := polled.Messages[len(polled.Messages)-1]
	if last.SenderType != model.SenderAdmin || last.SenderName != "Customer Service" {
		t.Errorf("client sees admin message as %+v", last)
	}

	var status model.StatusResponse
	api.call(http.MethodGet, "/api/v1/chat/status", client, nil, http.StatusOK, &status)
	if status.AdminName != "Alice" {
		t.Errorf("status = %+v", status)
	}

	var closed model.TransitionResponse
	api.call(http.MethodPost, path+"/close", alice, &model.CloseConversationRequest{}, http.StatusOK, &closed)
	if closed.Status != model.StatusClosed || closed.Messages[0].Content != service.DefaultClosingText {
		t.Fatalf("close = %+v", closed)
	}

	pin := header{middleware.ConversationHeader, strconv.FormatInt(convID, 10)}
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "wait"}, http.StatusConflict, nil, pin)
	api.call(http.MethodGet, "/api/v1/chat/status", client, nil, http.StatusOK, &status, pin)
	if status.Status != model.StatusClosed {
		t.Errorf("pinned status = %s, want closed", status.Status)
	}

	// Without the pin the client lands in a fresh conversation.
	api.call(http.MethodGet, "/api/v1/chat/status", client, nil, http.StatusOK, &status)
	if status.ConversationID == convID || status.Status != model.StatusBot {
		t.Errorf("unpinned status = %+v, want a new bot conversation", status)
	}
}

func TestClientCannotReadForeignConversation(t *testing.T) {
	api := newTestAPI(t)
	first := api.session()
	second := api.session()

	var status model.StatusResponse
	api.call(http.MethodGet, "/api/v1/chat/status", first, nil, http.StatusOK, &status)

	pin := header{middleware.ConversationHeader, strconv.FormatInt(status.ConversationID, 10)}
	api.call(http.MethodGet, "/api/v1/chat/messages", second, nil, http.StatusNotFound, nil, pin)
}

func TestSendValidation(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "  "}, http.StatusBadRequest, nil)
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "hi", ClientToken: "nope"}, http.StatusBadRequest, nil)
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: strings.Repeat("x", middleware.MaxMessageLength+1)}, http.StatusBadRequest, nil)
	api.call(http.MethodGet, "/api/v1/chat/messages?last_message_id=-4", client, nil, http.StatusBadRequest, nil)
	api.call(http.MethodGet, "/api/v1/admin/conversations/abc", api.adminToken("a", "A"), nil, http.StatusBadRequest, nil)
	api.call(http.MethodGet, "/api/v1/admin/conversations/999", api.adminToken("a", "A"), nil, http.StatusNotFound, nil)
}

func TestClientTokenRetry(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()
	req := &model.SendMessageRequest{Message: "What does it cost?", ClientToken: "3f1d9d1e-52a4-4d8e-9a77-2a7b0f0c5a11"}

	var first, retry model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, req, http.StatusCreated, &first)
	api.call(http.MethodPost, "/api/v1/chat/messages", client, req, http.StatusOK, &retry)
	if !retry.Duplicate || retry.MessageID != first.MessageID {
		t.Errorf("retry = %+v, want duplicate of %d", retry, first.MessageID)
	}
	if retry.Message.ClientToken != req.ClientToken {
		t.Errorf("retry token = %q", retry.Message.ClientToken)
	}
}

func TestClientTextIsEscaped(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	var sent model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "<script>alert(1)</script>"}, http.StatusCreated, &sent)
	if strings.Contains(sent.Message.Content, "<script>") {
		t.Errorf("content = %q, want escaped", sent.Message.Content)
	}
	if !sent.HandoffOffered || !strings.Contains(sent.Responses[0].Content, "<button") {
		t.Errorf("hand-off offer should keep its markup: %+v", sent.Responses)
	}
}

func TestQuickAndCancel(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	var quick model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/quick", client, &model.QuickQuestionRequest{Question: "xyzzy"}, http.StatusCreated, &quick)
	if quick.HandoffOffered || quick.Responses[0].Content != service.QuickFallbackText {
		t.Errorf("quick = %+v", quick)
	}

	api.call(http.MethodDelete, "/api/v1/chat/human", client, nil, http.StatusConflict, nil)
	api.call(http.MethodPost, "/api/v1/chat/human", client, nil, http.StatusOK, nil)

	var cancelled model.TransitionResponse
	api.call(http.MethodDelete, "/api/v1/chat/human", client, nil, http.StatusOK, &cancelled)
	if cancelled.Status != model.StatusBot {
		t.Errorf("cancel = %+v", cancelled)
	}
}

func TestResetStartsNewConversation(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	var before model.StatusResponse
	api.call(http.MethodGet, "/api/v1/chat/status", client, nil, http.StatusOK, &before)

	var reset model.ConversationResponse
	api.call(http.MethodPost, "/api/v1/chat/reset", client, nil, http.StatusCreated, &reset)
	if reset.Conversation.ID == before.ConversationID {
		t.Fatalf("reset kept conversation %d", before.ConversationID)
	}

	var after model.StatusResponse
	api.call(http.MethodGet, "/api/v1/chat/status", client, nil, http.StatusOK, &after)
	if after.ConversationID != reset.Conversation.ID {
		t.Errorf("active = %d, want %d", after.ConversationID, reset.Conversation.ID)
	}
}

func TestAdminViewLoadsTail(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()
	admin := api.adminToken("admin-1", "Alice")

	var sent model.SendMessageResponse
	for i := 0; i < 8; i++ {
		api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "hello"}, http.StatusCreated, &sent)
	}
	path := "/api/v1/admin/conversations/" + strconv.FormatInt(sent.ConversationID, 10)

	var page model.GetMessagesResponse
	api.call(http.MethodGet, path+"/messages", admin, nil, http.StatusOK, &page)
	if len(page.Messages) != DefaultAdminTail {
		t.Fatalf("tail = %d messages, want %d", len(page.Messages), DefaultAdminTail)
	}
	if page.LastMessageID != sent.Responses[0].ID {
		t.Errorf("last id = %d, want %d", page.LastMessageID, sent.Responses[0].ID)
	}
	if page.Messages[0].SenderType == model.SenderClient && page.Messages[0].SenderName != "Client" {
		t.Errorf("admin sees client as %q", page.Messages[0].SenderName)
	}

	api.call(http.MethodGet, path+"/messages?tail=false", admin, nil, http.StatusOK, &page)
	if len(page.Messages) != 17 {
		t.Errorf("full view = %d messages, want 17", len(page.Messages))
	}
}

func TestKeywordEndpoints(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminToken("admin-1", "Alice")
	client := api.session()

	var put model.KeywordsResponse
	api.call(http.MethodPut, "/api/v1/admin/keywords", admin, &model.PutKeywordRequest{Keyword: "Charter", Response: "Charters run daily."}, http.StatusOK, &put)
	if len(put.Keywords) != 1 || put.Keywords[0].Keyword != "charter" {
		t.Fatalf("put = %+v", put)
	}
	api.call(http.MethodPut, "/api/v1/admin/keywords", admin, &model.PutKeywordRequest{Keyword: "x"}, http.StatusBadRequest, nil)

	var list model.KeywordsResponse
	api.call(http.MethodGet, "/api/v1/admin/keywords", admin, nil, http.StatusOK, &list)
	if len(list.Keywords) != 1 {
		t.Errorf("list = %+v", list.Keywords)
	}

	var sent model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "any charter slots?"}, http.StatusCreated, &sent)
	if sent.Responses[0].Content != "Charters run daily." {
		t.Errorf("reply = %q", sent.Responses[0].Content)
	}
}

func TestExportTranscript(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()
	admin := api.adminToken("admin-1", "Alice")

	var sent model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "<b>hi</b> there"}, http.StatusCreated, &sent)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/v1/admin/conversations/"+strconv.FormatInt(sent.ConversationID, 10)+"/export", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != export.ContentType {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".xlsx") {
		t.Errorf("content disposition = %q", cd)
	}

	f, err := excelize.OpenReader(resp.Body)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Transcript")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header and 3 messages", len(rows))
	}
	if rows[2][4] != "<b>hi</b> there" {
		t.Errorf("client row body = %q, want raw text", rows[2][4])
	}
}

type sseEvent struct {
	name string
	id   string
	data string
}

func readEvent(t *testing.T, scanner *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
	return ev
}

func waitForEvent(t *testing.T, scanner *bufio.Scanner, name string) sseEvent {
	t.Helper()
	for i := 0; i < 50; i++ {
		if ev := readEvent(t, scanner); ev.name == name {
			return ev
		}
	}
	t.Fatalf("no %s event", name)
	return sseEvent{}
}

func TestChatStream(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+"/api/v1/chat/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+client)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)

	if ev := readEvent(t, scanner); ev.name != "connected" {
		t.Fatalf("first event = %+v", ev)
	}
	welcome := readEvent(t, scanner)
	if welcome.name != "message" || welcome.id == "" {
		t.Fatalf("replayed event = %+v", welcome)
	}
	waitForEvent(t, scanner, "replay_complete")

	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "hello"}, http.StatusCreated, nil)

	ev := waitForEvent(t, scanner, "message")
	var view model.MessageView
	if err := json.Unmarshal([]byte(ev.data), &view); err != nil {
		t.Fatalf("decode message event: %v", err)
	}
	if view.Content != "hello" || ev.id != strconv.FormatInt(view.ID, 10) {
		t.Errorf("live event = %+v (id %s)", view, ev.id)
	}

	api.call(http.MethodPost, "/api/v1/chat/human", client, nil, http.StatusOK, nil)

	status := waitForEvent(t, scanner, "status")
	var se StatusEvent
	if err := json.Unmarshal([]byte(status.data), &se); err != nil {
		t.Fatalf("decode status event: %v", err)
	}
	if se.Status != model.StatusHumanRequested {
		t.Errorf("status event = %+v", se)
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	api := newTestAPI(t)
	client := api.session()

	var sent model.SendMessageResponse
	api.call(http.MethodPost, "/api/v1/chat/messages", client, &model.SendMessageRequest{Message: "hello"}, http.StatusCreated, &sent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+"/api/v1/chat/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+client)
	req.Header.Set("Last-Event-ID", strconv.FormatInt(sent.MessageID, 10))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)

	waitForEvent(t, scanner, "connected")
	ev := readEvent(t, scanner)
	if ev.name != "message" || ev.id != strconv.FormatInt(sent.Responses[0].ID, 10) {
		t.Fatalf("replay = %+v, want only the bot reply", ev)
	}
	done := readEvent(t, scanner)
	var rc ReplayCompleteEvent
	if err := json.Unmarshal([]byte(done.data), &rc); err != nil {
		t.Fatalf("decode replay_complete: %v", err)
	}
	if done.name != "replay_complete" || rc.MessageCount != 1 {
		t.Errorf("replay_complete = %+v", rc)
	}
}
