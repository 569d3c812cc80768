// Package chatclient is a Go client for the support chat API.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// Conversation is set when the server rejected a transition.
	Conversation *model.Conversation
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.StatusCode, e.Message)
}

// Client talks to the client-facing chat endpoints. It pins the conversation
// it last saw so closed conversations stay readable until Reset.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu             sync.Mutex
	token          string
	conversationID int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets a previously issued access token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationID returns the pinned conversation, 0 before the first call.
func (c *Client) ConversationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// StartSession obtains an anonymous client token and returns the client id.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	var resp model.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/session", nil, &resp); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.conversationID = 0
	c.mu.Unlock()

	return resp.ClientID, nil
}

// Send posts a message. token is the optimistic entry's client token.
func (c *Client) Send(ctx context.Context, body, token string) (*model.SendMessageResponse, error) {
	var resp model.SendMessageResponse
	req := model.SendMessageRequest{Message: body, ClientToken: token}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/messages", req, &resp); err != nil {
		return nil, err
	}
	c.pin(resp.ConversationID)
	return &resp, nil
}

// Quick posts a canned question.
func (c *Client) Quick(ctx context.Context, question, token string) (*model.SendMessageResponse, error) {
	var resp model.SendMessageResponse
	req := model.QuickQuestionRequest{Question: question, ClientToken: token}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/quick", req, &resp); err != nil {
		return nil, err
	}
	c.pin(resp.ConversationID)
	return &resp, nil
}

// Messages polls for messages after since.
func (c *Client) Messages(ctx context.Context, since int64, limit int) (*model.GetMessagesResponse, error) {
	q := url.Values{}
	q.Set("last_message_id", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp model.GetMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	c.pin(resp.ConversationID)
	return &resp, nil
}

// Sync polls until the timeline has caught up with the server.
func (c *Client) Sync(ctx context.Context, t *Timeline) error {
	for {
		resp, err := c.Messages(ctx, t.LastID(), 0)
		if err != nil {
			return err
		}
		t.Apply(resp)
		if !resp.HasMore {
			return nil
		}
	}
}

// SendMessage sends body optimistically through t. On failure the pending
// entry is dropped again.
func (c *Client) SendMessage(ctx context.Context, t *Timeline, body string) (*model.SendMessageResponse, error) {
	entry := t.AddOptimistic(body)

	resp, err := c.Send(ctx, body, entry.ClientToken)
	if err != nil {
		t.Fail(entry.ClientToken)
		return nil, err
	}

	t.Confirm(append([]model.MessageView{resp.Message}, resp.Responses...)...)
	t.SetStatus(resp.Status)
	return resp, nil
}

// RequestHuman asks for an agent, optionally describing the problem.
func (c *Client) RequestHuman(ctx context.Context, problem string) (*model.TransitionResponse, error) {
	var resp model.TransitionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/human", model.RequestHumanRequest{Problem: problem}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelHuman withdraws a pending agent request.
func (c *Client) CancelHuman(ctx context.Context) (*model.TransitionResponse, error) {
	var resp model.TransitionResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/chat/human", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the conversation status.
func (c *Client) Status(ctx context.Context) (*model.StatusResponse, error) {
	var resp model.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/chat/status", nil, &resp); err != nil {
		return nil, err
	}
	c.pin(resp.ConversationID)
	return &resp, nil
}

// Reset starts a new conversation and pins it.
func (c *Client) Reset(ctx context.Context) (*model.Conversation, error) {
	var resp model.ConversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/reset", nil, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conversationID = resp.Conversation.ID
	c.mu.Unlock()
	return resp.Conversation, nil
}

func (c *Client) pin(id int64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	if c.conversationID == 0 {
		c.conversationID = id
	}
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token, convID := c.token, c.conversationID
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if convID != 0 {
		req.Header.Set("X-Conversation-ID", strconv.FormatInt(convID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e model.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message, Conversation: e.Conversation}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
