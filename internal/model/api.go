package model

// SendMessageRequest is the body of a send_message call.
type SendMessageRequest struct {
	Message     string `json:"message"`
	ClientToken string `json:"client_token,omitempty"`
}

// QuickQuestionRequest is the body of a quick_question call.
type QuickQuestionRequest struct {
	Question    string `json:"question"`
	ClientToken string `json:"client_token,omitempty"`
}

// RequestHumanRequest is the body of a request_human call.
type RequestHumanRequest struct {
	Problem string `json:"problem,omitempty"`
}

// CloseConversationRequest is the body of a close_conversation call.
type CloseConversationRequest struct {
	ClosingMessage string `json:"closing_message,omitempty"`
}

// PutKeywordRequest adds or replaces a keyword table entry.
type PutKeywordRequest struct {
	Keyword  string `json:"keyword"`
	Response string `json:"response"`
}

// SendMessageResponse is returned after a message is accepted.
type SendMessageResponse struct {
	Success        bool          `json:"success"`
	ConversationID int64         `json:"conversation_id"`
	MessageID      int64         `json:"message_id"`
	Message        MessageView   `json:"message"`
	Responses      []MessageView `json:"responses"`
	Status         Status        `json:"status"`
	Duplicate      bool          `json:"duplicate,omitempty"`
	HandoffOffered bool          `json:"handoff_offered,omitempty"`
}

// GetMessagesResponse is returned by a watermark poll.
type GetMessagesResponse struct {
	Success        bool          `json:"success"`
	ConversationID int64         `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
	Status         Status        `json:"status"`
	LastMessageID  int64         `json:"last_message_id"`
	HasMore        bool          `json:"has_more"`
}

// StatusResponse is returned by check_status.
type StatusResponse struct {
	Success        bool   `json:"success"`
	ConversationID int64  `json:"conversation_id"`
	Status         Status `json:"status"`
	AdminName      string `json:"admin_name,omitempty"`
}

// SessionResponse carries a freshly issued client token.
type SessionResponse struct {
	Success  bool   `json:"success"`
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// TransitionResponse is returned by request_human, assign, release and close.
type TransitionResponse struct {
	Success      bool          `json:"success"`
	Status       Status        `json:"status"`
	Conversation *Conversation `json:"conversation"`
	Messages     []MessageView `json:"messages,omitempty"`
}

// ConversationResponse wraps a single conversation.
type ConversationResponse struct {
	Success      bool          `json:"success"`
	Conversation *Conversation `json:"conversation"`
}

// ListConversationsResponse is the admin queue listing.
type ListConversationsResponse struct {
	Success       bool                  `json:"success"`
	Conversations []ConversationSummary `json:"conversations"`
}

// KeywordsResponse lists the keyword table.
type KeywordsResponse struct {
	Success  bool              `json:"success"`
	Keywords []KeywordResponse `json:"keywords"`
}

// ErrorResponse is the failure envelope. Conversation is set when a
// transition was rejected so the caller can refresh its view.
type ErrorResponse struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Conversation *Conversation `json:"conversation,omitempty"`
}
