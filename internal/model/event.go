package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeMessageAppended EventType = "message_appended"
	EventTypeStatusChanged   EventType = "status_changed"
)

// ConversationEvent is published to the event feed after a change commits.
type ConversationEvent struct {
	ID             string     `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	Type           EventType  `json:"type"`
	Status         Status     `json:"status"`
	PreviousStatus Status     `json:"previous_status,omitempty"`
	MessageID      int64      `json:"message_id,omitempty"`
	SenderType     SenderType `json:"sender_type,omitempty"`
	AdminID        string     `json:"admin_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// KeywordResponse is one row of the bot's dynamic keyword table.
type KeywordResponse struct {
	ID       int64  `json:"id" yaml:"-"`
	Keyword  string `json:"keyword" yaml:"keyword"`
	Response string `json:"response" yaml:"response"`
}
