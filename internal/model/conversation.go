// Package model defines data structures for the support chat service.
package model

import (
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusBot            Status = "bot"
	StatusHumanRequested Status = "human_requested"
	StatusHumanAssigned  Status = "human_assigned"
	StatusClosed         Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBot, StatusHumanRequested, StatusHumanAssigned, StatusClosed:
		return true
	}
	return false
}

// Conversation is a support thread owned by one client.
type Conversation struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	AdminID   *string   `json:"admin_id"`
	AdminName string    `json:"admin_name,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assigned reports whether an admin holds the conversation.
func (c *Conversation) Assigned() bool {
	return c.AdminID != nil
}

// AssignedTo reports whether adminID holds the conversation.
func (c *Conversation) AssignedTo(adminID string) bool {
	return c.AdminID != nil && *c.AdminID == adminID
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.AdminID != nil {
		id := *c.AdminID
		out.AdminID = &id
	}
	return &out
}

// ConversationSummary is a queue row for the admin console.
type ConversationSummary struct {
	Conversation
	MessageCount int      `json:"message_count"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

// Agent identifies a support admin acting on a conversation.
type Agent struct {
	ID   string
	Name string
}
