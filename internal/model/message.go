package model

import (
	"html"
	"strings"
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderClient SenderType = "client"
	SenderAdmin  SenderType = "admin"
	SenderBot    SenderType = "bot"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	switch t {
	case SenderClient, SenderAdmin, SenderBot:
		return true
	}
	return false
}

// Message is one immutable entry of a conversation log.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderType     SenderType `json:"sender_type"`
	Body           string     `json:"body"`
	ClientToken    string     `json:"client_token,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
}

// SafeBody returns the body ready for HTML rendering. Bot messages may carry
// markup; client and admin text is always escaped.
func (m *Message) SafeBody() string {
	if m.SenderType == SenderBot {
		return m.Body
	}
	return html.EscapeString(m.Body)
}

// Viewer selects the sender naming used when presenting a log.
type Viewer string

const (
	ViewerClient Viewer = "client"
	ViewerAdmin  Viewer = "admin"
)

// MessageView is a message as presented to a viewer.
type MessageView struct {
	ID          int64      `json:"id"`
	Content     string     `json:"content"`
	SenderType  SenderType `json:"sender_type"`
	SenderName  string     `json:"sender_name"`
	SentAt      time.Time  `json:"sent_at"`
	ClientToken string     `json:"client_token,omitempty"`
}

// JoinMarkers identify the bot message announcing an admin's arrival.
var JoinMarkers = []string{
	"service agent has joined",
	"customer service representative",
	"has joined the conversation",
}

// IsJoinAnnouncement reports whether m announces an admin joining.
func (m *Message) IsJoinAnnouncement() bool {
	return m.SenderType == SenderBot && IsJoinText(m.Body)
}

// IsJoinText reports whether a bot body carries one of the JoinMarkers.
func IsJoinText(body string) bool {
	for _, marker := range JoinMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// BotName is the display name of the scripted responder.
const BotName = "Bus Rental Bot"

// View presents m to the given viewer. clientName is used for client
// messages in the admin console.
func (m *Message) View(viewer Viewer, clientName string) MessageView {
	v := MessageView{
		ID:          m.ID,
		Content:     m.SafeBody(),
		SenderType:  m.SenderType,
		SentAt:      m.SentAt,
		ClientToken: m.ClientToken,
	}

	switch m.SenderType {
	case SenderBot:
		v.SenderName = BotName
	case SenderAdmin:
		if viewer == ViewerAdmin {
			v.SenderName = "You (Agent)"
		} else {
			v.SenderName = "Customer Service"
		}
	default:
		if viewer == ViewerAdmin {
			v.SenderName = clientName
			if v.SenderName == "" {
				v.SenderName = "Client"
			}
		} else {
			v.SenderName = "You"
		}
	}

	return v
}

// Views presents a slice of messages.
func Views(msgs []Message, viewer Viewer, clientName string) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].View(viewer, clientName))
	}
	return out
}
