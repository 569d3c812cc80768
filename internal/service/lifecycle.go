package service

import (
	"html"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// Bot texts appended by lifecycle operations.
const (
	WelcomeText = "Welcome to our Bus Rental service! How can I assist you today? You can use the quick question buttons above or type your own question."

	TransferNoticeText = "Thank you for your patience. I'm connecting you with one of our customer service representatives who will be able to help you better. Please wait a moment while I transfer your conversation to an available agent. They'll join the chat as soon as possible."

	HandoffOfferText = "I'm sorry, but I don't have enough information to answer your question properly. Would you like to talk to a customer service representative who can help you better?"

	handoffButtons = ` <div class="mt-2 button-container"><button onclick="requestHumanAssistance()" class="btn btn-sm btn-primary">Yes, connect me with an agent</button> <button onclick="resetChat()" class="btn btn-sm btn-outline-secondary">No, I'll ask something else</button></div>`

	QuickFallbackText = "I'm not sure I have all the information you need about that. Would you like to provide more details or connect with a customer service representative?"

	DefaultClosingText = "This conversation has been closed by the customer service agent. If you have additional questions, you can start a new conversation."

	ReturnToBotText = "No problem, your request for an agent has been cancelled. I'm still here if you have any other questions."
)

// HandoffOffer is the bot message that offers a human agent, with its
// action buttons.
func HandoffOffer() string {
	return HandoffOfferText + handoffButtons
}

// JoinText announces an admin taking over. The name is escaped because the
// bot body is rendered as markup.
func JoinText(adminName string) string {
	return "Customer service representative " + html.EscapeString(adminName) + " has joined the conversation and will assist you shortly."
}

// transitions lists the statuses reachable from each status.
var transitions = map[model.Status][]model.Status{
	model.StatusBot:            {model.StatusHumanRequested, model.StatusClosed},
	model.StatusHumanRequested: {model.StatusBot, model.StatusHumanAssigned, model.StatusClosed},
	model.StatusHumanAssigned:  {model.StatusClosed},
	model.StatusClosed:         nil,
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status with an edge into to.
func sourcesOf(to model.Status) []model.Status {
	var out []model.Status
	for _, from := range []model.Status{model.StatusBot, model.StatusHumanRequested, model.StatusHumanAssigned, model.StatusClosed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// AuthorizeClient checks that the client owns the conversation.
func AuthorizeClient(conv *model.Conversation, clientID string) error {
	if clientID == "" || conv.ClientID != clientID {
		return ErrUnauthorized
	}
	return nil
}

// AuthorizeAdminView checks that an admin may read the full history.
// A conversation assigned to someone else is private until it closes.
func AuthorizeAdminView(conv *model.Conversation, admin model.Agent) error {
	if admin.ID == "" {
		return ErrUnauthorized
	}
	if conv.Status == model.StatusHumanAssigned && !conv.AssignedTo(admin.ID) {
		return ErrUnauthorized
	}
	return nil
}

// AuthorizeAdminClose checks that an admin may close the conversation: its
// assignee, or any admin while it is unassigned.
func AuthorizeAdminClose(conv *model.Conversation, admin model.Agent) error {
	if admin.ID == "" {
		return ErrUnauthorized
	}
	if conv.Assigned() && !conv.AssignedTo(admin.ID) {
		return ErrUnauthorized
	}
	return nil
}
