package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/support-chat/internal/model"
)

var (
	// ErrNotFound is returned for an unknown conversation.
	ErrNotFound = errors.New("conversation not found")
	// ErrUnauthorized is returned when the caller may not act on a conversation.
	ErrUnauthorized = errors.New("not authorized for this conversation")
	// ErrInvalidTransition is returned when an operation is not valid in the
	// conversation's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrMissingInput is returned when a required field is absent.
	ErrMissingInput = errors.New("missing input")
)

// TransitionError reports a rejected operation together with the
// conversation as it stands, so callers can refresh instead of retrying.
type TransitionError struct {
	Reason       string
	Conversation *model.Conversation
}

func (e *TransitionError) Error() string {
	return e.Reason
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Reasons surfaced to callers.
const (
	ReasonAlreadyAssigned = "conversation already assigned"
	ReasonClosed          = "conversation is closed"
	ReasonNotWaiting      = "conversation is not waiting for an agent"
	ReasonNotRequested    = "no agent request to cancel"
	ReasonTokenInUse      = "client token already used"
)

func rejected(reason string, conv *model.Conversation) error {
	return &TransitionError{Reason: reason, Conversation: conv}
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingInput, field)
}
