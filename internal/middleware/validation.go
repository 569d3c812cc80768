package middleware

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength bounds a single chat message in bytes.
const MaxMessageLength = 5000

// ValidateMessageBody validates chat message text.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("message cannot be empty")
	}
	if len(body) > MaxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(body) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ParseConversationID parses a positive conversation ID.
func ParseConversationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid conversation ID format")
	}
	return id, nil
}

// ParseWatermark parses a last_message_id value. Empty means zero.
func ParseWatermark(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("invalid last_message_id")
	}
	return id, nil
}

// ValidateClientToken checks an optional idempotency token. Tokens are UUIDs
// generated by the client.
func ValidateClientToken(token string) error {
	if token == "" {
		return nil
	}
	if _, err := uuid.Parse(token); err != nil {
		return errors.New("invalid client token format")
	}
	return nil
}

// ValidateKeyword validates a keyword table key.
func ValidateKeyword(keyword string) error {
	if strings.TrimSpace(keyword) == "" {
		return errors.New("keyword cannot be empty")
	}
	if len(keyword) > 100 {
		return errors.New("keyword exceeds maximum length")
	}
	return nil
}
