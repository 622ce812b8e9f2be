package middleware

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/livechat-sync/internal/model"
)

const (
	maxContentLength = 100000
	maxKeyLength     = 256
	maxAgentIDLength = 64
)

// ValidateMessageContent validates message content. Empty content is allowed only
// when the message carries an attachment.
func ValidateMessageContent(content string, hasAttachment bool) error {
	if strings.TrimSpace(content) == "" && !hasAttachment {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates a thread ID.
func ValidateThreadID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateDedupKey validates a client-supplied dedup key.
func ValidateDedupKey(key string) error {
	if len(key) > maxKeyLength {
		return errors.New("dedup key exceeds maximum length")
	}
	if !utf8.ValidString(key) {
		return errors.New("dedup key must be valid UTF-8")
	}
	return nil
}

// ValidateAgentID validates an agent identity. Agent IDs become topic and
// subject tokens, so whitespace, dots and wildcards are rejected.
func ValidateAgentID(id string) error {
	if id == "" {
		return errors.New("agent ID cannot be empty")
	}
	if len(id) > maxAgentIDLength {
		return errors.New("agent ID exceeds maximum length")
	}
	if strings.ContainsAny(id, " \t\r\n.*>") {
		return errors.New("agent ID contains invalid characters")
	}
	return nil
}

// ValidateAttachment validates an attachment reference.
func ValidateAttachment(a *model.Attachment) error {
	if a == nil {
		return nil
	}
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errors.New("attachment URL must be an absolute http(s) URL")
	}
	if a.Size < 0 {
		return errors.New("attachment size cannot be negative")
	}
	return nil
}
