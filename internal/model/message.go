package model

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Label is the display label for a role.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleAgent:
		return "Agent"
	case RoleSystem:
		return "System"
	}
	return "Unknown"
}

// Attachment references a file held by the attachment store.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents a single entry in a thread transcript.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	DedupKey string `json:"dedup_key"`

	// Origin (empty for server-originated messages)
	ClientID  string `json:"client_id,omitempty"`
	ClientSeq uint64 `json:"client_seq,omitempty"`

	// Content
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Position in the thread log, assigned by the store (zero-based).
	Position int `json:"position"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// NewDedupKey derives the stable identity of a client-originated message from its
// role, a digest of its content and the client's monotonic send counter.
func NewDedupKey(role Role, clientID string, seq uint64, content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return fmt.Sprintf("%s:%s:%d:%08x", role, clientID, seq, h.Sum32())
}

// ServerDedupKey is the dedup key for messages created by the server itself.
func ServerDedupKey(messageID string) string {
	return "srv:" + messageID
}

// PostMessageRequest is the request to append a message to a thread.
type PostMessageRequest struct {
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	ClientID   string      `json:"client_id,omitempty"`
	ClientSeq  uint64      `json:"client_seq,omitempty"`
	DedupKey   string      `json:"dedup_key,omitempty"`
}

// PostMessageResponse is the response after posting a message.
type PostMessageResponse struct {
	Message   Message `json:"message"`
	Duplicate bool    `json:"duplicate"`
}

// AskResponse is the response for a customer question.
type AskResponse struct {
	Question      Message  `json:"question"`
	Answer        *Message `json:"answer,omitempty"`
	AgentEngaged  bool     `json:"agent_engaged"`
	AgentRequired bool     `json:"agent_required"`
}
