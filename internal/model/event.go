package model

import (
	"strings"
	"time"
)

// EventKind identifies what happened in a thread or in the agent pool.
type EventKind string

const (
	EventMessageAdded    EventKind = "message_added"
	EventStatusChanged   EventKind = "status_changed"
	EventAgentJoined     EventKind = "agent_joined"
	EventPresenceChanged EventKind = "presence_changed"
	EventAgentRequired   EventKind = "agent_required"
)

const (
	// AgentPoolTopic is the topic every agent console listens on.
	AgentPoolTopic = "agent-pool"

	threadTopicPrefix = "thread."
	agentTopicPrefix  = "agent."
)

// ThreadTopic returns the topic for a thread.
func ThreadTopic(threadID string) string {
	return threadTopicPrefix + threadID
}

// AgentInboxTopic returns the topic that reaches a single agent.
func AgentInboxTopic(agentID string) string {
	return agentTopicPrefix + agentID
}

// ThreadIDFromTopic extracts the thread id from a thread topic.
func ThreadIDFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, threadTopicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, threadTopicPrefix)
	return id, id != ""
}

// IsThreadTopic reports whether topic belongs to a thread.
func IsThreadTopic(topic string) bool {
	_, ok := ThreadIDFromTopic(topic)
	return ok
}

// Event is a state change fanned out over the event bus.
type Event struct {
	ID       string    `json:"id"`
	Kind     EventKind `json:"kind"`
	Topic    string    `json:"topic"`
	ThreadID string    `json:"thread_id,omitempty"`

	// message_added
	Message *Message `json:"message,omitempty"`

	// status_changed
	Status      Status `json:"status,omitempty"`
	From        Status `json:"from,omitempty"`
	WasReopened bool   `json:"was_reopened,omitempty"`

	// agent_joined, agent_required
	Agent      string   `json:"agent,omitempty"`
	Candidates []string `json:"candidates,omitempty"`

	// presence_changed
	Presence *AgentPresence `json:"presence,omitempty"`

	// Origin is the gateway instance that published the event.
	Origin string `json:"origin,omitempty"`

	LastActivity time.Time `json:"last_activity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentPresence is an agent's online state and joined threads.
type AgentPresence struct {
	AgentID         string    `json:"agent_id"`
	Online          bool      `json:"online"`
	JoinedThreadIDs []string  `json:"joined_thread_ids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PresenceRequest toggles an agent's presence.
type PresenceRequest struct {
	Online bool `json:"online"`
}

// ClaimResponse is the result of an agent claiming a thread.
type ClaimResponse struct {
	Thread   ThreadSummary `json:"thread"`
	Mode     string        `json:"mode"`
	Assigned string        `json:"assigned_agent"`
}

// Claim modes.
const (
	ClaimModeAssigned = "assigned"
	ClaimModeObserver = "observer"
)

// HeartbeatEvent keeps idle live connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error pushed to a live connection.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Live connection frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"

	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameSnapshot     = "snapshot"
	FrameEvent        = "event"
	FramePong         = "pong"
	FrameError        = "error"
	FrameEvicted      = "evicted"
)

// LiveFrame is one JSON frame on the live WebSocket connection.
type LiveFrame struct {
	Type string `json:"type"`

	// subscribe, unsubscribe, subscribed, unsubscribed. Topic wins over ThreadID.
	Topic    string `json:"topic,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	Event  *Event      `json:"event,omitempty"`
	Thread *Thread     `json:"thread,omitempty"`
	Error  *ErrorEvent `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TopicName returns the topic a subscribe or unsubscribe frame addresses.
func (f LiveFrame) TopicName() string {
	if f.Topic != "" {
		return f.Topic
	}
	if f.ThreadID != "" {
		return ThreadTopic(f.ThreadID)
	}
	return ""
}
