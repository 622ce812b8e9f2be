// Package model defines data structures for the live chat platform.
package model

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a thread.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle move.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusInProgress || next == StatusResolved
	case StatusInProgress:
		return next == StatusResolved
	case StatusResolved:
		return next == StatusOpen
	}
	return false
}

// Resolution describes why a thread was resolved.
type Resolution struct {
	QueryType   string `json:"query_type,omitempty"`
	Category    string `json:"category"`
	SubCategory string `json:"sub_category,omitempty"`
}

// Validate checks that the resolution carries a category.
func (r *Resolution) Validate() error {
	if r == nil || r.Category == "" {
		return errors.New("resolution category is required")
	}
	return nil
}

// Thread is one customer conversation.
type Thread struct {
	ID            string      `json:"id"`
	Status        Status      `json:"status"`
	WasReopened   bool        `json:"was_reopened"`
	AgentRequired bool        `json:"agent_required"`
	AssignedAgent string      `json:"assigned_agent,omitempty"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActivity  time.Time   `json:"last_activity"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
	Messages      []Message   `json:"messages"`
}

// Clone returns a deep copy of t.
func (t *Thread) Clone() Thread {
	c := *t
	if t.Resolution != nil {
		r := *t.Resolution
		c.Resolution = &r
	}
	if t.ResolvedAt != nil {
		ts := *t.ResolvedAt
		c.ResolvedAt = &ts
	}
	c.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		c.Messages[i] = m.Clone()
	}
	return c
}

// Summary returns the list view of t.
func (t *Thread) Summary() ThreadSummary {
	s := ThreadSummary{
		ID:            t.ID,
		Status:        t.Status,
		WasReopened:   t.WasReopened,
		AgentRequired: t.AgentRequired,
		AssignedAgent: t.AssignedAgent,
		CreatedAt:     t.CreatedAt,
		LastActivity:  t.LastActivity,
		ResolvedAt:    t.ResolvedAt,
		MessageCount:  len(t.Messages),
	}
	if n := len(t.Messages); n > 0 {
		s.LastMessage = t.Messages[n-1].Content
	}
	return s
}

// ThreadSummary is the list representation of a thread.
type ThreadSummary struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	WasReopened   bool       `json:"was_reopened"`
	AgentRequired bool       `json:"agent_required"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	LastMessage   string     `json:"last_message"`
	MessageCount  int        `json:"message_count"`
}

// ThreadFilter narrows a thread listing. Zero values match everything.
type ThreadFilter struct {
	Status        Status
	Reopened      bool
	AgentRequired bool
	AssignedAgent string
	Limit         int
}

// Match reports whether t passes the filter.
func (f ThreadFilter) Match(t *Thread) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Reopened && !t.WasReopened {
		return false
	}
	if f.AgentRequired && !t.AgentRequired {
		return false
	}
	if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
		return false
	}
	return true
}

// CreateThreadRequest is the request to create a thread.
type CreateThreadRequest struct {
	AssignedAgent string `json:"assigned_agent,omitempty"`
}

// ResolveRequest is the request to resolve a thread.
type ResolveRequest struct {
	Resolution
}

// ListThreadsResponse is the response for listing threads.
type ListThreadsResponse struct {
	Threads []ThreadSummary `json:"threads"`
	Total   int             `json:"total"`
}
