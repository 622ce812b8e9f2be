// Package session implements the thread lifecycle: every client action enters
// here, mutates the thread store and publishes the resulting events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/responder"
	"github.com/capitalize-ai/livechat-sync/internal/store"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

// System message texts.
const (
	MsgConnecting     = "Connecting you to an agent..."
	MsgResponderError = "There was an error processing your request."
)

// ConnectedMessage is the system message posted when agent joins a thread.
func ConnectedMessage(agent string) string {
	return fmt.Sprintf("You've been connected to %s. They will respond shortly.", agent)
}

var (
	// ErrInvalidRequest marks caller input the coordinator rejects.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEmptyMessage is returned when a message has neither content nor attachment.
	ErrEmptyMessage = fmt.Errorf("%w: message content is required", ErrInvalidRequest)
)

// Store is the thread storage the coordinator mutates.
type Store interface {
	CreateThread(ctx context.Context, opts store.CreateOptions) (model.Thread, error)
	AppendMessage(ctx context.Context, threadID string, msg model.Message) (model.Message, bool, error)
	GetThread(ctx context.Context, threadID string) (model.Thread, error)
	ListThreads(ctx context.Context, filter model.ThreadFilter) []model.ThreadSummary
	SetStatus(ctx context.Context, threadID string, to model.Status, resolution *model.Resolution) (model.Thread, model.Status, error)
	Assign(ctx context.Context, threadID, agent string) (model.Thread, bool, error)
	MarkAgentRequired(ctx context.Context, threadID string) (model.Thread, bool, error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(topic string, event model.Event)
}

// Remote reaches threads held by another instance's store.
type Remote interface {
	Snapshot(ctx context.Context, threadID string) (model.Thread, error)
	JoinAgent(ctx context.Context, threadID, agent string) (model.Thread, bool, error)
}

// Config holds coordinator settings.
type Config struct {
	// ResponderTimeout bounds a single responder call.
	ResponderTimeout time.Duration
	// HistoryLimit bounds the history passed to the responder.
	HistoryLimit int
}

// Coordinator orchestrates thread lifecycle transitions.
type Coordinator struct {
	store     Store
	bus       Publisher
	responder responder.Responder
	remote    Remote
	cfg       Config
	logger    *logger.Logger
	tracer    trace.Tracer

	// Mutations of one thread are serialized together with their publishes so
	// events leave in commit order.
	locksMu sync.Mutex
	locks   map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResponder sets the automated responder. Without one, every question is
// escalated to a human agent.
func WithResponder(r responder.Responder) Option {
	return func(c *Coordinator) { c.responder = r }
}

// WithRemote routes snapshots and agent joins of threads this instance does not
// hold to the instance that does.
func WithRemote(r Remote) Option {
	return func(c *Coordinator) { c.remote = r }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.logger = l.Component("session") }
}

// New creates a coordinator.
func New(s Store, bus Publisher, cfg Config, opts ...Option) *Coordinator {
	if cfg.ResponderTimeout <= 0 {
		cfg.ResponderTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}

	c := &Coordinator{
		store:  s,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Global().Component("session"),
		tracer: otel.Tracer("livechat/session"),
		locks:  make(map[string]*threadLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) lock(threadID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[threadID]
	if !ok {
		l = &threadLock{}
		c.locks[threadID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, threadID)
		}
		c.locksMu.Unlock()
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name, threadID string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	if threadID != "" {
		span.SetAttributes(attribute.String("thread.id", threadID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateOptions configures a new thread.
type CreateOptions struct {
	AssignedAgent string
	// Greeting, when set, is posted as the first assistant message.
	Greeting string
}

// CreateThread opens a new thread. A thread created already assigned starts in
// progress and announces the agent.
func (c *Coordinator) CreateThread(ctx context.Context, opts CreateOptions) (_ model.Thread, err error) {
	ctx, span := c.startSpan(ctx, "session.CreateThread", "")
	defer func() { endSpan(span, err) }()

	t, err := c.store.CreateThread(ctx, store.CreateOptions{AssignedAgent: opts.AssignedAgent})
	if err != nil {
		return model.Thread{}, err
	}
	span.SetAttributes(attribute.String("thread.id", t.ID))
	metrics.ThreadsTotal.Inc()

	unlock := c.lock(t.ID)
	defer unlock()

	if t.AssignedAgent != "" {
		c.publishAgentJoined(t)
	}
	if opts.Greeting != "" {
		if _, err := c.appendLocked(ctx, t.ID, model.Message{Role: model.RoleAssistant, Content: opts.Greeting}); err != nil {
			return model.Thread{}, err
		}
	}

	c.logger.Info("thread created", logger.ThreadID(t.ID), zap.String("assigned_agent", t.AssignedAgent))
	return c.store.GetThread(ctx, t.ID)
}

// Post is a message submitted by a client.
type Post struct {
	Role       model.Role
	Content    string
	Attachment *model.Attachment
	ClientID   string
	ClientSeq  uint64
	DedupKey   string
}

func (p Post) message() (model.Message, error) {
	if !p.Role.Valid() {
		return model.Message{}, fmt.Errorf("%w: role %q", ErrInvalidRequest, p.Role)
	}
	if strings.TrimSpace(p.Content) == "" && p.Attachment == nil {
		return model.Message{}, ErrEmptyMessage
	}
	key := p.DedupKey
	if key == "" && p.ClientID != "" {
		key = model.NewDedupKey(p.Role, p.ClientID, p.ClientSeq, p.Content)
	}
	return model.Message{
		Role:       p.Role,
		Content:    p.Content,
		Attachment: p.Attachment,
		ClientID:   p.ClientID,
		ClientSeq:  p.ClientSeq,
		DedupKey:   key,
	}, nil
}

// PostMessage appends a message and publishes its echo. Resending a message with
// a known dedup key stores nothing, republishes the original echo and reports
// duplicate.
func (c *Coordinator) PostMessage(ctx context.Context, threadID string, p Post) (_ model.Message, _ bool, err error) {
	ctx, span := c.startSpan(ctx, "session.PostMessage", threadID)
	defer func() { endSpan(span, err) }()

	msg, err := p.message()
	if err != nil {
		return model.Message{}, false, err
	}

	unlock := c.lock(threadID)
	defer unlock()

	stored, dup, err := c.store.AppendMessage(ctx, threadID, msg)
	if err != nil {
		return model.Message{}, false, err
	}
	c.recordMessage(stored, dup)
	c.publishMessage(stored)

	span.SetAttributes(attribute.Bool("message.duplicate", dup), attribute.Int("message.position", stored.Position))
	return stored, dup, nil
}

// Ask posts a customer question and, while no human agent is engaged, answers it
// with the responder. A responder failure is reported to the thread as a system
// message and is not returned to the caller.
func (c *Coordinator) Ask(ctx context.Context, threadID string, p Post) (_ model.AskResponse, err error) {
	ctx, span := c.startSpan(ctx, "session.Ask", threadID)
	defer func() { endSpan(span, err) }()

	p.Role = model.RoleUser
	question, dup, err := c.PostMessage(ctx, threadID, p)
	if err != nil {
		return model.AskResponse{}, err
	}

	t, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return model.AskResponse{}, err
	}

	resp := model.AskResponse{
		Question:      question,
		AgentEngaged:  t.AssignedAgent != "",
		AgentRequired: t.AgentRequired,
	}
	if dup || resp.AgentEngaged || resp.AgentRequired || t.Status == model.StatusResolved {
		return resp, nil
	}

	if c.responder == nil {
		if _, _, err := c.RequestAgent(ctx, threadID); err != nil {
			return model.AskResponse{}, err
		}
		resp.AgentRequired = true
		return resp, nil
	}

	history := t.Messages
	if question.Position < len(history) {
		history = history[:question.Position]
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResponderTimeout)
	ans, rerr := c.responder.Answer(rctx, responder.Request{
		ThreadID: threadID,
		Question: question.Content,
		History:  history,
	})
	cancel()

	if rerr != nil {
		c.logger.Warn("responder failed", logger.ThreadID(threadID), zap.Error(rerr))
		span.RecordError(rerr)
		sys, err := c.appendSystem(ctx, threadID, MsgResponderError)
		if err != nil {
			return model.AskResponse{}, err
		}
		resp.Answer = &sys
		return resp, nil
	}

	if ans.Content != "" {
		answer, engaged, err := c.appendAnswer(ctx, threadID, ans.Content)
		if err != nil {
			return model.AskResponse{}, err
		}
		if engaged {
			// An agent took over while the responder was running.
			resp.AgentEngaged = true
			return resp, nil
		}
		resp.Answer = &answer
	}

	if ans.Handoff {
		if _, _, err := c.RequestAgent(ctx, threadID); err != nil {
			return model.AskResponse{}, err
		}
		resp.AgentRequired = true
	}
	return resp, nil
}

// Resolve closes the thread with a resolution category.
func (c *Coordinator) Resolve(ctx context.Context, threadID string, res model.Resolution) (_ model.Thread, err error) {
	if threadID == "" {
		return model.Thread{}, model.ErrMissingSelectedChat
	}
	if err := res.Validate(); err != nil {
		return model.Thread{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	ctx, span := c.startSpan(ctx, "session.Resolve", threadID)
	defer func() { endSpan(span, err) }()

	return c.transition(ctx, threadID, model.StatusResolved, &res)
}

// Reopen moves a resolved thread back to open.
func (c *Coordinator) Reopen(ctx context.Context, threadID string) (_ model.Thread, err error) {
	if threadID == "" {
		return model.Thread{}, model.ErrMissingSelectedChat
	}

	ctx, span := c.startSpan(ctx, "session.Reopen", threadID)
	defer func() { endSpan(span, err) }()

	return c.transition(ctx, threadID, model.StatusOpen, nil)
}

func (c *Coordinator) transition(ctx context.Context, threadID string, to model.Status, res *model.Resolution) (model.Thread, error) {
	unlock := c.lock(threadID)
	defer unlock()

	t, from, err := c.store.SetStatus(ctx, threadID, to, res)
	if err != nil {
		return model.Thread{}, err
	}
	metrics.RecordTransition(string(from), string(to))

	ev := model.Event{
		Kind:         model.EventStatusChanged,
		ThreadID:     t.ID,
		Status:       t.Status,
		From:         from,
		WasReopened:  t.WasReopened,
		LastActivity: t.LastActivity,
	}
	c.bus.Publish(model.ThreadTopic(t.ID), ev)
	c.bus.Publish(model.AgentPoolTopic, ev)

	c.logger.Info("thread status changed",
		logger.ThreadID(t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return t, nil
}

// RequestAgent escalates the thread to the human agent pool. It is a no-op for a
// thread that already has an agent or is already waiting for one.
func (c *Coordinator) RequestAgent(ctx context.Context, threadID string) (_ model.Thread, _ bool, err error) {
	ctx, span := c.startSpan(ctx, "session.RequestAgent", threadID)
	defer func() { endSpan(span, err) }()

	unlock := c.lock(threadID)
	defer unlock()

	t, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return model.Thread{}, false, err
	}
	if t.Status == model.StatusResolved {
		return model.Thread{}, false, fmt.Errorf("%w: thread is resolved", model.ErrInvalidTransition)
	}
	if t.AssignedAgent != "" {
		return t, false, nil
	}

	t, changed, err := c.store.MarkAgentRequired(ctx, threadID)
	if err != nil || !changed {
		return t, false, err
	}

	if _, err := c.appendLocked(ctx, threadID, model.Message{Role: model.RoleSystem, Content: MsgConnecting}); err != nil {
		return model.Thread{}, false, err
	}

	c.bus.Publish(model.AgentPoolTopic, model.Event{
		Kind:         model.EventAgentRequired,
		ThreadID:     threadID,
		LastActivity: t.LastActivity,
	})

	c.logger.Info("agent requested", logger.ThreadID(threadID))
	t, err = c.store.GetThread(ctx, threadID)
	return t, true, err
}

// JoinAgent assigns agent to the thread if no other agent holds it. The first
// successful join moves an open thread to in progress and announces the agent;
// joining again as the same agent is a no-op. A different holder yields
// model.ErrAlreadyAssigned together with the current snapshot.
func (c *Coordinator) JoinAgent(ctx context.Context, threadID, agent string) (_ model.Thread, _ bool, err error) {
	ctx, span := c.startSpan(ctx, "session.JoinAgent", threadID)
	span.SetAttributes(attribute.String("agent.id", agent))
	defer func() { endSpan(span, err) }()

	if agent == "" {
		return model.Thread{}, false, fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	}
	if c.remote != nil && !c.Owns(ctx, threadID) {
		span.SetAttributes(attribute.Bool("thread.remote", true))
		return c.remote.JoinAgent(ctx, threadID, agent)
	}

	unlock := c.lock(threadID)
	defer unlock()

	before, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return model.Thread{}, false, err
	}

	t, changed, err := c.store.Assign(ctx, threadID, agent)
	if err != nil {
		if errors.Is(err, model.ErrAlreadyAssigned) {
			metrics.ClaimsTotal.WithLabelValues("lost").Inc()
		}
		return t, false, err
	}
	if !changed {
		metrics.ClaimsTotal.WithLabelValues("noop").Inc()
		return t, false, nil
	}
	metrics.ClaimsTotal.WithLabelValues("won").Inc()
	if before.Status != t.Status {
		metrics.RecordTransition(string(before.Status), string(t.Status))
	}

	c.publishAgentJoined(t)
	if before.Status != t.Status {
		ev := model.Event{
			Kind:         model.EventStatusChanged,
			ThreadID:     t.ID,
			Status:       t.Status,
			From:         before.Status,
			WasReopened:  t.WasReopened,
			LastActivity: t.LastActivity,
		}
		c.bus.Publish(model.ThreadTopic(t.ID), ev)
		c.bus.Publish(model.AgentPoolTopic, ev)
	}

	if _, err := c.appendLocked(ctx, threadID, model.Message{Role: model.RoleSystem, Content: ConnectedMessage(agent)}); err != nil {
		return model.Thread{}, false, err
	}

	c.logger.Info("agent joined", logger.ThreadID(threadID), logger.AgentID(agent))
	t, err = c.store.GetThread(ctx, threadID)
	return t, true, err
}

// Snapshot returns the full thread state for reconciliation.
func (c *Coordinator) Snapshot(ctx context.Context, threadID string) (model.Thread, error) {
	if threadID == "" {
		return model.Thread{}, model.ErrMissingSelectedChat
	}
	t, err := c.store.GetThread(ctx, threadID)
	if errors.Is(err, model.ErrNotFound) && c.remote != nil {
		return c.remote.Snapshot(ctx, threadID)
	}
	return t, err
}

// Owns reports whether the thread lives in this instance's store.
func (c *Coordinator) Owns(ctx context.Context, threadID string) bool {
	_, err := c.store.GetThread(ctx, threadID)
	return err == nil
}

// List returns thread summaries in inbox order.
func (c *Coordinator) List(ctx context.Context, filter model.ThreadFilter) []model.ThreadSummary {
	return c.store.ListThreads(ctx, filter)
}

func (c *Coordinator) appendAnswer(ctx context.Context, threadID, content string) (model.Message, bool, error) {
	unlock := c.lock(threadID)
	defer unlock()

	t, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return model.Message{}, false, err
	}
	if t.AssignedAgent != "" {
		return model.Message{}, true, nil
	}
	msg, err := c.appendLocked(ctx, threadID, model.Message{Role: model.RoleAssistant, Content: content})
	return msg, false, err
}

func (c *Coordinator) appendSystem(ctx context.Context, threadID, content string) (model.Message, error) {
	unlock := c.lock(threadID)
	defer unlock()
	return c.appendLocked(ctx, threadID, model.Message{Role: model.RoleSystem, Content: content})
}

// appendLocked appends a server-originated message. Callers hold the thread lock.
func (c *Coordinator) appendLocked(ctx context.Context, threadID string, msg model.Message) (model.Message, error) {
	stored, dup, err := c.store.AppendMessage(ctx, threadID, msg)
	if err != nil {
		return model.Message{}, err
	}
	c.recordMessage(stored, dup)
	c.publishMessage(stored)
	return stored, nil
}

func (c *Coordinator) recordMessage(m model.Message, dup bool) {
	if dup {
		metrics.DuplicateMessagesTotal.Inc()
		c.logger.Debug("duplicate message", logger.ThreadID(m.ThreadID), zap.String("dedup_key", m.DedupKey))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(m.Role)).Inc()
}

func (c *Coordinator) publishMessage(m model.Message) {
	c.bus.Publish(model.ThreadTopic(m.ThreadID), model.Event{
		Kind:         model.EventMessageAdded,
		ThreadID:     m.ThreadID,
		Message:      &m,
		LastActivity: m.CreatedAt,
	})
}

func (c *Coordinator) publishAgentJoined(t model.Thread) {
	ev := model.Event{
		Kind:         model.EventAgentJoined,
		ThreadID:     t.ID,
		Agent:        t.AssignedAgent,
		Status:       t.Status,
		LastActivity: t.LastActivity,
	}
	c.bus.Publish(model.ThreadTopic(t.ID), ev)
	c.bus.Publish(model.AgentPoolTopic, ev)
}
