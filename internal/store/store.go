// Package store holds the authoritative state of every thread.
//
// Mutations are serialized per thread; readers always receive deep-copied
// snapshots, so a reader never sees a thread halfway through a mutation. When a
// Persister is configured, every mutation is written to it before being committed
// in memory, which keeps durable state ahead of anything published afterwards.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

const defaultPersistTimeout = 5 * time.Second

// Persister is durable storage for threads and their messages.
type Persister interface {
	// SaveThread upserts the thread header (everything except Messages).
	SaveThread(ctx context.Context, t *model.Thread) error
	// AppendMessage stores msg and the updated header atomically.
	AppendMessage(ctx context.Context, t *model.Thread, msg *model.Message) error
	// LoadThreads returns every stored thread with its messages in order.
	LoadThreads(ctx context.Context) ([]model.Thread, error)
	Close() error
}

// Option configures a Store.
type Option func(*Store)

// WithPersister makes every mutation durable before it is committed.
func WithPersister(p Persister, timeout time.Duration) Option {
	return func(s *Store) {
		s.persister = p
		if timeout > 0 {
			s.persistTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.logger = l.Component("store") }
}

type threadEntry struct {
	mu     sync.RWMutex
	thread model.Thread
	keys   map[string]int // dedup key -> position
}

// Store is the in-memory thread store.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*threadEntry

	persister      Persister
	persistTimeout time.Duration
	now            func() time.Time
	logger         *logger.Logger
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		threads:        make(map[string]*threadEntry),
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
		logger:         logger.Global().Component("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOptions configures a new thread.
type CreateOptions struct {
	// AssignedAgent creates the thread already assigned (and in progress).
	AssignedAgent string
}

// CreateThread creates a new thread and returns its snapshot.
func (s *Store) CreateThread(ctx context.Context, opts CreateOptions) (model.Thread, error) {
	now := s.clock()
	t := model.Thread{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Status:       model.StatusOpen,
		CreatedAt:    now,
		LastActivity: now,
		Messages:     []model.Message{},
	}
	if opts.AssignedAgent != "" {
		t.AssignedAgent = opts.AssignedAgent
		t.Status = model.StatusInProgress
	}

	if err := s.persist(ctx, func(ctx context.Context, p Persister) error {
		return p.SaveThread(ctx, &t)
	}); err != nil {
		return model.Thread{}, err
	}

	s.mu.Lock()
	s.threads[t.ID] = &threadEntry{thread: t, keys: make(map[string]int)}
	s.mu.Unlock()

	s.logger.Debug("thread created", logger.ThreadID(t.ID), zap.String("status", string(t.Status)))
	return t.Clone(), nil
}

// AppendMessage appends msg to the thread log and returns the stored copy with its
// position. If a message with the same dedup key already exists, the existing copy
// is returned with duplicate set and nothing is written.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg model.Message) (model.Message, bool, error) {
	e, err := s.entry(threadID)
	if err != nil {
		return model.Message{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.DedupKey == "" {
		msg.DedupKey = model.ServerDedupKey(msg.ID)
	}
	if pos, ok := e.keys[msg.DedupKey]; ok {
		return e.thread.Messages[pos].Clone(), true, nil
	}

	now := s.clock()
	msg.ThreadID = threadID
	msg.Position = len(e.thread.Messages)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	next := e.thread
	next.LastActivity = now

	if err := s.persist(ctx, func(ctx context.Context, p Persister) error {
		return p.AppendMessage(ctx, &next, &msg)
	}); err != nil {
		return model.Message{}, false, err
	}

	next.Messages = append(e.thread.Messages, msg.Clone())
	e.thread = next
	e.keys[msg.DedupKey] = msg.Position

	return msg.Clone(), false, nil
}

// GetThread returns a snapshot of the thread.
func (s *Store) GetThread(_ context.Context, threadID string) (model.Thread, error) {
	e, err := s.entry(threadID)
	if err != nil {
		return model.Thread{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thread.Clone(), nil
}

// ListThreads returns summaries of matching threads: in-progress threads first,
// then everything else, each group by descending last activity. Ties are broken by
// thread id so the order is stable.
func (s *Store) ListThreads(_ context.Context, filter model.ThreadFilter) []model.ThreadSummary {
	s.mu.RLock()
	entries := make([]*threadEntry, 0, len(s.threads))
	for _, e := range s.threads {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.ThreadSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if filter.Match(&e.thread) {
			out = append(out, e.thread.Summary())
		}
		e.mu.RUnlock()
	}

	SortSummaries(out)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// SortSummaries orders summaries the way every thread list is presented.
func SortSummaries(list []model.ThreadSummary) {
	slices.SortFunc(list, func(a, b model.ThreadSummary) int {
		ai, bi := a.Status == model.StatusInProgress, b.Status == model.StatusInProgress
		if ai != bi {
			if ai {
				return -1
			}
			return 1
		}
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// SetStatus moves the thread to status to. Resolving records the resolution;
// reopening sets WasReopened and releases the assigned agent. An illegal move
// fails with model.ErrInvalidTransition and changes nothing. The previous status is
// returned alongside the new snapshot.
func (s *Store) SetStatus(ctx context.Context, threadID string, to model.Status, resolution *model.Resolution) (model.Thread, model.Status, error) {
	e, err := s.entry(threadID)
	if err != nil {
		return model.Thread{}, "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.thread.Status
	if !from.CanTransition(to) {
		return model.Thread{}, from, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	now := s.clock()
	next := e.thread
	next.Status = to
	next.LastActivity = now

	switch {
	case to == model.StatusResolved:
		if resolution != nil {
			r := *resolution
			next.Resolution = &r
		}
		next.ResolvedAt = &now
	case from == model.StatusResolved && to == model.StatusOpen:
		next.WasReopened = true
		next.AssignedAgent = ""
		next.AgentRequired = false
	}

	if err := s.persist(ctx, func(ctx context.Context, p Persister) error {
		return p.SaveThread(ctx, &next)
	}); err != nil {
		return model.Thread{}, from, err
	}

	e.thread = next
	return next.Clone(), from, nil
}

// Assign records agent as the thread's assigned agent if no other agent holds it.
// An open thread moves to in progress. Re-assigning the same agent is a no-op and
// reports changed=false; a different holder yields model.ErrAlreadyAssigned.
func (s *Store) Assign(ctx context.Context, threadID, agent string) (model.Thread, bool, error) {
	e, err := s.entry(threadID)
	if err != nil {
		return model.Thread{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.thread.AssignedAgent {
	case agent:
		return e.thread.Clone(), false, nil
	case "":
	default:
		return e.thread.Clone(), false, fmt.Errorf("%w: held by %s", model.ErrAlreadyAssigned, e.thread.AssignedAgent)
	}

	if e.thread.Status == model.StatusResolved {
		return model.Thread{}, false, fmt.Errorf("%w: cannot assign a resolved thread", model.ErrInvalidTransition)
	}

	next := e.thread
	next.AssignedAgent = agent
	next.AgentRequired = false
	next.Status = model.StatusInProgress
	next.LastActivity = s.clock()

	if err := s.persist(ctx, func(ctx context.Context, p Persister) error {
		return p.SaveThread(ctx, &next)
	}); err != nil {
		return model.Thread{}, false, err
	}

	e.thread = next
	return next.Clone(), true, nil
}

// MarkAgentRequired flags the thread as waiting for a human agent. The flag is
// cleared when an agent is assigned or the thread is reopened.
func (s *Store) MarkAgentRequired(ctx context.Context, threadID string) (model.Thread, bool, error) {
	e, err := s.entry(threadID)
	if err != nil {
		return model.Thread{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.thread.AgentRequired {
		return e.thread.Clone(), false, nil
	}

	next := e.thread
	next.AgentRequired = true
	next.LastActivity = s.clock()

	if err := s.persist(ctx, func(ctx context.Context, p Persister) error {
		return p.SaveThread(ctx, &next)
	}); err != nil {
		return model.Thread{}, false, err
	}

	e.thread = next
	return next.Clone(), true, nil
}

// Load restores every thread from the persister. Threads already in memory are
// replaced.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}

	threads, err := s.persister.LoadThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load threads: %w", model.ErrCollaboratorUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range threads {
		keys := make(map[string]int, len(t.Messages))
		for i, m := range t.Messages {
			keys[m.DedupKey] = i
		}
		if t.Messages == nil {
			t.Messages = []model.Message{}
		}
		s.threads[t.ID] = &threadEntry{thread: t, keys: keys}
	}

	s.logger.Info("threads restored", zap.Int("count", len(threads)))
	return len(threads), nil
}

// Len returns the number of threads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func (s *Store) entry(threadID string) (*threadEntry, error) {
	s.mu.RLock()
	e, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, threadID)
	}
	return e, nil
}

func (s *Store) persist(ctx context.Context, fn func(context.Context, Persister) error) error {
	if s.persister == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	if err := fn(ctx, s.persister); err != nil {
		s.logger.Error("persist failed", zap.Error(err))
		return fmt.Errorf("%w: %w", model.ErrCollaboratorUnavailable, err)
	}
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}
