// Package reconcile merges a client's optimistic sends with the authoritative
// event stream into one deduplicated, ordered transcript.
//
// A Reconciler belongs to one viewing client. Messages the client sends are
// rendered at once and tracked as pending until their echo arrives with the same
// dedup key. A pending message that is not echoed within the timeout becomes
// uncertain and can be resent with the same key. Confirmation and timeout are
// decided under one lock, so exactly one of them moves a message out of pending.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/livechat-sync/internal/model"
)

// DefaultTimeout bounds how long a send may stay unconfirmed.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownKey is returned by Resend for a key the reconciler never sent.
	ErrUnknownKey = errors.New("unknown dedup key")

	// ErrAlreadyConfirmed is returned by Resend for a message already echoed.
	ErrAlreadyConfirmed = errors.New("message already confirmed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reconciler closed")
)

// State is the delivery state of a transcript entry.
type State string

const (
	StateConfirmed State = "confirmed"
	StatePending   State = "pending"
	StateUncertain State = "uncertain"
)

// Entry is one rendered transcript line.
type Entry struct {
	Message model.Message `json:"message"`
	State   State         `json:"state"`
	// Err is model.ErrDeliveryTimeout for uncertain entries.
	Err error `json:"-"`
}

// ChangeKind describes a transcript change.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeUncertain ChangeKind = "uncertain"
	// ChangeRetrying marks an entry already on screen as pending again.
	ChangeRetrying  ChangeKind = "retrying"
	ChangeStatus    ChangeKind = "status"
	ChangeReset     ChangeKind = "reset"
)

// Change is delivered to Options.OnChange.
type Change struct {
	Kind  ChangeKind
	Entry Entry
	// Thread is set for status and reset changes.
	Thread ThreadState
}

// ThreadState is the thread header as last seen by the client.
type ThreadState struct {
	ThreadID      string       `json:"thread_id"`
	Status        model.Status `json:"status"`
	WasReopened   bool         `json:"was_reopened"`
	AssignedAgent string       `json:"assigned_agent,omitempty"`
	LastActivity  time.Time    `json:"last_activity"`
}

// Options configures a Reconciler.
type Options struct {
	Timeout time.Duration
	// OnChange receives changes in the order they happened, from a single
	// goroutine. It may call back into the Reconciler.
	OnChange func(Change)
}

type local struct {
	msg   model.Message
	state State
	timer *time.Timer
	gen   uint64
}

// Reconciler merges local sends with authoritative events for one client.
type Reconciler struct {
	clientID string
	timeout  time.Duration

	mu          sync.Mutex
	seq         uint64
	confirmed   map[int]model.Message
	keys        map[string]int // dedup key -> confirmed position
	locals      []*local       // unconfirmed sends in send order
	nextPos     int
	needsResync bool
	thread      ThreadState
	closed      bool

	onChange func(Change)
	queue    []Change
	wake     chan struct{}
	done     chan struct{}
}

// New creates a reconciler for clientID.
func New(clientID string, opts Options) *Reconciler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r := &Reconciler{
		clientID:  clientID,
		timeout:   opts.Timeout,
		confirmed: make(map[int]model.Message),
		keys:      make(map[string]int),
		onChange:  opts.OnChange,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if r.onChange != nil {
		go r.dispatch()
	}
	return r
}

// ClientID returns the client identity used in dedup keys.
func (r *Reconciler) ClientID() string {
	return r.clientID
}

// Send renders a new outbound message immediately and returns the request to
// deliver to the server.
func (r *Reconciler) Send(role model.Role, content string, attachment *model.Attachment) (model.PostMessageRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.PostMessageRequest{}, ErrClosed
	}

	r.seq++
	key := model.NewDedupKey(role, r.clientID, r.seq, content)
	l := &local{
		msg: model.Message{
			ThreadID:   r.thread.ThreadID,
			DedupKey:   key,
			ClientID:   r.clientID,
			ClientSeq:  r.seq,
			Role:       role,
			Content:    content,
			Attachment: attachment,
			Position:   -1,
			CreatedAt:  time.Now().UTC(),
		},
		state: StatePending,
	}
	r.locals = append(r.locals, l)
	r.arm(l)
	r.emit(Change{Kind: ChangeAdded, Entry: l.entry()})

	return model.PostMessageRequest{
		Content:    content,
		Attachment: attachment,
		ClientID:   r.clientID,
		ClientSeq:  r.seq,
		DedupKey:   key,
	}, nil
}

// Resend re-arms an uncertain or pending message and returns the request to
// deliver again under the same dedup key.
func (r *Reconciler) Resend(key string) (model.PostMessageRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.PostMessageRequest{}, ErrClosed
	}
	if _, ok := r.keys[key]; ok {
		return model.PostMessageRequest{}, ErrAlreadyConfirmed
	}

	l := r.findLocal(key)
	if l == nil {
		return model.PostMessageRequest{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if l.state == StateUncertain {
		l.state = StatePending
		r.emit(Change{Kind: ChangeRetrying, Entry: l.entry()})
	}
	r.arm(l)

	return model.PostMessageRequest{
		Content:    l.msg.Content,
		Attachment: l.msg.Attachment,
		ClientID:   l.msg.ClientID,
		ClientSeq:  l.msg.ClientSeq,
		DedupKey:   l.msg.DedupKey,
	}, nil
}

// Apply merges one authoritative event.
func (r *Reconciler) Apply(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.thread.ThreadID != "" && ev.ThreadID != "" && ev.ThreadID != r.thread.ThreadID {
		return
	}

	switch ev.Kind {
	case model.EventMessageAdded:
		if ev.Message != nil {
			r.applyMessage(*ev.Message)
		}
	case model.EventStatusChanged:
		r.thread.Status = ev.Status
		r.thread.WasReopened = ev.WasReopened
		if ev.Status == model.StatusOpen {
			r.thread.AssignedAgent = ""
		}
		r.touch(ev.LastActivity)
		r.emit(Change{Kind: ChangeStatus, Thread: r.thread})
	case model.EventAgentJoined:
		r.thread.AssignedAgent = ev.Agent
		if ev.Status != "" {
			r.thread.Status = ev.Status
		}
		r.touch(ev.LastActivity)
		r.emit(Change{Kind: ChangeStatus, Thread: r.thread})
	}
}

func (r *Reconciler) applyMessage(m model.Message) {
	if _, ok := r.keys[m.DedupKey]; ok {
		return
	}
	if _, ok := r.confirmed[m.Position]; ok {
		return
	}
	if m.Position > r.nextPos {
		r.needsResync = true
	}
	if m.Position >= r.nextPos {
		r.nextPos = m.Position + 1
	}
	r.confirmed[m.Position] = m
	r.keys[m.DedupKey] = m.Position
	r.touch(m.CreatedAt)

	if i := r.localIndex(m.DedupKey); i >= 0 {
		l := r.locals[i]
		if l.timer != nil {
			l.timer.Stop()
		}
		r.locals = append(r.locals[:i], r.locals[i+1:]...)
		r.emit(Change{Kind: ChangeConfirmed, Entry: Entry{Message: m, State: StateConfirmed}})
		return
	}
	r.emit(Change{Kind: ChangeAdded, Entry: Entry{Message: m, State: StateConfirmed}})
}

// Resync replaces the confirmed transcript with a full thread snapshot. Local
// sends present in the snapshot are confirmed; the rest stay pending or uncertain.
// Confirmed messages of the same thread past the end of the snapshot are kept, so
// a snapshot taken before events already applied never shrinks the transcript.
func (r *Reconciler) Resync(t model.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	prev := r.confirmed
	if r.thread.ThreadID != t.ID {
		prev = nil
	}

	r.confirmed = make(map[int]model.Message, len(t.Messages))
	r.keys = make(map[string]int, len(t.Messages))
	r.nextPos = 0
	for _, m := range t.Messages {
		r.confirmed[m.Position] = m
		r.keys[m.DedupKey] = m.Position
		if m.Position >= r.nextPos {
			r.nextPos = m.Position + 1
		}
	}
	end := r.nextPos
	for pos, m := range prev {
		if pos < end {
			continue
		}
		if _, ok := r.keys[m.DedupKey]; ok {
			continue
		}
		r.confirmed[pos] = m
		r.keys[m.DedupKey] = pos
		if pos >= r.nextPos {
			r.nextPos = pos + 1
		}
	}
	r.needsResync = len(r.confirmed) != r.nextPos

	kept := r.locals[:0]
	for _, l := range r.locals {
		if _, ok := r.keys[l.msg.DedupKey]; ok {
			if l.timer != nil {
				l.timer.Stop()
			}
			continue
		}
		l.msg.ThreadID = t.ID
		kept = append(kept, l)
	}
	for i := len(kept); i < len(r.locals); i++ {
		r.locals[i] = nil
	}
	r.locals = kept

	r.thread = ThreadState{
		ThreadID:      t.ID,
		Status:        t.Status,
		WasReopened:   t.WasReopened,
		AssignedAgent: t.AssignedAgent,
		LastActivity:  t.LastActivity,
	}
	r.emit(Change{Kind: ChangeReset, Thread: r.thread})
}

// Transcript returns confirmed messages in thread order followed by unconfirmed
// local sends in send order.
func (r *Reconciler) Transcript() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions := make([]int, 0, len(r.confirmed))
	for p := range r.confirmed {
		positions = append(positions, p)
	}
	sort.Ints(positions)

	out := make([]Entry, 0, len(positions)+len(r.locals))
	for _, p := range positions {
		out = append(out, Entry{Message: r.confirmed[p].Clone(), State: StateConfirmed})
	}
	for _, l := range r.locals {
		out = append(out, l.entry())
	}
	return out
}

// Pending returns the unconfirmed local sends.
func (r *Reconciler) Pending() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.locals))
	for _, l := range r.locals {
		out = append(out, l.entry())
	}
	return out
}

// Status returns the thread header as last seen.
func (r *Reconciler) Status() ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

// NeedsResync reports whether a gap in message positions was observed.
func (r *Reconciler) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsResync
}

// Close stops all timers. Pending messages stay pending.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, l := range r.locals {
		if l.timer != nil {
			l.timer.Stop()
		}
	}
	close(r.done)
}

// arm starts a fresh timeout for l. Callers hold r.mu.
func (r *Reconciler) arm(l *local) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.gen++
	gen := l.gen
	l.timer = time.AfterFunc(r.timeout, func() { r.expire(l, gen) })
}

func (r *Reconciler) expire(l *local, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A confirm or resend that won the lock first invalidates this timer.
	if r.closed || l.gen != gen || l.state != StatePending || r.localIndex(l.msg.DedupKey) < 0 {
		return
	}
	l.state = StateUncertain
	r.emit(Change{Kind: ChangeUncertain, Entry: l.entry()})
}

func (r *Reconciler) findLocal(key string) *local {
	if i := r.localIndex(key); i >= 0 {
		return r.locals[i]
	}
	return nil
}

func (r *Reconciler) localIndex(key string) int {
	for i, l := range r.locals {
		if l.msg.DedupKey == key {
			return i
		}
	}
	return -1
}

func (r *Reconciler) touch(ts time.Time) {
	if ts.After(r.thread.LastActivity) {
		r.thread.LastActivity = ts
	}
}

// emit queues a change for the dispatcher. Callers hold r.mu.
func (r *Reconciler) emit(c Change) {
	if r.onChange == nil {
		return
	}
	r.queue = append(r.queue, c)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reconciler) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, c := range batch {
			r.onChange(c)
		}
	}
}

func (l *local) entry() Entry {
	e := Entry{Message: l.msg.Clone(), State: l.state}
	if l.state == StateUncertain {
		e.Err = model.ErrDeliveryTimeout
	}
	return e
}
