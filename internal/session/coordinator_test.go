package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/responder"
	"github.com/capitalize-ai/livechat-sync/internal/store"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

type harness struct {
	store *store.Store
	bus   *bus.Bus
	coord *Coordinator
}

func newHarness(t *testing.T, r responder.Responder, storeOpts ...store.Option) *harness {
	t.Helper()
	nop := logger.NewNop()
	s := store.New(append([]store.Option{store.WithLogger(nop)}, storeOpts...)...)
	b := bus.New(bus.WithLogger(nop), bus.WithOrigin("test"))
	opts := []Option{WithLogger(nop)}
	if r != nil {
		opts = append(opts, WithResponder(r))
	}
	return &harness{
		store: s,
		bus:   b,
		coord: New(s, b, Config{ResponderTimeout: 200 * time.Millisecond}, opts...),
	}
}

func (h *harness) watch(t *testing.T, topic string) *bus.Subscriber {
	t.Helper()
	id := fmt.Sprintf("watch-%s-%d", topic, time.Now().UnixNano())
	s := h.bus.Connect(id, bus.KindAgent)
	require.NoError(t, h.bus.Subscribe(id, topic))
	return s
}

// drain collects deliveries until the subscriber goes quiet.
func drain(t *testing.T, s *bus.Subscriber) []model.Event {
	t.Helper()
	var out []model.Event
	for {
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		d, err := s.Next(ctx)
		cancel()
		if err != nil {
			return out
		}
		out = append(out, d.Event)
	}
}

func kinds(events []model.Event) []model.EventKind {
	out := make([]model.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestCoordinator_PostMessagePublishesEcho(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	sub := h.watch(t, model.ThreadTopic(th.ID))

	msg, dup, err := h.coord.PostMessage(ctx, th.ID, Post{
		Role: model.RoleUser, Content: "hello", ClientID: "w1", ClientSeq: 1,
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, model.NewDedupKey(model.RoleUser, "w1", 1, "hello"), msg.DedupKey)

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMessageAdded, events[0].Kind)
	assert.Equal(t, msg.DedupKey, events[0].Message.DedupKey)
	assert.Equal(t, 0, events[0].Message.Position)
}

func TestCoordinator_DuplicateResendRepublishesOriginal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	sub := h.watch(t, model.ThreadTopic(th.ID))

	post := Post{Role: model.RoleUser, Content: "hello", DedupKey: "k1"}
	first, _, err := h.coord.PostMessage(ctx, th.ID, post)
	require.NoError(t, err)
	again, dup, err := h.coord.PostMessage(ctx, th.ID, post)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)

	snap, err := h.coord.Snapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[1].Message.ID)
}

func TestCoordinator_PostMessageValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	_, _, err = h.coord.PostMessage(ctx, th.ID, Post{Role: model.RoleUser, Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = h.coord.PostMessage(ctx, th.ID, Post{Role: "bot", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = h.coord.PostMessage(ctx, "missing", Post{Role: model.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, _, err = h.coord.PostMessage(ctx, th.ID, Post{
		Role:       model.RoleUser,
		Attachment: &model.Attachment{URL: "https://files.example.com/a.png"},
	})
	assert.NoError(t, err)
}

func TestCoordinator_AskAnswers(t *testing.T) {
	var got responder.Request
	r := responder.Func(func(_ context.Context, req responder.Request) (responder.Answer, error) {
		got = req
		return responder.Answer{Content: "Have you tried turning it off and on?"}, nil
	})
	h := newHarness(t, r)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{Greeting: "Hi! How can I help?"})
	require.NoError(t, err)

	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "it broke", ClientID: "w1", ClientSeq: 1})
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, model.RoleAssistant, resp.Answer.Role)
	assert.Equal(t, model.RoleUser, resp.Question.Role)
	assert.False(t, resp.AgentRequired)

	assert.Equal(t, "it broke", got.Question)
	require.Len(t, got.History, 1)
	assert.Equal(t, "Hi! How can I help?", got.History[0].Content)

	snap, err := h.coord.Snapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 3)
}

func TestCoordinator_AskResponderFailure(t *testing.T) {
	r := responder.Func(func(context.Context, responder.Request) (responder.Answer, error) {
		return responder.Answer{}, errors.New("upstream 500")
	})
	h := newHarness(t, r)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, model.RoleSystem, resp.Answer.Role)
	assert.Equal(t, MsgResponderError, resp.Answer.Content)
}

func TestCoordinator_AskResponderTimeout(t *testing.T) {
	r := responder.Func(func(ctx context.Context, _ responder.Request) (responder.Answer, error) {
		<-ctx.Done()
		return responder.Answer{}, ctx.Err()
	})
	h := newHarness(t, r)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	start := time.Now()
	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "hello"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, MsgResponderError, resp.Answer.Content)
}

func TestCoordinator_AskHandoff(t *testing.T) {
	r := responder.Func(func(context.Context, responder.Request) (responder.Answer, error) {
		return responder.Answer{Handoff: true}, nil
	})
	h := newHarness(t, r)
	ctx := t.Context()
	pool := h.watch(t, model.AgentPoolTopic)

	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "I want a human"})
	require.NoError(t, err)
	assert.True(t, resp.AgentRequired)
	assert.Nil(t, resp.Answer)

	events := drain(t, pool)
	require.Equal(t, []model.EventKind{model.EventAgentRequired}, kinds(events))
	assert.Equal(t, th.ID, events[0].ThreadID)

	snap, err := h.coord.Snapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.True(t, snap.AgentRequired)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, model.RoleSystem, last.Role)
	assert.Equal(t, MsgConnecting, last.Content)

	// A second question while waiting does not reach the responder.
	resp, err = h.coord.Ask(ctx, th.ID, Post{Content: "hello?"})
	require.NoError(t, err)
	assert.True(t, resp.AgentRequired)
	assert.Empty(t, drain(t, pool))
}

func TestCoordinator_AskWithAgentEngagedSkipsResponder(t *testing.T) {
	called := false
	r := responder.Func(func(context.Context, responder.Request) (responder.Answer, error) {
		called = true
		return responder.Answer{Content: "bot"}, nil
	})
	h := newHarness(t, r)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{AssignedAgent: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, th.Status)

	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.AgentEngaged)
	assert.Nil(t, resp.Answer)
	assert.False(t, called)
}

func TestCoordinator_AskWithoutResponderEscalates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	resp, err := h.coord.Ask(ctx, th.ID, Post{Content: "hi"})
	require.NoError(t, err)
	assert.True(t, resp.AgentRequired)
}

func TestCoordinator_ResolveAndReopen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	threadSub := h.watch(t, model.ThreadTopic(th.ID))
	pool := h.watch(t, model.AgentPoolTopic)

	_, err = h.coord.Resolve(ctx, "", model.Resolution{Category: "billing"})
	assert.ErrorIs(t, err, model.ErrMissingSelectedChat)

	_, err = h.coord.Resolve(ctx, th.ID, model.Resolution{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	resolved, err := h.coord.Resolve(ctx, th.ID, model.Resolution{QueryType: "question", Category: "billing"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, resolved.Status)
	assert.False(t, resolved.WasReopened)

	_, err = h.coord.Resolve(ctx, th.ID, model.Resolution{Category: "billing"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	reopened, err := h.coord.Reopen(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, reopened.Status)
	assert.True(t, reopened.WasReopened)

	_, err = h.coord.Reopen(ctx, th.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	for _, sub := range []*bus.Subscriber{threadSub, pool} {
		events := drain(t, sub)
		require.Len(t, events, 2)
		assert.Equal(t, model.StatusResolved, events[0].Status)
		assert.Equal(t, model.StatusOpen, events[0].From)
		assert.Equal(t, model.StatusOpen, events[1].Status)
		assert.True(t, events[1].WasReopened)
	}
}

func TestCoordinator_RequestAgentOnResolvedThread(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = h.coord.Resolve(ctx, th.ID, model.Resolution{Category: "other"})
	require.NoError(t, err)

	_, _, err = h.coord.RequestAgent(ctx, th.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCoordinator_JoinAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	_, _, err = h.coord.RequestAgent(ctx, th.ID)
	require.NoError(t, err)
	threadSub := h.watch(t, model.ThreadTopic(th.ID))

	joined, changed, err := h.coord.JoinAgent(ctx, th.ID, "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusInProgress, joined.Status)
	assert.Equal(t, "alice", joined.AssignedAgent)
	assert.False(t, joined.AgentRequired)
	assert.Equal(t, ConnectedMessage("alice"), joined.Messages[len(joined.Messages)-1].Content)

	assert.Equal(t, []model.EventKind{
		model.EventAgentJoined,
		model.EventStatusChanged,
		model.EventMessageAdded,
	}, kinds(drain(t, threadSub)))

	_, changed, err = h.coord.JoinAgent(ctx, th.ID, "alice")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, drain(t, threadSub))

	cur, _, err := h.coord.JoinAgent(ctx, th.ID, "bob")
	assert.ErrorIs(t, err, model.ErrAlreadyAssigned)
	assert.Equal(t, "alice", cur.AssignedAgent)
}

func TestCoordinator_ConcurrentJoinExactlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	pool := h.watch(t, model.AgentPoolTopic)

	const agents = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   []string
		losses int
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, changed, err := h.coord.JoinAgent(ctx, th.ID, agent)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && changed:
				wins = append(wins, agent)
			case errors.Is(err, model.ErrAlreadyAssigned):
				losses++
			default:
				t.Errorf("unexpected result for %s: changed=%v err=%v", agent, changed, err)
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, agents-1, losses)

	var joinedEvents int
	for _, e := range drain(t, pool) {
		if e.Kind == model.EventAgentJoined {
			joinedEvents++
			assert.Equal(t, wins[0], e.Agent)
		}
	}
	assert.Equal(t, 1, joinedEvents)
}

func TestCoordinator_EventsFollowCommitOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	sub := h.watch(t, model.ThreadTopic(th.ID))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := h.coord.PostMessage(ctx, th.ID, Post{Role: model.RoleUser, Content: fmt.Sprint(i), DedupKey: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := drain(t, sub)
	require.Len(t, events, 50)
	for i, e := range events {
		assert.Equal(t, i, e.Message.Position)
	}
}

type brokenPersister struct{}

func (brokenPersister) SaveThread(context.Context, *model.Thread) error { return nil }
func (brokenPersister) AppendMessage(context.Context, *model.Thread, *model.Message) error {
	return errors.New("disk full")
}
func (brokenPersister) LoadThreads(context.Context) ([]model.Thread, error) { return nil, nil }
func (brokenPersister) Close() error                                        { return nil }

func TestCoordinator_PersistFailurePublishesNothing(t *testing.T) {
	h := newHarness(t, nil, store.WithPersister(brokenPersister{}, time.Second))
	ctx := t.Context()
	th, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	sub := h.watch(t, model.ThreadTopic(th.ID))

	_, _, err = h.coord.PostMessage(ctx, th.ID, Post{Role: model.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, model.ErrCollaboratorUnavailable)
	assert.Empty(t, drain(t, sub))

	snap, err := h.coord.Snapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
}

func TestCoordinator_List(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	a, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	b, err := h.coord.CreateThread(ctx, CreateOptions{AssignedAgent: "alice"})
	require.NoError(t, err)

	list := h.coord.List(ctx, model.ThreadFilter{})
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestCoordinator_RemoteThreadsGoToTheirOwner(t *testing.T) {
	ctx := t.Context()
	owner := newHarness(t, nil)
	h := newHarness(t, nil)
	h.coord.remote = owner.coord

	remote, err := owner.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	local, err := h.coord.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	assert.False(t, h.coord.Owns(ctx, remote.ID))
	assert.True(t, h.coord.Owns(ctx, local.ID))

	snap, err := h.coord.Snapshot(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, remote.ID, snap.ID)

	joined, changed, err := h.coord.JoinAgent(ctx, remote.ID, "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "alice", joined.AssignedAgent)

	held, err := owner.store.GetThread(ctx, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, held.Status)
	_, err = h.store.GetThread(ctx, remote.ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "the thread is never copied into the caller's store")

	lost, _, err := h.coord.JoinAgent(ctx, remote.ID, "bob")
	assert.ErrorIs(t, err, model.ErrAlreadyAssigned)
	assert.Equal(t, "alice", lost.AssignedAgent)

	_, _, err = h.coord.JoinAgent(ctx, local.ID, "carol")
	require.NoError(t, err)
	_, err = owner.store.GetThread(ctx, local.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.coord.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
