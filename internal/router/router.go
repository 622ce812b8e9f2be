// Package router matches threads waiting for a human to online agents and
// arbitrates concurrent claims.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/presence"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

// Sessions is the part of the session coordinator the router drives.
type Sessions interface {
	JoinAgent(ctx context.Context, threadID, agent string) (model.Thread, bool, error)
	List(ctx context.Context, filter model.ThreadFilter) []model.ThreadSummary
}

// Bus is the event bus as seen by the router.
type Bus interface {
	Connect(id string, kind bus.Kind) *bus.Subscriber
	Subscribe(id, topic string) error
	Disconnect(id string)
	Publish(topic string, event model.Event)
}

// Router routes agent_required events and handles claims.
type Router struct {
	sessions Sessions
	bus      Bus
	presence *presence.Registry
	logger   *logger.Logger
	id       string
}

// New creates a router.
func New(sessions Sessions, b Bus, reg *presence.Registry, l *logger.Logger) *Router {
	return &Router{
		sessions: sessions,
		bus:      b,
		presence: reg,
		logger:   logger.OrGlobal(l).Component("router"),
		id:       "router",
	}
}

// Run consumes the agent pool topic until ctx is done. After falling behind and
// being evicted it resubscribes and rebuilds from the thread store whatever the
// missed events would have done.
func (r *Router) Run(ctx context.Context) error {
	for resync := false; ; resync = true {
		err := r.consume(ctx, resync)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, bus.ErrSubscriberEvicted) {
			return err
		}
		r.logger.Warn("router fell behind the agent pool, resubscribing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *Router) consume(ctx context.Context, resync bool) error {
	sub := r.bus.Connect(r.id, bus.KindInternal)
	defer r.bus.Disconnect(r.id)

	if err := r.bus.Subscribe(r.id, model.AgentPoolTopic); err != nil {
		return fmt.Errorf("subscribe to agent pool: %w", err)
	}
	if resync {
		r.resync(ctx)
	}

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		r.handle(d.Event)
	}
}

func (r *Router) handle(ev model.Event) {
	switch ev.Kind {
	case model.EventAgentRequired:
		r.notify(ev.ThreadID, ev.LastActivity)
	case model.EventStatusChanged:
		// Resolving or reopening releases everyone who had joined.
		if ev.Status == model.StatusResolved || ev.Status == model.StatusOpen {
			r.release(ev.ThreadID)
		}
	}
}

// release drops every join of threadID.
func (r *Router) release(threadID string) {
	for _, p := range r.presence.LeaveAll(threadID) {
		r.publishPresence(p)
		r.presence.Remove(p.AgentID)
	}
}

// resync runs after the pool subscription is back: it offers every waiting thread
// again and releases joins of threads resolved in the meantime. Events seen both
// here and on the new subscription are harmless to repeat.
func (r *Router) resync(ctx context.Context) {
	threads := r.sessions.List(ctx, model.ThreadFilter{})
	status := make(map[string]model.Status, len(threads))
	waiting := 0
	for _, t := range threads {
		status[t.ID] = t.Status
		if t.AgentRequired && t.AssignedAgent == "" {
			r.notify(t.ID, t.LastActivity)
			waiting++
		}
	}

	released := map[string]bool{}
	for _, p := range r.presence.All() {
		for _, id := range p.JoinedThreadIDs {
			if status[id] == model.StatusResolved && !released[id] {
				released[id] = true
				r.release(id)
			}
		}
	}
	r.logger.Info("router resynced", zap.Int("waiting", waiting), zap.Int("released", len(released)))
}

// notify offers the thread to every online agent, least loaded first.
func (r *Router) notify(threadID string, lastActivity time.Time) []string {
	online := r.presence.Online()
	if len(online) == 0 {
		r.logger.Info("no agents online for waiting thread", logger.ThreadID(threadID))
		return nil
	}

	candidates := make([]string, len(online))
	for i, p := range online {
		candidates[i] = p.AgentID
	}

	for _, agent := range candidates {
		r.bus.Publish(model.AgentInboxTopic(agent), model.Event{
			Kind:         model.EventAgentRequired,
			ThreadID:     threadID,
			Candidates:   candidates,
			LastActivity: lastActivity,
		})
	}

	r.logger.Debug("thread offered to agents", logger.ThreadID(threadID), zap.Strings("candidates", candidates))
	return candidates
}

// Claim assigns the thread to agent. The agent must be online. When another agent
// already holds the thread the claimant joins as an observer and
// model.ErrAlreadyAssigned is returned alongside the observer response.
func (r *Router) Claim(ctx context.Context, threadID, agent string) (model.ClaimResponse, error) {
	if !r.presence.IsOnline(agent) {
		return model.ClaimResponse{}, fmt.Errorf("%w: %s", model.ErrAgentOffline, agent)
	}

	t, _, err := r.sessions.JoinAgent(ctx, threadID, agent)
	switch {
	case errors.Is(err, model.ErrAlreadyAssigned):
		r.join(agent, threadID)
		r.logger.Info("claim lost, joined as observer",
			logger.ThreadID(threadID),
			logger.AgentID(agent),
			zap.String("assigned_agent", t.AssignedAgent),
		)
		return model.ClaimResponse{
			Thread:   t.Summary(),
			Mode:     model.ClaimModeObserver,
			Assigned: t.AssignedAgent,
		}, err
	case err != nil:
		return model.ClaimResponse{}, err
	}

	r.join(agent, threadID)
	return model.ClaimResponse{
		Thread:   t.Summary(),
		Mode:     model.ClaimModeAssigned,
		Assigned: t.AssignedAgent,
	}, nil
}

// SetOnline marks the agent online and offers it every thread still waiting.
func (r *Router) SetOnline(ctx context.Context, agent string) model.AgentPresence {
	p, changed := r.presence.SetOnline(agent)
	if !changed {
		return p
	}
	r.publishPresence(p)
	r.logger.Info("agent online", logger.AgentID(agent))

	for _, t := range r.sessions.List(ctx, model.ThreadFilter{AgentRequired: true}) {
		r.bus.Publish(model.AgentInboxTopic(agent), model.Event{
			Kind:         model.EventAgentRequired,
			ThreadID:     t.ID,
			Candidates:   []string{agent},
			LastActivity: t.LastActivity,
		})
	}
	return p
}

// SetOffline marks the agent offline.
func (r *Router) SetOffline(_ context.Context, agent string) model.AgentPresence {
	p, changed := r.presence.SetOffline(agent)
	if changed {
		r.publishPresence(p)
		r.logger.Info("agent offline", logger.AgentID(agent))
	}
	r.presence.Remove(agent)
	return p
}

// Join records that agent is viewing the thread without claiming it.
func (r *Router) Join(_ context.Context, agent, threadID string) model.AgentPresence {
	return r.join(agent, threadID)
}

// Leave records that agent stopped viewing the thread.
func (r *Router) Leave(_ context.Context, agent, threadID string) model.AgentPresence {
	p, changed := r.presence.Leave(agent, threadID)
	if changed {
		r.publishPresence(p)
	}
	r.presence.Remove(agent)
	return p
}

// Agents returns every known agent.
func (r *Router) Agents() []model.AgentPresence {
	return r.presence.All()
}

func (r *Router) join(agent, threadID string) model.AgentPresence {
	p, changed := r.presence.Join(agent, threadID)
	if changed {
		r.publishPresence(p)
	}
	return p
}

func (r *Router) publishPresence(p model.AgentPresence) {
	r.bus.Publish(model.AgentPoolTopic, model.Event{
		Kind:     model.EventPresenceChanged,
		Agent:    p.AgentID,
		Presence: &p,
	})
}
