// Package presence tracks which agents are online and which threads they have joined.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

type entry struct {
	online    bool
	threads   map[string]struct{}
	updatedAt time.Time
}

func (e *entry) snapshot(id string) model.AgentPresence {
	joined := make([]string, 0, len(e.threads))
	for t := range e.threads {
		joined = append(joined, t)
	}
	sort.Strings(joined)
	return model.AgentPresence{
		AgentID:         id,
		Online:          e.online,
		JoinedThreadIDs: joined,
		UpdatedAt:       e.updatedAt,
	}
}

// Registry holds presence for all known agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) get(id string) *entry {
	e, ok := r.agents[id]
	if !ok {
		e = &entry{threads: make(map[string]struct{})}
		r.agents[id] = e
	}
	return e
}

// SetOnline marks the agent online. It reports whether the state changed.
func (r *Registry) SetOnline(id string) (model.AgentPresence, bool) {
	return r.setOnline(id, true)
}

// SetOffline marks the agent offline. Joined threads are kept so the agent
// resumes them when it comes back.
func (r *Registry) SetOffline(id string) (model.AgentPresence, bool) {
	return r.setOnline(id, false)
}

func (r *Registry) setOnline(id string, online bool) (model.AgentPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(id)
	changed := e.online != online
	if changed {
		e.online = online
		e.updatedAt = r.now()
		if online {
			metrics.AgentsOnline.Inc()
		} else {
			metrics.AgentsOnline.Dec()
		}
	}
	return e.snapshot(id), changed
}

// Join records that the agent is in threadID.
func (r *Registry) Join(id, threadID string) (model.AgentPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(id)
	if _, ok := e.threads[threadID]; ok {
		return e.snapshot(id), false
	}
	e.threads[threadID] = struct{}{}
	e.updatedAt = r.now()
	return e.snapshot(id), true
}

// Leave removes threadID from the agent's joined threads.
func (r *Registry) Leave(id, threadID string) (model.AgentPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return model.AgentPresence{AgentID: id, JoinedThreadIDs: []string{}}, false
	}
	if _, ok := e.threads[threadID]; !ok {
		return e.snapshot(id), false
	}
	delete(e.threads, threadID)
	e.updatedAt = r.now()
	return e.snapshot(id), true
}

// LeaveAll removes threadID from every agent, returning the agents that were in it.
func (r *Registry) LeaveAll(threadID string) []model.AgentPresence {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.AgentPresence
	for id, e := range r.agents {
		if _, ok := e.threads[threadID]; ok {
			delete(e.threads, threadID)
			e.updatedAt = r.now()
			out = append(out, e.snapshot(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns the agent's presence. Unknown agents are reported offline.
func (r *Registry) Get(id string) model.AgentPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return model.AgentPresence{AgentID: id, JoinedThreadIDs: []string{}}
	}
	return e.snapshot(id)
}

// IsOnline reports whether the agent is online.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return ok && e.online
}

// Online returns online agents ordered by number of joined threads, then id.
func (r *Registry) Online() []model.AgentPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.AgentPresence, 0, len(r.agents))
	for id, e := range r.agents {
		if e.online {
			out = append(out, e.snapshot(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := len(out[i].JoinedThreadIDs), len(out[j].JoinedThreadIDs)
		if li != lj {
			return li < lj
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// All returns every known agent ordered by id.
func (r *Registry) All() []model.AgentPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.AgentPresence, 0, len(r.agents))
	for id, e := range r.agents {
		out = append(out, e.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Remove forgets an agent that is offline and follows no thread. It reports
// whether the agent was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok || e.online || len(e.threads) > 0 {
		return false
	}
	delete(r.agents, id)
	return true
}
