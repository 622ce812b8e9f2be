package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_OnlineOffline(t *testing.T) {
	r := New()

	p, changed := r.SetOnline("alice")
	assert.True(t, changed)
	assert.True(t, p.Online)
	assert.True(t, r.IsOnline("alice"))

	_, changed = r.SetOnline("alice")
	assert.False(t, changed)

	p, changed = r.SetOffline("alice")
	assert.True(t, changed)
	assert.False(t, p.Online)
	assert.False(t, r.IsOnline("alice"))
	assert.False(t, r.IsOnline("nobody"))
}

func TestRegistry_JoinLeave(t *testing.T) {
	r := New()
	r.SetOnline("alice")

	_, changed := r.Join("alice", "t2")
	assert.True(t, changed)
	p, changed := r.Join("alice", "t1")
	assert.True(t, changed)
	assert.Equal(t, []string{"t1", "t2"}, p.JoinedThreadIDs)

	_, changed = r.Join("alice", "t1")
	assert.False(t, changed)

	p, changed = r.Leave("alice", "t2")
	assert.True(t, changed)
	assert.Equal(t, []string{"t1"}, p.JoinedThreadIDs)

	_, changed = r.Leave("alice", "t2")
	assert.False(t, changed)
	_, changed = r.Leave("bob", "t2")
	assert.False(t, changed)
}

func TestRegistry_OfflineKeepsJoinedThreads(t *testing.T) {
	r := New()
	r.SetOnline("alice")
	r.Join("alice", "t1")
	r.SetOffline("alice")

	assert.Equal(t, []string{"t1"}, r.Get("alice").JoinedThreadIDs)
	assert.Empty(t, r.Online())
}

func TestRegistry_OnlineOrderedByLoad(t *testing.T) {
	r := New()
	for _, id := range []string{"carol", "bob", "alice", "dave"} {
		r.SetOnline(id)
	}
	r.SetOffline("dave")
	r.Join("alice", "t1")
	r.Join("alice", "t2")
	r.Join("carol", "t3")

	var ids []string
	for _, p := range r.Online() {
		ids = append(ids, p.AgentID)
	}
	assert.Equal(t, []string{"bob", "carol", "alice"}, ids)
}

func TestRegistry_LeaveAllAndRemove(t *testing.T) {
	r := New()
	r.Join("alice", "t1")
	r.Join("bob", "t1")
	r.Join("bob", "t2")

	left := r.LeaveAll("t1")
	assert.Len(t, left, 2)
	assert.Empty(t, r.Get("alice").JoinedThreadIDs)
	assert.Equal(t, []string{"t2"}, r.Get("bob").JoinedThreadIDs)

	assert.False(t, r.Remove("bob"), "bob still follows t2")
	r.Leave("bob", "t2")
	assert.True(t, r.Remove("bob"))
	assert.Len(t, r.All(), 1)
	assert.Equal(t, "bob", r.Get("bob").AgentID)

	r.SetOnline("alice")
	assert.False(t, r.Remove("alice"), "online agents are kept")
}
