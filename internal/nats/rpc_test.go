package nats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

type fakeOwner struct {
	threads map[string]model.Thread
	joins   []string
}

func (f *fakeOwner) Owns(_ context.Context, id string) bool {
	_, ok := f.threads[id]
	return ok
}

func (f *fakeOwner) Snapshot(_ context.Context, id string) (model.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return model.Thread{}, model.ErrNotFound
	}
	return t, nil
}

func (f *fakeOwner) JoinAgent(_ context.Context, id, agent string) (model.Thread, bool, error) {
	f.joins = append(f.joins, agent)
	t := f.threads[id]
	if t.AssignedAgent != "" && t.AssignedAgent != agent {
		return t, false, model.ErrAlreadyAssigned
	}
	changed := t.AssignedAgent == ""
	t.AssignedAgent = agent
	t.Status = model.StatusInProgress
	f.threads[id] = t
	return t, changed, nil
}

func decodeReply(t *testing.T, data []byte) rpcReply {
	t.Helper()
	var r rpcReply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestThreadRPC_OnlyOwnerReplies(t *testing.T) {
	owner := &fakeOwner{threads: map[string]model.Thread{"t1": {ID: "t1", Status: model.StatusOpen}}}
	r := NewThreadRPC(nil, 0, logger.NewNop())
	r.owner = owner

	_, ok := r.handle(RPCSubject(OpSnapshot, "elsewhere"), nil)
	assert.False(t, ok, "non-owners stay silent")

	_, ok = r.handle("livechat.other.snapshot.t1", nil)
	assert.False(t, ok)

	_, ok = r.handle(RPCSubject("rename", "t1"), nil)
	assert.False(t, ok)

	data, ok := r.handle(RPCSubject(OpSnapshot, "t1"), nil)
	require.True(t, ok)
	thread, changed, err := decodeReply(t, data).result()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "t1", thread.ID)
}

func TestThreadRPC_JoinCarriesThreadAndConflict(t *testing.T) {
	owner := &fakeOwner{threads: map[string]model.Thread{"t1": {ID: "t1", Status: model.StatusOpen}}}
	r := NewThreadRPC(nil, 0, logger.NewNop())
	r.owner = owner

	req, err := json.Marshal(rpcRequest{Agent: "alice"})
	require.NoError(t, err)
	data, ok := r.handle(RPCSubject(OpJoin, "t1"), req)
	require.True(t, ok)
	thread, changed, err := decodeReply(t, data).result()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "alice", thread.AssignedAgent)

	req, err = json.Marshal(rpcRequest{Agent: "bob"})
	require.NoError(t, err)
	data, ok = r.handle(RPCSubject(OpJoin, "t1"), req)
	require.True(t, ok)
	thread, changed, err = decodeReply(t, data).result()
	assert.ErrorIs(t, err, model.ErrAlreadyAssigned)
	assert.False(t, changed)
	assert.Equal(t, "alice", thread.AssignedAgent, "the loser still learns who holds the thread")

	assert.Equal(t, []string{"alice", "bob"}, owner.joins)
}

func TestThreadRPC_ReplyErrorCodes(t *testing.T) {
	for _, target := range []error{model.ErrNotFound, model.ErrInvalidTransition, model.ErrAgentOffline} {
		_, _, err := decodeReply(t, encodeReply(model.Thread{}, false, target)).result()
		assert.ErrorIs(t, err, target)
	}

	_, _, err := decodeReply(t, encodeReply(model.Thread{}, false, assert.AnError)).result()
	require.Error(t, err)
	assert.Equal(t, assert.AnError.Error(), err.Error())
}

func TestThreadRPC_RejectsUnroutableThreadIDs(t *testing.T) {
	r := NewThreadRPC(nil, 0, logger.NewNop())

	_, err := r.Snapshot(t.Context(), "a.>")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, _, err = r.JoinAgent(t.Context(), "", "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
