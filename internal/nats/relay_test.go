package nats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

type capture struct {
	topics []string
	events []model.Event
}

func (c *capture) PublishRelayed(topic string, event model.Event) {
	c.topics = append(c.topics, topic)
	c.events = append(c.events, event)
}

func TestSubjects(t *testing.T) {
	subject := EventSubject(model.ThreadTopic("abc"))
	assert.Equal(t, "livechat.events.thread.abc", subject)

	topic, ok := TopicFromSubject(subject)
	require.True(t, ok)
	assert.Equal(t, model.ThreadTopic("abc"), topic)

	_, ok = TopicFromSubject("other.events.x")
	assert.False(t, ok)

	assert.Equal(t, "livechat.audit.abc.status_changed", AuditSubject("abc", model.EventStatusChanged))
}

func TestValidSubjectTopic(t *testing.T) {
	assert.True(t, validSubjectTopic(model.AgentPoolTopic))
	assert.True(t, validSubjectTopic(model.AgentInboxTopic("alice")))
	assert.False(t, validSubjectTopic(model.AgentInboxTopic("al ice")))
	assert.False(t, validSubjectTopic("agent.>"))
	assert.False(t, validSubjectTopic("thread."))
	assert.False(t, validSubjectTopic(""))
}

func TestRelay_DeliverSkipsOwnOrigin(t *testing.T) {
	local := &capture{}
	r := NewRelay(nil, local, "instance-a", nil, logger.NewNop())

	own, err := json.Marshal(model.Event{Kind: model.EventMessageAdded, Origin: "instance-a"})
	require.NoError(t, err)
	other, err := json.Marshal(model.Event{Kind: model.EventStatusChanged, Origin: "instance-b", Status: model.StatusResolved})
	require.NoError(t, err)

	r.deliver(EventSubject(model.ThreadTopic("t1")), own)
	r.deliver(EventSubject(model.ThreadTopic("t1")), other)
	r.deliver(EventSubject(model.ThreadTopic("t1")), []byte("{not json"))
	r.deliver("unrelated.subject", other)

	require.Len(t, local.events, 1)
	assert.Equal(t, model.ThreadTopic("t1"), local.topics[0])
	assert.Equal(t, "instance-b", local.events[0].Origin)
	assert.Equal(t, model.StatusResolved, local.events[0].Status)
}
