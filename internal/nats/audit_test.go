package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

func TestAuditStream_RecordQueuesLifecycleEventsOnly(t *testing.T) {
	a := newAuditStream(nil, logger.NewNop())

	a.Record(model.Event{Kind: model.EventMessageAdded, ThreadID: "t1"})
	a.Record(model.Event{Kind: model.EventStatusChanged})
	a.Record(model.Event{Kind: model.EventStatusChanged, ThreadID: "t1", Status: model.StatusResolved})

	require.Len(t, a.events, 1)
	ev := <-a.events
	assert.Equal(t, model.StatusResolved, ev.Status)
}

func TestAuditStream_RecordNeverBlocks(t *testing.T) {
	a := newAuditStream(nil, logger.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < auditBuffer+10; i++ {
			a.Record(model.Event{Kind: model.EventAgentJoined, ThreadID: "t1", Agent: "alice"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked with no writer running")
	}
	assert.Len(t, a.events, auditBuffer)
}

func TestAuditStream_RunStopsWithContext(t *testing.T) {
	a := newAuditStream(nil, logger.NewNop())
	ctx, cancel := context.WithCancel(t.Context())

	stopped := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
