package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

const (
	// AuditStreamName is the name of the lifecycle audit stream.
	AuditStreamName = "LIVECHAT_AUDIT"

	// AuditSubjectPrefix is the prefix for all audit subjects.
	AuditSubjectPrefix = "livechat.audit"
)

// AuditSubject returns the subject for a thread lifecycle event.
func AuditSubject(threadID string, kind model.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", AuditSubjectPrefix, threadID, kind)
}

// auditKinds are the event kinds kept in the audit stream. Message bodies stay
// in the thread store.
var auditKinds = map[model.EventKind]bool{
	model.EventStatusChanged: true,
	model.EventAgentJoined:   true,
	model.EventAgentRequired: true,
}

// auditBuffer bounds the lifecycle events waiting to be written.
const auditBuffer = 1024

// AuditStream records thread lifecycle events in JetStream. Record only queues;
// Run does the writing.
type AuditStream struct {
	js      jetstream.JetStream
	timeout time.Duration
	events  chan model.Event
	logger  *logger.Logger
}

// NewAuditStream creates an audit stream over client.
func NewAuditStream(client *Client, log *logger.Logger) *AuditStream {
	return newAuditStream(client.JetStream(), log)
}

func newAuditStream(js jetstream.JetStream, log *logger.Logger) *AuditStream {
	return &AuditStream{
		js:      js,
		timeout: 5 * time.Second,
		events:  make(chan model.Event, auditBuffer),
		logger:  logger.OrGlobal(log).Component("audit"),
	}
}

// EnsureStream ensures the audit stream exists with proper configuration.
func (a *AuditStream) EnsureStream(ctx context.Context) error {
	_, err := a.js.Stream(ctx, AuditStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = a.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        AuditStreamName,
		Subjects:    []string{AuditSubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Thread lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Record queues event if it is a lifecycle event. It never blocks: when the
// writer is behind the event is dropped and logged.
func (a *AuditStream) Record(event model.Event) {
	if !auditKinds[event.Kind] || event.ThreadID == "" {
		return
	}
	select {
	case a.events <- event:
	default:
		a.logger.Warn("audit queue full, dropping event",
			logger.ThreadID(event.ThreadID),
			zap.String("kind", string(event.Kind)),
		)
	}
}

// Run writes queued events until ctx is done.
func (a *AuditStream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.publish(ev)
		}
	}
}

func (a *AuditStream) publish(event model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		a.logger.Error("failed to encode audit event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if _, err := a.js.Publish(ctx, AuditSubject(event.ThreadID, event.Kind), data); err != nil {
		a.logger.Warn("failed to record audit event",
			logger.ThreadID(event.ThreadID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

// History returns up to limit recorded lifecycle events for a thread, oldest first.
func (a *AuditStream) History(ctx context.Context, threadID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := a.js.OrderedConsumer(ctx, AuditStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.%s.>", AuditSubjectPrefix, threadID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.Event
	for msg := range batch.Messages() {
		var ev model.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return events, nil
}
