package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

// EventSubjectPrefix is the prefix for relayed bus events.
const EventSubjectPrefix = "livechat.events"

// EventSubject returns the NATS subject carrying a bus topic.
func EventSubject(topic string) string {
	return EventSubjectPrefix + "." + topic
}

// TopicFromSubject extracts the bus topic from a relay subject.
func TopicFromSubject(subject string) (string, bool) {
	topic, ok := strings.CutPrefix(subject, EventSubjectPrefix+".")
	return topic, ok && topic != ""
}

func validSubjectTopic(topic string) bool {
	if topic == "" || strings.ContainsAny(topic, " \t\r\n*>") {
		return false
	}
	for _, tok := range strings.Split(topic, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}

// LocalPublisher delivers relayed events to local subscribers only.
type LocalPublisher interface {
	PublishRelayed(topic string, event model.Event)
}

// Relay mirrors local bus publishes to other instances and fans their events
// out locally. An instance ignores events carrying its own origin.
type Relay struct {
	conn   *nats.Conn
	local  LocalPublisher
	origin string
	audit  *AuditStream
	logger *logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewRelay creates a relay over conn. audit may be nil.
func NewRelay(conn *nats.Conn, local LocalPublisher, origin string, audit *AuditStream, log *logger.Logger) *Relay {
	return &Relay{
		conn:   conn,
		local:  local,
		origin: origin,
		audit:  audit,
		logger: logger.OrGlobal(log).Component("relay"),
	}
}

// Start subscribes to every relayed topic.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}
	sub, err := r.conn.Subscribe(EventSubjectPrefix+".>", func(m *nats.Msg) {
		r.deliver(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", EventSubjectPrefix, err)
	}
	r.sub = sub
	r.logger.Info("relay started", zap.String("origin", r.origin))
	return nil
}

// Stop unsubscribes from the relay subjects.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return
	}
	if err := r.sub.Unsubscribe(); err != nil {
		r.logger.Warn("relay unsubscribe failed", zap.Error(err))
	}
	r.sub = nil
}

// Forward publishes a locally originated event to the other instances.
func (r *Relay) Forward(topic string, event model.Event) {
	if !validSubjectTopic(topic) {
		r.logger.Warn("topic cannot be relayed", zap.String("topic", topic))
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := r.conn.Publish(EventSubject(topic), data); err != nil {
		r.logger.Warn("relay publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("out").Inc()

	if r.audit != nil && topic != model.AgentPoolTopic {
		r.audit.Record(event)
	}
}

func (r *Relay) deliver(subject string, data []byte) {
	topic, ok := TopicFromSubject(subject)
	if !ok {
		return
	}

	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.Warn("dropping malformed relayed event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if event.Origin == r.origin {
		return
	}

	metrics.RelayMessagesTotal.WithLabelValues("in").Inc()
	r.local.PublishRelayed(topic, event)
}
