// Package bus provides topic-based fan-out of thread and presence events.
//
// Each subscriber owns a bounded queue that the publisher appends to without
// blocking, so a slow or vanished subscriber never stalls anyone else. Publishes
// on one topic are serialized, which gives every subscriber of that topic the same
// order. Leaving a topic discards anything still queued for it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

var (
	// ErrUnknownSubscriber is returned for operations on a subscriber that is not connected.
	ErrUnknownSubscriber = errors.New("unknown subscriber")

	// ErrTopicNotAllowed is returned when a subscriber kind may not join a topic.
	ErrTopicNotAllowed = errors.New("topic not allowed for subscriber")

	// ErrSubscriberEvicted is returned from Next once the subscriber fell too far behind.
	ErrSubscriberEvicted = errors.New("subscriber evicted: resync required")

	// ErrDisconnected is returned from Next after Disconnect.
	ErrDisconnected = errors.New("subscriber disconnected")
)

// Kind classifies subscribers.
type Kind string

const (
	// KindCustomer follows exactly one thread topic at a time.
	KindCustomer Kind = "customer"
	// KindAgent may follow any number of topics.
	KindAgent Kind = "agent"
	// KindInternal is used by in-process consumers such as the agent router.
	KindInternal Kind = "internal"
)

// Relay forwards locally published events to other gateway instances.
type Relay interface {
	Forward(topic string, event model.Event)
}

// Delivery is one event delivered to a subscriber.
type Delivery struct {
	Topic string
	Event model.Event

	epoch uint64
}

type topic struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Bus is the in-process event bus.
type Bus struct {
	mu          sync.RWMutex
	topics      map[string]*topic
	subscribers map[string]*Subscriber

	queueSize int
	origin    string
	relay     Relay
	logger    *logger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithOrigin stamps locally published events with an instance id.
func WithOrigin(origin string) Option {
	return func(b *Bus) { b.origin = origin }
}

// WithLogger sets the bus logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bus) { b.logger = l.Component("bus") }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:      make(map[string]*topic),
		subscribers: make(map[string]*Subscriber),
		queueSize:   DefaultQueueSize,
		logger:      logger.Global().Component("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetRelay installs the cross-instance relay. Must be called before publishing.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Origin returns the instance id stamped on local events.
func (b *Bus) Origin() string {
	return b.origin
}

// Connect registers a subscriber. Connecting an id that is already connected
// returns the existing subscriber.
func (b *Bus) Connect(id string, kind Kind) *Subscriber {
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[id]; ok {
		return s
	}

	s := &Subscriber{
		id:     id,
		kind:   kind,
		bus:    b,
		topics: make(map[string]uint64),
		notify: make(chan struct{}, 1),
		limit:  b.queueSize,
	}
	b.subscribers[id] = s
	metrics.BusSubscribers.Inc()

	b.logger.Debug("subscriber connected", zap.String("subscriber_id", id), zap.String("kind", string(kind)))
	return s
}

// Subscribe adds topic to the subscriber's subscriptions. Subscribing twice is a
// no-op. A customer subscriber that subscribes to a new thread topic leaves its
// previous one.
func (b *Bus) Subscribe(id, topicName string) error {
	s, err := b.subscriber(id)
	if err != nil {
		return err
	}

	if s.kind == KindCustomer {
		if !model.IsThreadTopic(topicName) {
			return fmt.Errorf("%w: %s", ErrTopicNotAllowed, topicName)
		}
		for _, prev := range s.Topics() {
			if prev != topicName {
				b.detach(s, prev)
			}
		}
	}

	// Hold the map lock so a concurrent detach cannot drop the topic between
	// lookup and insert.
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[string]*Subscriber)}
		b.topics[topicName] = t
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[id]; ok {
		return nil
	}
	if !s.attach(topicName) {
		return ErrDisconnected
	}
	t.subs[id] = s
	return nil
}

// Unsubscribe removes topic from the subscriber's subscriptions. Events for the
// topic that are still queued are discarded. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(id, topicName string) error {
	s, err := b.subscriber(id)
	if err != nil {
		return err
	}
	b.detach(s, topicName)
	return nil
}

// Disconnect removes the subscriber from every topic and closes it.
func (b *Bus) Disconnect(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	for _, name := range s.Topics() {
		b.detach(s, name)
	}
	s.close(ErrDisconnected)
	metrics.BusSubscribers.Dec()

	b.logger.Debug("subscriber disconnected", zap.String("subscriber_id", id))
}

// Publish delivers event to every current subscriber of topic and forwards it to
// the relay when one is installed.
func (b *Bus) Publish(topicName string, event model.Event) {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	event.Topic = topicName

	b.fanout(topicName, event)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil && event.Origin == b.origin {
		relay.Forward(topicName, event)
	}
}

// PublishRelayed delivers an event received from another instance to local
// subscribers only.
func (b *Bus) PublishRelayed(topicName string, event model.Event) {
	if event.Origin == b.origin {
		return
	}
	event.Topic = topicName
	b.fanout(topicName, event)
}

func (b *Bus) fanout(topicName string, event model.Event) {
	metrics.BusEventsTotal.WithLabelValues(string(event.Kind)).Inc()

	t := b.topic(topicName)
	if t == nil {
		return
	}

	var evicted []*Subscriber

	t.mu.Lock()
	for _, s := range t.subs {
		if !s.enqueue(topicName, event) {
			evicted = append(evicted, s)
		}
	}
	t.mu.Unlock()

	for _, s := range evicted {
		b.evict(s)
	}
}

// Topics returns the topics the subscriber currently follows.
func (b *Bus) Topics(id string) []string {
	s, err := b.subscriber(id)
	if err != nil {
		return nil
	}
	return s.Topics()
}

// SubscriberCount returns the number of subscribers of topic.
func (b *Bus) SubscriberCount(topicName string) int {
	t := b.topic(topicName)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close disconnects every subscriber.
func (b *Bus) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.Disconnect(id)
	}
}

func (b *Bus) evict(s *Subscriber) {
	b.logger.Warn("evicting slow subscriber", zap.String("subscriber_id", s.id), zap.Int("queue_limit", s.limit))
	metrics.BusEvictionsTotal.Inc()

	b.mu.Lock()
	if cur, ok := b.subscribers[s.id]; ok && cur == s {
		delete(b.subscribers, s.id)
		metrics.BusSubscribers.Dec()
	}
	b.mu.Unlock()

	for _, name := range s.Topics() {
		b.detach(s, name)
	}
	s.close(ErrSubscriberEvicted)
}

func (b *Bus) detach(s *Subscriber, topicName string) {
	t := b.topic(topicName)
	if t != nil {
		t.mu.Lock()
		if cur, ok := t.subs[s.id]; ok && cur == s {
			delete(t.subs, s.id)
		}
		empty := len(t.subs) == 0
		t.mu.Unlock()

		if empty {
			b.mu.Lock()
			// Re-check under the map lock; a subscribe may have raced in.
			t.mu.Lock()
			if len(t.subs) == 0 && b.topics[topicName] == t {
				delete(b.topics, topicName)
			}
			t.mu.Unlock()
			b.mu.Unlock()
		}
	}
	s.detachTopic(topicName)
}

func (b *Bus) topic(name string) *topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[name]
}

func (b *Bus) subscriber(id string) (*Subscriber, error) {
	b.mu.RLock()
	s, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	return s, nil
}

// Subscriber receives deliveries for the topics it follows, in publish order per
// topic.
type Subscriber struct {
	id   string
	kind Kind
	bus  *Bus

	mu       sync.Mutex
	topics   map[string]uint64 // topic -> subscription epoch
	epoch    uint64
	queue    []Delivery
	limit    int
	closed   bool
	closeErr error
	notify   chan struct{}
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string {
	return s.id
}

// Kind returns the subscriber kind.
func (s *Subscriber) Kind() Kind {
	return s.kind
}

// Topics returns the subscribed topics.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Next blocks until a delivery is available, the subscriber is closed, or ctx is
// done. Deliveries for topics left since they were queued are skipped.
func (s *Subscriber) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			d := s.queue[0]
			s.queue[0] = Delivery{}
			s.queue = s.queue[1:]
			if epoch, ok := s.topics[d.Topic]; ok && epoch == d.epoch {
				s.mu.Unlock()
				return d, nil
			}
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			return Delivery{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued deliveries.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) attach(topicName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.epoch++
	s.topics[topicName] = s.epoch
	return true
}

func (s *Subscriber) detachTopic(topicName string) {
	s.mu.Lock()
	delete(s.topics, topicName)
	s.mu.Unlock()
}

// enqueue appends a delivery; it reports false when the queue is full.
func (s *Subscriber) enqueue(topicName string, event model.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	epoch, ok := s.topics[topicName]
	if !ok {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, Delivery{Topic: topicName, Event: event, epoch: epoch})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	if errors.Is(err, ErrSubscriberEvicted) {
		s.queue = nil
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
