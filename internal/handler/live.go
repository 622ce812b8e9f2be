package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/router"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

const (
	liveOutboxSize   = 64
	liveWriteTimeout = 10 * time.Second
)

// LiveHandler serves the live WebSocket endpoint. A customer connection follows
// one thread at a time. An agent connection follows the agent pool, its own
// inbox and any threads it subscribes to, and keeps the agent online while open.
type LiveHandler struct {
	sessions  *session.Coordinator
	bus       *bus.Bus
	router    *router.Router
	heartbeat time.Duration
	origins   []string
	logger    *logger.Logger

	mu     sync.Mutex
	agents map[string]int
}

// NewLiveHandler creates a new live handler. Empty origins accept any origin.
func NewLiveHandler(sessions *session.Coordinator, b *bus.Bus, rt *router.Router, heartbeat time.Duration, origins []string, log *logger.Logger) *LiveHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	// WebSocket origin patterns match hosts, not URLs.
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &LiveHandler{
		sessions:  sessions,
		bus:       b,
		router:    rt,
		heartbeat: heartbeat,
		origins:   patterns,
		logger:    logger.OrGlobal(log).Component("live"),
		agents:    make(map[string]int),
	}
}

// liveConn is the state of one WebSocket connection.
type liveConn struct {
	h       *LiveHandler
	ws      *websocket.Conn
	sub     *bus.Subscriber
	userID  string
	isAgent bool
	out     chan model.LiveFrame
	gate    *topicGate
	log     *logger.Logger
}

// topicGate decides which event frames a live connection may still write. The
// pump and the read loop feed one outbox from two goroutines, so the writer
// filters at write time: a thread topic holds its events until its snapshot
// frame is written, and a topic that was left drops whatever is still in flight.
type topicGate struct {
	mu     sync.Mutex
	topics map[string]*gatedTopic
}

type gatedTopic struct {
	ready bool
	held  []model.LiveFrame
}

func newTopicGate() *topicGate {
	return &topicGate{topics: make(map[string]*gatedTopic)}
}

// open starts admitting events for topic. Unless ready, they are held until the
// topic's snapshot frame. It reports whether the topic was newly opened.
func (g *topicGate) open(topic string, ready bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.topics[topic]; ok {
		return false
	}
	g.topics[topic] = &gatedTopic{ready: ready}
	return true
}

// close stops admitting events for topic and discards held ones.
func (g *topicGate) close(topic string) {
	g.mu.Lock()
	delete(g.topics, topic)
	g.mu.Unlock()
}

// closeThreadsExcept closes every thread topic other than keep.
func (g *topicGate) closeThreadsExcept(keep string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for topic := range g.topics {
		if topic != keep && model.IsThreadTopic(topic) {
			delete(g.topics, topic)
		}
	}
}

// admit returns the frames to write, in order, now that f reached the writer.
func (g *topicGate) admit(f model.LiveFrame) []model.LiveFrame {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch f.Type {
	case model.FrameEvent:
		t, ok := g.topics[f.Topic]
		if !ok {
			return nil
		}
		if !t.ready {
			t.held = append(t.held, f)
			return nil
		}
		return []model.LiveFrame{f}
	case model.FrameSnapshot:
		t, ok := g.topics[f.Topic]
		if !ok {
			return nil
		}
		out := append([]model.LiveFrame{f}, t.held...)
		t.held = nil
		t.ready = true
		return out
	}
	return []model.LiveFrame{f}
}

// ServeHTTP handles GET /api/v1/live
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	isAgent := middleware.IsAgent(r.Context())
	if isAgent {
		if err := middleware.ValidateAgentID(userID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("failed to accept WebSocket", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	metrics.IncrementLiveConnections("websocket")
	defer metrics.DecrementLiveConnections("websocket")

	kind := bus.KindCustomer
	if isAgent {
		kind = bus.KindAgent
	}
	sub := h.bus.Connect("ws-"+uuid.NewString(), kind)
	defer h.bus.Disconnect(sub.ID())

	c := &liveConn{
		h:       h,
		ws:      ws,
		sub:     sub,
		userID:  userID,
		isAgent: isAgent,
		out:     make(chan model.LiveFrame, liveOutboxSize),
		gate:    newTopicGate(),
		log:     h.logger.With(zap.String("user_id", userID), zap.String("subscriber_id", sub.ID())),
	}
	c.log.Info("live connection opened", zap.Bool("agent", isAgent))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if isAgent {
		for _, topic := range []string{model.AgentPoolTopic, model.AgentInboxTopic(userID)} {
			c.gate.open(topic, true)
			if err := h.bus.Subscribe(sub.ID(), topic); err != nil {
				c.log.Error("agent subscribe failed", zap.String("topic", topic), zap.Error(err))
				return
			}
		}
		h.agentConnected(ctx, userID)
		defer h.agentDisconnected(userID)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	// Output loop: outbox -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		c.writeLoop(ctx)
	}()

	// Event loop: bus -> outbox.
	go func() {
		defer wg.Done()
		defer cancel()
		c.pumpLoop(ctx)
	}()

	// Input loop: WebSocket -> bus.
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(ctx)
	}()

	wg.Wait()
	c.log.Info("live connection closed")
}

func (h *LiveHandler) agentConnected(ctx context.Context, agent string) {
	h.mu.Lock()
	h.agents[agent]++
	first := h.agents[agent] == 1
	h.mu.Unlock()
	if first {
		h.router.SetOnline(ctx, agent)
	}
}

func (h *LiveHandler) agentDisconnected(agent string) {
	h.mu.Lock()
	h.agents[agent]--
	last := h.agents[agent] <= 0
	if last {
		delete(h.agents, agent)
	}
	h.mu.Unlock()
	if last {
		h.router.SetOffline(context.Background(), agent)
	}
}

func (c *liveConn) send(ctx context.Context, f model.LiveFrame) bool {
	select {
	case c.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *liveConn) sendError(ctx context.Context, code string, err error) {
	c.send(ctx, model.LiveFrame{
		Type:  model.FrameError,
		Error: &model.ErrorEvent{Code: code, Message: err.Error()},
	})
}

func (c *liveConn) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(c.h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			for _, frame := range c.gate.admit(f) {
				wctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
				err := wsjson.Write(wctx, c.ws, frame)
				cancel()
				if err != nil {
					c.log.Debug("WebSocket write error", zap.Error(err))
					return
				}
			}
			if f.Type == model.FrameEvicted {
				c.ws.Close(websocket.StatusTryAgainLater, "evicted: resync required")
				return
			}
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug("WebSocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *liveConn) pumpLoop(ctx context.Context) {
	for {
		d, err := c.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrSubscriberEvicted) {
				c.log.Warn("live subscriber evicted")
				c.send(ctx, model.LiveFrame{
					Type:  model.FrameEvicted,
					Error: &model.ErrorEvent{Code: "evicted", Message: err.Error()},
				})
				// Keep the connection open until the writer has flushed the frame.
				<-ctx.Done()
			}
			return
		}
		ev := d.Event
		if !c.send(ctx, model.LiveFrame{Type: model.FrameEvent, Topic: d.Topic, Event: &ev}) {
			return
		}
	}
}

func (c *liveConn) readLoop(ctx context.Context) {
	for {
		var f model.LiveFrame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.log.Debug("WebSocket closed by client")
			} else {
				c.log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case model.FramePing:
			c.send(ctx, model.LiveFrame{Type: model.FramePong, Timestamp: time.Now().UTC()})
		case model.FrameSubscribe:
			c.subscribe(ctx, f.TopicName())
		case model.FrameUnsubscribe:
			c.unsubscribe(ctx, f.TopicName())
		default:
			c.sendError(ctx, "unknown_frame", errors.New("unknown frame type "+f.Type))
		}
	}
}

// allowed reports whether this connection may follow topic.
func (c *liveConn) allowed(topic string) bool {
	if model.IsThreadTopic(topic) {
		return true
	}
	if !c.isAgent {
		return false
	}
	if topic == model.AgentPoolTopic {
		return true
	}
	return topic == model.AgentInboxTopic(c.userID)
}

// subscribe follows topic. For a thread topic the subscription is made before
// the snapshot is read so no committed event falls between the two, and the gate
// keeps the topic's events behind the snapshot frame.
func (c *liveConn) subscribe(ctx context.Context, topic string) {
	if topic == "" {
		c.sendError(ctx, "missing_topic", model.ErrMissingSelectedChat)
		return
	}
	if !c.allowed(topic) {
		c.sendError(ctx, "forbidden", bus.ErrTopicNotAllowed)
		return
	}

	threadID, isThread := model.ThreadIDFromTopic(topic)
	if isThread {
		if _, err := c.h.sessions.Snapshot(ctx, threadID); err != nil {
			c.sendError(ctx, "not_found", err)
			return
		}
	}

	if !c.isAgent && isThread {
		c.gate.closeThreadsExcept(topic)
	}
	opened := c.gate.open(topic, !isThread)
	if err := c.h.bus.Subscribe(c.sub.ID(), topic); err != nil {
		if opened {
			c.gate.close(topic)
		}
		c.sendError(ctx, "subscribe_failed", err)
		return
	}
	c.send(ctx, model.LiveFrame{Type: model.FrameSubscribed, Topic: topic, ThreadID: threadID})

	if !isThread {
		return
	}
	if c.isAgent {
		c.h.router.Join(ctx, c.userID, threadID)
	}
	snapshot, err := c.h.sessions.Snapshot(ctx, threadID)
	if err != nil {
		c.gate.close(topic)
		_ = c.h.bus.Unsubscribe(c.sub.ID(), topic)
		c.sendError(ctx, "snapshot_failed", err)
		return
	}
	c.send(ctx, model.LiveFrame{Type: model.FrameSnapshot, Topic: topic, ThreadID: threadID, Thread: &snapshot})
}

func (c *liveConn) unsubscribe(ctx context.Context, topic string) {
	if topic == "" {
		c.sendError(ctx, "missing_topic", model.ErrMissingSelectedChat)
		return
	}
	if c.isAgent && (topic == model.AgentPoolTopic || topic == model.AgentInboxTopic(c.userID)) {
		c.sendError(ctx, "forbidden", errors.New("agent connections always follow the pool and inbox"))
		return
	}
	c.gate.close(topic)
	if err := c.h.bus.Unsubscribe(c.sub.ID(), topic); err != nil {
		c.sendError(ctx, "unsubscribe_failed", err)
		return
	}
	threadID, isThread := model.ThreadIDFromTopic(topic)
	if isThread && c.isAgent {
		c.h.router.Leave(ctx, c.userID, threadID)
	}
	c.send(ctx, model.LiveFrame{Type: model.FrameUnsubscribed, Topic: topic, ThreadID: threadID})
}
