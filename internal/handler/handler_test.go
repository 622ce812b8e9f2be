package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/presence"
	"github.com/capitalize-ai/livechat-sync/internal/responder"
	"github.com/capitalize-ai/livechat-sync/internal/router"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/internal/store"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

const testSecret = "test-secret"

type testAPI struct {
	handler  http.Handler
	sessions *session.Coordinator
	router   *router.Router
	presence *presence.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	nop := logger.NewNop()
	b := bus.New(bus.WithLogger(nop), bus.WithOrigin("test"))
	answer := responder.Func(func(_ context.Context, req responder.Request) (responder.Answer, error) {
		if strings.Contains(req.Question, "human") {
			return responder.Answer{Handoff: true}, nil
		}
		return responder.Answer{Content: "echo: " + req.Question}, nil
	})
	coord := session.New(store.New(store.WithLogger(nop)), b, session.Config{}, session.WithLogger(nop), session.WithResponder(answer))
	reg := presence.New()
	rt := router.New(coord, b, reg, nop)

	return &testAPI{
		handler: NewRouter(Deps{
			Sessions:          coord,
			Bus:               b,
			Router:            rt,
			InstanceID:        "test",
			JWTSecret:         testSecret,
			Greeting:          "Hello!",
			HeartbeatInterval: time.Second,
			Logger:            nop,
		}),
		sessions: coord,
		router:   rt,
		presence: reg,
	}
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, subject, "", scopes, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) createThread(t *testing.T, tok string) model.Thread {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/threads", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.Thread](t, rec)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "agent router is not consuming yet")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = api.router.Run(ctx) }()

	require.Eventually(t, func() bool {
		return api.do(t, http.MethodGet, "/ready", "", nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
}

func TestAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/threads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/threads", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := middleware.IssueToken("other-secret", "mallory", "", []string{middleware.ScopeAgent}, time.Hour)
	require.NoError(t, err)
	rec = api.do(t, http.MethodGet, "/api/v1/threads", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/agents", token(t, "cust-1", middleware.ScopeCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestThreads_CreateAskAndGet(t *testing.T) {
	api := newTestAPI(t)
	cust := token(t, "cust-1", middleware.ScopeCustomer)

	th := api.createThread(t, cust)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "Hello!", th.Messages[0].Content)
	assert.Equal(t, model.StatusOpen, th.Status)

	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/ask", cust, model.PostMessageRequest{
		Content:   "where is my order?",
		ClientID:  "c1",
		ClientSeq: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ask := decode[model.AskResponse](t, rec)
	require.NotNil(t, ask.Answer)
	assert.Equal(t, "echo: where is my order?", ask.Answer.Content)
	assert.Equal(t, model.RoleAssistant, ask.Answer.Role)

	rec = api.do(t, http.MethodGet, "/api/v1/threads/"+th.ID, cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.Thread](t, rec)
	require.Len(t, got.Messages, 3)
	for i, m := range got.Messages {
		assert.Equal(t, i, m.Position)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/threads?status=open", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[model.ListThreadsResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, th.ID, list.Threads[0].ID)
}

func TestThreads_AskHandoffMarksAgentRequired(t *testing.T) {
	api := newTestAPI(t)
	cust := token(t, "cust-1", middleware.ScopeCustomer)
	th := api.createThread(t, cust)

	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/ask", cust, model.PostMessageRequest{Content: "I want a human"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ask := decode[model.AskResponse](t, rec)
	assert.True(t, ask.AgentRequired)

	rec = api.do(t, http.MethodGet, "/api/v1/threads?agent_required=true", cust, nil)
	list := decode[model.ListThreadsResponse](t, rec)
	require.Equal(t, 1, list.Total)

	// A second request is a no-op.
	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/agent", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[RequestAgentResponse](t, rec).Changed)
}

func TestThreads_PostMessageDuplicate(t *testing.T) {
	api := newTestAPI(t)
	cust := token(t, "cust-1", middleware.ScopeCustomer)
	th := api.createThread(t, cust)

	body := model.PostMessageRequest{Content: "hi", ClientID: "c1", ClientSeq: 7}
	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", cust, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[model.PostMessageResponse](t, rec)
	assert.False(t, first.Duplicate)

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", cust, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[model.PostMessageResponse](t, rec)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	snap, err := api.sessions.Snapshot(t.Context(), th.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 2)
}

func TestThreads_AgentMessagesUseAgentRole(t *testing.T) {
	api := newTestAPI(t)
	agent := token(t, "alice", middleware.ScopeAgent)
	th := api.createThread(t, token(t, "cust-1", middleware.ScopeCustomer))

	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", agent, model.PostMessageRequest{Content: "on it"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, model.RoleAgent, decode[model.PostMessageResponse](t, rec).Message.Role)
}

func TestThreads_Validation(t *testing.T) {
	api := newTestAPI(t)
	cust := token(t, "cust-1", middleware.ScopeCustomer)
	agent := token(t, "alice", middleware.ScopeAgent)
	th := api.createThread(t, cust)

	tests := []struct {
		name   string
		method string
		path   string
		tok    string
		body   interface{}
		want   int
	}{
		{"malformed id", http.MethodGet, "/api/v1/threads/nope", cust, nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/v1/threads/" + uuid.NewString(), cust, nil, http.StatusNotFound},
		{"empty message", http.MethodPost, "/api/v1/threads/" + th.ID + "/messages", cust, model.PostMessageRequest{Content: "  "}, http.StatusBadRequest},
		{"bad attachment", http.MethodPost, "/api/v1/threads/" + th.ID + "/messages", cust, model.PostMessageRequest{Attachment: &model.Attachment{URL: "file:///etc/passwd"}}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/threads?status=closed", cust, nil, http.StatusBadRequest},
		{"customer resolve", http.MethodPost, "/api/v1/threads/" + th.ID + "/resolve", cust, model.Resolution{Category: "billing"}, http.StatusForbidden},
		{"resolve without category", http.MethodPost, "/api/v1/threads/" + th.ID + "/resolve", agent, model.Resolution{}, http.StatusBadRequest},
		{"reopen open thread", http.MethodPost, "/api/v1/threads/" + th.ID + "/reopen", cust, nil, http.StatusConflict},
		{"customer assigned create", http.MethodPost, "/api/v1/threads", cust, model.CreateThreadRequest{AssignedAgent: "bob"}, http.StatusForbidden},
		{"audit disabled", http.MethodGet, "/api/v1/threads/" + th.ID + "/audit", agent, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.tok, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestThreads_ClaimResolveReopen(t *testing.T) {
	api := newTestAPI(t)
	cust := token(t, "cust-1", middleware.ScopeCustomer)
	alice := token(t, "alice", middleware.ScopeAgent)
	bob := token(t, "bob", middleware.ScopeAgent)
	th := api.createThread(t, cust)

	// Offline agents cannot claim.
	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/claim", alice, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, tok := range []string{alice, bob} {
		rec = api.do(t, http.MethodPost, "/api/v1/agents/presence", tok, model.PresenceRequest{Online: true})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[model.AgentPresence](t, rec).Online)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/claim", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	won := decode[model.ClaimResponse](t, rec)
	assert.Equal(t, model.ClaimModeAssigned, won.Mode)
	assert.Equal(t, model.StatusInProgress, won.Thread.Status)

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/claim", bob, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	lost := decode[model.ClaimResponse](t, rec)
	assert.Equal(t, model.ClaimModeObserver, lost.Mode)
	assert.Equal(t, "alice", lost.Assigned)
	assert.Contains(t, api.presence.Get("bob").JoinedThreadIDs, th.ID)

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/leave", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[model.AgentPresence](t, rec).JoinedThreadIDs, th.ID)

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/resolve", alice, model.Resolution{Category: "billing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[model.Thread](t, rec)
	assert.Equal(t, model.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "billing", resolved.Resolution.Category)

	rec = api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/reopen", cust, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reopened := decode[model.Thread](t, rec)
	assert.Equal(t, model.StatusOpen, reopened.Status)
	assert.True(t, reopened.WasReopened)

	rec = api.do(t, http.MethodGet, "/api/v1/agents", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[AgentsResponse](t, rec).Agents, 2)
}

func TestStream_SnapshotThenEvents(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	cust := token(t, "cust-1", middleware.ScopeCustomer)
	th := api.createThread(t, cust)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/threads/"+th.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+cust)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case name, ok := <-events:
			require.True(t, ok, "stream closed")
			return name
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE event")
			return ""
		}
	}

	require.Equal(t, model.FrameSnapshot, next())

	_, _, err = api.sessions.PostMessage(t.Context(), th.ID, session.Post{Role: model.RoleUser, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, string(model.EventMessageAdded), next())
}

func dialLive(t *testing.T, srv *httptest.Server, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?access_token=" + tok
	conn, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.LiveFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	var f model.LiveFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func TestLive_CustomerSubscribeSnapshotAndEvents(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	cust := token(t, "cust-1", middleware.ScopeCustomer)
	th := api.createThread(t, cust)
	conn := dialLive(t, srv, cust)

	require.NoError(t, wsjson.Write(t.Context(), conn, model.LiveFrame{Type: model.FramePing}))
	assert.Equal(t, model.FramePong, readFrame(t, conn).Type)

	require.NoError(t, wsjson.Write(t.Context(), conn, model.LiveFrame{Type: model.FrameSubscribe, Topic: model.AgentPoolTopic}))
	f := readFrame(t, conn)
	require.Equal(t, model.FrameError, f.Type)
	assert.Equal(t, "forbidden", f.Error.Code)

	require.NoError(t, wsjson.Write(t.Context(), conn, model.LiveFrame{Type: model.FrameSubscribe, ThreadID: th.ID}))
	assert.Equal(t, model.FrameSubscribed, readFrame(t, conn).Type)
	snap := readFrame(t, conn)
	require.Equal(t, model.FrameSnapshot, snap.Type)
	require.NotNil(t, snap.Thread)
	assert.Equal(t, th.ID, snap.Thread.ID)

	rec := api.do(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", cust, model.PostMessageRequest{Content: "live hello", ClientID: "c1", ClientSeq: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	ev := readFrame(t, conn)
	require.Equal(t, model.FrameEvent, ev.Type)
	require.NotNil(t, ev.Event)
	assert.Equal(t, model.EventMessageAdded, ev.Event.Kind)
	assert.Equal(t, "live hello", ev.Event.Message.Content)
}

func TestLive_AgentConnectionControlsPresence(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	conn := dialLive(t, srv, token(t, "alice", middleware.ScopeAgent))
	require.Eventually(t, func() bool { return api.presence.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)

	// Agents receive agent_required on their inbox or the pool.
	th := api.createThread(t, token(t, "cust-1", middleware.ScopeCustomer))
	_, _, err := api.sessions.RequestAgent(t.Context(), th.ID)
	require.NoError(t, err)

	found := false
	for i := 0; i < 10 && !found; i++ {
		f := readFrame(t, conn)
		found = f.Type == model.FrameEvent && f.Event.Kind == model.EventAgentRequired && f.Event.ThreadID == th.ID
	}
	assert.True(t, found, "agent_required not delivered")

	conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return !api.presence.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}
