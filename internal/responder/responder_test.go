package responder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/livechat-sync/internal/llm"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

type stubClient struct {
	resp *llm.CompletionResponse
	err  error
	got  *llm.CompletionRequest
}

func (c *stubClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.got = req
	return c.resp, c.err
}

func (c *stubClient) Name() string     { return "stub" }
func (c *stubClient) Models() []string { return nil }

func TestBuildPrompt(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleAssistant, Content: "Hi! How can I help?"},
		{Role: model.RoleUser, Content: "my order"},
		{Role: model.RoleSystem, Content: "Connecting you to an agent..."},
		{Role: model.RoleAgent, Content: "Which order?"},
		{Role: model.RoleUser, Content: "#42"},
	}

	got := BuildPrompt(history, "still missing", 0)
	assert.Equal(t, []llm.ChatMessage{
		{Role: "user", Content: "my order"},
		{Role: "assistant", Content: "Which order?"},
		{Role: "user", Content: "#42\nstill missing"},
	}, got)

	got = BuildPrompt(history, "q", 1)
	assert.Equal(t, []llm.ChatMessage{{Role: "user", Content: "#42\nq"}}, got)
}

func TestLLMResponder_Answer(t *testing.T) {
	client := &stubClient{resp: &llm.CompletionResponse{Content: "  Try restarting.  "}}
	r := NewLLM(client, WithLogger(logger.NewNop()), WithModel("m"))

	ans, err := r.Answer(t.Context(), Request{ThreadID: "t1", Question: "it broke"})
	require.NoError(t, err)
	assert.Equal(t, "Try restarting.", ans.Content)
	assert.False(t, ans.Handoff)

	require.NotNil(t, client.got)
	assert.Equal(t, "m", client.got.Model)
	require.Len(t, client.got.Tools, 1)
	assert.Equal(t, HandoffTool, client.got.Tools[0].Name)
}

func TestLLMResponder_Handoff(t *testing.T) {
	client := &stubClient{resp: &llm.CompletionResponse{ToolCalls: []string{HandoffTool}}}
	r := NewLLM(client, WithLogger(logger.NewNop()))

	ans, err := r.Answer(t.Context(), Request{Question: "human please"})
	require.NoError(t, err)
	assert.True(t, ans.Handoff)
	assert.Empty(t, ans.Content)
}

func TestLLMResponder_Error(t *testing.T) {
	boom := errors.New("rate limited")
	r := NewLLM(&stubClient{err: boom}, WithLogger(logger.NewNop()))

	_, err := r.Answer(t.Context(), Request{Question: "q"})
	assert.ErrorIs(t, err, boom)
}
