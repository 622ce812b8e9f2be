// Package responder answers customer questions before a human agent is engaged.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/llm"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

// HandoffTool is the tool the model calls to hand the customer to a human agent.
const HandoffTool = "connect_to_an_agent"

const defaultSystemPrompt = `You are a customer support assistant. Answer the customer's question concisely.
If the customer asks to speak with a human, or you cannot help, call the ` + HandoffTool + ` tool.`

// Request is a question asked in a thread.
type Request struct {
	ThreadID string
	Question string
	History  []model.Message
}

// Answer is the responder's reply.
type Answer struct {
	Content string
	// Handoff is set when the customer should be connected to a human agent.
	Handoff bool
}

// Responder produces an answer for a customer question.
type Responder interface {
	Answer(ctx context.Context, req Request) (Answer, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, req Request) (Answer, error)

// Answer calls f.
func (f Func) Answer(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}

// LLMResponder answers with an LLM provider.
type LLMResponder struct {
	client       llm.Client
	model        string
	systemPrompt string
	historyLimit int
	logger       *logger.Logger
}

// Option configures an LLMResponder.
type Option func(*LLMResponder)

// WithModel sets the model name.
func WithModel(name string) Option {
	return func(r *LLMResponder) { r.model = name }
}

// WithSystemPrompt overrides the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *LLMResponder) { r.systemPrompt = prompt }
}

// WithHistoryLimit bounds how many prior messages are sent as context.
func WithHistoryLimit(n int) Option {
	return func(r *LLMResponder) { r.historyLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *LLMResponder) { r.logger = l.Component("responder") }
}

// NewLLM creates a responder backed by client.
func NewLLM(client llm.Client, opts ...Option) *LLMResponder {
	r := &LLMResponder{
		client:       client,
		systemPrompt: defaultSystemPrompt,
		historyLimit: 20,
		logger:       logger.Global().Component("responder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Answer implements Responder.
func (r *LLMResponder) Answer(ctx context.Context, req Request) (Answer, error) {
	start := time.Now()

	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:    r.model,
		System:   r.systemPrompt,
		Messages: BuildPrompt(req.History, req.Question, r.historyLimit),
		Tools: []llm.Tool{{
			Name:        HandoffTool,
			Description: "Connect the customer to a human support agent.",
		}},
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordResponder(r.client.Name(), status, time.Since(start).Seconds())

	if err != nil {
		r.logger.Warn("completion failed",
			logger.ThreadID(req.ThreadID),
			zap.String("provider", r.client.Name()),
			zap.Error(err),
		)
		return Answer{}, fmt.Errorf("%s completion: %w", r.client.Name(), err)
	}

	r.logger.Debug("completion finished",
		logger.ThreadID(req.ThreadID),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)

	return Answer{
		Content: strings.TrimSpace(resp.Content),
		Handoff: resp.Called(HandoffTool),
	}, nil
}

// BuildPrompt converts thread history plus the new question into provider
// messages. System messages are skipped and agent replies are presented as
// assistant turns. Consecutive turns of the same role are merged.
func BuildPrompt(history []model.Message, question string, limit int) []llm.ChatMessage {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	out := make([]llm.ChatMessage, 0, len(history)+1)
	add := func(role, content string) {
		if content == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			return
		}
		out = append(out, llm.ChatMessage{Role: role, Content: content})
	}

	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			add("user", m.Content)
		case model.RoleAssistant, model.RoleAgent:
			add("assistant", m.Content)
		}
	}
	add("user", question)

	// Providers expect the conversation to open with a user turn.
	for len(out) > 0 && out[0].Role != "user" {
		out = out[1:]
	}
	return out
}
