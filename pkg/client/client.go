// Package client is a Go client for the live chat gateway: REST calls plus a
// live thread watch that keeps a reconciled transcript.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livechat: %d %s", e.Status, e.Message)
}

// Unwrap maps the status to the matching domain error where one exists.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusServiceUnavailable:
		return model.ErrCollaboratorUnavailable
	}
	return nil
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l.Component("client") }
}

// New creates a client for the gateway at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.Global().Component("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		// Some conflicts carry a body the caller still needs.
		if out != nil && resp.StatusCode == http.StatusConflict {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func threadPath(id string, suffix ...string) string {
	p := "/api/v1/threads/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// CreateThread opens a new thread.
func (c *Client) CreateThread(ctx context.Context) (model.Thread, error) {
	var t model.Thread
	err := c.do(ctx, http.MethodPost, "/api/v1/threads", model.CreateThreadRequest{}, &t)
	return t, err
}

// GetThread returns a full thread snapshot.
func (c *Client) GetThread(ctx context.Context, id string) (model.Thread, error) {
	var t model.Thread
	err := c.do(ctx, http.MethodGet, threadPath(id), nil, &t)
	return t, err
}

// ListThreads lists threads matching filter.
func (c *Client) ListThreads(ctx context.Context, filter model.ThreadFilter) ([]model.ThreadSummary, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Reopened {
		q.Set("reopened", "true")
	}
	if filter.AgentRequired {
		q.Set("agent_required", "true")
	}
	if filter.AssignedAgent != "" {
		q.Set("agent", filter.AssignedAgent)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/v1/threads"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp model.ListThreadsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// PostMessage appends a message to a thread.
func (c *Client) PostMessage(ctx context.Context, id string, req model.PostMessageRequest) (model.PostMessageResponse, error) {
	var resp model.PostMessageResponse
	err := c.do(ctx, http.MethodPost, threadPath(id, "messages"), req, &resp)
	return resp, err
}

// Ask posts a customer question and returns the automated answer, if any.
func (c *Client) Ask(ctx context.Context, id string, req model.PostMessageRequest) (model.AskResponse, error) {
	var resp model.AskResponse
	err := c.do(ctx, http.MethodPost, threadPath(id, "ask"), req, &resp)
	return resp, err
}

// RequestAgent asks for a human agent.
func (c *Client) RequestAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, threadPath(id, "agent"), nil, nil)
}

// Reopen reopens a resolved thread.
func (c *Client) Reopen(ctx context.Context, id string) (model.Thread, error) {
	var t model.Thread
	err := c.do(ctx, http.MethodPost, threadPath(id, "reopen"), nil, &t)
	return t, err
}

// Resolve resolves a thread. Requires an agent token.
func (c *Client) Resolve(ctx context.Context, id string, res model.Resolution) (model.Thread, error) {
	var t model.Thread
	err := c.do(ctx, http.MethodPost, threadPath(id, "resolve"), model.ResolveRequest{Resolution: res}, &t)
	return t, err
}

// Claim claims a thread for the calling agent. A lost race returns the observer
// response together with model.ErrAlreadyAssigned.
func (c *Client) Claim(ctx context.Context, id string) (model.ClaimResponse, error) {
	var resp model.ClaimResponse
	err := c.do(ctx, http.MethodPost, threadPath(id, "claim"), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && resp.Mode == model.ClaimModeObserver {
		return resp, fmt.Errorf("%w: %s", model.ErrAlreadyAssigned, resp.Assigned)
	}
	return resp, err
}

// SetPresence sets the calling agent online or offline.
func (c *Client) SetPresence(ctx context.Context, online bool) (model.AgentPresence, error) {
	var p model.AgentPresence
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/presence", model.PresenceRequest{Online: online}, &p)
	return p, err
}

// liveURL returns the WebSocket URL of the live endpoint.
func (c *Client) liveURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/live")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}
