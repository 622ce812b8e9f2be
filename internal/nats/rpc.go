package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

// RPCSubjectPrefix is the prefix for thread calls answered by the owning instance.
const RPCSubjectPrefix = "livechat.rpc"

// Thread call operations.
const (
	OpSnapshot = "snapshot"
	OpJoin     = "join"
)

// RPCSubject returns the subject for op on a thread.
func RPCSubject(op, threadID string) string {
	return RPCSubjectPrefix + "." + op + "." + threadID
}

// ThreadOwner serves thread calls for the threads in this instance's store.
type ThreadOwner interface {
	Owns(ctx context.Context, threadID string) bool
	Snapshot(ctx context.Context, threadID string) (model.Thread, error)
	JoinAgent(ctx context.Context, threadID, agent string) (model.Thread, bool, error)
}

type rpcRequest struct {
	Agent string `json:"agent,omitempty"`
}

type rpcReply struct {
	Thread  *model.Thread `json:"thread,omitempty"`
	Changed bool          `json:"changed,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}

var rpcCodes = map[string]error{
	"not_found":          model.ErrNotFound,
	"already_assigned":   model.ErrAlreadyAssigned,
	"invalid_transition": model.ErrInvalidTransition,
	"agent_offline":      model.ErrAgentOffline,
}

func rpcCode(err error) string {
	for code, target := range rpcCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "internal"
}

// ThreadRPC reaches threads held by other instances. Every instance listens on
// the thread call subjects and only the one whose store holds the thread
// replies, so a silent cluster means the thread does not exist.
type ThreadRPC struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *logger.Logger

	mu    sync.Mutex
	owner ThreadOwner
	sub   *nats.Subscription
}

// NewThreadRPC creates a thread RPC endpoint over conn.
func NewThreadRPC(conn *nats.Conn, timeout time.Duration, log *logger.Logger) *ThreadRPC {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ThreadRPC{
		conn:    conn,
		timeout: timeout,
		logger:  logger.OrGlobal(log).Component("thread-rpc"),
	}
}

// Serve answers calls for threads owner holds.
func (r *ThreadRPC) Serve(owner ThreadOwner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}
	r.owner = owner
	sub, err := r.conn.Subscribe(RPCSubjectPrefix+".>", func(m *nats.Msg) {
		reply, ok := r.handle(m.Subject, m.Data)
		if !ok {
			return
		}
		if err := m.Respond(reply); err != nil {
			r.logger.Warn("thread call reply failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", RPCSubjectPrefix, err)
	}
	r.sub = sub
	return nil
}

// Stop stops answering thread calls.
func (r *ThreadRPC) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return
	}
	if err := r.sub.Unsubscribe(); err != nil {
		r.logger.Warn("thread rpc unsubscribe failed", zap.Error(err))
	}
	r.sub = nil
}

// handle runs one call. It reports false when this instance does not own the
// thread and must stay silent.
func (r *ThreadRPC) handle(subject string, data []byte) ([]byte, bool) {
	rest, ok := strings.CutPrefix(subject, RPCSubjectPrefix+".")
	if !ok {
		return nil, false
	}
	op, threadID, ok := strings.Cut(rest, ".")
	if !ok || threadID == "" {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if !r.owner.Owns(ctx, threadID) {
		return nil, false
	}

	var req rpcRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return encodeReply(model.Thread{}, false, fmt.Errorf("decode request: %w", err)), true
		}
	}

	switch op {
	case OpSnapshot:
		t, err := r.owner.Snapshot(ctx, threadID)
		return encodeReply(t, false, err), true
	case OpJoin:
		t, changed, err := r.owner.JoinAgent(ctx, threadID, req.Agent)
		return encodeReply(t, changed, err), true
	default:
		r.logger.Warn("unknown thread call", zap.String("op", op))
		return nil, false
	}
}

func encodeReply(t model.Thread, changed bool, err error) []byte {
	reply := rpcReply{Changed: changed}
	if t.ID != "" {
		reply.Thread = &t
	}
	if err != nil {
		reply.Code = rpcCode(err)
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	return data
}

// Snapshot fetches a thread from the instance that owns it.
func (r *ThreadRPC) Snapshot(ctx context.Context, threadID string) (model.Thread, error) {
	reply, err := r.call(ctx, OpSnapshot, threadID, rpcRequest{})
	if err != nil {
		return model.Thread{}, err
	}
	t, _, err := reply.result()
	return t, err
}

// JoinAgent assigns agent on the instance that owns the thread.
func (r *ThreadRPC) JoinAgent(ctx context.Context, threadID, agent string) (model.Thread, bool, error) {
	reply, err := r.call(ctx, OpJoin, threadID, rpcRequest{Agent: agent})
	if err != nil {
		return model.Thread{}, false, err
	}
	return reply.result()
}

func (r *ThreadRPC) call(ctx context.Context, op, threadID string, req rpcRequest) (rpcReply, error) {
	if !validSubjectTopic(threadID) {
		return rpcReply{}, model.ErrNotFound
	}
	data, err := json.Marshal(req)
	if err != nil {
		return rpcReply{}, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.conn.RequestWithContext(ctx, RPCSubject(op, threadID), data)
	switch {
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return rpcReply{}, model.ErrNotFound
	case err != nil:
		return rpcReply{}, fmt.Errorf("%w: thread %s call: %v", model.ErrCollaboratorUnavailable, op, err)
	}

	var reply rpcReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return rpcReply{}, fmt.Errorf("decode %s reply: %w", op, err)
	}
	return reply, nil
}

func (r rpcReply) result() (model.Thread, bool, error) {
	var t model.Thread
	if r.Thread != nil {
		t = *r.Thread
	}
	if r.Code == "" {
		return t, r.Changed, nil
	}
	if target, ok := rpcCodes[r.Code]; ok {
		return t, false, target
	}
	return t, false, errors.New(r.Error)
}
