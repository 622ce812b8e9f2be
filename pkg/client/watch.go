package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/reconcile"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

var errEvicted = errors.New("live connection evicted")

// WatchOptions configures a thread watch.
type WatchOptions struct {
	// ClientID identifies this client in dedup keys. Defaults to a random id.
	ClientID string
	// Role of messages sent through the watch. Defaults to model.RoleUser, whose
	// messages are posted as questions to the automated responder.
	Role model.Role
	// Timeout after which an unconfirmed send becomes uncertain.
	Timeout time.Duration
	// OnChange receives every transcript change in order.
	OnChange func(reconcile.Change)
}

// Watch follows one thread over the live endpoint and keeps a reconciled
// transcript. It reconnects with backoff and resyncs from a snapshot whenever
// the connection drops, the server evicts it, or a gap is detected.
type Watch struct {
	c        *Client
	threadID string
	role     model.Role
	rec      *reconcile.Reconciler
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
}

// Watch starts following threadID. The watch runs until ctx is done or Close.
func (c *Client) Watch(ctx context.Context, threadID string, opts WatchOptions) (*Watch, error) {
	if threadID == "" {
		return nil, model.ErrMissingSelectedChat
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Role == "" {
		opts.Role = model.RoleUser
	}

	snapshot, err := c.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	rec := reconcile.New(opts.ClientID, reconcile.Options{
		Timeout:  opts.Timeout,
		OnChange: opts.OnChange,
	})
	rec.Resync(snapshot)

	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		c:        c,
		threadID: threadID,
		role:     opts.Role,
		rec:      rec,
		log:      c.logger.With(logger.ThreadID(threadID)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Send renders content at once and delivers it. The returned dedup key can be
// passed to Resend if the message becomes uncertain. A delivery error leaves
// the message pending until it times out.
func (w *Watch) Send(ctx context.Context, content string, attachment *model.Attachment) (string, error) {
	req, err := w.rec.Send(w.role, content, attachment)
	if err != nil {
		return "", err
	}
	return req.DedupKey, w.deliver(ctx, req)
}

// Resend delivers an unconfirmed message again under its original dedup key.
func (w *Watch) Resend(ctx context.Context, key string) error {
	req, err := w.rec.Resend(key)
	if err != nil {
		return err
	}
	return w.deliver(ctx, req)
}

func (w *Watch) deliver(ctx context.Context, req model.PostMessageRequest) error {
	var err error
	if w.role == model.RoleUser {
		_, err = w.c.Ask(ctx, w.threadID, req)
	} else {
		_, err = w.c.PostMessage(ctx, w.threadID, req)
	}
	if err != nil {
		w.log.Warn("send failed", zap.String("dedup_key", req.DedupKey), zap.Error(err))
	}
	return err
}

// Transcript returns the reconciled transcript.
func (w *Watch) Transcript() []reconcile.Entry {
	return w.rec.Transcript()
}

// Pending returns unconfirmed sends.
func (w *Watch) Pending() []reconcile.Entry {
	return w.rec.Pending()
}

// Status returns the thread header as last seen.
func (w *Watch) Status() reconcile.ThreadState {
	return w.rec.Status()
}

// Connected reports whether the live connection is currently up.
func (w *Watch) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Close stops the watch.
func (w *Watch) Close() {
	w.cancel()
	<-w.done
	w.rec.Close()
}

func (w *Watch) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := w.session(ctx, b)
		w.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		w.log.Info("live connection lost, reconnecting", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one live connection until it fails.
func (w *Watch) session(ctx context.Context, b backoff.BackOff) error {
	u, err := w.c.liveURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + w.c.token}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, model.LiveFrame{Type: model.FrameSubscribe, ThreadID: w.threadID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		var f model.LiveFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}

		switch f.Type {
		case model.FrameSnapshot:
			if f.Thread != nil {
				w.rec.Resync(*f.Thread)
				w.setConnected(true)
				b.Reset()
			}
		case model.FrameEvent:
			if f.Event == nil {
				continue
			}
			w.rec.Apply(*f.Event)
			if w.rec.NeedsResync() {
				w.resync(ctx)
			}
		case model.FrameEvicted:
			return errEvicted
		case model.FrameError:
			if f.Error != nil {
				w.log.Warn("live error", zap.String("code", f.Error.Code), zap.String("message", f.Error.Message))
				if f.Error.Code == "not_found" {
					return model.ErrNotFound
				}
			}
		}
	}
}

func (w *Watch) resync(ctx context.Context) {
	t, err := w.c.GetThread(ctx, w.threadID)
	if err != nil {
		w.log.Warn("resync failed", zap.Error(err))
		return
	}
	w.rec.Resync(t)
}
