package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
)

// ActorHandle is a request/response channel to a co-located server. The
// payload is an encoded JSON-RPC batch; the reply is the encoded batch of
// responses, or empty when the batch held only notifications.
type ActorHandle interface {
	Call(ctx context.Context, payload []byte) ([]byte, error)
}

// ActorHandleFunc adapts a function to ActorHandle.
type ActorHandleFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f ActorHandleFunc) Call(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Actor delivers messages through an ActorHandle. Each Send is one call;
// responses are dispatched to OnMessage before Send returns.
type Actor struct {
	handle ActorHandle

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
}

// NewActor returns an unstarted binding over cfg.Actor.
func NewActor(cfg Config) (*Actor, error) {
	if cfg.Actor == nil {
		return nil, errors.New("transport: actor handle is required")
	}
	return &Actor{handle: cfg.Actor}, nil
}

func (t *Actor) Kind() Kind { return KindActorRPC }

func (t *Actor) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Actor) SessionID() string { return "" }

func (t *Actor) SetProtocolVersion(string) {}

func (t *Actor) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	if t.closed {
		return ErrClosed
	}
	t.started = true
	return nil
}

// Send delivers msg as a batch. A single message is wrapped in an array;
// anything that is not valid JSON-RPC, or an empty array, is rejected.
func (t *Actor) Send(ctx context.Context, msg jsonrpc.Message, opts ...SendOption) error {
	t.mu.Lock()
	h, started, closed := t.handlers, t.started, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	msgs, isBatch, err := jsonrpc.ParseBatch(msg)
	if err != nil || len(msgs) == 0 {
		return ErrInvalidBatch
	}
	payload := []byte(msg)
	if !isBatch {
		payload = make([]byte, 0, len(msg)+2)
		payload = append(payload, '[')
		payload = append(payload, msg...)
		payload = append(payload, ']')
	}

	reply, err := t.handle.Call(ctx, payload)
	if err != nil {
		return fmt.Errorf("transport: actor call: %w", err)
	}
	if len(reply) == 0 {
		return nil
	}
	return dispatchJSON(reply, h)
}

func (t *Actor) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handlers
	t.mu.Unlock()
	h.close()
	return nil
}
