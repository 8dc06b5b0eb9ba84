// Package transport implements the client-side bindings used to exchange
// JSON-RPC messages with a remote MCP server: streamable HTTP, legacy
// HTTP+SSE, and actor RPC. All three satisfy Transport and are constructed
// through a Factory keyed by Kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"golang.org/x/oauth2"
)

// Kind names a transport binding.
type Kind string

const (
	KindAuto           Kind = "auto"
	KindStreamableHTTP Kind = "streamable-http"
	KindSSE            Kind = "sse"
	KindActorRPC       Kind = "actor-rpc"
)

// ParseKind maps a persisted transport type to a Kind. Empty means auto.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindAuto:
		return KindAuto, nil
	case KindStreamableHTTP, KindSSE, KindActorRPC:
		return Kind(s), nil
	}
	return "", fmt.Errorf("transport: unknown kind %q", s)
}

// ProbeOrder lists the bindings to try, in order, for k. Auto mode tries
// streamable HTTP first and falls back to legacy SSE.
func ProbeOrder(k Kind) []Kind {
	if k == KindAuto || k == "" {
		return []Kind{KindStreamableHTTP, KindSSE}
	}
	return []Kind{k}
}

var (
	// ErrUnauthorized is wrapped by errors caused by a 401 from the remote.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrNotImplemented is wrapped when the remote does not speak the
	// binding at all (404 or 405 before a session exists). It is the only
	// error that lets auto mode fall back to the next binding.
	ErrNotImplemented = errors.New("transport: binding not implemented by remote")
	// ErrSessionExpired is returned when the remote no longer knows our session.
	ErrSessionExpired = errors.New("transport: session expired")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("transport: already started")
	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("transport: not started")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
	// ErrInvalidBatch is returned when an outgoing payload is not a
	// non-empty JSON-RPC message or array of messages.
	ErrInvalidBatch = errors.New("transport: invalid JSON-RPC payload")
)

// Handlers receive inbound traffic. Callbacks may run on transport-owned
// goroutines and must not block for long.
type Handlers struct {
	OnMessage func(msg jsonrpc.AnyMessage)
	OnError   func(err error)
	OnClose   func()
}

func (h Handlers) message(m jsonrpc.AnyMessage) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

func (h Handlers) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// SendOptions tune a single Send call.
type SendOptions struct {
	// RelatedRequestID ties a server-initiated message to the inbound
	// request whose exchange is waiting on it.
	RelatedRequestID *jsonrpc.RequestID
	// ResumptionToken resumes a previously interrupted stream instead of
	// posting the message again (streamable HTTP only).
	ResumptionToken string
	// OnResumptionToken is called with every event id observed on the
	// stream opened by this Send.
	OnResumptionToken func(token string)
}

// SendOption configures SendOptions.
type SendOption func(*SendOptions)

// WithRelatedRequest routes the message through the exchange of request id.
func WithRelatedRequest(id *jsonrpc.RequestID) SendOption {
	return func(o *SendOptions) { o.RelatedRequestID = id }
}

// WithResumptionToken resumes a stream from the given event id.
func WithResumptionToken(token string, onToken func(string)) SendOption {
	return func(o *SendOptions) {
		o.ResumptionToken = token
		o.OnResumptionToken = onToken
	}
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Transport is one binding instance. Start may be called exactly once.
// Send accepts either one encoded JSON-RPC message or an encoded array.
type Transport interface {
	Kind() Kind
	SetHandlers(h Handlers)
	Start(ctx context.Context) error
	Send(ctx context.Context, msg jsonrpc.Message, opts ...SendOption) error
	Close() error
	// SessionID returns the remote-assigned session id, if any.
	SessionID() string
	// SetProtocolVersion records the version negotiated during initialize
	// so it can be sent on subsequent requests.
	SetProtocolVersion(v string)
}

// Config is shared by every binding. Bindings ignore fields they do not use.
type Config struct {
	URL         *url.URL
	HTTPClient  *http.Client
	Headers     map[string]string
	TokenSource oauth2.TokenSource
	Actor       ActorHandle
	Logger      *slog.Logger
}

// Constructor builds a Transport for cfg.
type Constructor func(cfg Config) (Transport, error)

// Factory maps a Kind to its Constructor.
type Factory map[Kind]Constructor

// DefaultFactory returns the three built-in bindings.
func DefaultFactory() Factory {
	return Factory{
		KindStreamableHTTP: func(cfg Config) (Transport, error) { return NewStreamableHTTP(cfg) },
		KindSSE:            func(cfg Config) (Transport, error) { return NewSSE(cfg) },
		KindActorRPC:       func(cfg Config) (Transport, error) { return NewActor(cfg) },
	}
}

// New constructs the binding registered for k.
func (f Factory) New(k Kind, cfg Config) (Transport, error) {
	ctor, ok := f[k]
	if !ok {
		return nil, fmt.Errorf("transport: no binding registered for %q", k)
	}
	return ctor(cfg)
}

// Peer is the write side of a session as seen by the code answering it.
// Implemented by the server-side session transport.
type Peer interface {
	Send(ctx context.Context, msg jsonrpc.Message, opts ...SendOption) error
	SessionID() string
}

// MessageHandler processes the inbound messages of one session and answers
// through p. Responses are routed by their id; other messages tied to a
// request should be sent with WithRelatedRequest.
type MessageHandler interface {
	HandleMessage(ctx context.Context, p Peer, msg *jsonrpc.AnyMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, p Peer, msg *jsonrpc.AnyMessage)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, p Peer, msg *jsonrpc.AnyMessage) {
	f(ctx, p, msg)
}
