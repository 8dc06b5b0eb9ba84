// Package connection drives one client connection to a remote MCP server:
// binding negotiation, OAuth hand-off, the initialize handshake, capability
// discovery, and JSON-RPC request correlation.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/events"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"golang.org/x/oauth2"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateDiscovering    State = "discovering"
	StateReady          State = "ready"
	StateFailed         State = "failed"
)

// DefaultDiscoverTimeout bounds one discovery run.
const DefaultDiscoverTimeout = 15 * time.Second

var (
	ErrInitInFlight        = errors.New("connection: init already in progress")
	ErrInvalidState        = errors.New("connection: operation not allowed in current state")
	ErrNotConnected        = errors.New("connection: no active transport")
	ErrDiscoverySuperseded = errors.New("connection: discovery superseded by a newer run")
	ErrDiscoveryTimeout    = errors.New("connection: discovery timed out")
	ErrUnsupportedVersion  = errors.New("connection: server negotiated an unsupported protocol version")
	ErrNoAuthorizer        = errors.New("connection: server requires authorization but no authorizer is configured")
)

// Authorizer runs the OAuth flow on behalf of a connection.
// *oauth.Coordinator satisfies it.
type Authorizer interface {
	BeginAuthorization(ctx context.Context, p oauth.AuthParams) (*oauth.AuthRequest, error)
	CompleteAuthorization(ctx context.Context, serverID, code string) error
	TokenSource(ctx context.Context, serverID string) (oauth2.TokenSource, error)
}

// Config identifies the remote server.
type Config struct {
	ServerID    string
	URL         *url.URL
	CallbackURL string
	// ClientID is a pre-registered OAuth client id, if any.
	ClientID  string
	Transport transport.Kind
	Headers   map[string]string
}

// Transition describes a state change.
type Transition struct {
	ServerID string
	From, To State
	Err      error
}

// Conn is the state machine for one remote server. It is safe for
// concurrent use, but Init must not be called while another Init is in
// flight.
type Conn struct {
	cfg             Config
	factory         transport.Factory
	auth            Authorizer
	httpClient      *http.Client
	actor           transport.ActorHandle
	clientInfo      mcp.ImplementationInfo
	clientCaps      mcp.ClientCapabilities
	discoverTimeout time.Duration
	bus             *events.Bus[events.Event]
	onTransition    func(Transition)
	log             *slog.Logger

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[string]chan *jsonrpc.Response

	mu           sync.Mutex
	state        State
	lastErr      error
	initializing bool
	authURL      string
	clientID     string
	tr           transport.Transport
	kind         transport.Kind
	initResult   *mcp.InitializeResult
	snapshot     Snapshot

	discoverGen    uint64
	discoverCancel context.CancelFunc
}

// Option configures a Conn.
type Option func(*Conn)

// WithFactory replaces the transport factory.
func WithFactory(f transport.Factory) Option { return func(c *Conn) { c.factory = f } }

// WithAuthorizer enables the OAuth flow on 401 responses.
func WithAuthorizer(a Authorizer) Option { return func(c *Conn) { c.auth = a } }

// WithHTTPClient sets the HTTP client used by the HTTP bindings.
func WithHTTPClient(hc *http.Client) Option { return func(c *Conn) { c.httpClient = hc } }

// WithActor sets the handle used by the actor-RPC binding.
func WithActor(h transport.ActorHandle) Option { return func(c *Conn) { c.actor = h } }

// WithClientInfo sets the implementation info sent in initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *Conn) { c.clientInfo = info }
}

// WithClientCapabilities sets the capabilities sent in initialize.
func WithClientCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *Conn) { c.clientCaps = caps }
}

// WithDiscoverTimeout overrides DefaultDiscoverTimeout.
func WithDiscoverTimeout(d time.Duration) Option {
	return func(c *Conn) { c.discoverTimeout = d }
}

// WithEventBus publishes observability events to bus.
func WithEventBus(bus *events.Bus[events.Event]) Option { return func(c *Conn) { c.bus = bus } }

// WithTransitionHook is called after every state change, outside any lock.
func WithTransitionHook(fn func(Transition)) Option {
	return func(c *Conn) { c.onTransition = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.log = l } }

// New returns a Conn in the CONNECTING state. No network activity happens
// until Init.
func New(cfg Config, opts ...Option) *Conn {
	c := &Conn{
		cfg:             cfg,
		factory:         transport.DefaultFactory(),
		clientInfo:      mcp.ImplementationInfo{Name: "mcp-bridge", Version: "0.1.0"},
		discoverTimeout: DefaultDiscoverTimeout,
		pending:         make(map[string]chan *jsonrpc.Response),
		state:           StateConnecting,
		clientID:        cfg.ClientID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	return c
}

// ServerID returns the id of the remote server.
func (c *Conn) ServerID() string { return c.cfg.ServerID }

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error behind the most recent failure, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// AuthURL returns the pending authorization URL while AUTHENTICATING.
func (c *Conn) AuthURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authURL
}

// ClientID returns the OAuth client id used for the pending or completed
// authorization.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// TransportKind returns the binding that last connected successfully.
func (c *Conn) TransportKind() transport.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

func (c *Conn) ctx(ctx context.Context) context.Context {
	return logctx.WithConnectionData(ctx, &logctx.ConnectionData{
		ServerID:  c.cfg.ServerID,
		URL:       c.cfg.URL.String(),
		Transport: string(c.TransportKind()),
	})
}

// setState must be called with c.mu held. The returned func publishes the
// transition and must be called after c.mu is released.
func (c *Conn) setState(to State, err error) func() {
	from := c.state
	c.state = to
	if err != nil {
		c.lastErr = err
	} else if to != StateFailed {
		c.lastErr = nil
	}
	if from == to {
		return func() {}
	}
	t := Transition{ServerID: c.cfg.ServerID, From: from, To: to, Err: err}
	return func() { c.emitTransition(t) }
}

func (c *Conn) emitTransition(t Transition) {
	payload := map[string]any{"serverId": t.ServerID, "from": string(t.From), "to": string(t.To)}
	if t.Err != nil {
		payload["error"] = t.Err.Error()
	}
	c.emit("connection.state_changed", fmt.Sprintf("Connection %s: %s → %s", t.ServerID, t.From, t.To), payload)
	if c.onTransition != nil {
		c.onTransition(t)
	}
}

func (c *Conn) emit(typ, display string, payload map[string]any) {
	if c.bus != nil {
		c.bus.Publish(events.New(typ, display, payload))
	}
}

func (c *Conn) transition(to State, err error) {
	c.mu.Lock()
	publish := c.setState(to, err)
	c.mu.Unlock()
	publish()
}

// Init connects a binding and runs the initialize handshake. In auto mode
// streamable HTTP is tried first and legacy SSE only when the remote does
// not implement it. A 401 moves the connection to AUTHENTICATING with an
// authorization URL and is not reported as an error. Any other failure
// moves it to FAILED and is returned.
func (c *Conn) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.initializing {
		c.mu.Unlock()
		return ErrInitInFlight
	}
	c.initializing = true
	old := c.tr
	c.tr = nil
	publish := c.setState(StateConnecting, nil)
	c.mu.Unlock()
	publish()

	defer func() {
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
	}()
	if old != nil {
		_ = old.Close()
	}

	ctx = c.ctx(ctx)
	var ts oauth2.TokenSource
	if c.auth != nil {
		var err error
		if ts, err = c.auth.TokenSource(ctx, c.cfg.ServerID); err != nil {
			c.log.WarnContext(ctx, "conn.tokens.load.fail", slog.String("err", err.Error()))
		}
	}

	order := transport.ProbeOrder(c.cfg.Transport)
	for i, kind := range order {
		tr, err := c.factory.New(kind, transport.Config{
			URL:         c.cfg.URL,
			HTTPClient:  c.httpClient,
			Headers:     c.cfg.Headers,
			TokenSource: ts,
			Actor:       c.actor,
			Logger:      c.log,
		})
		if err != nil {
			return c.fail(ctx, err)
		}

		err = c.handshake(ctx, tr)
		if err == nil {
			c.mu.Lock()
			c.tr = tr
			c.kind = kind
			c.authURL = ""
			publish := c.setState(StateConnected, nil)
			c.mu.Unlock()
			publish()
			c.log.InfoContext(ctx, "conn.init.ok", slog.String("transport", string(kind)))
			return nil
		}
		_ = tr.Close()

		var ue *transport.UnauthorizedError
		switch {
		case errors.As(err, &ue) || errors.Is(err, transport.ErrUnauthorized):
			c.mu.Lock()
			c.kind = kind
			c.mu.Unlock()
			return c.beginAuth(ctx, ue)
		case errors.Is(err, transport.ErrNotImplemented) && i < len(order)-1:
			c.log.InfoContext(ctx, "conn.init.fallback", slog.String("from", string(kind)), slog.String("err", err.Error()))
			continue
		default:
			return c.fail(ctx, err)
		}
	}
	return c.fail(ctx, fmt.Errorf("connection: no transport binding for %q", c.cfg.Transport))
}

func (c *Conn) fail(ctx context.Context, err error) error {
	c.log.ErrorContext(ctx, "conn.init.fail", slog.String("err", err.Error()))
	c.transition(StateFailed, err)
	return err
}

func (c *Conn) beginAuth(ctx context.Context, ue *transport.UnauthorizedError) error {
	if c.auth == nil {
		return c.fail(ctx, ErrNoAuthorizer)
	}
	p := oauth.AuthParams{
		ServerID:    c.cfg.ServerID,
		ServerURL:   c.cfg.URL,
		CallbackURL: c.cfg.CallbackURL,
		ClientID:    c.ClientID(),
	}
	if ue != nil {
		p.ResourceMetadataURL = ue.ResourceMetadataURL
		p.Scope = ue.Scope
	}
	req, err := c.auth.BeginAuthorization(ctx, p)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("connection: begin authorization: %w", err))
	}

	c.mu.Lock()
	c.authURL = req.AuthURL
	c.clientID = req.ClientID
	publish := c.setState(StateAuthenticating, nil)
	c.mu.Unlock()
	publish()
	c.log.InfoContext(ctx, "conn.init.unauthorized")
	return nil
}

// SetAuthenticating puts a restored connection into AUTHENTICATING with a
// previously issued authorization URL, without touching the network.
func (c *Conn) SetAuthenticating(authURL, clientID string) {
	c.mu.Lock()
	c.authURL = authURL
	if clientID != "" {
		c.clientID = clientID
	}
	publish := c.setState(StateAuthenticating, nil)
	c.mu.Unlock()
	publish()
}

// MarkFailed moves the connection to FAILED with err.
func (c *Conn) MarkFailed(err error) {
	c.transition(StateFailed, err)
}

// CompleteAuthorization exchanges code for tokens. It is only legal while
// AUTHENTICATING; success moves to CONNECTING and the caller is expected to
// Init again. Failure moves to FAILED and is returned.
func (c *Conn) CompleteAuthorization(ctx context.Context, code string) error {
	c.mu.Lock()
	if c.state != StateAuthenticating {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: complete authorization in %s", ErrInvalidState, st)
	}
	c.mu.Unlock()
	if c.auth == nil {
		c.transition(StateFailed, ErrNoAuthorizer)
		return ErrNoAuthorizer
	}

	ctx = c.ctx(ctx)
	if err := c.auth.CompleteAuthorization(ctx, c.cfg.ServerID, code); err != nil {
		c.log.ErrorContext(ctx, "conn.auth.complete.fail", slog.String("err", err.Error()))
		c.transition(StateFailed, err)
		return err
	}

	c.mu.Lock()
	c.authURL = ""
	publish := c.setState(StateConnecting, nil)
	c.mu.Unlock()
	publish()
	return nil
}

// Close tears down the active binding and abandons pending calls.
func (c *Conn) Close() error {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	if c.discoverCancel != nil {
		c.discoverCancel()
		c.discoverCancel = nil
	}
	c.mu.Unlock()

	c.failPending(transport.ErrClosed)
	if tr == nil {
		return nil
	}
	if st, ok := tr.(interface {
		TerminateSession(context.Context) error
	}); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.TerminateSession(ctx); err != nil {
			c.log.Debug("conn.terminate.fail", slog.String("err", err.Error()))
		}
		cancel()
	}
	return tr.Close()
}

func (c *Conn) handleClose(tr transport.Transport) func() {
	return func() {
		c.mu.Lock()
		if c.tr != tr {
			c.mu.Unlock()
			return
		}
		c.tr = nil
		publish := c.setState(StateFailed, transport.ErrClosed)
		c.mu.Unlock()
		publish()
		c.failPending(transport.ErrClosed)
	}
}

func (c *Conn) activeTransport() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return nil, ErrNotConnected
	}
	return c.tr, nil
}
