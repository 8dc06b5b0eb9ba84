// Package connmgr aggregates client connections to many remote MCP servers.
// It persists registrations, restores connections after a restart, routes
// OAuth callbacks to the connection waiting on them, and exposes the union
// of every server's tools, resources and prompts under namespaced names.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/internal/events"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/internal/ssrf"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/registry"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotFound is returned for an unknown server id.
	ErrNotFound = registry.ErrNotFound
	// ErrDuplicateURL is returned when another registration already uses the URL.
	ErrDuplicateURL = errors.New("connmgr: a server with this URL is already registered")
	// ErrAlreadyRegistered is returned when the id is taken.
	ErrAlreadyRegistered = errors.New("connmgr: server id already registered")
	// ErrInvalidID is returned for ids containing the namespace separator or a dot.
	ErrInvalidID = errors.New("connmgr: server id must not contain '_' or '.'")
	// ErrNotReady is returned when invoking a capability on a connection
	// that has not completed discovery.
	ErrNotReady = errors.New("connmgr: server is not ready")
)

// Authorizer is what the manager needs from the OAuth coordinator.
// *oauth.Coordinator satisfies it.
type Authorizer interface {
	connection.Authorizer
	ValidateState(ctx context.Context, token string) (string, error)
	ConsumeState(ctx context.Context, token string) error
}

// RegisterParams describes a server to register.
type RegisterParams struct {
	// ID is generated when empty.
	ID          string
	Name        string
	URL         string
	CallbackURL string
	Options     registry.ServerOptions
}

// ConnectResult reports where a connect attempt left the connection.
type ConnectResult struct {
	ServerID string
	State    connection.State
	AuthURL  string
	ClientID string
	Error    error
}

// Info is a point-in-time view of one managed connection.
type Info struct {
	Registration registry.Registration
	State        connection.State
	AuthURL      string
	Transport    transport.Kind
	Error        error
	Snapshot     connection.Snapshot
}

type record struct {
	reg  registry.Registration
	conn *connection.Conn
}

// Manager owns one connection record per registered server.
type Manager struct {
	store        registry.Store
	auth         Authorizer
	connOpts     []connection.Option
	validateURL  func(string) (*url.URL, error)
	callbackBase string
	retry        registry.RetryOptions
	bus          *events.Bus[events.Event]
	metrics      *metrics
	log          *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	restoreOnce sync.Once
	restoreErr  error
	bg          sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthorizer enables OAuth for every connection.
func WithAuthorizer(a Authorizer) Option { return func(m *Manager) { m.auth = a } }

// WithConnectionOptions are applied to every connection the manager creates.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(m *Manager) { m.connOpts = append(m.connOpts, opts...) }
}

// WithURLValidator replaces the SSRF block-list check applied at
// registration.
func WithURLValidator(fn func(string) (*url.URL, error)) Option {
	return func(m *Manager) { m.validateURL = fn }
}

// WithCallbackBaseURL derives "{base}/{serverID}" as the callback URL for
// registrations that do not supply one.
func WithCallbackBaseURL(base string) Option {
	return func(m *Manager) { m.callbackBase = strings.TrimSuffix(base, "/") }
}

// WithDefaultRetry sets the retry bounds for registrations without their own.
func WithDefaultRetry(r registry.RetryOptions) Option { return func(m *Manager) { m.retry = r } }

// WithEventBus publishes registry and connection events to bus.
func WithEventBus(bus *events.Bus[events.Event]) Option { return func(m *Manager) { m.bus = bus } }

// WithRegisterer registers the manager's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.metrics = newMetrics(reg) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns a Manager persisting registrations in store.
func New(store registry.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		validateURL: ssrf.Check,
		retry:       registry.RetryOptions{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		records:     make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = &events.Bus[events.Event]{}
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	m.log = logctx.Wrap(m.log)
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	return m
}

// Events returns the bus carrying registry and connection events.
func (m *Manager) Events() *events.Bus[events.Event] { return m.bus }

func (m *Manager) emit(typ, display string, payload map[string]any) {
	m.bus.Publish(events.New(typ, display, payload))
}

func (m *Manager) newConn(reg registry.Registration) (*connection.Conn, error) {
	u, err := url.Parse(reg.URL)
	if err != nil {
		return nil, fmt.Errorf("connmgr: parse url for %s: %w", reg.ID, err)
	}
	kind, err := transport.ParseKind(reg.Options.Transport.Type)
	if err != nil {
		return nil, err
	}
	opts := []connection.Option{
		connection.WithEventBus(m.bus),
		connection.WithLogger(m.log),
		connection.WithTransitionHook(m.metrics.transition),
	}
	if m.auth != nil {
		opts = append(opts, connection.WithAuthorizer(m.auth))
	}
	opts = append(opts, m.connOpts...)
	conn := connection.New(connection.Config{
		ServerID:    reg.ID,
		URL:         u,
		CallbackURL: reg.CallbackURL,
		ClientID:    reg.ClientID,
		Transport:   kind,
		Headers:     reg.Options.Transport.Headers,
	}, opts...)
	m.metrics.added(conn.State())
	return conn, nil
}

func (m *Manager) dropConn(conn *connection.Conn) {
	m.metrics.removed(conn.State())
	_ = conn.Close()
}

func (m *Manager) lookup(id string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Manager) ready() []*record {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].reg.ID < recs[j].reg.ID })
	out := recs[:0]
	for _, rec := range recs {
		if rec.conn.State() == connection.StateReady {
			out = append(out, rec)
		}
	}
	return out
}

func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	norm := func(u *url.URL) string {
		return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimSuffix(u.EscapedPath(), "/") + "?" + u.RawQuery
	}
	return norm(ua) == norm(ub)
}

// RegisterServer validates and persists a registration and creates its
// connection without connecting it.
func (m *Manager) RegisterServer(ctx context.Context, p RegisterParams) (registry.Registration, error) {
	if p.ID == "" {
		p.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.ContainsAny(p.ID, Separator+".") {
		return registry.Registration{}, ErrInvalidID
	}
	u, err := m.validateURL(p.URL)
	if err != nil {
		return registry.Registration{}, fmt.Errorf("connmgr: register %s: %w", p.ID, err)
	}
	if _, err := transport.ParseKind(p.Options.Transport.Type); err != nil {
		return registry.Registration{}, err
	}

	existing, err := m.store.List(ctx)
	if err != nil {
		return registry.Registration{}, fmt.Errorf("connmgr: list registrations: %w", err)
	}
	for _, reg := range existing {
		if reg.ID == p.ID {
			return registry.Registration{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, p.ID)
		}
		if sameURL(reg.URL, u.String()) {
			return registry.Registration{}, fmt.Errorf("%w: %s (server %s)", ErrDuplicateURL, u.Redacted(), reg.ID)
		}
	}

	callback := p.CallbackURL
	if callback == "" && m.callbackBase != "" {
		callback = m.callbackBase + "/" + p.ID
	}
	if p.Options.Retry == (registry.RetryOptions{}) {
		p.Options.Retry = m.retry
	}
	name := p.Name
	if name == "" {
		name = u.Host
	}
	reg := registry.Registration{
		ID:          p.ID,
		Name:        name,
		URL:         u.String(),
		CallbackURL: callback,
		Options:     p.Options,
	}

	conn, err := m.newConn(reg)
	if err != nil {
		return registry.Registration{}, err
	}
	if err := m.store.Save(ctx, reg); err != nil {
		m.dropConn(conn)
		return registry.Registration{}, fmt.Errorf("connmgr: save registration: %w", err)
	}

	m.mu.Lock()
	m.records[reg.ID] = &record{reg: reg, conn: conn}
	m.mu.Unlock()

	m.emit("registry.server_registered", fmt.Sprintf("Registered server %s (%s)", reg.Name, reg.ID), map[string]any{
		"serverId": reg.ID,
		"url":      reg.URL,
	})
	return reg, nil
}

// ConnectToServer initializes the connection for id and, once connected,
// runs discovery. When the server demands authorization the issued auth URL
// and client id are persisted so a restart can resume the flow. The
// returned error is non-nil only when the connection FAILED or id is
// unknown; a discovery failure is reported in ConnectResult.Error.
func (m *Manager) ConnectToServer(ctx context.Context, id string) (ConnectResult, error) {
	rec, err := m.renew(ctx, id)
	if err != nil {
		return ConnectResult{ServerID: id, State: connection.StateFailed, Error: err}, err
	}
	conn := rec.conn
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ServerID: id, URL: rec.reg.URL})

	if err := conn.Init(ctx); err != nil {
		return ConnectResult{ServerID: id, State: conn.State(), Error: err}, err
	}

	switch conn.State() {
	case connection.StateAuthenticating:
		res := ConnectResult{ServerID: id, State: connection.StateAuthenticating, AuthURL: conn.AuthURL(), ClientID: conn.ClientID()}
		if err := m.store.UpdateAuth(ctx, id, res.ClientID, res.AuthURL); err != nil {
			m.log.ErrorContext(ctx, "connmgr.auth.persist.fail", slog.String("err", err.Error()))
		}
		m.setRecordAuth(id, res.ClientID, res.AuthURL)
		return res, nil
	case connection.StateConnected:
		if err := conn.Discover(ctx); err != nil {
			return ConnectResult{ServerID: id, State: conn.State(), Error: err}, nil
		}
	}
	return ConnectResult{ServerID: id, State: conn.State()}, nil
}

// renew returns the record for id, first replacing it with a fresh
// connection when the current one has FAILED.
func (m *Manager) renew(ctx context.Context, id string) (*record, error) {
	rec, err := m.lookup(id)
	if err != nil || rec.conn.State() != connection.StateFailed {
		return rec, err
	}
	m.mu.Lock()
	reg := rec.reg
	m.mu.Unlock()
	conn, err := m.newConn(reg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	cur, ok := m.records[id]
	if ok && cur == rec {
		cur = &record{reg: reg, conn: conn}
		m.records[id] = cur
	}
	m.mu.Unlock()
	if !ok {
		m.dropConn(conn)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.conn != conn {
		// Another caller replaced the record first.
		m.dropConn(conn)
		return cur, nil
	}
	m.log.InfoContext(ctx, "connmgr.record.renew", slog.String("server_id", id))
	m.dropConn(rec.conn)
	return cur, nil
}

func (m *Manager) setRecordAuth(id, clientID, authURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.reg.ClientID = clientID
		rec.reg.AuthURL = authURL
	}
}

func (m *Manager) retryPolicy(ctx context.Context, r registry.RetryOptions) backoff.BackOff {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = m.retry.MaxAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = m.retry.BaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = m.retry.MaxDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.BaseDelay
	eb.MaxInterval = r.MaxDelay
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(r.MaxAttempts-1, 0))), ctx)
}

// connectWithRetry connects and discovers with bounded exponential backoff.
// Stopping at AUTHENTICATING is success. A connection that reached CONNECTED
// only retries discovery. Each attempt acts on the current record, since a
// FAILED one is replaced by ConnectToServer.
func (m *Manager) connectWithRetry(ctx context.Context, id string) error {
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	op := func() error {
		cur, err := m.lookup(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cur.conn.State() == connection.StateConnected {
			return cur.conn.Discover(ctx)
		}
		res, err := m.ConnectToServer(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		return res.Error
	}
	notify := func(err error, next time.Duration) {
		m.log.WarnContext(ctx, "connmgr.connect.retry", slog.String("server_id", id), slog.Duration("next", next), slog.String("err", err.Error()))
	}
	err = backoff.RetryNotify(op, m.retryPolicy(ctx, rec.reg.Options.Retry), notify)
	if err != nil {
		m.log.ErrorContext(ctx, "connmgr.connect.exhausted", slog.String("server_id", id), slog.String("err", err.Error()))
		if cur, lerr := m.lookup(id); lerr == nil {
			if st := cur.conn.State(); st != connection.StateConnected && st != connection.StateReady {
				cur.conn.MarkFailed(err)
			}
		}
		m.emit("connection.retry_exhausted", fmt.Sprintf("Gave up connecting to %s", id), map[string]any{
			"serverId": id,
			"error":    err.Error(),
		})
	}
	return err
}

// isLive reports whether a record should be left alone by restore.
func isLive(rec *record) bool {
	switch rec.conn.State() {
	case connection.StateReady, connection.StateConnecting,
		connection.StateAuthenticating, connection.StateDiscovering:
		return true
	}
	return false
}

// RestoreConnectionsFromStorage recreates a connection for every persisted
// registration. It runs once per Manager; later calls return the first
// result. Registrations with a pending auth URL wait in AUTHENTICATING for
// the callback; the rest connect with retry in the background. Records in
// READY, CONNECTING, AUTHENTICATING or DISCOVERING are left untouched; any
// other record, including one stuck in CONNECTED after a failed discovery,
// is recreated.
func (m *Manager) RestoreConnectionsFromStorage(ctx context.Context) error {
	m.restoreOnce.Do(func() {
		m.restoreErr = m.restore(ctx)
	})
	return m.restoreErr
}

func (m *Manager) restore(ctx context.Context) error {
	regs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("connmgr: list registrations: %w", err)
	}

	var merr *multierror.Error
	for _, reg := range regs {
		m.mu.Lock()
		existing := m.records[reg.ID]
		m.mu.Unlock()
		if existing != nil && isLive(existing) {
			continue
		}

		conn, err := m.newConn(reg)
		if err != nil {
			merr = multierror.Append(merr, err)
			m.log.ErrorContext(ctx, "connmgr.restore.fail", slog.String("server_id", reg.ID), slog.String("err", err.Error()))
			continue
		}
		m.mu.Lock()
		m.records[reg.ID] = &record{reg: reg, conn: conn}
		m.mu.Unlock()
		if existing != nil {
			m.dropConn(existing.conn)
		}

		if reg.HasPendingAuth() {
			conn.SetAuthenticating(reg.AuthURL, reg.ClientID)
			continue
		}

		m.bg.Add(1)
		go func(id string) {
			defer m.bg.Done()
			_ = m.connectWithRetry(m.bgCtx, id)
		}(reg.ID)
	}
	m.emit("registry.restored", fmt.Sprintf("Restored %d servers", len(regs)), map[string]any{"count": len(regs)})
	return merr.ErrorOrNil()
}

// Get returns the current view of one connection.
func (m *Manager) Get(id string) (Info, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return infoOf(rec), nil
}

// List returns every managed connection ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, infoOf(rec))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Registration.ID < out[j].Registration.ID })
	return out
}

func infoOf(rec *record) Info {
	return Info{
		Registration: rec.reg,
		State:        rec.conn.State(),
		AuthURL:      rec.conn.AuthURL(),
		Transport:    rec.conn.TransportKind(),
		Error:        rec.conn.LastError(),
		Snapshot:     rec.conn.Snapshot(),
	}
}

// RemoveServer closes the connection and deletes the registration along
// with any OAuth data stored for it.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	delete(m.records, id)
	m.mu.Unlock()
	if ok {
		m.dropConn(rec.conn)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("connmgr: delete registration: %w", err)
	}
	if f, ok := m.auth.(interface {
		Forget(context.Context, string) error
	}); ok {
		if err := f.Forget(ctx, id); err != nil {
			m.log.WarnContext(ctx, "connmgr.forget.fail", slog.String("server_id", id), slog.String("err", err.Error()))
		}
	}
	m.emit("registry.server_removed", fmt.Sprintf("Removed server %s", id), map[string]any{"serverId": id})
	return nil
}

func (m *Manager) readyConn(id string) (*connection.Conn, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if st := rec.conn.State(); st != connection.StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, st)
	}
	return rec.conn, nil
}

// CallTool invokes a namespaced tool on its owning server.
func (m *Manager) CallTool(ctx context.Context, namespaced string, args json.RawMessage) (*mcp.CallToolResult, error) {
	id, name, err := SplitNamespaced(namespaced)
	if err != nil {
		return nil, err
	}
	conn, err := m.readyConn(id)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, name, args)
}

// GetPrompt renders a namespaced prompt on its owning server.
func (m *Manager) GetPrompt(ctx context.Context, namespaced string, args map[string]string) (*mcp.GetPromptResult, error) {
	id, name, err := SplitNamespaced(namespaced)
	if err != nil {
		return nil, err
	}
	conn, err := m.readyConn(id)
	if err != nil {
		return nil, err
	}
	return conn.GetPrompt(ctx, name, args)
}

// ReadResource reads uri from serverID.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	conn, err := m.readyConn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// Close closes every connection and waits for background connects.
func (m *Manager) Close() error {
	m.bgCancel()
	m.bg.Wait()

	m.mu.Lock()
	recs := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()

	var merr *multierror.Error
	for _, rec := range recs {
		m.metrics.removed(rec.conn.State())
		if err := rec.conn.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
