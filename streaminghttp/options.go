package streaminghttp

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxBodyBytes bounds POST bodies unless WithMaxBodyBytes is given.
const DefaultMaxBodyBytes = 4 << 20

// Option configures a Transport or Handler.
type Option func(*config)

type config struct {
	log          *slog.Logger
	newSessionID func() string
	jsonResponse bool
	events       EventStore
	state        StateStore
	maxBody      int64

	onInitialized []func(ctx context.Context, sessionID string)
	onClosed      []func(ctx context.Context, sessionID string)

	allowedOrigins []string
	corsWarned     *atomic.Bool

	authn      auth.Authenticator
	realm      string
	serverName string

	registerer prometheus.Registerer
	metrics    *metrics
}

func newConfig(opts []Option) *config {
	c := &config{
		log:          slog.Default(),
		newSessionID: func() string { return uuid.NewString() },
		maxBody:      DefaultMaxBodyBytes,
		corsWarned:   new(atomic.Bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(c.registerer)
	}
	return c
}

// clone returns a copy whose hook slices can be extended independently.
func (c *config) clone() *config {
	cc := *c
	cc.onInitialized = slices.Clone(c.onInitialized)
	cc.onClosed = slices.Clone(c.onClosed)
	return &cc
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// WithSessionIDGenerator replaces the default UUID session ids.
func WithSessionIDGenerator(fn func() string) Option {
	return func(c *config) { c.newSessionID = fn }
}

// WithStatelessMode disables session ids entirely. Every request is
// accepted without an Mcp-Session-Id header. Only meaningful for a single
// Transport.
func WithStatelessMode() Option { return func(c *config) { c.newSessionID = nil } }

// WithJSONResponse answers POSTs with a single JSON body once every
// response of the batch is ready, instead of an SSE stream.
func WithJSONResponse() Option { return func(c *config) { c.jsonResponse = true } }

// WithEventStore enables resumable streams.
func WithEventStore(s EventStore) Option { return func(c *config) { c.events = s } }

// WithStateStore persists session state so sessions survive a restart.
func WithStateStore(s StateStore) Option { return func(c *config) { c.state = s } }

// WithMaxBodyBytes bounds POST bodies; larger bodies get 413.
func WithMaxBodyBytes(n int64) Option { return func(c *config) { c.maxBody = n } }

// OnSessionInitialized registers a hook run once per session after its id
// is issued.
func OnSessionInitialized(fn func(ctx context.Context, sessionID string)) Option {
	return func(c *config) { c.onInitialized = append(c.onInitialized, fn) }
}

// OnSessionClosed registers a hook run when a session is deleted.
func OnSessionClosed(fn func(ctx context.Context, sessionID string)) Option {
	return func(c *config) { c.onClosed = append(c.onClosed, fn) }
}

// WithAllowedOrigins enables CORS for the given origins. "*" allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *config) { c.allowedOrigins = append(c.allowedOrigins, origins...) }
}

// WithAuthenticator requires a bearer token on every request.
func WithAuthenticator(a auth.Authenticator) Option { return func(c *config) { c.authn = a } }

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithServerName sets the resource_name of the protected resource metadata.
func WithServerName(name string) Option { return func(c *config) { c.serverName = name } }

// WithRegisterer registers the session and stream gauges.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}
