// Package natsactor carries the actor-RPC binding over NATS request/reply.
// Each actor is addressed by a subject; a call is one request whose payload
// is an encoded JSON-RPC batch and whose reply is the encoded responses.
package natsactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"github.com/nats-io/nats.go"
)

const (
	defaultURL    = "nats://127.0.0.1:4222"
	subjectPrefix = "mcp.actor."
)

// Subject returns the NATS subject for the named actor.
func Subject(name string) string {
	return subjectPrefix + strings.ReplaceAll(name, " ", "_")
}

// ConnOpts configures Connect.
type ConnOpts struct {
	// Name of this client. The hostname is appended.
	Name string
	// Comma delimited NATS URLs.
	URLs string
	Opts []nats.Option
}

// Conn wraps a NATS connection whose Shutdown waits for the drain to finish.
type Conn struct {
	*nats.Conn
	closed *sync.WaitGroup
}

// Connect dials NATS.
func Connect(ctx context.Context, opts ConnOpts) (*Conn, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("natsactor: hostname: %w", err)
	}
	urls := defaultURL
	if opts.URLs != "" {
		urls = opts.URLs
	}

	wg := &sync.WaitGroup{}
	nopts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", opts.Name, host)),
		nats.ClosedHandler(func(*nats.Conn) { wg.Done() }),
	}
	nopts = append(nopts, opts.Opts...)

	nc, err := nats.Connect(urls, nopts...)
	if err != nil {
		return nil, fmt.Errorf("natsactor: connect: %w", err)
	}
	wg.Add(1)

	logctx.Wrap(slog.Default()).InfoContext(ctx, "natsactor.connected", slog.String("urls", urls))
	return &Conn{Conn: nc, closed: wg}, nil
}

// Shutdown drains in-flight requests and waits for the connection to close.
func (c *Conn) Shutdown() error {
	if err := c.Drain(); err != nil {
		return err
	}
	c.closed.Wait()
	return nil
}

// Handle is a transport.ActorHandle that sends each call as a NATS request.
type Handle struct {
	nc      *nats.Conn
	subject string
}

var _ transport.ActorHandle = (*Handle)(nil)

// NewHandle returns a handle for the actor listening on subject.
func NewHandle(nc *nats.Conn, subject string) *Handle {
	return &Handle{nc: nc, subject: subject}
}

func (h *Handle) Call(ctx context.Context, payload []byte) ([]byte, error) {
	msg, err := h.nc.RequestWithContext(ctx, h.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%w: no actor on %s", transport.ErrNotImplemented, h.subject)
		}
		return nil, fmt.Errorf("natsactor: request %s: %w", h.subject, err)
	}
	if desc := msg.Header.Get(errorHeader); desc != "" {
		return nil, fmt.Errorf("natsactor: actor error: %s", desc)
	}
	return msg.Data, nil
}

const errorHeader = "Mcp-Actor-Error"

// HandlerFunc processes one encoded batch and returns the encoded responses.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Serve answers requests on subject with fn until the subscription is
// drained or unsubscribed. Handler errors are returned in a reply header.
func Serve(nc *nats.Conn, subject string, fn HandlerFunc) (*nats.Subscription, error) {
	log := logctx.Wrap(slog.Default())
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := context.Background()
		reply := nats.NewMsg(m.Reply)
		out, err := fn(ctx, m.Data)
		if err != nil {
			log.ErrorContext(ctx, "natsactor.handle.err", slog.String("subject", subject), slog.String("err", err.Error()))
			reply.Header.Set(errorHeader, err.Error())
		} else {
			reply.Data = out
		}
		if err := m.RespondMsg(reply); err != nil {
			log.ErrorContext(ctx, "natsactor.respond.err", slog.String("subject", subject), slog.String("err", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("natsactor: subscribe %s: %w", subject, err)
	}
	return sub, nil
}
