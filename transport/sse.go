package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	sse "github.com/tmaxmax/go-sse"
)

// ErrEndpointOrigin is returned when the endpoint event names a URL on a
// different origin than the SSE stream.
var ErrEndpointOrigin = errors.New("transport: endpoint origin does not match connection origin")

// SSE is the legacy HTTP+SSE binding: a long-lived GET stream delivers an
// "endpoint" event followed by "message" events, and outgoing messages are
// POSTed to the announced endpoint.
type SSE struct {
	httpBase

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
	endpoint *url.URL

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSSE validates cfg and returns an unstarted binding.
func NewSSE(cfg Config) (*SSE, error) {
	base, err := newHTTPBase(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SSE{httpBase: base, ctx: ctx, cancel: cancel}, nil
}

func (t *SSE) Kind() Kind { return KindSSE }

func (t *SSE) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *SSE) SessionID() string { return "" }

func (t *SSE) SetProtocolVersion(string) {}

// Start opens the event stream and blocks until the endpoint event arrives,
// the stream fails, or ctx is done.
func (t *SSE) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.started = true
	h := t.handlers
	t.mu.Unlock()

	req, err := t.newRequest(t.ctx, http.MethodGet, t.cfg.URL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		res *http.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := t.client.Do(req)
		done <- result{res, err}
	}()

	var res *http.Response
	select {
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("transport: open stream: %w", r.err)
		}
		res = r.res
	}

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusUnauthorized:
		defer res.Body.Close()
		return unauthorizedFrom(res)
	default:
		defer res.Body.Close()
		return &HTTPError{
			StatusCode:     res.StatusCode,
			Body:           readErrorBody(res),
			notImplemented: res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusMethodNotAllowed,
		}
	}

	ready := make(chan error, 1)
	go t.listen(res.Body, h, ready)

	select {
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	case err := <-ready:
		return err
	}
}

func (t *SSE) listen(body io.ReadCloser, h Handlers, ready chan<- error) {
	defer body.Close()

	announced := false
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			if !announced {
				ready <- fmt.Errorf("transport: stream ended before endpoint: %w", err)
				return
			}
			if t.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				h.error(fmt.Errorf("transport: stream: %w", err))
			}
			break
		}

		switch ev.Type {
		case "endpoint":
			u, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				if !announced {
					ready <- err
					return
				}
				h.error(err)
				continue
			}
			t.mu.Lock()
			t.endpoint = u
			t.mu.Unlock()
			if !announced {
				announced = true
				close(ready)
			}
		case "", "message":
			if !announced {
				t.log.WarnContext(t.ctx, "sse.message.before_endpoint")
				continue
			}
			dispatchData(ev.Data, h)
		default:
			t.log.DebugContext(t.ctx, "sse.event.ignored")
		}
	}

	if !announced {
		ready <- fmt.Errorf("transport: stream ended before endpoint: %w", io.ErrUnexpectedEOF)
		return
	}
	if t.ctx.Err() == nil {
		t.Close()
	}
}

func (t *SSE) resolveEndpoint(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	u := t.cfg.URL.ResolveReference(ref)
	if u.Scheme != t.cfg.URL.Scheme || u.Host != t.cfg.URL.Host {
		return nil, fmt.Errorf("%w: %s", ErrEndpointOrigin, u.Redacted())
	}
	return u, nil
}

func (t *SSE) Send(ctx context.Context, msg jsonrpc.Message, opts ...SendOption) error {
	t.mu.Lock()
	closed, started, endpoint := t.closed, t.started, t.endpoint
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started || endpoint == nil {
		return ErrNotStarted
	}

	req, err := t.newRequest(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return unauthorizedFrom(res)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return &HTTPError{StatusCode: res.StatusCode, Body: readErrorBody(res)}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Close tears down the event stream and fires OnClose once.
func (t *SSE) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handlers
	t.mu.Unlock()

	t.cancel()
	h.close()
	return nil
}
