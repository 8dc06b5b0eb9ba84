package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	sse "github.com/tmaxmax/go-sse"
)

const maxEventSize = 4 << 20

// StreamableHTTP is the client side of the streamable HTTP binding: every
// outgoing message is a POST whose response is either JSON or an SSE stream,
// and an optional standalone GET stream carries unsolicited server messages.
type StreamableHTTP struct {
	httpBase

	mu              sync.Mutex
	handlers        Handlers
	started         bool
	closed          bool
	sessionID       string
	protocolVersion string
	standalone      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamableHTTP validates cfg and returns an unstarted binding.
func NewStreamableHTTP(cfg Config) (*StreamableHTTP, error) {
	base, err := newHTTPBase(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamableHTTP{httpBase: base, ctx: ctx, cancel: cancel}, nil
}

func (t *StreamableHTTP) Kind() Kind { return KindStreamableHTTP }

func (t *StreamableHTTP) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Start marks the binding as started. No request is made until the first
// Send, which for MCP is the initialize request.
func (t *StreamableHTTP) Start(ctx context.Context) error {
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

func (t *StreamableHTTP) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableHTTP) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

func (t *StreamableHTTP) snapshot() (Handlers, string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Handlers{}, "", "", ErrClosed
	}
	if !t.started {
		return Handlers{}, "", "", ErrNotStarted
	}
	return t.handlers, t.sessionID, t.protocolVersion, nil
}

func (t *StreamableHTTP) Send(ctx context.Context, msg jsonrpc.Message, opts ...SendOption) error {
	o := ApplySendOptions(opts...)
	h, sid, pv, err := t.snapshot()
	if err != nil {
		return err
	}

	if o.ResumptionToken != "" {
		return t.openStream(ctx, o.ResumptionToken, o.OnResumptionToken)
	}

	req, err := t.newRequest(ctx, http.MethodPost, t.cfg.URL.String(), bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	setSessionHeaders(req, sid, pv)

	res, cancelReq, err := t.do(ctx, req)
	if err != nil {
		return fmt.Errorf("transport: post: %w", err)
	}

	if v := res.Header.Get(mcpSessionIDHeader); v != "" {
		t.mu.Lock()
		t.sessionID = v
		sid = v
		t.mu.Unlock()
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		defer cancelReq()
		defer res.Body.Close()
		return unauthorizedFrom(res)
	case res.StatusCode == http.StatusAccepted:
		cancelReq()
		res.Body.Close()
		if isInitializedNotification(msg) {
			t.startStandalone()
		}
		return nil
	case res.StatusCode == http.StatusNotFound && sid != "":
		defer cancelReq()
		defer res.Body.Close()
		return fmt.Errorf("%w: %s", ErrSessionExpired, readErrorBody(res))
	case res.StatusCode < 200 || res.StatusCode >= 300:
		defer cancelReq()
		defer res.Body.Close()
		return &HTTPError{
			StatusCode:     res.StatusCode,
			Body:           readErrorBody(res),
			notImplemented: sid == "" && (res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusMethodNotAllowed),
		}
	}

	ct := res.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		if !t.track() {
			cancelReq()
			res.Body.Close()
			return ErrClosed
		}
		go func() {
			defer cancelReq()
			t.consume(res.Body, h, o.OnResumptionToken)
		}()
		return nil
	case strings.HasPrefix(ct, "application/json"):
		defer cancelReq()
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("transport: read response: %w", err)
		}
		return dispatchJSON(body, h)
	default:
		defer cancelReq()
		defer res.Body.Close()
		if body := readErrorBody(res); body != "" {
			return fmt.Errorf("transport: unexpected content type %q", ct)
		}
		return nil
	}
}

// do issues req so that ctx only bounds the wait for response headers. The
// body of a streamed response stays readable until the transport closes or
// the returned cancel func is called.
func (t *StreamableHTTP) do(ctx context.Context, req *http.Request) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancelReq := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancelReq)
	res, err := t.client.Do(req.WithContext(reqCtx))
	if !stop() && err == nil && ctx.Err() != nil {
		res.Body.Close()
		cancelReq()
		return nil, nil, ctx.Err()
	}
	if err != nil {
		cancelReq()
		return nil, nil, err
	}
	return res, cancelReq, nil
}

func setSessionHeaders(req *http.Request, sid, pv string) {
	if sid != "" {
		req.Header.Set(mcpSessionIDHeader, sid)
	}
	if pv != "" {
		req.Header.Set(mcpProtocolVersionHeader, pv)
	}
}

// consume reads SSE events until the body ends. If the stream breaks after
// an event id was seen, it is resumed with Last-Event-ID.
func (t *StreamableHTTP) consume(body io.ReadCloser, h Handlers, onToken func(string)) {
	defer t.wg.Done()
	defer body.Close()

	var lastID string
	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if lastID == "" {
				h.error(fmt.Errorf("transport: stream: %w", err))
				return
			}
			t.log.WarnContext(t.ctx, "stream.resume", slog.String("last_event_id", lastID), slog.String("err", err.Error()))
			t.resume(lastID, onToken)
			return
		}
		if ev.LastEventID != "" {
			lastID = ev.LastEventID
			if onToken != nil {
				onToken(lastID)
			}
		}
		if (ev.Type != "" && ev.Type != "message") || ev.Data == "" {
			continue
		}
		dispatchData(ev.Data, h)
	}
}

func (t *StreamableHTTP) resume(lastID string, onToken func(string)) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), t.ctx)
	err := backoff.Retry(func() error {
		err := t.openStream(t.ctx, lastID, onToken)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSessionExpired) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil && t.ctx.Err() == nil {
		h, _, _, _ := t.snapshot()
		h.error(fmt.Errorf("transport: resume stream: %w", err))
	}
}

// openStream issues a GET for the standalone stream or, when lastEventID is
// set, for the replay of an interrupted one.
func (t *StreamableHTTP) openStream(ctx context.Context, lastEventID string, onToken func(string)) error {
	h, sid, pv, err := t.snapshot()
	if err != nil {
		return err
	}
	req, err := t.newRequest(ctx, http.MethodGet, t.cfg.URL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	setSessionHeaders(req, sid, pv)
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}

	res, cancelReq, err := t.do(ctx, req)
	if err != nil {
		return fmt.Errorf("transport: get: %w", err)
	}
	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusMethodNotAllowed && lastEventID == "":
		cancelReq()
		res.Body.Close()
		t.log.DebugContext(ctx, "stream.standalone.unsupported")
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		defer cancelReq()
		defer res.Body.Close()
		return unauthorizedFrom(res)
	case res.StatusCode == http.StatusNotFound && sid != "":
		defer cancelReq()
		defer res.Body.Close()
		return ErrSessionExpired
	default:
		defer cancelReq()
		defer res.Body.Close()
		return &HTTPError{StatusCode: res.StatusCode, Body: readErrorBody(res)}
	}

	if !t.track() {
		cancelReq()
		res.Body.Close()
		return ErrClosed
	}
	go func() {
		defer cancelReq()
		t.consume(res.Body, h, onToken)
	}()
	return nil
}

// track registers a stream goroutine with Close. It reports false once the
// transport is closed.
func (t *StreamableHTTP) track() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *StreamableHTTP) startStandalone() {
	t.mu.Lock()
	if t.standalone {
		t.mu.Unlock()
		return
	}
	t.standalone = true
	h := t.handlers
	t.mu.Unlock()
	if !t.track() {
		return
	}

	go func() {
		defer t.wg.Done()
		if err := t.openStream(t.ctx, "", nil); err != nil && t.ctx.Err() == nil {
			h.error(err)
		}
	}()
}

// TerminateSession asks the server to drop the session with DELETE. Servers
// that do not allow explicit termination answer 405, which is not an error.
func (t *StreamableHTTP) TerminateSession(ctx context.Context) error {
	_, sid, pv, err := t.snapshot()
	if err != nil {
		return err
	}
	if sid == "" {
		return nil
	}
	req, err := t.newRequest(ctx, http.MethodDelete, t.cfg.URL.String(), nil)
	if err != nil {
		return err
	}
	setSessionHeaders(req, sid, pv)
	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: delete: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 && res.StatusCode != http.StatusMethodNotAllowed {
		return &HTTPError{StatusCode: res.StatusCode, Body: readErrorBody(res)}
	}
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}

// Close aborts every open stream, waits for its reader to exit and then
// fires OnClose once. It must not be called from a handler.
func (t *StreamableHTTP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	h := t.handlers
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	h.close()
	return nil
}

func isInitializedNotification(msg jsonrpc.Message) bool {
	msgs, _, err := jsonrpc.ParseBatch(msg)
	if err != nil {
		return false
	}
	for _, m := range msgs {
		if m.Method == "notifications/initialized" {
			return true
		}
	}
	return false
}
