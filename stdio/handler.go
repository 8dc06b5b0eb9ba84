package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

const defaultMaxLine = 4 << 20

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-session transport reading JSON-RPC lines from an
// io.Reader and writing replies to an io.Writer.
type Handler struct {
	r            io.Reader
	w            io.Writer
	log          *slog.Logger
	userProvider UserProvider
	maxLine      int
	newSession   func() transport.MessageHandler

	served atomic.Bool

	mu     sync.Mutex
	closed bool
}

// NewHandler returns a Handler on os.Stdin and os.Stdout. newSession is
// called once, when Serve starts.
func NewHandler(newSession func() transport.MessageHandler, opts ...Option) *Handler {
	h := &Handler{
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		userProvider: OSUserProvider{},
		maxLine:      defaultMaxLine,
		newSession:   newSession,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Send writes one message or batch as a single line. It implements
// transport.Peer for the session.
func (h *Handler) Send(_ context.Context, msg jsonrpc.Message, _ ...transport.SendOption) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("stdio: invalid message: %w", err)
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	_, err := h.w.Write(buf.Bytes())
	return err
}

// SessionID is always empty; stdio carries exactly one session.
func (h *Handler) SessionID() string { return "" }

// Serve runs the session until the reader reaches EOF or ctx is done. EOF
// is a clean shutdown and returns nil once requests already read have been
// answered. Requests are handled concurrently
// so a later cancellation can reach one in flight; notifications and
// responses are handled in arrival order.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}
	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		return fmt.Errorf("stdio: resolve user: %w", err)
	}
	ctx = context.WithValue(ctx, userKey{}, uid)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: uid})
	ctx, cancel := context.WithCancel(ctx)

	mh := h.newSession()
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		if c, ok := mh.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.read(ctx, lines, readErr)

	h.log.InfoContext(ctx, "stdio.serve.start")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			// Let requests already read finish before their context ends.
			wg.Wait()
			h.log.InfoContext(ctx, "stdio.serve.end")
			return err
		case line := <-lines:
			msgs, _, err := jsonrpc.ParseBatch(line)
			if err != nil {
				h.log.WarnContext(ctx, "stdio.parse.fail", slog.String("err", err.Error()))
				h.sendParseError(ctx)
				continue
			}
			for i := range msgs {
				msg := &msgs[i]
				if !msg.IsRequest() {
					mh.HandleMessage(ctx, h, msg)
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					mh.HandleMessage(ctx, h, msg)
				}()
			}
		}
	}
}

func (h *Handler) read(ctx context.Context, lines chan<- []byte, errc chan<- error) {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- bytes.Clone(line):
		case <-ctx.Done():
			return
		}
	}
	err := sc.Err()
	if err != nil {
		err = fmt.Errorf("stdio: read: %w", err)
	}
	errc <- err
}

func (h *Handler) sendParseError(ctx context.Context) {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", nil))
	if err != nil {
		return
	}
	if err := h.Send(ctx, b); err != nil {
		h.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
