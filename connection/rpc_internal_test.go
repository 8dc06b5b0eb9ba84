package connection

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []jsonrpc.AnyMessage
	got  chan struct{}
}

func (r *recordingTransport) Kind() transport.Kind           { return transport.KindStreamableHTTP }
func (r *recordingTransport) SetHandlers(transport.Handlers) {}
func (r *recordingTransport) Start(context.Context) error    { return nil }
func (r *recordingTransport) Close() error                   { return nil }
func (r *recordingTransport) SessionID() string              { return "" }
func (r *recordingTransport) SetProtocolVersion(string)      {}
func (r *recordingTransport) Send(_ context.Context, msg jsonrpc.Message, _ ...transport.SendOption) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestServerRequestsAreAnswered(t *testing.T) {
	u, _ := url.Parse("https://mcp.example.com")
	c := New(Config{ServerID: "s", URL: u})
	tr := &recordingTransport{got: make(chan struct{}, 4)}

	var ping, other jsonrpc.AnyMessage
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"p1","method":"ping"}`), &ping)
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage"}`), &other)

	c.handleMessage(tr, ping)
	c.handleMessage(tr, other)
	for i := 0; i < 2; i++ {
		select {
		case <-tr.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("reply %d not sent", i)
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	byID := map[string]jsonrpc.AnyMessage{}
	for _, m := range tr.sent {
		byID[m.ID.String()] = m
	}
	if m := byID["p1"]; m.Error != nil || m.Result == nil {
		t.Fatalf("ping should get an empty result, got %+v", m)
	}
	if m := byID["9"]; m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unknown request should get method not found, got %+v", m)
	}
}

func TestCancelledCallNotifiesRemote(t *testing.T) {
	u, _ := url.Parse("https://mcp.example.com")
	c := New(Config{ServerID: "s", URL: u})
	tr := &recordingTransport{got: make(chan struct{}, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.call(ctx, tr, "tools/call", map[string]any{"name": "slow"}, nil) }()
	<-tr.got
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("want context.Canceled got %v", err)
	}

	select {
	case <-tr.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancellation notification not sent")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if want, got := "notifications/cancelled", tr.sent[1].Method; want != got {
		t.Fatalf("method: want %q got %q", want, got)
	}
}
