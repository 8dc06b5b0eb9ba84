package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/internal/events"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"golang.org/x/oauth2"
)

// remote is an in-process MCP server reached through the actor binding.
type remote struct {
	mu          sync.Mutex
	caps        mcp.ServerCapabilities
	version     string
	toolPrefix  string
	blockTools  int // number of tools/list calls that block until cancelled
	toolsCalls  int
	toolsEnter  chan struct{}
	lastPayload []byte
}

func newRemote() *remote {
	return &remote{
		caps: mcp.ServerCapabilities{
			Tools:     &mcp.ListChanged{},
			Resources: &mcp.ResourcesCapability{},
			Prompts:   &mcp.ListChanged{},
		},
		toolPrefix: "t",
		toolsEnter: make(chan struct{}, 16),
	}
}

func (r *remote) Call(ctx context.Context, payload []byte) ([]byte, error) {
	r.mu.Lock()
	r.lastPayload = payload
	r.mu.Unlock()

	msgs, _, err := jsonrpc.ParseBatch(payload)
	if err != nil {
		return nil, err
	}
	var out []*jsonrpc.Response
	for _, m := range msgs {
		if !m.IsRequest() {
			continue
		}
		res, err := r.handle(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return json.Marshal(out)
}

func (r *remote) handle(ctx context.Context, m jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch mcp.Method(m.Method) {
	case mcp.InitializeMethod:
		v := r.version
		if v == "" {
			v = mcp.LatestProtocolVersion
		}
		return jsonrpc.NewResultResponse(m.ID, mcp.InitializeResult{
			ProtocolVersion: v,
			Capabilities:    r.caps,
			ServerInfo:      mcp.ImplementationInfo{Name: "remote", Version: "1"},
			Instructions:    "be nice",
		})
	case mcp.ToolsListMethod:
		var req mcp.ListToolsRequest
		_ = json.Unmarshal(m.Params, &req)
		r.mu.Lock()
		r.toolsCalls++
		block := r.toolsCalls <= r.blockTools
		prefix := r.toolPrefix
		r.mu.Unlock()
		r.toolsEnter <- struct{}{}
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if req.Cursor == "" {
			return jsonrpc.NewResultResponse(m.ID, mcp.ListToolsResult{
				Tools:           []mcp.Tool{{Name: prefix + "1"}},
				PaginatedResult: mcp.PaginatedResult{NextCursor: "page2"},
			})
		}
		return jsonrpc.NewResultResponse(m.ID, mcp.ListToolsResult{Tools: []mcp.Tool{{Name: prefix + "2"}}})
	case mcp.ResourcesListMethod:
		return jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
	case mcp.ResourcesTemplatesListMethod:
		return jsonrpc.NewResultResponse(m.ID, mcp.ListResourceTemplatesResult{
			ResourceTemplates: []mcp.ResourceTemplate{{Name: "files", URITemplate: "file:///{path}"}},
		})
	case mcp.PromptsListMethod:
		return jsonrpc.NewResultResponse(m.ID, mcp.ListPromptsResult{Prompts: []mcp.Prompt{{Name: "greet"}}})
	case mcp.ToolsCallMethod:
		var req mcp.CallToolRequest
		_ = json.Unmarshal(m.Params, &req)
		return jsonrpc.NewResultResponse(m.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("called " + req.Name)}})
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(m.ID, mcp.EmptyResult{})
	}
	return jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
}

func mustURL(t *testing.T) *url.URL {
	t.Helper()
	u, _ := url.Parse("https://mcp.example.com/mcp")
	return u
}

func newActorConn(t *testing.T, r *remote, opts ...connection.Option) *connection.Conn {
	t.Helper()
	opts = append([]connection.Option{connection.WithActor(r)}, opts...)
	c := connection.New(connection.Config{
		ServerID:  "srv1",
		URL:       mustURL(t),
		Transport: transport.KindActorRPC,
	}, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInitAndDiscover(t *testing.T) {
	ctx := context.Background()
	r := newRemote()

	var bus events.Bus[events.Event]
	var mu sync.Mutex
	var seen []string
	bus.Subscribe(func(e events.Event) {
		if e.Type == "connection.state_changed" {
			mu.Lock()
			seen = append(seen, e.Payload["to"].(string))
			mu.Unlock()
		}
	})

	c := newActorConn(t, r, connection.WithEventBus(&bus))
	if err := c.Discover(ctx); !errors.Is(err, connection.ErrInvalidState) {
		t.Fatalf("discover before init: want ErrInvalidState got %v", err)
	}
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if want, got := connection.StateConnected, c.State(); want != got {
		t.Fatalf("state: want %s got %s", want, got)
	}
	if err := c.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if want, got := connection.StateReady, c.State(); want != got {
		t.Fatalf("state: want %s got %s", want, got)
	}

	snap := c.Snapshot()
	if want, got := 2, len(snap.Tools); want != got {
		t.Fatalf("tools across pages: want %d got %d", want, got)
	}
	if snap.Resources == nil || len(snap.Resources) != 0 {
		t.Fatalf("method-not-found should yield an empty resource list, got %v", snap.Resources)
	}
	if want, got := 1, len(snap.ResourceTemplates); want != got {
		t.Fatalf("templates: want %d got %d", want, got)
	}
	if want, got := 1, len(snap.Prompts); want != got {
		t.Fatalf("prompts: want %d got %d", want, got)
	}
	if want, got := "be nice", snap.Instructions; want != got {
		t.Fatalf("instructions: want %q got %q", want, got)
	}

	res, err := c.CallTool(ctx, "t1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if want, got := "called t1", res.Content[0].Text; want != got {
		t.Fatalf("tool result: want %q got %q", want, got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"connected", "discovering", "ready"}
	if len(seen) != len(want) {
		t.Fatalf("transitions: want %v got %v", want, seen)
	}
	for i := range want {
		if want[i] != seen[i] {
			t.Fatalf("transition %d: want %s got %s", i, want[i], seen[i])
		}
	}
}

func TestDiscoverSkipsAbsentCapabilities(t *testing.T) {
	r := newRemote()
	r.caps = mcp.ServerCapabilities{Tools: &mcp.ListChanged{}}
	c := newActorConn(t, r)
	ctx := context.Background()
	_ = c.Init(ctx)
	if err := c.Discover(ctx); err != nil {
		t.Fatalf("discover: %v", err)
	}
	snap := c.Snapshot()
	if len(snap.Prompts) != 0 || len(snap.ResourceTemplates) != 0 {
		t.Fatalf("unadvertised capabilities must not be fetched: %+v", snap)
	}
}

func TestDiscoverSupersede(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	r.blockTools = 1
	c := newActorConn(t, r)
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- c.Discover(ctx) }()
	<-r.toolsEnter

	r.mu.Lock()
	r.toolPrefix = "v2-"
	r.mu.Unlock()
	if err := c.Discover(ctx); err != nil {
		t.Fatalf("second discover: %v", err)
	}

	select {
	case err := <-first:
		if !errors.Is(err, connection.ErrDiscoverySuperseded) {
			t.Fatalf("first discover: want ErrDiscoverySuperseded got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first discover did not return")
	}

	if want, got := connection.StateReady, c.State(); want != got {
		t.Fatalf("state: want %s got %s", want, got)
	}
	for _, tool := range c.Snapshot().Tools {
		if tool.Name != "v2-1" && tool.Name != "v2-2" {
			t.Fatalf("stale tool from superseded discovery: %s", tool.Name)
		}
	}
}

func TestDiscoverTimeoutRevertsToConnected(t *testing.T) {
	ctx := context.Background()
	r := newRemote()
	r.blockTools = 100
	c := newActorConn(t, r, connection.WithDiscoverTimeout(50*time.Millisecond))
	_ = c.Init(ctx)

	if err := c.Discover(ctx); !errors.Is(err, connection.ErrDiscoveryTimeout) {
		t.Fatalf("want ErrDiscoveryTimeout got %v", err)
	}
	if want, got := connection.StateConnected, c.State(); want != got {
		t.Fatalf("state: want %s got %s", want, got)
	}
}

func TestInitRejectsUnsupportedVersion(t *testing.T) {
	r := newRemote()
	r.version = "1999-01-01"
	c := newActorConn(t, r)
	if err := c.Init(context.Background()); !errors.Is(err, connection.ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion got %v", err)
	}
	if want, got := connection.StateFailed, c.State(); want != got {
		t.Fatalf("state: want %s got %s", want, got)
	}
}

// stubTransport fails every Send with err.
type stubTransport struct {
	kind transport.Kind
	err  error
	h    transport.Handlers
}

func (s *stubTransport) Kind() transport.Kind             { return s.kind }
func (s *stubTransport) SetHandlers(h transport.Handlers) { s.h = h }
func (s *stubTransport) Start(context.Context) error      { return nil }
func (s *stubTransport) Close() error                     { return nil }
func (s *stubTransport) SessionID() string                { return "" }
func (s *stubTransport) SetProtocolVersion(string)        {}
func (s *stubTransport) Send(context.Context, jsonrpc.Message, ...transport.SendOption) error {
	return s.err
}

func TestProbeOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("not implemented falls back to SSE", func(t *testing.T) {
		r := newRemote()
		var sseBuilt bool
		f := transport.Factory{
			transport.KindStreamableHTTP: func(cfg transport.Config) (transport.Transport, error) {
				return &stubTransport{kind: transport.KindStreamableHTTP, err: transport.ErrNotImplemented}, nil
			},
			transport.KindSSE: func(cfg transport.Config) (transport.Transport, error) {
				sseBuilt = true
				return transport.NewActor(transport.Config{Actor: r})
			},
		}
		c := connection.New(connection.Config{ServerID: "s", URL: mustURL(t)}, connection.WithFactory(f))
		defer c.Close()
		if err := c.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if !sseBuilt {
			t.Fatalf("expected fallback to SSE")
		}
		if want, got := transport.KindSSE, c.TransportKind(); want != got {
			t.Fatalf("transport: want %s got %s", want, got)
		}
	})

	t.Run("other errors do not fall back", func(t *testing.T) {
		boom := errors.New("boom")
		var sseBuilt bool
		f := transport.Factory{
			transport.KindStreamableHTTP: func(cfg transport.Config) (transport.Transport, error) {
				return &stubTransport{kind: transport.KindStreamableHTTP, err: boom}, nil
			},
			transport.KindSSE: func(cfg transport.Config) (transport.Transport, error) {
				sseBuilt = true
				return &stubTransport{kind: transport.KindSSE}, nil
			},
		}
		c := connection.New(connection.Config{ServerID: "s", URL: mustURL(t)}, connection.WithFactory(f))
		if err := c.Init(ctx); !errors.Is(err, boom) {
			t.Fatalf("want boom got %v", err)
		}
		if sseBuilt {
			t.Fatalf("must not fall back on a generic error")
		}
		if want, got := connection.StateFailed, c.State(); want != got {
			t.Fatalf("state: want %s got %s", want, got)
		}
		if !errors.Is(c.LastError(), boom) {
			t.Fatalf("last error: %v", c.LastError())
		}
	})
}

type fakeAuthorizer struct {
	mu        sync.Mutex
	completed bool
	params    oauth.AuthParams
}

func (a *fakeAuthorizer) BeginAuthorization(ctx context.Context, p oauth.AuthParams) (*oauth.AuthRequest, error) {
	a.mu.Lock()
	a.params = p
	a.mu.Unlock()
	return &oauth.AuthRequest{AuthURL: "https://auth.example/authorize?state=n.srv1", ClientID: "client-1"}, nil
}

func (a *fakeAuthorizer) CompleteAuthorization(ctx context.Context, serverID, code string) error {
	if code != "good" {
		return errors.New("invalid_grant")
	}
	a.mu.Lock()
	a.completed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAuthorizer) TokenSource(ctx context.Context, serverID string) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.completed {
		return nil, nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "at"}), nil
}

func authFactory(r *remote) transport.Factory {
	return transport.Factory{
		transport.KindStreamableHTTP: func(cfg transport.Config) (transport.Transport, error) {
			if cfg.TokenSource == nil {
				return &stubTransport{
					kind: transport.KindStreamableHTTP,
					err:  &transport.UnauthorizedError{ResourceMetadataURL: "https://mcp.example.com/.well-known/oauth-protected-resource/mcp"},
				}, nil
			}
			return transport.NewActor(transport.Config{Actor: r})
		},
	}
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("unauthorized then completed", func(t *testing.T) {
		r := newRemote()
		auth := &fakeAuthorizer{}
		c := connection.New(connection.Config{ServerID: "srv1", URL: mustURL(t), Transport: transport.KindStreamableHTTP, CallbackURL: "https://app/cb"},
			connection.WithFactory(authFactory(r)), connection.WithAuthorizer(auth))
		defer c.Close()

		if err := c.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if want, got := connection.StateAuthenticating, c.State(); want != got {
			t.Fatalf("state: want %s got %s", want, got)
		}
		if c.AuthURL() == "" {
			t.Fatalf("expected a non-empty auth URL")
		}
		if want, got := "client-1", c.ClientID(); want != got {
			t.Fatalf("client id: want %q got %q", want, got)
		}
		if auth.params.ResourceMetadataURL == "" {
			t.Fatalf("resource metadata from the challenge was not forwarded")
		}

		if err := c.CompleteAuthorization(ctx, "good"); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if want, got := connection.StateConnecting, c.State(); want != got {
			t.Fatalf("state: want %s got %s", want, got)
		}
		if err := c.Init(ctx); err != nil {
			t.Fatalf("re-init: %v", err)
		}
		if err := c.Discover(ctx); err != nil {
			t.Fatalf("discover: %v", err)
		}
		if want, got := connection.StateReady, c.State(); want != got {
			t.Fatalf("state: want %s got %s", want, got)
		}
	})

	t.Run("failed exchange fails the connection", func(t *testing.T) {
		c := connection.New(connection.Config{ServerID: "srv1", URL: mustURL(t), Transport: transport.KindStreamableHTTP},
			connection.WithFactory(authFactory(newRemote())), connection.WithAuthorizer(&fakeAuthorizer{}))
		_ = c.Init(ctx)
		if err := c.CompleteAuthorization(ctx, "bad"); err == nil {
			t.Fatalf("expected error")
		}
		if want, got := connection.StateFailed, c.State(); want != got {
			t.Fatalf("state: want %s got %s", want, got)
		}
	})

	t.Run("complete outside authenticating is rejected", func(t *testing.T) {
		c := newActorConn(t, newRemote(), connection.WithAuthorizer(&fakeAuthorizer{}))
		_ = c.Init(ctx)
		if err := c.CompleteAuthorization(ctx, "good"); !errors.Is(err, connection.ErrInvalidState) {
			t.Fatalf("want ErrInvalidState got %v", err)
		}
	})

	t.Run("no authorizer fails", func(t *testing.T) {
		c := connection.New(connection.Config{ServerID: "srv1", URL: mustURL(t), Transport: transport.KindStreamableHTTP},
			connection.WithFactory(authFactory(newRemote())))
		if err := c.Init(ctx); !errors.Is(err, connection.ErrNoAuthorizer) {
			t.Fatalf("want ErrNoAuthorizer got %v", err)
		}
	})
}
