package mcpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/mcpserver"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Loud  bool   `json:"loud,omitempty"`
	Times int    `json:"times,omitempty"`
}

func greetTool() mcpserver.StaticTool {
	return mcpserver.NewTypedTool("greet", func(ctx context.Context, a greetArgs) (*mcp.CallToolResult, error) {
		if a.Name == "" {
			return mcpserver.Errorf("name is required"), nil
		}
		msg := "hello " + a.Name
		if a.Loud {
			msg = strings.ToUpper(msg)
		}
		return mcpserver.TextResult(msg), nil
	}, mcpserver.WithToolDescription("Greets someone"))
}

func newServer(opts ...mcpserver.Option) *mcpserver.Server {
	return mcpserver.New(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}, opts...)
}

func rpc(t *testing.T, srv *mcpserver.Server, payload string) jsonrpc.AnyMessage {
	t.Helper()
	out, err := srv.HandleRPC(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	return m
}

func initialize(t *testing.T, srv *mcpserver.Server) mcp.InitializeResult {
	t.Helper()
	m := rpc(t, srv, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	if m.Error != nil {
		t.Fatalf("initialize: %v", m.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	return res
}

func TestInitialize(t *testing.T) {
	t.Run("echoes a supported version and advertises configured sources", func(t *testing.T) {
		srv := newServer(mcpserver.WithTools(mcpserver.NewStaticTools()), mcpserver.WithInstructions("be nice"))
		res := initialize(t, srv)
		if want, got := "2025-03-26", res.ProtocolVersion; want != got {
			t.Fatalf("version: want %q got %q", want, got)
		}
		if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
			t.Fatalf("tools capability: %+v", res.Capabilities.Tools)
		}
		if res.Capabilities.Resources != nil || res.Capabilities.Prompts != nil {
			t.Fatalf("unexpected capabilities %+v", res.Capabilities)
		}
		if want, got := "be nice", res.Instructions; want != got {
			t.Fatalf("instructions: want %q got %q", want, got)
		}
	})

	t.Run("unknown versions get the latest", func(t *testing.T) {
		srv := newServer()
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
		var res mcp.InitializeResult
		_ = json.Unmarshal(m.Result, &res)
		if want, got := mcp.LatestProtocolVersion, res.ProtocolVersion; want != got {
			t.Fatalf("version: want %q got %q", want, got)
		}
	})

	t.Run("requests before initialize are refused but ping is answered", func(t *testing.T) {
		srv := newServer(mcpserver.WithTools(mcpserver.NewStaticTools()))
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("want invalid request, got %+v", m)
		}
		m = rpc(t, srv, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
		if m.Error != nil {
			t.Fatalf("ping: %v", m.Error)
		}
	})
}

func TestTools(t *testing.T) {
	tools := mcpserver.NewStaticTools(greetTool())
	srv := newServer(mcpserver.WithTools(tools), mcpserver.WithPageSize(1))
	initialize(t, srv)

	t.Run("typed tools publish a reflected schema", func(t *testing.T) {
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		var res mcp.ListToolsResult
		if err := json.Unmarshal(m.Result, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := 1, len(res.Tools); want != got {
			t.Fatalf("tools: want %d got %d", want, got)
		}
		var schema struct {
			Type                 string                     `json:"type"`
			Properties           map[string]json.RawMessage `json:"properties"`
			Required             []string                   `json:"required"`
			AdditionalProperties *bool                      `json:"additionalProperties"`
			Schema               string                     `json:"$schema"`
		}
		if err := json.Unmarshal(res.Tools[0].InputSchema, &schema); err != nil {
			t.Fatalf("decode schema: %v", err)
		}
		if want, got := "object", schema.Type; want != got {
			t.Fatalf("type: want %q got %q", want, got)
		}
		if want, got := 3, len(schema.Properties); want != got {
			t.Fatalf("properties: want %d got %d", want, got)
		}
		if len(schema.Required) != 1 || schema.Required[0] != "name" {
			t.Fatalf("required: %v", schema.Required)
		}
		if schema.AdditionalProperties == nil || *schema.AdditionalProperties {
			t.Fatal("additional properties should be forbidden")
		}
		if schema.Schema != "" {
			t.Fatalf("unexpected $schema %q", schema.Schema)
		}
	})

	t.Run("call decodes arguments", func(t *testing.T) {
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ada","loud":true}}}`)
		var res mcp.CallToolResult
		if err := json.Unmarshal(m.Result, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := "HELLO ADA", res.Content[0].Text; want != got {
			t.Fatalf("text: want %q got %q", want, got)
		}
	})

	t.Run("unknown argument fields are a tool error", func(t *testing.T) {
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ada","shout":1}}}`)
		var res mcp.CallToolResult
		_ = json.Unmarshal(m.Result, &res)
		if !res.IsError {
			t.Fatalf("want error result, got %+v", res)
		}
	})

	t.Run("unknown tool is invalid params", func(t *testing.T) {
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}`)
		if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("want invalid params, got %+v", m)
		}
	})

	t.Run("handler errors become error results", func(t *testing.T) {
		tools.Add(mcpserver.StaticTool{
			Descriptor: mcp.Tool{Name: "boom", InputSchema: json.RawMessage(`{"type":"object"}`)},
			Handler: func(context.Context, json.RawMessage) (*mcp.CallToolResult, error) {
				return nil, errors.New("kaput")
			},
		})
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"boom"}}`)
		var res mcp.CallToolResult
		_ = json.Unmarshal(m.Result, &res)
		if !res.IsError || !strings.Contains(res.Content[0].Text, "kaput") {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("listing pages with cursors", func(t *testing.T) {
		m := rpc(t, srv, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
		var first mcp.ListToolsResult
		_ = json.Unmarshal(m.Result, &first)
		if want, got := "1", first.NextCursor; want != got {
			t.Fatalf("cursor: want %q got %q", want, got)
		}
		m = rpc(t, srv, `{"jsonrpc":"2.0","id":7,"method":"tools/list","params":{"cursor":"1"}}`)
		var second mcp.ListToolsResult
		_ = json.Unmarshal(m.Result, &second)
		if len(second.Tools) != 1 || second.Tools[0].Name != "boom" || second.NextCursor != "" {
			t.Fatalf("unexpected second page %+v", second)
		}
		m = rpc(t, srv, `{"jsonrpc":"2.0","id":8,"method":"tools/list","params":{"cursor":"banana"}}`)
		if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("want invalid params for a bad cursor, got %+v", m)
		}
	})
}

func TestResourcesAndPrompts(t *testing.T) {
	res := mcpserver.NewStaticResources(
		[]mcp.Resource{{URI: "file:///a.txt", Name: "a.txt"}},
		[]mcp.ResourceTemplate{{URITemplate: "file:///{name}", Name: "files"}},
		map[string][]mcp.ResourceContents{"file:///a.txt": {{URI: "file:///a.txt", Text: "alpha"}}},
	)
	prompts := mcpserver.NewStaticPrompts(mcpserver.StaticPrompt{
		Descriptor: mcp.Prompt{Name: "review", Arguments: []mcp.PromptArgument{{Name: "code", Required: true}}},
		Handler: func(_ context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{Messages: []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.TextContent("review " + args["code"])}}}, nil
		},
	})
	srv := newServer(mcpserver.WithResources(res), mcpserver.WithPrompts(prompts))
	initialize(t, srv)

	tests := []struct {
		name    string
		payload string
		code    jsonrpc.ErrorCode
		want    string
	}{
		{"lists resources", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, 0, `"uri":"file:///a.txt"`},
		{"lists templates", `{"jsonrpc":"2.0","id":2,"method":"resources/templates/list"}`, 0, `"uriTemplate":"file:///{name}"`},
		{"reads a resource", `{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"file:///a.txt"}}`, 0, `"text":"alpha"`},
		{"missing resource", `{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"file:///b.txt"}}`, -32002, ""},
		{"lists prompts", `{"jsonrpc":"2.0","id":5,"method":"prompts/list"}`, 0, `"name":"review"`},
		{"renders a prompt", `{"jsonrpc":"2.0","id":6,"method":"prompts/get","params":{"name":"review","arguments":{"code":"x := 1"}}}`, 0, `review x := 1`},
		{"missing prompt argument", `{"jsonrpc":"2.0","id":7,"method":"prompts/get","params":{"name":"review"}}`, jsonrpc.ErrorCodeInvalidParams, ""},
		{"unknown prompt", `{"jsonrpc":"2.0","id":8,"method":"prompts/get","params":{"name":"nope"}}`, jsonrpc.ErrorCodeInvalidParams, ""},
		{"tools are not served", `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`, jsonrpc.ErrorCodeMethodNotFound, ""},
		{"bad params", `{"jsonrpc":"2.0","id":10,"method":"resources/read","params":[1]}`, jsonrpc.ErrorCodeInvalidParams, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := rpc(t, srv, tc.payload)
			if tc.code != 0 {
				if m.Error == nil || m.Error.Code != tc.code {
					t.Fatalf("want error %d, got %+v", tc.code, m)
				}
				return
			}
			if m.Error != nil {
				t.Fatalf("unexpected error %v", m.Error)
			}
			if !strings.Contains(string(m.Result), tc.want) {
				t.Fatalf("result %s does not contain %s", m.Result, tc.want)
			}
		})
	}
}

func TestHandleRPCBatches(t *testing.T) {
	srv := newServer()
	initialize(t, srv)

	out, err := srv.HandleRPC(context.Background(), []byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var msgs []jsonrpc.AnyMessage
	if err := json.Unmarshal(out, &msgs); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if want, got := 2, len(msgs); want != got {
		t.Fatalf("responses: want %d got %d", want, got)
	}

	out, err = srv.HandleRPC(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil || out != nil {
		t.Fatalf("notification only: want no reply, got %s %v", out, err)
	}

	m := rpc(t, srv, `{"jsonrpc":`)
	if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", m)
	}
}

// peer records what a session sends.
type peer struct {
	mu   sync.Mutex
	sent []jsonrpc.AnyMessage
	ch   chan struct{}
}

func newPeer() *peer { return &peer{ch: make(chan struct{}, 16)} }

func (p *peer) Send(_ context.Context, msg jsonrpc.Message, _ ...transport.SendOption) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
	p.ch <- struct{}{}
	return nil
}

func (p *peer) SessionID() string { return "sess-1" }

func (p *peer) wait(t *testing.T) jsonrpc.AnyMessage {
	t.Helper()
	select {
	case <-p.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func message(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &m
}

func TestSessionNotifications(t *testing.T) {
	tools := mcpserver.NewStaticTools()
	srv := newServer(mcpserver.WithTools(tools))
	h := srv.NewSession()
	p := newPeer()
	ctx := context.Background()

	h.HandleMessage(ctx, p, message(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`))
	p.wait(t)
	h.HandleMessage(ctx, p, message(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	tools.Add(greetTool())
	if want, got := string(mcp.ToolsListChangedNotificationMethod), p.wait(t).Method; want != got {
		t.Fatalf("notification: want %q got %q", want, got)
	}

	if c, ok := h.(interface{ Close() error }); ok {
		_ = c.Close()
	} else {
		t.Fatal("session handler does not implement Close")
	}
	tools.Remove("greet")
	select {
	case <-p.ch:
		t.Fatal("closed session was notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionCancellation(t *testing.T) {
	started := make(chan struct{})
	tools := mcpserver.NewStaticTools(mcpserver.StaticTool{
		Descriptor: mcp.Tool{Name: "wait", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(ctx context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	srv := newServer(mcpserver.WithTools(tools))
	h := srv.NewSession()
	p := newPeer()
	ctx := context.Background()

	h.HandleMessage(ctx, p, message(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`))
	p.wait(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleMessage(ctx, p, message(t, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"wait"}}`))
	}()
	<-started
	h.HandleMessage(ctx, p, message(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"call-1","reason":"user"}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call was not cancelled")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if want, got := 1, len(p.sent); want != got {
		t.Fatalf("cancelled call must not be answered: %d messages sent", got)
	}
}
