package stdio_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/mcpserver"
	"github.com/ggoodman/mcp-bridge-go/stdio"
)

type whoamiArgs struct{}

type harness struct {
	t     *testing.T
	h     *stdio.Handler
	in    *io.PipeWriter
	out   chan jsonrpc.AnyMessage
	done  chan error
	tools *mcpserver.StaticTools
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tools := mcpserver.NewStaticTools(mcpserver.NewTypedTool("whoami", func(ctx context.Context, _ whoamiArgs) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult(stdio.UserFromContext(ctx)), nil
	}))
	srv := mcpserver.New(mcp.ImplementationInfo{Name: "stdio-test", Version: "1"}, mcpserver.WithTools(tools))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := stdio.NewHandler(srv.NewSession, stdio.WithIO(inR, outW), stdio.WithUserProvider(stdio.StaticUser("alice")))

	hs := &harness{t: t, h: h, in: inW, out: make(chan jsonrpc.AnyMessage, 16), done: make(chan error, 1), tools: tools}
	go func() {
		hs.done <- h.Serve(context.Background())
		_ = outW.Close()
	}()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			var m jsonrpc.AnyMessage
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				t.Errorf("undecodable output %q: %v", sc.Text(), err)
				continue
			}
			hs.out <- m
		}
		close(hs.out)
	}()
	t.Cleanup(func() { _ = inW.Close() })
	return hs
}

func (hs *harness) write(line string) {
	hs.t.Helper()
	if _, err := io.WriteString(hs.in, line+"\n"); err != nil {
		hs.t.Fatalf("write: %v", err)
	}
}

func (hs *harness) next() jsonrpc.AnyMessage {
	hs.t.Helper()
	select {
	case m, ok := <-hs.out:
		if !ok {
			hs.t.Fatal("output closed")
		}
		return m
	case <-time.After(2 * time.Second):
		hs.t.Fatal("no output")
	}
	return jsonrpc.AnyMessage{}
}

func (hs *harness) initialize() {
	hs.t.Helper()
	hs.write(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	if m := hs.next(); m.Error != nil {
		hs.t.Fatalf("initialize: %v", m.Error)
	}
	hs.write(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func TestServe(t *testing.T) {
	t.Run("tools see the resolved user", func(t *testing.T) {
		hs := newHarness(t)
		hs.initialize()
		hs.write(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"whoami"}}`)
		m := hs.next()
		var res mcp.CallToolResult
		if err := json.Unmarshal(m.Result, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := "alice", res.Content[0].Text; want != got {
			t.Fatalf("user: want %q got %q", want, got)
		}
	})

	t.Run("garbage lines get a parse error and the session survives", func(t *testing.T) {
		hs := newHarness(t)
		hs.write(`{"jsonrpc":`)
		m := hs.next()
		if m.Error == nil || m.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("want parse error, got %+v", m)
		}
		hs.write(`{"jsonrpc":"2.0","id":"p","method":"ping"}`)
		if m := hs.next(); m.Error != nil || m.ID.String() != "p" {
			t.Fatalf("ping: %+v", m)
		}
	})

	t.Run("batches are answered message by message", func(t *testing.T) {
		hs := newHarness(t)
		hs.write(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
		seen := map[string]bool{}
		seen[hs.next().ID.String()] = true
		seen[hs.next().ID.String()] = true
		if !seen["1"] || !seen["2"] {
			t.Fatalf("unexpected replies %v", seen)
		}
	})

	t.Run("list changes are pushed after initialized", func(t *testing.T) {
		hs := newHarness(t)
		hs.initialize()
		// Round-trip a ping so the initialized notification has been handled.
		hs.write(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
		hs.next()

		hs.tools.Remove("whoami")
		m := hs.next()
		if want, got := string(mcp.ToolsListChangedNotificationMethod), m.Method; want != got {
			t.Fatalf("method: want %q got %q", want, got)
		}
	})

	t.Run("EOF ends Serve cleanly", func(t *testing.T) {
		hs := newHarness(t)
		hs.write(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		hs.next()
		_ = hs.in.Close()
		select {
		case err := <-hs.done:
			if err != nil {
				t.Fatalf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return")
		}
		if err := hs.h.Serve(context.Background()); !errors.Is(err, stdio.ErrAlreadyServed) {
			t.Fatalf("want ErrAlreadyServed, got %v", err)
		}
	})
}

func TestStaticUser(t *testing.T) {
	id, err := stdio.StaticUser("bob").CurrentUserID()
	if err != nil || !strings.EqualFold(id, "bob") {
		t.Fatalf("unexpected %q %v", id, err)
	}
}
