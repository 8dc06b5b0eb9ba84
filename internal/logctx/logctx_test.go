package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithConnectionData(context.Background(), &ConnectionData{ServerID: "srv1", URL: "https://mcp.example.com", Transport: "streamable-http"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/list", ID: "1", Type: "request"})
	log.With(slog.String("component", "test")).InfoContext(ctx, "conn.init.start")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	conn, ok := rec["conn"].(map[string]any)
	if !ok {
		t.Fatalf("missing conn group in %s", buf.String())
	}
	if want, got := "srv1", conn["server_id"]; want != got {
		t.Fatalf("want server_id %q, got %v", want, got)
	}
	if _, ok := rec["rpc"].(map[string]any); !ok {
		t.Fatalf("missing rpc group in %s", buf.String())
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("want component %q, got %v", want, got)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	log := Wrap(nil)
	if Wrap(log) != log {
		t.Fatalf("expected already-wrapped logger to be returned as is")
	}
}
