package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ggoodman/mcp-bridge-go/connmgr"
	"github.com/ggoodman/mcp-bridge-go/internal/events"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/mcpserver"
)

// upstreams is the part of connmgr.Manager the bridge reads from.
type upstreams interface {
	ListTools() []mcp.Tool
	ListPrompts() []mcp.Prompt
	ListResources() []connmgr.Resource
	ListResourceTemplates() []connmgr.ResourceTemplate
	CallTool(ctx context.Context, namespaced string, args json.RawMessage) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, namespaced string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error)
	Events() *events.Bus[events.Event]
}

// bridge serves the aggregated capabilities of every READY upstream as the
// tool, resource and prompt sources of an mcpserver.Server.
type bridge struct {
	up       upstreams
	notifier mcpserver.ChangeNotifier
	unsub    func()
}

var (
	_ mcpserver.ToolSource     = (*bridge)(nil)
	_ mcpserver.ResourceSource = (*bridge)(nil)
	_ mcpserver.PromptSource   = (*bridge)(nil)
	_ mcpserver.ChangeSource   = (*bridge)(nil)
)

// changeEvents are the manager events after which listings may differ.
var changeEvents = map[string]bool{
	"connection.discovered":    true,
	"connection.state_changed": true,
	"registry.server_removed":  true,
}

func newBridge(up upstreams) *bridge {
	b := &bridge{up: up}
	b.unsub = up.Events().Subscribe(func(ev events.Event) {
		if changeEvents[ev.Type] {
			b.notifier.Notify()
		}
	})
	return b
}

// Close stops following manager events.
func (b *bridge) Close() { b.unsub() }

func (b *bridge) Subscribe(fn func()) func() { return b.notifier.Subscribe(fn) }

func (b *bridge) ListTools(context.Context) ([]mcp.Tool, error) {
	return b.up.ListTools(), nil
}

func (b *bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	res, err := b.up.CallTool(ctx, name, args)
	if errors.Is(err, connmgr.ErrNotNamespaced) || errors.Is(err, connmgr.ErrNotFound) {
		return nil, mcpserver.ErrToolNotFound
	}
	return res, err
}

func (b *bridge) ListPrompts(context.Context) ([]mcp.Prompt, error) {
	return b.up.ListPrompts(), nil
}

func (b *bridge) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	res, err := b.up.GetPrompt(ctx, name, args)
	if errors.Is(err, connmgr.ErrNotNamespaced) || errors.Is(err, connmgr.ErrNotFound) {
		return nil, mcpserver.ErrPromptNotFound
	}
	return res, err
}

func (b *bridge) ListResources(context.Context) ([]mcp.Resource, error) {
	rs := b.up.ListResources()
	out := make([]mcp.Resource, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Resource)
	}
	return out, nil
}

func (b *bridge) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	ts := b.up.ListResourceTemplates()
	out := make([]mcp.ResourceTemplate, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ResourceTemplate)
	}
	return out, nil
}

// ReadResource routes uri to the server that lists it, or failing that to
// the server whose template has the longest literal prefix of uri.
func (b *bridge) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	serverID := b.owner(uri)
	if serverID == "" {
		return nil, mcpserver.ErrResourceNotFound
	}
	res, err := b.up.ReadResource(ctx, serverID, uri)
	if errors.Is(err, connmgr.ErrNotFound) {
		return nil, mcpserver.ErrResourceNotFound
	}
	return res, err
}

func (b *bridge) owner(uri string) string {
	for _, r := range b.up.ListResources() {
		if r.URI == uri {
			return r.ServerID
		}
	}
	var best string
	bestLen := 0
	for _, t := range b.up.ListResourceTemplates() {
		prefix, _, _ := strings.Cut(t.URITemplate, "{")
		if prefix != "" && len(prefix) > bestLen && strings.HasPrefix(uri, prefix) {
			best, bestLen = t.ServerID, len(prefix)
		}
	}
	return best
}
