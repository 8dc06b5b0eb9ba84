package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"golang.org/x/sync/errgroup"
)

// Snapshot is what discovery learned about the remote server.
type Snapshot struct {
	ServerInfo        mcp.ImplementationInfo
	Capabilities      mcp.ServerCapabilities
	Instructions      string
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
}

// Snapshot returns the result of the last successful discovery.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Discover enumerates the remote's tools, resources, resource templates and
// prompts in parallel. It is legal while CONNECTED, DISCOVERING or READY. A
// newer call supersedes a running one, which then returns
// ErrDiscoverySuperseded without touching state. On failure, timeout or
// cancellation the connection returns to CONNECTED.
func (c *Conn) Discover(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateDiscovering, StateReady:
	default:
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: discover in %s", ErrInvalidState, st)
	}
	if c.tr == nil || c.initResult == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.discoverCancel != nil {
		c.discoverCancel()
	}
	c.discoverGen++
	gen := c.discoverGen
	dctx, cancel := context.WithTimeoutCause(ctx, c.discoverTimeout, ErrDiscoveryTimeout)
	c.discoverCancel = cancel
	tr, ir := c.tr, *c.initResult
	publish := c.setState(StateDiscovering, nil)
	c.mu.Unlock()
	publish()
	defer cancel()

	dctx = c.ctx(dctx)
	snap, err := c.fetch(dctx, tr, ir)
	if err != nil {
		if cause := context.Cause(dctx); errors.Is(cause, ErrDiscoveryTimeout) {
			err = ErrDiscoveryTimeout
		}
	}

	c.mu.Lock()
	if c.discoverGen != gen {
		c.mu.Unlock()
		c.log.DebugContext(dctx, "discover.superseded")
		return ErrDiscoverySuperseded
	}
	c.discoverCancel = nil
	if err != nil {
		publish := c.setState(StateConnected, err)
		c.mu.Unlock()
		publish()
		c.log.WarnContext(dctx, "discover.fail", slog.String("err", err.Error()))
		return err
	}
	c.snapshot = snap
	publish = c.setState(StateReady, nil)
	c.mu.Unlock()
	publish()

	c.emit("connection.discovered", fmt.Sprintf("Discovered %d tools from %s", len(snap.Tools), c.cfg.ServerID), map[string]any{
		"serverId":          c.cfg.ServerID,
		"tools":             len(snap.Tools),
		"resources":         len(snap.Resources),
		"resourceTemplates": len(snap.ResourceTemplates),
		"prompts":           len(snap.Prompts),
	})
	return nil
}

func (c *Conn) rediscover(method string) {
	if c.State() != StateReady {
		return
	}
	c.log.Info("discover.list_changed", slog.String("method", method))
	if err := c.Discover(context.Background()); err != nil && !errors.Is(err, ErrDiscoverySuperseded) {
		c.log.Warn("discover.list_changed.fail", slog.String("err", err.Error()))
	}
}

func (c *Conn) fetch(ctx context.Context, tr transport.Transport, ir mcp.InitializeResult) (Snapshot, error) {
	snap := Snapshot{
		ServerInfo:   ir.ServerInfo,
		Capabilities: ir.Capabilities,
		Instructions: ir.Instructions,
	}
	caps := ir.Capabilities

	g, gctx := errgroup.WithContext(ctx)
	if caps.Tools != nil {
		g.Go(func() (err error) {
			snap.Tools, err = listAll(gctx, c, tr, mcp.ToolsListMethod, func(r *mcp.ListToolsResult) []mcp.Tool { return r.Tools })
			return err
		})
	}
	if caps.Resources != nil {
		g.Go(func() (err error) {
			snap.Resources, err = listAll(gctx, c, tr, mcp.ResourcesListMethod, func(r *mcp.ListResourcesResult) []mcp.Resource { return r.Resources })
			return err
		})
		g.Go(func() (err error) {
			snap.ResourceTemplates, err = listAll(gctx, c, tr, mcp.ResourcesTemplatesListMethod, func(r *mcp.ListResourceTemplatesResult) []mcp.ResourceTemplate {
				return r.ResourceTemplates
			})
			return err
		})
	}
	if caps.Prompts != nil {
		g.Go(func() (err error) {
			snap.Prompts, err = listAll(gctx, c, tr, mcp.PromptsListMethod, func(r *mcp.ListPromptsResult) []mcp.Prompt { return r.Prompts })
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// listAll follows nextCursor until the last page. A method-not-found error
// means the capability is absent and yields an empty list.
func listAll[R any, T any](ctx context.Context, c *Conn, tr transport.Transport, method mcp.Method, items func(*R) []T) ([]T, error) {
	var out []T
	cursor := ""
	for {
		var res R
		err := c.call(ctx, tr, string(method), mcp.PaginatedRequest{Cursor: cursor}, &res)
		if err != nil {
			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.ErrorCodeMethodNotFound {
				return []T{}, nil
			}
			return nil, fmt.Errorf("connection: %s: %w", method, err)
		}
		out = append(out, items(&res)...)
		next := cursorOf(&res)
		if next == "" || next == cursor {
			break
		}
		cursor = next
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func cursorOf(v any) string {
	switch r := v.(type) {
	case *mcp.ListToolsResult:
		return r.NextCursor
	case *mcp.ListResourcesResult:
		return r.NextCursor
	case *mcp.ListResourceTemplatesResult:
		return r.NextCursor
	case *mcp.ListPromptsResult:
		return r.NextCursor
	}
	return ""
}
