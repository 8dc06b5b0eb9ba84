package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

func (c *Conn) handshake(ctx context.Context, tr transport.Transport) error {
	tr.SetHandlers(transport.Handlers{
		OnMessage: func(m jsonrpc.AnyMessage) { c.handleMessage(tr, m) },
		OnError: func(err error) {
			c.log.WarnContext(ctx, "conn.transport.err", slog.String("err", err.Error()))
		},
		OnClose: c.handleClose(tr),
	})
	if err := tr.Start(ctx); err != nil {
		return err
	}

	var res mcp.InitializeResult
	err := c.call(ctx, tr, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    c.clientCaps,
		ClientInfo:      c.clientInfo,
	}, &res)
	if err != nil {
		return err
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, res.ProtocolVersion)
	}
	tr.SetProtocolVersion(res.ProtocolVersion)

	if err := c.notify(ctx, tr, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.initResult = &res
	c.mu.Unlock()
	return nil
}

// call sends a request over tr and waits for the matching response. When
// ctx ends first, a cancellation notification is sent to the remote.
func (c *Conn) call(ctx context.Context, tr transport.Transport, method string, params, out any) error {
	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan *jsonrpc.Response, 1)
	key := id.String()
	c.pendMu.Lock()
	c.pending[key] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, key)
		c.pendMu.Unlock()
	}()

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: key})
	if err := tr.Send(ctx, b); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return res.Error
		}
		if out == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("connection: decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		go c.sendCancelled(tr, id, ctx.Err())
		return ctx.Err()
	}
}

func (c *Conn) sendCancelled(tr transport.Transport, id *jsonrpc.RequestID, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.notify(ctx, tr, string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{
		RequestID: id.Value(),
		Reason:    reason.Error(),
	})
	if err != nil {
		c.log.DebugContext(ctx, "conn.cancel.send.fail", slog.String("err", err.Error()))
	}
}

func (c *Conn) notify(ctx context.Context, tr transport.Transport, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return tr.Send(ctx, b)
}

func (c *Conn) reply(tr transport.Transport, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.Send(ctx, b, transport.WithRelatedRequest(res.ID)); err != nil {
		c.log.WarnContext(ctx, "conn.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *Conn) handleMessage(tr transport.Transport, m jsonrpc.AnyMessage) {
	switch {
	case m.IsResponse():
		if m.ID.IsNil() {
			c.log.Warn("conn.response.no_id")
			return
		}
		c.pendMu.Lock()
		ch, ok := c.pending[m.ID.String()]
		c.pendMu.Unlock()
		if !ok {
			c.log.Debug("conn.response.unmatched", slog.String("id", m.ID.String()))
			return
		}
		select {
		case ch <- m.AsResponse():
		default:
		}

	case m.IsRequest():
		if m.Method == string(mcp.PingMethod) {
			res, _ := jsonrpc.NewResultResponse(m.ID, mcp.EmptyResult{})
			go c.reply(tr, res)
			return
		}
		go c.reply(tr, jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil))

	case m.IsNotification():
		switch mcp.Method(m.Method) {
		case mcp.ToolsListChangedNotificationMethod,
			mcp.ResourcesListChangedNotificationMethod,
			mcp.PromptsListChangedNotificationMethod:
			go c.rediscover(m.Method)
		default:
			c.emit("connection.notification", fmt.Sprintf("Notification %s from %s", m.Method, c.cfg.ServerID), map[string]any{
				"serverId": c.cfg.ServerID,
				"method":   m.Method,
			})
		}
	}
}

func (c *Conn) failPending(err error) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for key, ch := range c.pending {
		select {
		case ch <- &jsonrpc.Response{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Error:          &jsonrpc.Error{Code: jsonrpc.ErrorCodeTransport, Message: err.Error()},
		}:
		default:
		}
		delete(c.pending, key)
	}
}

// Call sends an arbitrary request over the active binding.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	tr, err := c.activeTransport()
	if err != nil {
		return err
	}
	return c.call(c.ctx(ctx), tr, method, params, out)
}

// Ping checks that the remote is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	return c.Call(ctx, string(mcp.PingMethod), nil, nil)
}

// CallTool invokes a tool by its remote (un-namespaced) name.
func (c *Conn) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	if err := c.Call(ctx, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReadResource reads a resource by URI.
func (c *Conn) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := c.Call(ctx, string(mcp.ResourcesReadMethod), mcp.ReadResourceRequest{URI: uri}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrompt renders a prompt by its remote name.
func (c *Conn) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	var res mcp.GetPromptResult
	if err := c.Call(ctx, string(mcp.PromptsGetMethod), mcp.GetPromptRequest{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
