package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

// codeResourceNotFound is the MCP error code for resources/read misses.
const codeResourceNotFound jsonrpc.ErrorCode = -32002

// Session describes the client of the session serving the current call.
type Session struct {
	ID              string
	ProtocolVersion string
	ClientInfo      mcp.ImplementationInfo
	Capabilities    mcp.ClientCapabilities
}

type sessionKey struct{}

// SessionFromContext returns the calling session inside a source method.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

type session struct {
	srv    *Server
	notify bool

	mu          sync.Mutex
	initialized bool
	info        Session
	inflight    map[string]context.CancelFunc
	unsubs      []func()
	closed      bool
}

func newSession(srv *Server, notify bool) *session {
	return &session{srv: srv, notify: notify, inflight: make(map[string]context.CancelFunc)}
}

// Close drops list-changed subscriptions and cancels calls in flight.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	return nil
}

func (s *session) HandleMessage(ctx context.Context, p transport.Peer, msg *jsonrpc.AnyMessage) {
	switch {
	case msg.IsResponse():
		// The server never issues requests of its own.
		s.srv.log.DebugContext(ctx, "rpc.response.ignored", slog.String("id", msg.ID.String()))
	case msg.IsNotification():
		s.handleNotification(ctx, p, msg)
	default:
		s.handleRequest(ctx, p, msg)
	}
}

func (s *session) handleNotification(ctx context.Context, p transport.Peer, msg *jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		if s.notify {
			s.watchChanges(p)
		}
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return
		}
		id := jsonrpc.NewRequestID(params.RequestID).String()
		s.mu.Lock()
		cancel := s.inflight[id]
		s.mu.Unlock()
		if cancel != nil {
			s.srv.log.InfoContext(ctx, "rpc.request.cancelled", slog.String("id", id), slog.String("reason", params.Reason))
			cancel()
		}
	}
}

func (s *session) watchChanges(p transport.Peer) {
	watch := []struct {
		src    any
		method mcp.Method
	}{
		{s.srv.tools, mcp.ToolsListChangedNotificationMethod},
		{s.srv.resources, mcp.ResourcesListChangedNotificationMethod},
		{s.srv.prompts, mcp.PromptsListChangedNotificationMethod},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.unsubs) > 0 {
		return
	}
	for _, w := range watch {
		cs, ok := w.src.(ChangeSource)
		if !ok {
			continue
		}
		method := w.method
		s.unsubs = append(s.unsubs, cs.Subscribe(func() { go s.sendChanged(p, method) }))
	}
}

func (s *session) sendChanged(p transport.Peer, method mcp.Method) {
	note, err := jsonrpc.NewNotification(string(method), nil)
	if err != nil {
		return
	}
	b, err := json.Marshal(note)
	if err != nil {
		return
	}
	if err := p.Send(context.Background(), b); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			_ = s.Close()
			return
		}
		s.srv.log.Warn("notify.send.fail", slog.String("method", string(method)), slog.String("err", err.Error()))
	}
}

func (s *session) handleRequest(ctx context.Context, p transport.Peer, msg *jsonrpc.AnyMessage) {
	key := msg.ID.String()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.inflight[key] = cancel
	info := s.info
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	ctx = context.WithValue(ctx, sessionKey{}, info)
	result, rpcErr := s.dispatch(ctx, p, msg)
	if ctx.Err() != nil {
		// Cancelled by the client, which expects no response.
		return
	}

	var resp *jsonrpc.Response
	if rpcErr != nil {
		s.srv.log.InfoContext(ctx, "rpc.request.error", slog.String("method", msg.Method), slog.Int("code", int(rpcErr.Code)), slog.String("err", rpcErr.Message))
		resp = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: msg.ID}
	} else {
		var err error
		resp, err = jsonrpc.NewResultResponse(msg.ID, result)
		if err != nil {
			resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := p.Send(ctx, b); err != nil {
		s.srv.log.WarnContext(ctx, "rpc.response.send.fail", slog.String("method", msg.Method), slog.String("err", err.Error()))
	}
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params: " + err.Error()}
}

func decodeParams(raw json.RawMessage, v any) *jsonrpc.Error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func internalError(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: err.Error()}
}

func (s *session) dispatch(ctx context.Context, p transport.Peer, msg *jsonrpc.AnyMessage) (any, *jsonrpc.Error) {
	method := mcp.Method(msg.Method)
	switch method {
	case mcp.InitializeMethod:
		return s.initialize(p, msg.Params)
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil
	}

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "Invalid Request: session not initialized"}
	}

	switch {
	case s.srv.tools != nil && (method == mcp.ToolsListMethod || method == mcp.ToolsCallMethod):
		return s.tools(ctx, method, msg.Params)
	case s.srv.resources != nil && (method == mcp.ResourcesListMethod || method == mcp.ResourcesTemplatesListMethod || method == mcp.ResourcesReadMethod):
		return s.resources(ctx, method, msg.Params)
	case s.srv.prompts != nil && (method == mcp.PromptsListMethod || method == mcp.PromptsGetMethod):
		return s.prompts(ctx, method, msg.Params)
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found: " + msg.Method}
}

func (s *session) initialize(p transport.Peer, raw json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.InitializeRequest
	if rpcErr := decodeParams(raw, &req); rpcErr != nil {
		return nil, rpcErr
	}
	version := req.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	s.mu.Lock()
	s.initialized = true
	s.info = Session{
		ID:              p.SessionID(),
		ProtocolVersion: version,
		ClientInfo:      req.ClientInfo,
		Capabilities:    req.Capabilities,
	}
	s.mu.Unlock()

	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.srv.Capabilities(),
		ServerInfo:      s.srv.info,
		Instructions:    s.srv.instructions,
	}, nil
}

func (s *session) tools(ctx context.Context, method mcp.Method, raw json.RawMessage) (any, *jsonrpc.Error) {
	if method == mcp.ToolsListMethod {
		var req mcp.ListToolsRequest
		if rpcErr := decodeParams(raw, &req); rpcErr != nil {
			return nil, rpcErr
		}
		all, err := s.srv.tools.ListTools(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		page, next, err := paginate(all, req.Cursor, s.srv.pageSize)
		if err != nil {
			return nil, invalidParams(err)
		}
		return mcp.ListToolsResult{Tools: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
	}

	var req mcp.CallToolRequest
	if rpcErr := decodeParams(raw, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if req.Name == "" {
		return nil, invalidParams(errors.New("missing tool name"))
	}
	res, err := s.srv.tools.CallTool(ctx, req.Name, req.Arguments)
	switch {
	case errors.Is(err, ErrToolNotFound):
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Unknown tool: " + req.Name}
	case err != nil:
		if ctx.Err() != nil {
			return nil, internalError(ctx.Err())
		}
		return Errorf("tool %s failed: %v", req.Name, err), nil
	case res == nil:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{}}, nil
	}
	return res, nil
}

func (s *session) resources(ctx context.Context, method mcp.Method, raw json.RawMessage) (any, *jsonrpc.Error) {
	switch method {
	case mcp.ResourcesListMethod:
		var req mcp.ListResourcesRequest
		if rpcErr := decodeParams(raw, &req); rpcErr != nil {
			return nil, rpcErr
		}
		all, err := s.srv.resources.ListResources(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		page, next, err := paginate(all, req.Cursor, s.srv.pageSize)
		if err != nil {
			return nil, invalidParams(err)
		}
		return mcp.ListResourcesResult{Resources: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil

	case mcp.ResourcesTemplatesListMethod:
		var req mcp.ListResourceTemplatesRequest
		if rpcErr := decodeParams(raw, &req); rpcErr != nil {
			return nil, rpcErr
		}
		all, err := s.srv.resources.ListResourceTemplates(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		page, next, err := paginate(all, req.Cursor, s.srv.pageSize)
		if err != nil {
			return nil, invalidParams(err)
		}
		return mcp.ListResourceTemplatesResult{ResourceTemplates: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
	}

	var req mcp.ReadResourceRequest
	if rpcErr := decodeParams(raw, &req); rpcErr != nil {
		return nil, rpcErr
	}
	res, err := s.srv.resources.ReadResource(ctx, req.URI)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		return nil, &jsonrpc.Error{Code: codeResourceNotFound, Message: "Resource not found", Data: map[string]any{"uri": req.URI}}
	case err != nil:
		return nil, internalError(err)
	}
	return res, nil
}

func (s *session) prompts(ctx context.Context, method mcp.Method, raw json.RawMessage) (any, *jsonrpc.Error) {
	if method == mcp.PromptsListMethod {
		var req mcp.ListPromptsRequest
		if rpcErr := decodeParams(raw, &req); rpcErr != nil {
			return nil, rpcErr
		}
		all, err := s.srv.prompts.ListPrompts(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		page, next, err := paginate(all, req.Cursor, s.srv.pageSize)
		if err != nil {
			return nil, invalidParams(err)
		}
		return mcp.ListPromptsResult{Prompts: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
	}

	var req mcp.GetPromptRequest
	if rpcErr := decodeParams(raw, &req); rpcErr != nil {
		return nil, rpcErr
	}
	res, err := s.srv.prompts.GetPrompt(ctx, req.Name, req.Arguments)
	var argErr *ArgumentError
	switch {
	case errors.Is(err, ErrPromptNotFound):
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Unknown prompt: " + req.Name}
	case errors.As(err, &argErr):
		return nil, invalidParams(argErr)
	case err != nil:
		return nil, internalError(fmt.Errorf("prompt %s: %w", req.Name, err))
	}
	return res, nil
}
