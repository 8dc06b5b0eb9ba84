package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/transport"
)

// Option configures a Server.
type Option func(*Server)

// Server holds what every session serves. It is immutable after New and
// safe for concurrent use.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        ToolSource
	resources    ResourceSource
	prompts      PromptSource
	pageSize     int
	log          *slog.Logger

	actorOnce sync.Once
	actor     *session
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option { return func(srv *Server) { srv.instructions = s } }

// WithTools serves tools from src.
func WithTools(src ToolSource) Option { return func(srv *Server) { srv.tools = src } }

// WithResources serves resources from src.
func WithResources(src ResourceSource) Option { return func(srv *Server) { srv.resources = src } }

// WithPrompts serves prompts from src.
func WithPrompts(src PromptSource) Option { return func(srv *Server) { srv.prompts = src } }

// WithPageSize sets the list page size. Defaults to DefaultPageSize.
func WithPageSize(n int) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(srv *Server) { srv.log = l } }

// New returns a Server identifying itself as info.
func New(info mcp.ImplementationInfo, opts ...Option) *Server {
	srv := &Server{info: info, pageSize: DefaultPageSize, log: slog.Default()}
	for _, opt := range opts {
		opt(srv)
	}
	srv.log = logctx.Wrap(srv.log)
	return srv
}

// Capabilities reports what initialize advertises.
func (srv *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if srv.tools != nil {
		_, changes := srv.tools.(ChangeSource)
		caps.Tools = &mcp.ListChanged{ListChanged: changes}
	}
	if srv.resources != nil {
		_, changes := srv.resources.(ChangeSource)
		caps.Resources = &mcp.ResourcesCapability{ListChanged: changes}
	}
	if srv.prompts != nil {
		_, changes := srv.prompts.(ChangeSource)
		caps.Prompts = &mcp.ListChanged{ListChanged: changes}
	}
	return caps
}

// NewSession returns the handler for one new session. Its signature fits
// streaminghttp.NewHandler.
func (srv *Server) NewSession() transport.MessageHandler { return newSession(srv, true) }

// HandleRPC serves one encoded message or batch and returns the encoded
// responses, or nil when there are none. All calls share one session, so
// a client initializes once and keeps calling. Server-initiated
// notifications are not delivered on this path.
func (srv *Server) HandleRPC(ctx context.Context, payload []byte) ([]byte, error) {
	srv.actorOnce.Do(func() { srv.actor = newSession(srv, false) })

	msgs, _, err := jsonrpc.ParseBatch(payload)
	if err != nil {
		srv.log.WarnContext(ctx, "rpc.parse.fail", slog.String("err", err.Error()))
		return json.Marshal(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", nil))
	}

	c := &collector{}
	for i := range msgs {
		srv.actor.HandleMessage(ctx, c, &msgs[i])
	}
	switch len(c.out) {
	case 0:
		return nil, nil
	case 1:
		return c.out[0], nil
	}
	return append(append([]byte("["), bytes.Join(c.out, []byte(","))...), ']'), nil
}

// collector is the Peer of a HandleRPC call. Only responses are kept.
type collector struct {
	mu  sync.Mutex
	out [][]byte
}

func (c *collector) Send(_ context.Context, msg jsonrpc.Message, _ ...transport.SendOption) error {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil || !m.IsResponse() {
		return nil
	}
	c.mu.Lock()
	c.out = append(c.out, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) SessionID() string { return "" }
