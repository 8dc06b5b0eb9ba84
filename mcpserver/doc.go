// Package mcpserver answers the server half of the MCP protocol for one
// session at a time: initialize, ping, and the tools, resources and prompts
// families. Content comes from sources; the package ships static sources and
// callers can plug in their own (the bridge serves the tools of its upstream
// connections this way).
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo back"`
//	}
//
//	tools := mcpserver.NewStaticTools(
//	    mcpserver.NewTypedTool("echo", func(ctx context.Context, a EchoArgs) (*mcp.CallToolResult, error) {
//	        return mcpserver.TextResult("you said: " + a.Message), nil
//	    }, mcpserver.WithToolDescription("Echo a message back to the caller")),
//	)
//	srv := mcpserver.New(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"},
//	    mcpserver.WithTools(tools),
//	)
//	h, _ := streaminghttp.NewHandler("https://example.com/mcp", srv.NewSession)
//
// Sources that also implement ChangeSource get listChanged advertised, and
// every initialized session is sent the matching list_changed notification
// when they change.
//
// Server.HandleRPC serves the same pipeline over a request/reply channel
// such as natsactor.Serve.
package mcpserver
