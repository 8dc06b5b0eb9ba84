// Package stdio serves a single MCP session over a pair of byte streams,
// by default os.Stdin and os.Stdout. It suits servers spawned as a
// subprocess by a desktop client.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : one, ephemeral, no session id
//	Framing          : newline-delimited JSON-RPC messages or batches
//
// Example:
//
//	srv := mcpserver.New(mcp.ImplementationInfo{Name: "my-stdio-server", Version: "0.1.0"},
//	    mcpserver.WithTools(tools),
//	)
//	h := stdio.NewHandler(srv.NewSession)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// Deployments serving many clients should use package streaminghttp.
package stdio
