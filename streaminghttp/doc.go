// Package streaminghttp implements the server side of the MCP streamable
// HTTP transport.
//
// A Transport serves one session: it validates each request, issues the
// session id on initialize and routes responses back to the HTTP exchange
// that is waiting on them, either as one JSON body or as SSE events on a
// per-POST stream. A GET opens the session's single standalone stream for
// server-initiated messages. With an EventStore configured, a GET carrying
// Last-Event-ID replays what the client missed and re-attaches to the
// stream.
//
// Handler hosts many sessions behind one endpoint:
//
//	h, err := streaminghttp.NewHandler("https://bridge.example/mcp",
//	    srv.NewSession,
//	    streaminghttp.WithEventStore(streaminghttp.NewMemoryEventStore(0)),
//	    streaminghttp.WithStateStore(streaminghttp.NewStorageStateStore(kv, 24*time.Hour)),
//	)
//	mux.Handle("/mcp", h)
//
// # Restarts
//
// With a StateStore, each session's id, negotiated version and initialize
// params are persisted. A request naming a session this process does not
// know is answered by restoring it: the stored initialize request is
// replayed through the session's MessageHandler so that it sees the same
// handshake as the original.
//
// # Authentication
//
// WithAuthenticator gates every request on a bearer token and publishes
// RFC 9728 protected resource metadata at the well-known location derived
// from the endpoint URL.
package streaminghttp
