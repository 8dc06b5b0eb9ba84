// Package mcp contains protocol data types and constants shared by the client
// connection layer and the server-side session transport. Types mirror the
// Model Context Protocol wire shapes: exported structs with json tags and
// string constants for method names.
//
// The package holds no transport logic. Transports and the connection layer
// marshal these types into JSON-RPC params and results.
//
// # Pagination
//
// List operations use opaque cursors. PaginatedRequest and PaginatedResult
// are embedded in the request and result envelopes.
//
// # Versions
//
// LatestProtocolVersion is the version offered during initialize;
// SupportedProtocolVersions lists every version a server built on this
// module accepts in the MCP-Protocol-Version header.
package mcp
