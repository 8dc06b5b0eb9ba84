// Package oauth coordinates the OAuth 2.1 authorization-code flow a client
// runs against a protected MCP server.
//
// The Coordinator issues replay-safe state tokens of the form
// "{nonce}.{serverID}", discovers the authorization server through protected
// resource metadata, registers a client dynamically when needed, keeps the
// PKCE verifier between the redirect and the callback, and persists the
// resulting tokens behind a refreshing oauth2.TokenSource.
//
// State tokens are checked in two phases. ValidateState never mutates
// storage; ConsumeState deletes the record and fails if it is already gone,
// so only one of two concurrent callbacks carrying the same state can win.
package oauth
