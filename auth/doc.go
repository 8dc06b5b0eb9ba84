// Package auth validates the bearer tokens presented to the server-side MCP
// endpoint.
//
// An Authenticator turns a raw token into a UserInfo or returns an error
// wrapping ErrUnauthorized (401) or ErrInsufficientScope (403). The
// streaminghttp handler extracts the token and renders the challenge; see
// Challenge.
//
// Two JWT authenticators are provided. NewFromDiscovery reads the issuer's
// OpenID configuration to locate its JWKS; NewStatic takes the JWKS URL
// directly. Both verify RFC 9068 access tokens:
//
//	authn, err := auth.NewFromDiscovery(ctx, auth.Config{
//	    Issuer:         "https://issuer.example",
//	    Audiences:      []string{"https://bridge.example/mcp"},
//	    RequiredScopes: []string{"mcp:tools"},
//	})
//
// Keys are refreshed in the background for as long as ctx lives.
package auth
