package wellknown

import (
	"net/url"
	"strings"
)

// AuthServerMetadata is the subset of RFC 8414 authorization server metadata
// an OAuth client needs to run the authorization-code flow.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// AuthServerMetadataURLs lists the candidate metadata locations for issuer
// in lookup order: RFC 8414 path insertion first, then OpenID discovery.
func AuthServerMetadataURLs(issuer *url.URL) []string {
	p := strings.TrimSuffix(issuer.Path, "/")
	base := url.URL{Scheme: issuer.Scheme, Host: issuer.Host}
	oauth := base
	oauth.Path = "/.well-known/oauth-authorization-server" + p
	oidcInserted := base
	oidcInserted.Path = "/.well-known/openid-configuration" + p
	out := []string{oauth.String(), oidcInserted.String()}
	if p != "" {
		oidcAppended := base
		oidcAppended.Path = p + "/.well-known/openid-configuration"
		out = append(out, oidcAppended.String())
	}
	return out
}

// ClientRegistrationRequest is the RFC 7591 dynamic client registration body.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the subset of the RFC 7591 response kept by clients.
type ClientRegistrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}
