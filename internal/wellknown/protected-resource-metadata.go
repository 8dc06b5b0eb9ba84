package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourceMetadata is the RFC 9728 document a protected MCP endpoint
// publishes so clients can find its authorization server.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceMetadataURL returns the well-known location of the
// metadata document for resource, inserting the well-known segment between
// the host and the resource path.
func ProtectedResourceMetadataURL(resource *url.URL) *url.URL {
	p := strings.TrimSuffix(resource.Path, "/")
	return &url.URL{Scheme: resource.Scheme, Host: resource.Host, Path: "/.well-known/oauth-protected-resource" + p}
}
