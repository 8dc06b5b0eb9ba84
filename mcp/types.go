package mcp

import "encoding/json"

// LatestProtocolVersion is the protocol version offered during initialize.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists accepted protocol versions, newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// IsSupportedProtocolVersion reports whether v is in SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Role indicates the role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ListChanged is the capability body shared by tools and prompts.
type ListChanged struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ClientCapabilities advertises client features.
type ClientCapabilities struct {
	Roots       *ListChanged `json:"roots,omitempty"`
	Sampling    *struct{}    `json:"sampling,omitempty"`
	Elicitation *struct{}    `json:"elicitation,omitempty"`
}

// ResourcesCapability advertises resource support.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
	Subscribe   bool `json:"subscribe,omitzero"`
}

// ServerCapabilities advertises server features. A nil member means the
// server does not offer that feature and clients must not call it.
type ServerCapabilities struct {
	Logging     *struct{}            `json:"logging,omitempty"`
	Prompts     *ListChanged         `json:"prompts,omitempty"`
	Resources   *ResourcesCapability `json:"resources,omitempty"`
	Tools       *ListChanged         `json:"tools,omitempty"`
	Completions *struct{}            `json:"completions,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a typed content part of a tool result or prompt message.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitzero"`
	Data     string            `json:"data,omitzero"`
	MimeType string            `json:"mimeType,omitzero"`
	Resource *ResourceContents `json:"resource,omitempty"`
	URI      string            `json:"uri,omitzero"`
	Name     string            `json:"name,omitzero"`
}

// TextContent is a convenience constructor for a text ContentBlock.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Tool describes a callable tool. Schemas are kept raw so that tools
// discovered from remote servers round-trip without loss.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitzero"`
	Description  string          `json:"description,omitzero"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Resource represents an addressable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
}

// ResourceTemplate describes a template for resource URIs.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
}

// ResourceContents is the value of a resource read.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitzero"`
	Text     string `json:"text,omitzero"`
	Blob     string `json:"blob,omitzero"`
}

// Prompt describes a named prompt the server can provide.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitzero"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes a single prompt argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitzero"`
	Required    bool   `json:"required,omitzero"`
}

// PromptMessage is a message returned by prompts/get.
type PromptMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}
