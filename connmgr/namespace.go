package connmgr

import (
	"errors"
	"strings"

	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// Separator joins a server id and a remote capability name.
const Separator = "_"

// ErrNotNamespaced is returned for a name without a server id prefix.
var ErrNotNamespaced = errors.New("connmgr: name is not namespaced")

// Namespaced prefixes name with serverID.
func Namespaced(serverID, name string) string {
	return serverID + Separator + name
}

// SplitNamespaced reverses Namespaced. Server ids never contain the
// separator, so the first occurrence ends the id.
func SplitNamespaced(s string) (serverID, name string, err error) {
	serverID, name, ok := strings.Cut(s, Separator)
	if !ok || serverID == "" || name == "" {
		return "", "", ErrNotNamespaced
	}
	return serverID, name, nil
}

// Resource is a remote resource tagged with the server that owns it.
type Resource struct {
	ServerID string `json:"serverId"`
	mcp.Resource
}

// ResourceTemplate is a remote resource template tagged with its server.
type ResourceTemplate struct {
	ServerID string `json:"serverId"`
	mcp.ResourceTemplate
}

// ListTools returns the tools of every READY connection with namespaced
// names, ordered by server id.
func (m *Manager) ListTools() []mcp.Tool {
	var out []mcp.Tool
	for _, rec := range m.ready() {
		for _, t := range rec.conn.Snapshot().Tools {
			t.Name = Namespaced(rec.reg.ID, t.Name)
			out = append(out, t)
		}
	}
	return out
}

// ListPrompts returns the prompts of every READY connection with
// namespaced names.
func (m *Manager) ListPrompts() []mcp.Prompt {
	var out []mcp.Prompt
	for _, rec := range m.ready() {
		for _, p := range rec.conn.Snapshot().Prompts {
			p.Name = Namespaced(rec.reg.ID, p.Name)
			out = append(out, p)
		}
	}
	return out
}

// ListResources returns the resources of every READY connection.
func (m *Manager) ListResources() []Resource {
	var out []Resource
	for _, rec := range m.ready() {
		for _, r := range rec.conn.Snapshot().Resources {
			out = append(out, Resource{ServerID: rec.reg.ID, Resource: r})
		}
	}
	return out
}

// ListResourceTemplates returns the resource templates of every READY
// connection.
func (m *Manager) ListResourceTemplates() []ResourceTemplate {
	var out []ResourceTemplate
	for _, rec := range m.ready() {
		for _, t := range rec.conn.Snapshot().ResourceTemplates {
			out = append(out, ResourceTemplate{ServerID: rec.reg.ID, ResourceTemplate: t})
		}
	}
	return out
}
