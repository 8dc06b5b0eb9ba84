package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/invopop/jsonschema"
)

// ErrToolNotFound is returned by a ToolSource for an unknown tool name.
var ErrToolNotFound = errors.New("mcpserver: tool not found")

// ToolSource lists and invokes tools.
type ToolSource interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool runs the named tool. Failures of the tool itself belong in
	// the result (IsError); a returned error other than ErrToolNotFound is
	// reported to the client as a failed tool call.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// ToolHandler runs one tool call with the raw arguments object.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTypedTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the description shown in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolTitle sets the human readable title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolAllowAdditionalProperties accepts arguments the args type does
// not declare. By default the schema sets additionalProperties=false and
// unknown fields fail decoding.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTypedTool builds a StaticTool whose input schema is reflected from A
// and whose handler decodes the call arguments into A. Decoding failures
// are returned to the client as an error result.
func NewTypedTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	var cfg toolConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		return fn(ctx, a)
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}

func reflectInputSchema[A any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		if allowAdditional {
			return json.RawMessage(`{"type":"object"}`)
		}
		return json.RawMessage(`{"type":"object","additionalProperties":false}`)
	}
	// Tool schemas are embedded in listings, not standalone documents.
	s.Version = ""
	s.ID = ""
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// StaticTools is a mutable, threadsafe set of tools. Every change notifies
// subscribers, so serving it advertises tools.listChanged.
type StaticTools struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	notifier ChangeNotifier
}

var (
	_ ToolSource   = (*StaticTools)(nil)
	_ ChangeSource = (*StaticTools)(nil)
)

// NewStaticTools returns a container holding defs.
func NewStaticTools(defs ...StaticTool) *StaticTools {
	st := &StaticTools{handlers: make(map[string]ToolHandler)}
	st.set(defs)
	return st
}

func (st *StaticTools) set(defs []StaticTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tools = make([]mcp.Tool, 0, len(defs))
	st.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		name := d.Descriptor.Name
		if _, dup := st.handlers[name]; dup {
			// last definition wins
			st.tools = slices.DeleteFunc(st.tools, func(t mcp.Tool) bool { return t.Name == name })
		}
		st.tools = append(st.tools, d.Descriptor)
		st.handlers[name] = d.Handler
	}
}

// Replace swaps the whole tool set.
func (st *StaticTools) Replace(defs ...StaticTool) {
	st.set(defs)
	st.notifier.Notify()
}

// Add registers def unless a tool of the same name exists.
func (st *StaticTools) Add(def StaticTool) bool {
	st.mu.Lock()
	if _, exists := st.handlers[def.Descriptor.Name]; exists {
		st.mu.Unlock()
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.handlers[def.Descriptor.Name] = def.Handler
	st.mu.Unlock()

	st.notifier.Notify()
	return true
}

// Remove drops the named tool.
func (st *StaticTools) Remove(name string) bool {
	st.mu.Lock()
	_, ok := st.handlers[name]
	if ok {
		delete(st.handlers, name)
		st.tools = slices.DeleteFunc(st.tools, func(t mcp.Tool) bool { return t.Name == name })
	}
	st.mu.Unlock()

	if ok {
		st.notifier.Notify()
	}
	return ok
}

func (st *StaticTools) ListTools(context.Context) ([]mcp.Tool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return slices.Clone(st.tools), nil
}

func (st *StaticTools) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	st.mu.RLock()
	h := st.handlers[name]
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return h(ctx, args)
}

func (st *StaticTools) Subscribe(fn func()) func() { return st.notifier.Subscribe(fn) }

// TextResult builds a result holding one text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// Errorf builds an error result holding one text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, a...))}, IsError: true}
}
