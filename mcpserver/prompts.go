package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// ErrPromptNotFound is returned by a PromptSource for an unknown name.
var ErrPromptNotFound = errors.New("mcpserver: prompt not found")

// PromptSource lists and renders prompts.
type PromptSource interface {
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
}

// PromptHandler renders a prompt for the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its renderer.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// StaticPrompts is a threadsafe set of prompts.
type StaticPrompts struct {
	mu       sync.RWMutex
	prompts  []StaticPrompt
	notifier ChangeNotifier
}

var (
	_ PromptSource = (*StaticPrompts)(nil)
	_ ChangeSource = (*StaticPrompts)(nil)
)

func NewStaticPrompts(defs ...StaticPrompt) *StaticPrompts {
	return &StaticPrompts{prompts: slices.Clone(defs)}
}

// Add registers def unless a prompt of the same name exists.
func (sp *StaticPrompts) Add(def StaticPrompt) bool {
	sp.mu.Lock()
	if slices.ContainsFunc(sp.prompts, func(p StaticPrompt) bool { return p.Descriptor.Name == def.Descriptor.Name }) {
		sp.mu.Unlock()
		return false
	}
	sp.prompts = append(sp.prompts, def)
	sp.mu.Unlock()

	sp.notifier.Notify()
	return true
}

func (sp *StaticPrompts) ListPrompts(context.Context) ([]mcp.Prompt, error) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]mcp.Prompt, len(sp.prompts))
	for i, p := range sp.prompts {
		out[i] = p.Descriptor
	}
	return out, nil
}

// GetPrompt checks required arguments before calling the handler.
func (sp *StaticPrompts) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	sp.mu.RLock()
	i := slices.IndexFunc(sp.prompts, func(p StaticPrompt) bool { return p.Descriptor.Name == name })
	var def StaticPrompt
	if i >= 0 {
		def = sp.prompts[i]
	}
	sp.mu.RUnlock()
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	for _, a := range def.Descriptor.Arguments {
		if _, ok := args[a.Name]; a.Required && !ok {
			return nil, &ArgumentError{Prompt: name, Argument: a.Name}
		}
	}
	return def.Handler(ctx, args)
}

func (sp *StaticPrompts) Subscribe(fn func()) func() { return sp.notifier.Subscribe(fn) }

// ArgumentError reports a missing required prompt argument. It is answered
// with an invalid params error.
type ArgumentError struct {
	Prompt   string
	Argument string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("prompt %s: missing required argument %q", e.Prompt, e.Argument)
}
