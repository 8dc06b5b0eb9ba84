package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// ErrResourceNotFound is returned by a ResourceSource for an unknown URI.
var ErrResourceNotFound = errors.New("mcpserver: resource not found")

// ResourceSource lists and reads resources.
type ResourceSource interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
}

// StaticResources is a mutable, threadsafe set of resources with fixed
// contents.
type StaticResources struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	templates []mcp.ResourceTemplate
	contents  map[string][]mcp.ResourceContents

	notifier ChangeNotifier
}

var (
	_ ResourceSource = (*StaticResources)(nil)
	_ ChangeSource   = (*StaticResources)(nil)
)

// NewStaticResources copies its inputs into a new container.
func NewStaticResources(resources []mcp.Resource, templates []mcp.ResourceTemplate, contents map[string][]mcp.ResourceContents) *StaticResources {
	return &StaticResources{
		resources: slices.Clone(resources),
		templates: slices.Clone(templates),
		contents:  maps.Clone(contents),
	}
}

// Put adds or replaces the resource at res.URI together with its contents.
func (sr *StaticResources) Put(res mcp.Resource, contents ...mcp.ResourceContents) {
	sr.mu.Lock()
	if sr.contents == nil {
		sr.contents = make(map[string][]mcp.ResourceContents)
	}
	i := slices.IndexFunc(sr.resources, func(r mcp.Resource) bool { return r.URI == res.URI })
	if i >= 0 {
		sr.resources[i] = res
	} else {
		sr.resources = append(sr.resources, res)
	}
	sr.contents[res.URI] = slices.Clone(contents)
	sr.mu.Unlock()

	sr.notifier.Notify()
}

// Remove drops the resource at uri.
func (sr *StaticResources) Remove(uri string) bool {
	sr.mu.Lock()
	n := len(sr.resources)
	sr.resources = slices.DeleteFunc(sr.resources, func(r mcp.Resource) bool { return r.URI == uri })
	removed := len(sr.resources) != n
	delete(sr.contents, uri)
	sr.mu.Unlock()

	if removed {
		sr.notifier.Notify()
	}
	return removed
}

func (sr *StaticResources) ListResources(context.Context) ([]mcp.Resource, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return slices.Clone(sr.resources), nil
}

func (sr *StaticResources) ListResourceTemplates(context.Context) ([]mcp.ResourceTemplate, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return slices.Clone(sr.templates), nil
}

func (sr *StaticResources) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	c, ok := sr.contents[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return &mcp.ReadResourceResult{Contents: slices.Clone(c)}, nil
}

func (sr *StaticResources) Subscribe(fn func()) func() { return sr.notifier.Subscribe(fn) }
