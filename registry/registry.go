// Package registry defines the persisted record of a remote MCP server
// registration and the Store abstraction that holds them.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no registration exists for an id.
var ErrNotFound = errors.New("registry: server not registered")

// Registration is the persisted description of one remote server.
// CallbackURL must not change for the lifetime of the registration, since
// inbound OAuth callbacks are matched against it.
type Registration struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	CallbackURL string        `json:"callback_url"`
	ClientID    string        `json:"client_id,omitempty"`
	AuthURL     string        `json:"auth_url,omitempty"`
	Options     ServerOptions `json:"server_options"`
}

// HasPendingAuth reports whether an authorization flow was started and not
// yet completed for this registration.
func (r Registration) HasPendingAuth() bool { return r.AuthURL != "" }

// ServerOptions is stored as one JSON column alongside the registration.
type ServerOptions struct {
	Transport TransportOptions `json:"transport"`
	Retry     RetryOptions     `json:"retry"`
}

// TransportOptions selects and configures the binding used to reach a server.
type TransportOptions struct {
	// Type is "auto", "streamable-http", "sse" or "actor-rpc". Empty means auto.
	Type    string            `json:"type,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RetryOptions bounds reconnect attempts.
type RetryOptions struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// Store persists registrations keyed by server id.
type Store interface {
	// Save inserts or replaces a registration.
	Save(ctx context.Context, reg Registration) error
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (Registration, error)
	// List returns every registration ordered by id.
	List(ctx context.Context) ([]Registration, error)
	// UpdateAuth records the OAuth client id and pending authorization URL.
	// An empty authURL clears the pending flow.
	UpdateAuth(ctx context.Context, id, clientID, authURL string) error
	// Delete removes a registration. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[string]Registration)}
}

func (s *MemoryStore) Save(ctx context.Context, reg Registration) error {
	s.mu.Lock()
	s.regs[reg.ID] = reg
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[id]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Registration, error) {
	s.mu.RLock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAuth(ctx context.Context, id, clientID, authURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return ErrNotFound
	}
	reg.ClientID = clientID
	reg.AuthURL = authURL
	s.regs[id] = reg
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.regs, id)
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
