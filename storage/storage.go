// Package storage defines the namespaced key/value abstraction used to
// persist OAuth client metadata, tokens, PKCE verifiers, state nonces and
// server-side session state.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key/value store with optional per-item TTL.
type Storage interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns a nil StorageItem if the key doesn't exist or has expired.
	// Returns an error only for storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace. If no key is
	// specified via WithKey, the entire namespace is removed.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases resources held by the backend.
	Close() error
}

// StorageItem represents a stored piece of data with metadata.
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired.
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace      // nil = global
	Key       *string        // Delete only
	TTL       *time.Duration // Set only
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Namespace scopes keys. Only the types in this package implement it.
type Namespace interface {
	// Prefix is the path-like key prefix for the namespace, ending in "/".
	Prefix() string
	namespace()
}

// ClientNamespace holds data shared by every server a client talks to.
type ClientNamespace struct {
	ClientName string
}

func (n ClientNamespace) Prefix() string { return n.ClientName + "/" }
func (ClientNamespace) namespace()       {}

// ServerNamespace holds per-remote-server client data: OAuth client
// information, tokens, PKCE verifiers and state nonces.
type ServerNamespace struct {
	ClientName string
	ServerID   string
}

func (n ServerNamespace) Prefix() string { return n.ClientName + "/" + n.ServerID + "/" }
func (ServerNamespace) namespace()       {}

// SessionNamespace holds server-side state for one MCP session.
type SessionNamespace struct {
	SessionID string
}

func (n SessionNamespace) Prefix() string { return "session/" + n.SessionID + "/" }
func (SessionNamespace) namespace()       {}

// KeyFor returns the flat key for key within ns. A nil namespace is global.
func KeyFor(ns Namespace, key string) string {
	if ns == nil {
		return "global/" + key
	}
	return ns.Prefix() + key
}

// PrefixFor returns the flat prefix covering every key in ns.
func PrefixFor(ns Namespace) string {
	if ns == nil {
		return "global/"
	}
	return ns.Prefix()
}

// WithClient selects the client-wide namespace.
func WithClient(clientName string) Option {
	return func(opts *Options) {
		opts.Namespace = ClientNamespace{ClientName: clientName}
	}
}

// WithServer selects the namespace for one remote server of a client.
func WithServer(clientName, serverID string) Option {
	return func(opts *Options) {
		opts.Namespace = ServerNamespace{ClientName: clientName, ServerID: serverID}
	}
}

// WithSession selects the namespace for a server-side session.
func WithSession(sessionID string) Option {
	return func(opts *Options) {
		opts.Namespace = SessionNamespace{SessionID: sessionID}
	}
}

// WithKey specifies a specific key for Delete operations.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
