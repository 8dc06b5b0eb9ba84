package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-bridge-go/storage"
)

// SessionState is the persisted form of a session. InitializeParams is the
// raw params object of the client's initialize request; it is replayed when
// the session is restored in another process.
type SessionState struct {
	SessionID        string          `json:"sessionId"`
	Initialized      bool            `json:"initialized"`
	ProtocolVersion  string          `json:"protocolVersion,omitempty"`
	InitializeParams json.RawMessage `json:"initializeParams,omitempty"`
	UserID           string          `json:"userId,omitempty"`
}

// StateStore persists SessionState. Load returns nil, nil for an unknown id.
type StateStore interface {
	Load(ctx context.Context, sessionID string) (*SessionState, error)
	Save(ctx context.Context, st SessionState) error
	Delete(ctx context.Context, sessionID string) error
}

const stateKey = "state"

type storageStateStore struct {
	s   storage.Storage
	ttl time.Duration
}

// NewStorageStateStore keeps session state in s under the session's
// namespace. A positive ttl expires idle sessions; it is refreshed on every
// save.
func NewStorageStateStore(s storage.Storage, ttl time.Duration) StateStore {
	return &storageStateStore{s: s, ttl: ttl}
}

func (st *storageStateStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	item, err := st.s.Get(ctx, stateKey, storage.WithSession(sessionID))
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: load session %s: %w", sessionID, err)
	}
	if item == nil || item.IsExpired() {
		return nil, nil
	}
	var out SessionState
	if err := json.Unmarshal(item.Data, &out); err != nil {
		return nil, fmt.Errorf("streaminghttp: decode session %s: %w", sessionID, err)
	}
	return &out, nil
}

func (st *storageStateStore) Save(ctx context.Context, state SessionState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	opts := []storage.Option{storage.WithSession(state.SessionID)}
	if st.ttl > 0 {
		opts = append(opts, storage.WithTTL(st.ttl))
	}
	if err := st.s.Set(ctx, stateKey, b, opts...); err != nil {
		return fmt.Errorf("streaminghttp: save session %s: %w", state.SessionID, err)
	}
	return nil
}

func (st *storageStateStore) Delete(ctx context.Context, sessionID string) error {
	return st.s.Delete(ctx, storage.WithSession(sessionID))
}
