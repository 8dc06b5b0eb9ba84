package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/mcp-bridge-go/storage"
	"github.com/google/uuid"
)

// StateTTL bounds the age of an authorization state token.
const StateTTL = 10 * time.Minute

var (
	ErrStateFormat   = errors.New("oauth: invalid state format")
	ErrStateNotFound = errors.New("oauth: state not found or already used")
	ErrStateMismatch = errors.New("oauth: state does not belong to this server")
	ErrStateExpired  = errors.New("oauth: state expired")
)

type stateRecord struct {
	Nonce     string    `json:"nonce"`
	ServerID  string    `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
}

func stateKey(nonce string) string { return "oauth_state/" + nonce }

// SplitState separates a state token into nonce and server id.
func SplitState(token string) (nonce, serverID string, err error) {
	nonce, serverID, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || serverID == "" {
		return "", "", ErrStateFormat
	}
	return nonce, serverID, nil
}

// IssueState records a fresh nonce for serverID and returns the composite
// state token to embed in the authorization URL.
func (c *Coordinator) IssueState(ctx context.Context, serverID string) (string, error) {
	rec := stateRecord{Nonce: uuid.NewString(), ServerID: serverID, CreatedAt: c.clock.Now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	// The storage TTL only reclaims abandoned records; expiry is decided
	// against CreatedAt so that it follows the injected clock.
	if err := c.store.Set(ctx, stateKey(rec.Nonce), b, storage.WithClient(c.clientName), storage.WithTTL(2*StateTTL)); err != nil {
		return "", fmt.Errorf("oauth: save state: %w", err)
	}
	return rec.Nonce + "." + serverID, nil
}

// ValidateState checks token without consuming it and returns the server id
// it was issued for. Each failure is reported with its own sentinel.
func (c *Coordinator) ValidateState(ctx context.Context, token string) (string, error) {
	nonce, serverID, err := SplitState(token)
	if err != nil {
		return "", err
	}
	item, err := c.store.Get(ctx, stateKey(nonce), storage.WithClient(c.clientName))
	if err != nil {
		return "", fmt.Errorf("oauth: load state: %w", err)
	}
	if item == nil {
		return "", ErrStateNotFound
	}
	var rec stateRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return "", fmt.Errorf("%w: corrupt record", ErrStateNotFound)
	}
	if rec.ServerID != serverID {
		return "", ErrStateMismatch
	}
	if c.clock.Since(rec.CreatedAt) > StateTTL {
		return "", ErrStateExpired
	}
	return serverID, nil
}

// ConsumeState deletes the record behind token. It fails with
// ErrStateNotFound when the record was already consumed.
func (c *Coordinator) ConsumeState(ctx context.Context, token string) error {
	nonce, _, err := SplitState(token)
	if err != nil {
		return err
	}

	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	opts := []storage.Option{storage.WithClient(c.clientName)}
	item, err := c.store.Get(ctx, stateKey(nonce), opts...)
	if err != nil {
		return fmt.Errorf("oauth: load state: %w", err)
	}
	if item == nil {
		return ErrStateNotFound
	}
	if err := c.store.Delete(ctx, append(opts, storage.WithKey(stateKey(nonce)))...); err != nil {
		return fmt.Errorf("oauth: delete state: %w", err)
	}
	return nil
}
