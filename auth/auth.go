package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized indicates the token was missing or failed validation.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrInsufficientScope indicates a valid token that lacks a required scope.
var ErrInsufficientScope = errors.New("auth: insufficient scope")

// UserInfo is an authenticated principal.
type UserInfo interface {
	UserID() string
	// Claims decodes the token claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Descriptor is implemented by authenticators that can describe their
// authorization server for protected resource metadata.
type Descriptor interface {
	Issuer() string
	Scopes() []string
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// StaticTokens authenticates a fixed set of opaque tokens, each mapped to a
// user id. It suits development and service-to-service deployments.
type StaticTokens map[string]string

// CheckAuthentication implements Authenticator.
func (s StaticTokens) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	for known, user := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(tok)) == 1 {
			return &userInfo{sub: user, claims: map[string]any{"sub": user}}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
}

// Challenge is the content of a Bearer WWW-Authenticate header (RFC 6750).
type Challenge struct {
	Realm            string
	ResourceMetadata string
	Error            string
	Description      string
	Scope            string
}

// String renders the challenge. Empty attributes are omitted.
func (c Challenge) String() string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	var pieces []string
	add := func(k, v string) {
		if v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc.Replace(v)))
		}
	}
	add("realm", c.Realm)
	add("resource_metadata", c.ResourceMetadata)
	add("error", c.Error)
	add("error_description", c.Description)
	add("scope", c.Scope)
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
