package stdio

import (
	"context"
	"os/user"
)

// UserProvider resolves the user id associated with the stdio peer. Tokens
// are never exchanged over stdio; the peer is whoever spawned the process.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user id from the operating system: the
// username when available, otherwise the uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider returning a fixed id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }

type userKey struct{}

// UserFromContext returns the peer's user id inside a message handler.
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}
