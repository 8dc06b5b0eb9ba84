package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/registry"
	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	reg := registry.Registration{
		ID:          "weather",
		Name:        "Weather",
		URL:         "https://weather.example.com/mcp",
		CallbackURL: "https://app.example.com/oauth/callback/weather",
		Options: registry.ServerOptions{
			Transport: registry.TransportOptions{Type: "auto", Headers: map[string]string{"X-Tenant": "t1"}},
			Retry:     registry.RetryOptions{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond},
		},
	}
	if err := s.Save(ctx, reg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "weather")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want, got := reg.CallbackURL, got.CallbackURL; want != got {
		t.Fatalf("want callback %q, got %q", want, got)
	}
	if want, got := "t1", got.Options.Transport.Headers["X-Tenant"]; want != got {
		t.Fatalf("want header %q, got %q", want, got)
	}
	if want, got := 3, got.Options.Retry.MaxAttempts; want != got {
		t.Fatalf("want max attempts %d, got %d", want, got)
	}
	if got.HasPendingAuth() {
		t.Fatalf("fresh registration should not have pending auth")
	}

	if err := s.UpdateAuth(ctx, "weather", "client-xyz", "https://auth.example.com/authorize?x=1"); err != nil {
		t.Fatalf("update auth: %v", err)
	}
	got, _ = s.Get(ctx, "weather")
	if !got.HasPendingAuth() || got.ClientID != "client-xyz" {
		t.Fatalf("unexpected registration after UpdateAuth: %+v", got)
	}

	if err := s.UpdateAuth(ctx, "weather", "client-xyz", ""); err != nil {
		t.Fatalf("clear auth: %v", err)
	}
	got, _ = s.Get(ctx, "weather")
	if got.HasPendingAuth() {
		t.Fatalf("expected pending auth to be cleared")
	}
}

func TestStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Save(ctx, registry.Registration{ID: id, Name: id, URL: "https://" + id + ".example.com", CallbackURL: "https://cb"}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 3, len(list); want != got {
		t.Fatalf("want %d, got %d", want, got)
	}
	if list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("expected ordering by id, got %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.UpdateAuth(ctx, "b", "x", "y"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("want ErrNotFound from UpdateAuth on deleted row, got %v", err)
	}
}
