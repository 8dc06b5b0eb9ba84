// Package storagetest is a conformance suite run against every
// storage.Storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/storage"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run exercises the storage.Storage contract.
func Run(t *testing.T, newStorage Factory) {
	t.Run("SetAndGet", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		if err := s.Set(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("set: %v", err)
		}
		item, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item == nil {
			t.Fatalf("expected item, got nil")
		}
		if want, got := "v", string(item.Data); want != got {
			t.Fatalf("want %q, got %q", want, got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStorage(t)
		item, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item, got %+v", item)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		if err := s.Set(ctx, "short", []byte("v"), storage.WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("set: %v", err)
		}
		item, err := s.Get(ctx, "short")
		if err != nil || item == nil {
			t.Fatalf("expected item before expiry, got %v, %v", item, err)
		}
		if item.ExpiresAt == nil {
			t.Fatalf("expected ExpiresAt to be set")
		}
		time.Sleep(120 * time.Millisecond)
		item, err = s.Get(ctx, "short")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected item to expire")
		}
	})

	t.Run("Namespaces", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.Set(ctx, "token", []byte("a"), storage.WithServer("client", "s1"))
		_ = s.Set(ctx, "token", []byte("b"), storage.WithServer("client", "s2"))
		_ = s.Set(ctx, "token", []byte("c"))

		for _, tc := range []struct {
			opt  []storage.Option
			want string
		}{
			{[]storage.Option{storage.WithServer("client", "s1")}, "a"},
			{[]storage.Option{storage.WithServer("client", "s2")}, "b"},
			{nil, "c"},
		} {
			item, err := s.Get(ctx, "token", tc.opt...)
			if err != nil || item == nil {
				t.Fatalf("get: %v, %v", item, err)
			}
			if want, got := tc.want, string(item.Data); want != got {
				t.Fatalf("want %q, got %q", want, got)
			}
		}
	})

	t.Run("DeleteKey", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.Set(ctx, "a", []byte("1"), storage.WithSession("sess"))
		_ = s.Set(ctx, "b", []byte("2"), storage.WithSession("sess"))
		if err := s.Delete(ctx, storage.WithSession("sess"), storage.WithKey("a")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if item, _ := s.Get(ctx, "a", storage.WithSession("sess")); item != nil {
			t.Fatalf("expected a to be deleted")
		}
		if item, _ := s.Get(ctx, "b", storage.WithSession("sess")); item == nil {
			t.Fatalf("expected b to survive")
		}
	})

	t.Run("DeleteNamespace", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		_ = s.Set(ctx, "client_info", []byte("1"), storage.WithServer("client", "s1"))
		_ = s.Set(ctx, "tokens", []byte("2"), storage.WithServer("client", "s1"))
		_ = s.Set(ctx, "tokens", []byte("3"), storage.WithServer("client", "s10"))
		if err := s.Delete(ctx, storage.WithServer("client", "s1")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if item, _ := s.Get(ctx, "tokens", storage.WithServer("client", "s1")); item != nil {
			t.Fatalf("expected s1 namespace to be cleared")
		}
		if item, _ := s.Get(ctx, "tokens", storage.WithServer("client", "s10")); item == nil {
			t.Fatalf("expected s10 namespace to survive")
		}
	})
}
