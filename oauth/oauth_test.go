package oauth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/wellknown"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/storage/memory"
	"github.com/jonboulle/clockwork"
)

func newCoordinator(t *testing.T, opts ...oauth.Option) *oauth.Coordinator {
	t.Helper()
	store, err := memory.New(1024)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return oauth.New(store, opts...)
}

func TestStateLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("validate then consume succeeds once", func(t *testing.T) {
		c := newCoordinator(t)
		tok, err := c.IssueState(ctx, "srv1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		serverID, err := c.ValidateState(ctx, tok)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if want, got := "srv1", serverID; want != got {
			t.Fatalf("server id: want %q got %q", want, got)
		}
		if _, err := c.ValidateState(ctx, tok); err != nil {
			t.Fatalf("validation must not consume: %v", err)
		}
		if err := c.ConsumeState(ctx, tok); err != nil {
			t.Fatalf("consume: %v", err)
		}
		if _, err := c.ValidateState(ctx, tok); !errors.Is(err, oauth.ErrStateNotFound) {
			t.Fatalf("want ErrStateNotFound got %v", err)
		}
		if err := c.ConsumeState(ctx, tok); !errors.Is(err, oauth.ErrStateNotFound) {
			t.Fatalf("second consume: want ErrStateNotFound got %v", err)
		}
	})

	t.Run("expired after ten minutes", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		c := newCoordinator(t, oauth.WithClock(clock))
		tok, _ := c.IssueState(ctx, "srv1")
		clock.Advance(9 * time.Minute)
		if _, err := c.ValidateState(ctx, tok); err != nil {
			t.Fatalf("validate before expiry: %v", err)
		}
		clock.Advance(2 * time.Minute)
		_, err := c.ValidateState(ctx, tok)
		if !errors.Is(err, oauth.ErrStateExpired) {
			t.Fatalf("want ErrStateExpired got %v", err)
		}
	})

	t.Run("distinct reasons", func(t *testing.T) {
		c := newCoordinator(t)
		tok, _ := c.IssueState(ctx, "srv1")
		nonce, _, _ := oauth.SplitState(tok)

		cases := map[string]error{
			"garbage":            oauth.ErrStateFormat,
			"nonce.":             oauth.ErrStateFormat,
			"unknown.srv1":       oauth.ErrStateNotFound,
			nonce + ".other-srv": oauth.ErrStateMismatch,
		}
		for in, want := range cases {
			if _, err := c.ValidateState(ctx, in); !errors.Is(err, want) {
				t.Fatalf("%q: want %v got %v", in, want, err)
			}
		}
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		c := newCoordinator(t)
		tok, _ := c.IssueState(ctx, "srv1")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.ConsumeState(ctx, tok); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if want, got := int32(1), wins.Load(); want != got {
			t.Fatalf("winners: want %d got %d", want, got)
		}
	})
}

type fakeAS struct {
	srv        *httptest.Server
	registered atomic.Int32
	verifier   atomic.Value
}

func newFakeAS(t *testing.T) *fakeAS {
	t.Helper()
	as := &fakeAS{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wellknown.ProtectedResourceMetadata{
			Resource:             as.srv.URL + "/mcp",
			AuthorizationServers: []string{as.srv.URL + "/tenant"},
			ScopesSupported:      []string{"mcp"},
		})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server/tenant", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wellknown.AuthServerMetadata{
			Issuer:                as.srv.URL + "/tenant",
			AuthorizationEndpoint: as.srv.URL + "/tenant/authorize",
			TokenEndpoint:         as.srv.URL + "/tenant/token",
			RegistrationEndpoint:  as.srv.URL + "/tenant/register",
		})
	})
	mux.HandleFunc("POST /tenant/register", func(w http.ResponseWriter, r *http.Request) {
		as.registered.Add(1)
		var req wellknown.ClientRegistrationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.RedirectURIs) != 1 {
			http.Error(w, "bad redirect", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(wellknown.ClientRegistrationResponse{ClientID: "client-1"})
	})
	mux.HandleFunc("POST /tenant/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" || r.Form.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		as.verifier.Store(r.Form.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1","expires_in":3600}`))
	})
	as.srv = httptest.NewServer(mux)
	t.Cleanup(as.srv.Close)
	return as
}

func TestAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	as := newFakeAS(t)
	c := newCoordinator(t, oauth.WithHTTPClient(as.srv.Client()))

	serverURL, _ := url.Parse(as.srv.URL + "/mcp")
	params := oauth.AuthParams{
		ServerID:    "srv1",
		ServerURL:   serverURL,
		CallbackURL: "https://app.example/callback/srv1",
	}

	req, err := c.BeginAuthorization(ctx, params)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if want, got := "client-1", req.ClientID; want != got {
		t.Fatalf("client id: want %q got %q", want, got)
	}

	u, err := url.Parse(req.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if want, got := "/tenant/authorize", u.Path; want != got {
		t.Fatalf("auth path: want %q got %q", want, got)
	}
	if want, got := "S256", q.Get("code_challenge_method"); want != got {
		t.Fatalf("challenge method: want %q got %q", want, got)
	}
	if q.Get("code_challenge") == "" {
		t.Fatalf("missing code_challenge")
	}
	if want, got := req.State, q.Get("state"); want != got {
		t.Fatalf("state: want %q got %q", want, got)
	}
	if want, got := as.srv.URL+"/mcp", q.Get("resource"); want != got {
		t.Fatalf("resource: want %q got %q", want, got)
	}
	if _, err := c.ValidateState(ctx, req.State); err != nil {
		t.Fatalf("issued state should validate: %v", err)
	}

	// A second authorization reuses the registered client.
	if _, err := c.BeginAuthorization(ctx, params); err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if want, got := int32(1), as.registered.Load(); want != got {
		t.Fatalf("registrations: want %d got %d", want, got)
	}

	if err := c.CompleteAuthorization(ctx, "srv1", "bad-code"); err == nil {
		t.Fatalf("expected exchange failure")
	}
	if err := c.CompleteAuthorization(ctx, "srv1", "good-code"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := c.CompleteAuthorization(ctx, "srv1", "good-code"); !errors.Is(err, oauth.ErrNoVerifier) {
		t.Fatalf("verifier must be deleted after exchange, got %v", err)
	}

	ts, err := c.TokenSource(ctx, "srv1")
	if err != nil || ts == nil {
		t.Fatalf("token source: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if want, got := "at-1", tok.AccessToken; want != got {
		t.Fatalf("access token: want %q got %q", want, got)
	}

	if err := c.Forget(ctx, "srv1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ts, _ := c.TokenSource(ctx, "srv1"); ts != nil {
		t.Fatalf("token source should be nil after Forget")
	}
}

func TestCallbackErrorIsRaw(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/cb?error=access_denied&error_description=%3Cb%3Eno%3C%2Fb%3E", nil)
	cb := oauth.ParseCallback(r)
	err := cb.Err()
	var ae *oauth.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("want AuthorizationError got %v", err)
	}
	if want, got := "<b>no</b>", ae.Description; want != got {
		t.Fatalf("description: want %q got %q", want, got)
	}
	if (oauth.Callback{Code: "x"}).Err() != nil {
		t.Fatalf("callback without error param should have no error")
	}
}
