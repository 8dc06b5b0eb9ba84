package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/auth"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const audience = "https://bridge.example.com/mcp"

type issuer struct {
	srv *httptest.Server
	url string
	key *rsa.PrivateKey
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	jwks, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	iss := &issuer{key: pk}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   iss.url,
			"jwks_uri":                 iss.url + "/keys",
			"authorization_endpoint":   iss.url + "/authorize",
			"token_endpoint":           iss.url + "/token",
			"response_types_supported": []string{"code"},
			"scopes_supported":         []string{"openid", "mcp:tools"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	iss.srv = httptest.NewServer(mux)
	iss.url = iss.srv.URL
	t.Cleanup(iss.srv.Close)
	return iss
}

func (i *issuer) sign(t *testing.T, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (i *issuer) claims(extra jwt.MapClaims) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"iss": i.url,
		"sub": "user-123",
		"aud": audience,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func TestDiscoveryAuthenticator(t *testing.T) {
	iss := newIssuer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := auth.NewFromDiscovery(ctx, auth.Config{
		Issuer:         iss.url,
		Audiences:      []string{audience, "http://localhost:8080/mcp"},
		RequiredScopes: []string{"mcp:tools"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	t.Run("valid token yields the subject and claims", func(t *testing.T) {
		ui, err := a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims(jwt.MapClaims{"scope": "openid mcp:tools"})))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if want, got := "user-123", ui.UserID(); want != got {
			t.Fatalf("want %q got %q", want, got)
		}
		var out struct {
			Scope string `json:"scope"`
		}
		if err := ui.Claims(&out); err != nil {
			t.Fatalf("claims: %v", err)
		}
		if want, got := "openid mcp:tools", out.Scope; want != got {
			t.Fatalf("want %q got %q", want, got)
		}
	})

	t.Run("secondary audience is accepted", func(t *testing.T) {
		tok := iss.sign(t, "at+jwt", iss.claims(jwt.MapClaims{"aud": []string{"http://localhost:8080/mcp"}, "scope": "mcp:tools"}))
		if _, err := a.CheckAuthentication(ctx, tok); err != nil {
			t.Fatalf("check: %v", err)
		}
	})

	for _, tc := range []struct {
		name   string
		typ    string
		claims jwt.MapClaims
		want   error
	}{
		{name: "unknown audience", typ: "at+jwt", claims: jwt.MapClaims{"aud": "https://other", "scope": "mcp:tools"}, want: auth.ErrUnauthorized},
		{name: "wrong typ", typ: "JWT", claims: jwt.MapClaims{"scope": "mcp:tools"}, want: auth.ErrUnauthorized},
		{name: "issuer mismatch", typ: "at+jwt", claims: jwt.MapClaims{"iss": "https://evil.example.com", "scope": "mcp:tools"}, want: auth.ErrUnauthorized},
		{name: "expired", typ: "at+jwt", claims: jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix(), "scope": "mcp:tools"}, want: auth.ErrUnauthorized},
		{name: "missing scope", typ: "at+jwt", claims: jwt.MapClaims{"scope": "openid"}, want: auth.ErrInsufficientScope},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CheckAuthentication(ctx, iss.sign(t, tc.typ, iss.claims(tc.claims)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v got %v", tc.want, err)
			}
		})
	}

	d, ok := a.(auth.Descriptor)
	if !ok {
		t.Fatalf("discovery authenticator should describe its issuer")
	}
	if want, got := iss.url, d.Issuer(); want != got {
		t.Fatalf("issuer: want %q got %q", want, got)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	iss := newIssuer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := auth.NewStatic(ctx, auth.Config{Issuer: iss.url, Audiences: []string{audience}}); err == nil {
		t.Fatalf("expected an error without a JWKS URL")
	}

	a, err := auth.NewStatic(ctx, auth.Config{Issuer: iss.url, Audiences: []string{audience}, JWKSURL: iss.url + "/keys"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, iss.sign(t, "at+jwt", iss.claims(nil))); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestStaticTokens(t *testing.T) {
	a := auth.StaticTokens{"s3cret": "svc"}
	ui, err := a.CheckAuthentication(context.Background(), "s3cret")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want, got := "svc", ui.UserID(); want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if _, err := a.CheckAuthentication(context.Background(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized got %v", err)
	}
}

func TestChallengeString(t *testing.T) {
	for _, tc := range []struct {
		c    auth.Challenge
		want string
	}{
		{auth.Challenge{}, "Bearer"},
		{auth.Challenge{ResourceMetadata: "https://x/.well-known/oauth-protected-resource"}, `Bearer resource_metadata="https://x/.well-known/oauth-protected-resource"`},
		{auth.Challenge{Realm: "mcp", Error: "invalid_token", Description: `bad "sig"`}, `Bearer realm="mcp", error="invalid_token", error_description="bad \"sig\""`},
	} {
		if got := tc.c.String(); got != tc.want {
			t.Fatalf("want %s got %s", tc.want, got)
		}
	}
}
