package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls JWT access token validation.
type Config struct {
	Issuer string
	// Audiences lists the accepted "aud" values. The first entry is the
	// production audience; extras are for local deployments.
	Audiences      []string
	RequiredScopes []string
	// AnyScope accepts a token carrying any one of RequiredScopes.
	AnyScope    bool
	AllowedAlgs []string
	Leeway      time.Duration
	// JWKSURL is required by NewStatic and ignored by NewFromDiscovery.
	JWKSURL string
}

func (c *Config) normalize() error {
	if c.Issuer == "" {
		return errors.New("auth: issuer is required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("auth: at least one audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	return nil
}

type jwtAuthenticator struct {
	cfg     Config
	iss     string
	scopes  []string
	keyfunc jwt.Keyfunc
}

var (
	_ Authenticator = (*jwtAuthenticator)(nil)
	_ Descriptor    = (*jwtAuthenticator)(nil)
)

// NewFromDiscovery performs OpenID discovery against cfg.Issuer and returns
// an authenticator whose JWKS is refreshed until ctx is done.
func NewFromDiscovery(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}
	var meta struct {
		Issuer  string   `json:"issuer"`
		JwksURI string   `json:"jwks_uri"`
		Scopes  []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("auth: discovery document has no jwks_uri")
	}
	a, err := newJWT(ctx, cfg, meta.JwksURI)
	if err != nil {
		return nil, err
	}
	a.iss = meta.Issuer
	if len(cfg.RequiredScopes) == 0 {
		a.scopes = meta.Scopes
	}
	return a, nil
}

// NewStatic returns an authenticator for cfg.Issuer using the keys at
// cfg.JWKSURL without discovery.
func NewStatic(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("auth: jwks url is required")
	}
	return newJWT(ctx, cfg, cfg.JWKSURL)
}

func newJWT(ctx context.Context, cfg Config, jwksURL string) (*jwtAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}
	return &jwtAuthenticator{
		cfg:    cfg,
		iss:    cfg.Issuer,
		scopes: cfg.RequiredScopes,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (a *jwtAuthenticator) Issuer() string   { return a.iss }
func (a *jwtAuthenticator) Scopes() []string { return slices.Clone(a.scopes) }

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	// RFC 9068 section 2.1
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iat, ok := claims["iat"].(float64); ok {
		if time.Unix(int64(iat), 0).After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *jwtAuthenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	matched := 0
	for _, want := range a.cfg.RequiredScopes {
		if slices.Contains(have, want) {
			matched++
		}
	}
	if matched == len(a.cfg.RequiredScopes) || (a.cfg.AnyScope && matched > 0) {
		return nil
	}
	return fmt.Errorf("%w: need %s", ErrInsufficientScope, strings.Join(a.cfg.RequiredScopes, " "))
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
