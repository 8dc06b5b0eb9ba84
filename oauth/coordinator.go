package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/internal/wellknown"
	"github.com/ggoodman/mcp-bridge-go/storage"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

const (
	keyClientInfo   = "client_info"
	keyTokens       = "tokens"
	keyCodeVerifier = "code_verifier"
	keyAuthServer   = "auth_server"
)

var (
	// ErrNoVerifier is returned by CompleteAuthorization when no
	// authorization was started for the server.
	ErrNoVerifier = errors.New("oauth: no pending authorization")
	// ErrRegistrationUnsupported is returned when no client id is known and
	// the authorization server does not offer dynamic registration.
	ErrRegistrationUnsupported = errors.New("oauth: authorization server does not support dynamic client registration")
)

// AuthorizationError carries the error parameters returned to the callback
// by the authorization server. Values are kept exactly as received; callers
// rendering them as HTML must escape them.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Callback holds the query parameters of an authorization redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallback reads the callback parameters from r without altering them.
func ParseCallback(r *http.Request) Callback {
	q := r.URL.Query()
	return Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Err returns the authorization server's error, if the callback carries one.
func (cb Callback) Err() error {
	if cb.Error == "" {
		return nil
	}
	return &AuthorizationError{Code: cb.Error, Description: cb.ErrorDescription}
}

// AuthParams describes the server a new authorization is for.
type AuthParams struct {
	ServerID    string
	ServerURL   *url.URL
	CallbackURL string
	// ClientID is used when the authorization server cannot register
	// clients dynamically.
	ClientID string
	// ResourceMetadataURL and Scope come from the server's Bearer challenge.
	ResourceMetadataURL string
	Scope               string
}

// AuthRequest is the outcome of BeginAuthorization.
type AuthRequest struct {
	AuthURL  string
	ClientID string
	State    string
}

type clientInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURI  string `json:"redirect_uri"`
}

type authServer struct {
	Metadata  wellknown.AuthServerMetadata `json:"metadata"`
	Resource  string                       `json:"resource"`
	Scopes    []string                     `json:"scopes,omitempty"`
	ServerURL string                       `json:"server_url"`
}

// Coordinator runs authorization flows for every server of one client.
// All data lives in storage under "{clientName}/{serverID}/".
type Coordinator struct {
	store      storage.Storage
	clientName string
	clock      clockwork.Clock
	httpClient *http.Client
	log        *slog.Logger

	consumeMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClientName sets the client name used for storage namespacing and
// dynamic registration.
func WithClientName(name string) Option {
	return func(c *Coordinator) { c.clientName = name }
}

// WithClock injects the clock used for state expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithHTTPClient sets the client used for discovery, registration and token
// requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = client }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New returns a Coordinator persisting into store.
func New(store storage.Storage, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		clientName: "mcp-bridge",
		clock:      clockwork.NewRealClock(),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	return c
}

func (c *Coordinator) ns(serverID string) storage.Option {
	return storage.WithServer(c.clientName, serverID)
}

func (c *Coordinator) load(ctx context.Context, serverID, key string, v any) (bool, error) {
	item, err := c.store.Get(ctx, key, c.ns(serverID))
	if err != nil {
		return false, fmt.Errorf("oauth: load %s: %w", key, err)
	}
	if item == nil {
		return false, nil
	}
	if s, ok := v.(*string); ok {
		*s = string(item.Data)
		return true, nil
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return false, fmt.Errorf("oauth: decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Coordinator) save(ctx context.Context, serverID, key string, v any) error {
	var b []byte
	if s, ok := v.(string); ok {
		b = []byte(s)
	} else {
		var err error
		if b, err = json.Marshal(v); err != nil {
			return err
		}
	}
	if err := c.store.Set(ctx, key, b, c.ns(serverID)); err != nil {
		return fmt.Errorf("oauth: save %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) remove(ctx context.Context, serverID, key string) error {
	return c.store.Delete(ctx, c.ns(serverID), storage.WithKey(key))
}

// BeginAuthorization discovers the authorization server for p.ServerURL,
// ensures a registered client, stores a fresh PKCE verifier and returns the
// URL the user must visit.
func (c *Coordinator) BeginAuthorization(ctx context.Context, p AuthParams) (*AuthRequest, error) {
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ServerID: p.ServerID, URL: p.ServerURL.String()})

	as, err := c.discover(ctx, p)
	if err != nil {
		return nil, err
	}
	client, err := c.ensureClient(ctx, p, as.Metadata)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, p.ServerID, keyAuthServer, as); err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	if err := c.save(ctx, p.ServerID, keyCodeVerifier, verifier); err != nil {
		return nil, err
	}
	state, err := c.IssueState(ctx, p.ServerID)
	if err != nil {
		return nil, err
	}

	cfg := c.config(client, as)
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("resource", as.Resource),
	)
	c.log.InfoContext(ctx, "oauth.begin", slog.String("issuer", as.Metadata.Issuer))
	return &AuthRequest{AuthURL: authURL, ClientID: client.ClientID, State: state}, nil
}

// CompleteAuthorization exchanges code for tokens using the stored verifier,
// persists the tokens and deletes the verifier.
func (c *Coordinator) CompleteAuthorization(ctx context.Context, serverID, code string) error {
	var verifier string
	ok, err := c.load(ctx, serverID, keyCodeVerifier, &verifier)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoVerifier
	}
	var client clientInfo
	if ok, err := c.load(ctx, serverID, keyClientInfo, &client); err != nil {
		return err
	} else if !ok {
		return ErrNoVerifier
	}
	var as authServer
	if ok, err := c.load(ctx, serverID, keyAuthServer, &as); err != nil {
		return err
	} else if !ok {
		return ErrNoVerifier
	}

	cfg := c.config(client, as)
	tok, err := cfg.Exchange(c.clientContext(ctx), code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("resource", as.Resource),
	)
	if err != nil {
		return fmt.Errorf("oauth: exchange code: %w", err)
	}
	if err := c.save(ctx, serverID, keyTokens, tok); err != nil {
		return err
	}
	if err := c.remove(ctx, serverID, keyCodeVerifier); err != nil {
		return fmt.Errorf("oauth: delete verifier: %w", err)
	}
	c.log.InfoContext(ctx, "oauth.complete", slog.String("server_id", serverID))
	return nil
}

// Token returns the stored token for serverID, or nil.
func (c *Coordinator) Token(ctx context.Context, serverID string) (*oauth2.Token, error) {
	var tok oauth2.Token
	ok, err := c.load(ctx, serverID, keyTokens, &tok)
	if err != nil || !ok {
		return nil, err
	}
	return &tok, nil
}

// TokenSource returns a source for serverID's stored token that refreshes
// through the token endpoint and writes refreshed tokens back to storage.
// It returns nil when no token is stored.
func (c *Coordinator) TokenSource(ctx context.Context, serverID string) (oauth2.TokenSource, error) {
	tok, err := c.Token(ctx, serverID)
	if err != nil || tok == nil {
		return nil, err
	}
	var client clientInfo
	var as authServer
	if _, err := c.load(ctx, serverID, keyClientInfo, &client); err != nil {
		return nil, err
	}
	if ok, err := c.load(ctx, serverID, keyAuthServer, &as); err != nil {
		return nil, err
	} else if !ok {
		return oauth2.StaticTokenSource(tok), nil
	}
	bg := c.clientContext(context.WithoutCancel(ctx))
	return &persistingSource{
		c:        c,
		serverID: serverID,
		last:     tok.AccessToken,
		src:      c.config(client, as).TokenSource(bg, tok),
	}, nil
}

// Forget deletes everything stored for serverID.
func (c *Coordinator) Forget(ctx context.Context, serverID string) error {
	return c.store.Delete(ctx, c.ns(serverID))
}

type persistingSource struct {
	c        *Coordinator
	serverID string
	src      oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.c.save(context.Background(), s.serverID, keyTokens, tok); err != nil {
			s.c.log.Warn("oauth.token.persist.fail", slog.String("server_id", s.serverID), slog.String("err", err.Error()))
		}
	}
	return tok, nil
}

func (c *Coordinator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Coordinator) config(client clientInfo, as authServer) *oauth2.Config {
	style := oauth2.AuthStyleAutoDetect
	if client.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  client.RedirectURI,
		Scopes:       as.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   as.Metadata.AuthorizationEndpoint,
			TokenURL:  as.Metadata.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// discover resolves the authorization server. It prefers the protected
// resource metadata named in the challenge, then the well-known location,
// and finally treats the server's origin as the issuer.
func (c *Coordinator) discover(ctx context.Context, p AuthParams) (authServer, error) {
	as := authServer{Resource: p.ServerURL.String(), ServerURL: p.ServerURL.String()}
	if p.Scope != "" {
		as.Scopes = strings.Fields(p.Scope)
	}

	prmURL := p.ResourceMetadataURL
	if prmURL == "" {
		prmURL = wellknown.ProtectedResourceMetadataURL(p.ServerURL).String()
	}
	issuer := &url.URL{Scheme: p.ServerURL.Scheme, Host: p.ServerURL.Host}

	var prm wellknown.ProtectedResourceMetadata
	if err := c.getJSON(ctx, prmURL, &prm); err == nil {
		if prm.Resource != "" {
			as.Resource = prm.Resource
		}
		if len(as.Scopes) == 0 {
			as.Scopes = prm.ScopesSupported
		}
		if len(prm.AuthorizationServers) > 0 {
			u, err := url.Parse(prm.AuthorizationServers[0])
			if err != nil {
				return as, fmt.Errorf("oauth: invalid authorization server %q: %w", prm.AuthorizationServers[0], err)
			}
			issuer = u
		}
	} else {
		c.log.DebugContext(ctx, "oauth.prm.miss", slog.String("url", prmURL), slog.String("err", err.Error()))
	}

	for _, candidate := range wellknown.AuthServerMetadataURLs(issuer) {
		var md wellknown.AuthServerMetadata
		if err := c.getJSON(ctx, candidate, &md); err != nil {
			continue
		}
		if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
			continue
		}
		as.Metadata = md
		return as, nil
	}

	// Servers predating metadata discovery use fixed paths on the issuer.
	base := strings.TrimSuffix(issuer.String(), "/")
	as.Metadata = wellknown.AuthServerMetadata{
		Issuer:                issuer.String(),
		AuthorizationEndpoint: base + "/authorize",
		TokenEndpoint:         base + "/token",
		RegistrationEndpoint:  base + "/register",
	}
	return as, nil
}

func (c *Coordinator) ensureClient(ctx context.Context, p AuthParams, md wellknown.AuthServerMetadata) (clientInfo, error) {
	var info clientInfo
	ok, err := c.load(ctx, p.ServerID, keyClientInfo, &info)
	if err != nil {
		return info, err
	}
	if ok && info.ClientID != "" && info.RedirectURI == p.CallbackURL {
		return info, nil
	}

	if md.RegistrationEndpoint == "" {
		if p.ClientID == "" {
			return info, ErrRegistrationUnsupported
		}
		info = clientInfo{ClientID: p.ClientID, RedirectURI: p.CallbackURL}
	} else {
		reg, err := c.register(ctx, md.RegistrationEndpoint, p.CallbackURL)
		if err != nil {
			if p.ClientID == "" {
				return info, err
			}
			c.log.WarnContext(ctx, "oauth.register.fail", slog.String("err", err.Error()))
			reg = &wellknown.ClientRegistrationResponse{ClientID: p.ClientID}
		}
		info = clientInfo{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret, RedirectURI: p.CallbackURL}
	}
	if err := c.save(ctx, p.ServerID, keyClientInfo, info); err != nil {
		return info, err
	}
	return info, nil
}

func (c *Coordinator) register(ctx context.Context, endpoint, redirectURI string) (*wellknown.ClientRegistrationResponse, error) {
	body, err := json.Marshal(wellknown.ClientRegistrationRequest{
		ClientName:              c.clientName,
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: register client: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("oauth: register client: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	var reg wellknown.ClientRegistrationResponse
	if err := json.NewDecoder(res.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("oauth: decode registration: %w", err)
	}
	if reg.ClientID == "" {
		return nil, errors.New("oauth: registration response has no client_id")
	}
	return &reg, nil
}

func (c *Coordinator) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(v)
}
