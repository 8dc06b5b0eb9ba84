package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is loaded from the environment. Command-line flags override it.
type Config struct {
	// ListenAddr is where the HTTP server listens. ENV: MCP_LISTEN_ADDR
	ListenAddr string `env:"MCP_LISTEN_ADDR,default=:8080"`
	// PublicURL is the externally visible base URL. The MCP endpoint is
	// served at {PublicURL}/mcp and OAuth callbacks at
	// {PublicURL}/oauth/callback/{serverID}. ENV: MCP_PUBLIC_URL
	PublicURL string `env:"MCP_PUBLIC_URL,default=http://localhost:8080"`
	// Database is the SQLite file holding server registrations. ENV: MCP_DATABASE
	Database string `env:"MCP_DATABASE,default=mcpbridge.db"`
	// ServersFile is an optional JSON list of upstream servers, watched for
	// changes. ENV: MCP_SERVERS_FILE
	ServersFile string `env:"MCP_SERVERS_FILE"`
	// AllowPrivateURLs disables the SSRF block-list for upstream URLs.
	// ENV: MCP_ALLOW_PRIVATE_URLS
	AllowPrivateURLs bool `env:"MCP_ALLOW_PRIVATE_URLS,default=false"`

	// RedisAddr enables Redis for OAuth data, session state and SSE replay.
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// NATSURL enables actor RPC, both for upstreams and for serving.
	// ENV: NATS_URL
	NATSURL string `env:"NATS_URL"`
	// ActorName is the actor this process answers as. ENV: MCP_ACTOR_NAME
	ActorName string `env:"MCP_ACTOR_NAME,default=mcpbridge"`

	// AllowedOrigins is a semicolon separated CORS allow-list. ENV: MCP_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"MCP_ALLOWED_ORIGINS"`
	// JSONResponse answers POSTs with JSON bodies instead of SSE. ENV: MCP_JSON_RESPONSE
	JSONResponse bool `env:"MCP_JSON_RESPONSE,default=false"`
	// SessionTTL bounds how long idle session state is kept. ENV: MCP_SESSION_TTL
	SessionTTL time.Duration `env:"MCP_SESSION_TTL,default=24h"`

	// OIDCIssuer enables bearer-token authentication of inbound requests.
	// ENV: OIDC_ISSUER
	OIDCIssuer string `env:"OIDC_ISSUER"`
	// OIDCScopes lists scopes every token must carry. ENV: OIDC_REQUIRED_SCOPES
	OIDCScopes []string `env:"OIDC_REQUIRED_SCOPES"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return fmt.Errorf("config: invalid public url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: public url must be http or https, got %q", c.PublicURL)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: session ttl must be positive")
	}
	return nil
}

func (c Config) baseURL() string { return strings.TrimSuffix(c.PublicURL, "/") }

// Endpoint is the public URL of the MCP endpoint.
func (c Config) Endpoint() string { return c.baseURL() + "/mcp" }

// CallbackBase is the prefix of every OAuth redirect URI.
func (c Config) CallbackBase() string { return c.baseURL() + "/oauth/callback" }
