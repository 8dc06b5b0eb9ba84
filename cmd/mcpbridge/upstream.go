package main

import (
	"fmt"
	"net/url"

	"github.com/ggoodman/mcp-bridge-go/internal/ssrf"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"github.com/ggoodman/mcp-bridge-go/transport/natsactor"
	"github.com/nats-io/nats.go"
)

// actorScheme marks upstreams reached over actor RPC: actor://{name}.
const actorScheme = "actor"

// urlValidator accepts actor URLs and applies the SSRF block-list to
// everything else unless private addresses are allowed.
func urlValidator(allowPrivate bool) func(string) (*url.URL, error) {
	return func(raw string) (*url.URL, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		switch {
		case u.Scheme == actorScheme:
			if u.Host == "" {
				return nil, fmt.Errorf("actor url %q has no actor name", raw)
			}
			return u, nil
		case allowPrivate:
			if u.Scheme != "http" && u.Scheme != "https" {
				return nil, fmt.Errorf("url %q is not http or https", raw)
			}
			if u.Host == "" {
				return nil, fmt.Errorf("url %q has no host", raw)
			}
			return u, nil
		}
		return ssrf.Check(raw)
	}
}

// actorFactory resolves actor:// upstreams to NATS handles. The other
// bindings are the defaults.
func actorFactory(nc *nats.Conn) transport.Factory {
	f := transport.DefaultFactory()
	f[transport.KindActorRPC] = func(cfg transport.Config) (transport.Transport, error) {
		if cfg.Actor == nil {
			if cfg.URL == nil || cfg.URL.Scheme != actorScheme {
				return nil, fmt.Errorf("actor-rpc upstream must use an %s:// url", actorScheme)
			}
			cfg.Actor = natsactor.NewHandle(nc, natsactor.Subject(cfg.URL.Host))
		}
		return transport.NewActor(cfg)
	}
	return f
}
