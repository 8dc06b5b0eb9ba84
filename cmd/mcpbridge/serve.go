package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/connmgr"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/mcpserver"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/registry/sqlstore"
	"github.com/ggoodman/mcp-bridge-go/storage"
	"github.com/ggoodman/mcp-bridge-go/storage/memory"
	redisstore "github.com/ggoodman/mcp-bridge-go/storage/redis"
	"github.com/ggoodman/mcp-bridge-go/streaminghttp"
	"github.com/ggoodman/mcp-bridge-go/transport/natsactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	_ "modernc.org/sqlite"
)

const shutdownTimeout = 10 * time.Second

var _ connmgr.Authorizer = (*oauth.Coordinator)(nil)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve the aggregated MCP endpoint",
		UsageText: "mcpbridge serve [options]",
		Action:    serve,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Address to listen on (overrides MCP_LISTEN_ADDR)"},
			&cli.StringFlag{Name: "public-url", Usage: "Externally visible base URL (overrides MCP_PUBLIC_URL)"},
			&cli.StringFlag{Name: "db", Usage: "SQLite file for registrations (overrides MCP_DATABASE)"},
			&cli.StringFlag{Name: "servers", Usage: "JSON file of upstream servers to register and watch"},
			&cli.BoolFlag{Name: "allow-private", Usage: "Allow upstreams on private or loopback addresses"},
			&cli.BoolFlag{Name: "json-response", Usage: "Answer POSTs with JSON instead of SSE"},
		},
	}
}

func configFromCommand(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Config{}, err
	}
	if cmd.IsSet("listen") {
		cfg.ListenAddr = cmd.String("listen")
	}
	if cmd.IsSet("public-url") {
		cfg.PublicURL = cmd.String("public-url")
	}
	if cmd.IsSet("db") {
		cfg.Database = cmd.String("db")
	}
	if cmd.IsSet("servers") {
		cfg.ServersFile = cmd.String("servers")
	}
	if cmd.IsSet("allow-private") {
		cfg.AllowPrivateURLs = cmd.Bool("allow-private")
	}
	if cmd.IsSet("json-response") {
		cfg.JSONResponse = cmd.Bool("json-response")
	}
	return cfg, cfg.validate()
}

// backends holds the key/value store and SSE event store, shared by the
// OAuth coordinator and the session transport.
type backends struct {
	kv     storage.Storage
	events streaminghttp.EventStore
	close  func() error
}

func openBackends(ctx context.Context, cfg Config) (*backends, error) {
	if cfg.RedisAddr == "" {
		kv, err := memory.New(10_000)
		if err != nil {
			return nil, err
		}
		return &backends{kv: kv, events: streaminghttp.NewMemoryEventStore(1000), close: kv.Close}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	kv, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: "mcpbridge:kv:"})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	evs, err := streaminghttp.NewRedisEventStore(streaminghttp.RedisConfig{Client: client, KeyPrefix: "mcpbridge:events:"})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &backends{kv: kv, events: evs, close: client.Close}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFromCommand(cmd)
	if err != nil {
		return err
	}
	log := slog.Default()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := sql.Open("sqlite", cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := sqlstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	coord := oauth.New(be.kv, oauth.WithClientName("mcpbridge"), oauth.WithLogger(log))

	connOpts := []connection.Option{
		connection.WithClientInfo(mcp.ImplementationInfo{Name: "mcpbridge", Version: version}),
	}
	var nc *natsactor.Conn
	if cfg.NATSURL != "" {
		nc, err = natsactor.Connect(ctx, natsactor.ConnOpts{Name: "mcpbridge", URLs: cfg.NATSURL})
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Shutdown(); err != nil {
				log.Warn("nats.shutdown.fail", slog.String("err", err.Error()))
			}
		}()
		connOpts = append(connOpts, connection.WithFactory(actorFactory(nc.Conn)))
	}

	mgr := connmgr.New(store,
		connmgr.WithAuthorizer(coord),
		connmgr.WithCallbackBaseURL(cfg.CallbackBase()),
		connmgr.WithURLValidator(urlValidator(cfg.AllowPrivateURLs)),
		connmgr.WithConnectionOptions(connOpts...),
		connmgr.WithRegisterer(reg),
		connmgr.WithLogger(log),
	)
	defer mgr.Close()

	b := newBridge(mgr)
	defer b.Close()

	srv := mcpserver.New(mcp.ImplementationInfo{Name: "mcpbridge", Version: version},
		mcpserver.WithTools(b),
		mcpserver.WithResources(b),
		mcpserver.WithPrompts(b),
		mcpserver.WithInstructions("Tools, prompts and resources are aggregated from upstream MCP servers. Names are prefixed with the id of the owning server."),
		mcpserver.WithLogger(log),
	)

	hopts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithRegisterer(reg),
		streaminghttp.WithServerName("mcpbridge"),
		streaminghttp.WithEventStore(be.events),
		streaminghttp.WithStateStore(streaminghttp.NewStorageStateStore(be.kv, cfg.SessionTTL)),
		streaminghttp.WithAllowedOrigins(cfg.AllowedOrigins...),
	}
	if cfg.JSONResponse {
		hopts = append(hopts, streaminghttp.WithJSONResponse())
	}
	if cfg.OIDCIssuer != "" {
		authn, err := auth.NewFromDiscovery(ctx, auth.Config{
			Issuer:         cfg.OIDCIssuer,
			Audiences:      []string{cfg.Endpoint()},
			RequiredScopes: cfg.OIDCScopes,
			Leeway:         time.Minute,
		})
		if err != nil {
			return fmt.Errorf("oidc discovery: %w", err)
		}
		hopts = append(hopts, streaminghttp.WithAuthenticator(authn))
	}
	h, err := streaminghttp.NewHandler(cfg.Endpoint(), srv.NewSession, hopts...)
	if err != nil {
		return err
	}

	if nc != nil {
		subject := natsactor.Subject(cfg.ActorName)
		sub, err := natsactor.Serve(nc.Conn, subject, srv.HandleRPC)
		if err != nil {
			return fmt.Errorf("serve actor: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
		log.InfoContext(ctx, "actor.serve", slog.String("subject", subject))
	}

	if err := mgr.RestoreConnectionsFromStorage(ctx); err != nil {
		log.ErrorContext(ctx, "registry.restore.fail", slog.String("err", err.Error()))
	}
	if cfg.ServersFile != "" {
		load := func() {
			entries, err := readServersFile(cfg.ServersFile)
			if err != nil {
				log.ErrorContext(ctx, "servers.read.fail", slog.String("err", err.Error()))
				return
			}
			syncServers(ctx, mgr, entries, log)
		}
		go load()
		if err := watchServersFile(ctx, cfg.ServersFile, load, log); err != nil {
			log.WarnContext(ctx, "servers.watch.fail", slog.String("err", err.Error()))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /servers", handleServers(mgr))
	mux.Handle("GET /oauth/callback/{serverID}", handleCallback(mgr, log))
	mux.Handle("/", h)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.Endpoint()))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	h.Shutdown(sctx)
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.InfoContext(sctx, "http.stopped")
	return nil
}
