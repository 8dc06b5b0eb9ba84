package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/connmgr"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/mcpserver"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/registry/sqlstore"
	"github.com/ggoodman/mcp-bridge-go/stdio"
	"github.com/ggoodman/mcp-bridge-go/storage/memory"
	"github.com/urfave/cli/v3"
)

func stdioCommand() *cli.Command {
	return &cli.Command{
		Name:  "stdio",
		Usage: "Serve the aggregated MCP endpoint on stdin and stdout",
		Description: "Registered upstreams are restored from the database. Upstreams that need " +
			"an OAuth authorization stay AUTHENTICATING; authorize them once through serve.",
		Action: serveStdio,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "SQLite file for registrations (overrides MCP_DATABASE)"},
			&cli.StringFlag{Name: "servers", Usage: "JSON file of upstream servers to register and watch"},
			&cli.BoolFlag{Name: "allow-private", Usage: "Allow upstreams on private or loopback addresses"},
		},
	}
}

func serveStdio(ctx context.Context, cmd *cli.Command) error {
	cfg, err := configFromCommand(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol; the logger set up in Before writes to stderr.
	log := slog.Default()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := sqlstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	kv, err := memory.New(1000)
	if err != nil {
		return err
	}
	defer kv.Close()

	mgr := connmgr.New(store,
		connmgr.WithAuthorizer(oauth.New(kv, oauth.WithClientName("mcpbridge"), oauth.WithLogger(log))),
		connmgr.WithCallbackBaseURL(cfg.CallbackBase()),
		connmgr.WithURLValidator(urlValidator(cfg.AllowPrivateURLs)),
		connmgr.WithConnectionOptions(connection.WithClientInfo(mcp.ImplementationInfo{Name: "mcpbridge", Version: version})),
		connmgr.WithLogger(log),
	)
	defer mgr.Close()

	b := newBridge(mgr)
	defer b.Close()

	srv := mcpserver.New(mcp.ImplementationInfo{Name: "mcpbridge", Version: version},
		mcpserver.WithTools(b),
		mcpserver.WithResources(b),
		mcpserver.WithPrompts(b),
		mcpserver.WithLogger(log),
	)

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
		load()
		if err := watchServersFile(ctx, cfg.ServersFile, load, log); err != nil {
			log.WarnContext(ctx, "servers.watch.fail", slog.String("err", err.Error()))
		}
	}

	return stdio.NewHandler(srv.NewSession, stdio.WithLogger(log)).Serve(ctx)
}
