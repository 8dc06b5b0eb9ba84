package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Value:   "info",
		Usage:   "Set the log level. One of: debug, info, warn, error.",
		Sources: cli.EnvVars("LOG_LEVEL"),
	},
	&cli.BoolFlag{
		Name:  "json",
		Usage: "Output logs as JSON. Implied when stderr is not a TTY.",
	},
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "mcpbridge",
		Usage:   "Aggregate remote MCP servers behind a single MCP endpoint",
		Version: version,
		Flags:   globalFlags,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			lvl, err := parseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}
			slog.SetDefault(newLogger(os.Stderr, lvl, cmd.Bool("json")))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			probeCommand(),
			stdioCommand(),
		},
	}
}
