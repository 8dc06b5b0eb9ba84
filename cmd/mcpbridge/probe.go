package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/connmgr"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/registry"
	"github.com/ggoodman/mcp-bridge-go/storage/memory"
	"github.com/urfave/cli/v3"
)

const probeServerID = "probe"

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Connect to one MCP server, discover its capabilities and print them",
		ArgsUsage: "<url>",
		Action:    probe,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "transport",
				Value: "auto",
				Usage: "One of: auto, streamable-http, sse.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "Give up after this long.",
			},
			&cli.BoolFlag{Name: "allow-private", Usage: "Allow private or loopback addresses"},
			&cli.BoolFlag{Name: "output-json", Usage: "Print the discovered capabilities as JSON"},
		},
	}
}

func probe(ctx context.Context, cmd *cli.Command) error {
	raw := cmd.Args().First()
	if raw == "" {
		return errors.New("probe: a server url is required")
	}
	log := slog.Default()
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	kv, err := memory.New(100)
	if err != nil {
		return err
	}
	defer kv.Close()

	mgr := connmgr.New(registry.NewMemoryStore(),
		connmgr.WithAuthorizer(oauth.New(kv, oauth.WithClientName("mcpbridge-probe"), oauth.WithLogger(log))),
		connmgr.WithURLValidator(urlValidator(cmd.Bool("allow-private"))),
		connmgr.WithCallbackBaseURL("http://localhost/oauth/callback"),
		connmgr.WithConnectionOptions(connection.WithClientInfo(mcp.ImplementationInfo{Name: "mcpbridge-probe", Version: version})),
		connmgr.WithLogger(log),
	)
	defer mgr.Close()

	reg, err := mgr.RegisterServer(ctx, connmgr.RegisterParams{
		ID:  probeServerID,
		URL: raw,
		Options: registry.ServerOptions{
			Transport: registry.TransportOptions{Type: cmd.String("transport")},
		},
	})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	res, err := mgr.ConnectToServer(ctx, reg.ID)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	w := cmd.Root().Writer
	switch res.State {
	case connection.StateAuthenticating:
		fmt.Fprintf(w, "Authorization required. Open:\n  %s\n", res.AuthURL)
		return nil
	case connection.StateReady:
	default:
		return fmt.Errorf("probe: connection is %s: %v", res.State, res.Error)
	}

	info, err := mgr.Get(reg.ID)
	if err != nil {
		return err
	}
	if cmd.Bool("output-json") {
		return writeReportJSON(w, info)
	}
	return writeReport(w, info)
}

type probeReport struct {
	Server            mcp.ImplementationInfo `json:"server"`
	Transport         string                 `json:"transport"`
	Instructions      string                 `json:"instructions,omitempty"`
	Tools             []mcp.Tool             `json:"tools"`
	Prompts           []mcp.Prompt           `json:"prompts"`
	Resources         []mcp.Resource         `json:"resources"`
	ResourceTemplates []mcp.ResourceTemplate `json:"resourceTemplates"`
}

func writeReportJSON(w io.Writer, info connmgr.Info) error {
	snap := info.Snapshot
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(probeReport{
		Server:            snap.ServerInfo,
		Transport:         string(info.Transport),
		Instructions:      snap.Instructions,
		Tools:             snap.Tools,
		Prompts:           snap.Prompts,
		Resources:         snap.Resources,
		ResourceTemplates: snap.ResourceTemplates,
	})
}

func writeReport(w io.Writer, info connmgr.Info) error {
	snap := info.Snapshot
	fmt.Fprintf(w, "%s %s via %s\n", snap.ServerInfo.Name, snap.ServerInfo.Version, info.Transport)
	if snap.Instructions != "" {
		fmt.Fprintf(w, "\n%s\n", snap.Instructions)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := func(title string, n int) {
		fmt.Fprintf(tw, "\n%s (%d)\n", title, n)
	}
	section("TOOLS", len(snap.Tools))
	for _, t := range snap.Tools {
		fmt.Fprintf(tw, "  %s\t%s\n", t.Name, t.Description)
	}
	section("PROMPTS", len(snap.Prompts))
	for _, p := range snap.Prompts {
		fmt.Fprintf(tw, "  %s\t%s\n", p.Name, p.Description)
	}
	section("RESOURCES", len(snap.Resources)+len(snap.ResourceTemplates))
	for _, r := range snap.Resources {
		fmt.Fprintf(tw, "  %s\t%s\n", r.URI, r.Name)
	}
	for _, t := range snap.ResourceTemplates {
		fmt.Fprintf(tw, "  %s\t%s\n", t.URITemplate, t.Name)
	}
	return tw.Flush()
}
