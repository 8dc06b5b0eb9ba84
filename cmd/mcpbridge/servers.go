package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-bridge-go/connmgr"
	"github.com/ggoodman/mcp-bridge-go/registry"
)

// serverEntry is one upstream in the servers file.
type serverEntry struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name,omitempty"`
	URL       string                 `json:"url"`
	Transport string                 `json:"transport,omitempty"`
	Headers   map[string]string      `json:"headers,omitempty"`
	Retry     *registry.RetryOptions `json:"retry,omitempty"`
}

func readServersFile(path string) ([]serverEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []serverEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("servers file %s: %w", path, err)
	}
	for i, e := range entries {
		if e.ID == "" || e.URL == "" {
			return nil, fmt.Errorf("servers file %s: entry %d needs an id and a url", path, i)
		}
	}
	return entries, nil
}

type registrar interface {
	RegisterServer(ctx context.Context, p connmgr.RegisterParams) (registry.Registration, error)
	ConnectToServer(ctx context.Context, id string) (connmgr.ConnectResult, error)
}

// syncServers registers entries not yet known and connects them. Entries
// already registered are left alone; removing a line does not unregister.
func syncServers(ctx context.Context, m registrar, entries []serverEntry, log *slog.Logger) {
	for _, e := range entries {
		p := connmgr.RegisterParams{
			ID:   e.ID,
			Name: e.Name,
			URL:  e.URL,
			Options: registry.ServerOptions{
				Transport: registry.TransportOptions{Type: e.Transport, Headers: e.Headers},
			},
		}
		if e.Retry != nil {
			p.Options.Retry = *e.Retry
		}
		_, err := m.RegisterServer(ctx, p)
		switch {
		case errors.Is(err, connmgr.ErrAlreadyRegistered), errors.Is(err, connmgr.ErrDuplicateURL):
			log.DebugContext(ctx, "servers.sync.known", slog.String("server_id", e.ID))
			continue
		case err != nil:
			log.ErrorContext(ctx, "servers.sync.register.fail", slog.String("server_id", e.ID), slog.String("err", err.Error()))
			continue
		}

		res, err := m.ConnectToServer(ctx, e.ID)
		if err != nil {
			log.ErrorContext(ctx, "servers.sync.connect.fail", slog.String("server_id", e.ID), slog.String("err", err.Error()))
			continue
		}
		attrs := []any{slog.String("server_id", e.ID), slog.String("state", string(res.State))}
		if res.AuthURL != "" {
			attrs = append(attrs, slog.String("auth_url", res.AuthURL))
		}
		log.InfoContext(ctx, "servers.sync.connected", attrs...)
	}
}

// watchServersFile calls fn after path changes, coalescing bursts of
// events. The directory is watched so editors that replace the file by
// renaming are seen.
func watchServersFile(ctx context.Context, path string, fn func(), log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("servers watch: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("servers watch: %w", err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, fn)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "servers.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

type lister interface {
	List() []connmgr.Info
}

type serverStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	State     string `json:"state"`
	Transport string `json:"transport,omitempty"`
	AuthURL   string `json:"authUrl,omitempty"`
	Error     string `json:"error,omitempty"`
	Tools     int    `json:"tools"`
}

// handleServers reports every managed upstream and its state.
func handleServers(m lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := m.List()
		out := make([]serverStatus, 0, len(infos))
		for _, in := range infos {
			s := serverStatus{
				ID:        in.Registration.ID,
				Name:      in.Registration.Name,
				URL:       in.Registration.URL,
				State:     string(in.State),
				Transport: string(in.Transport),
				AuthURL:   in.AuthURL,
				Tools:     len(in.Snapshot.Tools),
			}
			if in.Error != nil {
				s.Error = in.Error.Error()
			}
			out = append(out, s)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
