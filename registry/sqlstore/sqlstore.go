// Package sqlstore implements registry.Store on database/sql. Queries use
// "?" placeholders and are exercised against SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-bridge-go/registry"
)

const defaultTable = "mcp_servers"

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name (default "mcp_servers").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// Store is a registry.Store backed by a single relational table.
type Store struct {
	db    *sql.DB
	table string
}

// New returns a Store over db. Call Migrate once before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the registration table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	server_url TEXT NOT NULL,
	client_id TEXT,
	auth_url TEXT,
	callback_url TEXT NOT NULL,
	server_options TEXT
)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, reg registry.Registration) error {
	opts, err := json.Marshal(reg.Options)
	if err != nil {
		return fmt.Errorf("sqlstore: encode server options: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, name, server_url, client_id, auth_url, callback_url, server_options)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, server_url = excluded.server_url,
	client_id = excluded.client_id, auth_url = excluded.auth_url,
	callback_url = excluded.callback_url, server_options = excluded.server_options`, s.table)
	_, err = s.db.ExecContext(ctx, q, reg.ID, reg.Name, reg.URL, nullable(reg.ClientID), nullable(reg.AuthURL), reg.CallbackURL, string(opts))
	if err != nil {
		return fmt.Errorf("sqlstore: save %s: %w", reg.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (registry.Registration, error) {
	q := fmt.Sprintf(`SELECT id, name, server_url, client_id, auth_url, callback_url, server_options FROM %s WHERE id = ?`, s.table)
	reg, err := scan(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Registration{}, registry.ErrNotFound
	}
	return reg, err
}

func (s *Store) List(ctx context.Context) ([]registry.Registration, error) {
	q := fmt.Sprintf(`SELECT id, name, server_url, client_id, auth_url, callback_url, server_options FROM %s ORDER BY id`, s.table)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()

	var out []registry.Registration
	for rows.Next() {
		reg, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAuth(ctx context.Context, id, clientID, authURL string) error {
	q := fmt.Sprintf(`UPDATE %s SET client_id = ?, auth_url = ? WHERE id = ?`, s.table)
	res, err := s.db.ExecContext(ctx, q, nullable(clientID), nullable(authURL), id)
	if err != nil {
		return fmt.Errorf("sqlstore: update auth %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (registry.Registration, error) {
	var (
		reg               registry.Registration
		clientID, authURL sql.NullString
		serverOptions     sql.NullString
	)
	if err := row.Scan(&reg.ID, &reg.Name, &reg.URL, &clientID, &authURL, &reg.CallbackURL, &serverOptions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reg, err
		}
		return reg, fmt.Errorf("sqlstore: scan: %w", err)
	}
	reg.ClientID = clientID.String
	reg.AuthURL = authURL.String
	if serverOptions.Valid && serverOptions.String != "" {
		if err := json.Unmarshal([]byte(serverOptions.String), &reg.Options); err != nil {
			return reg, fmt.Errorf("sqlstore: decode server options for %s: %w", reg.ID, err)
		}
	}
	return reg, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ registry.Store = (*Store)(nil)
