package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/ggoodman/mcp-bridge-go/oauth"
	"github.com/ggoodman/mcp-bridge-go/registry"
)

// ErrMissingCode is returned for a callback that carries neither a code nor
// an error.
var ErrMissingCode = errors.New("connmgr: callback has no authorization code")

// CallbackResult reports the outcome of an OAuth callback. Error values
// from the authorization server are carried unescaped.
type CallbackResult struct {
	ServerID string
	State    connection.State
	Error    error
}

func requestOrigin(r *http.Request) (scheme, host string) {
	if r.URL.IsAbs() {
		return r.URL.Scheme, r.URL.Host
	}
	scheme = "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme, r.Host
}

func matchesCallback(r *http.Request, callbackURL string) bool {
	if callbackURL == "" {
		return false
	}
	cb, err := url.Parse(callbackURL)
	if err != nil {
		return false
	}
	scheme, host := requestOrigin(r)
	return scheme == cb.Scheme && host == cb.Host && r.URL.Path == cb.Path
}

// IsCallbackRequest reports whether r is an OAuth redirect for one of the
// managed servers: its origin and path must equal the registration's
// callback URL and its state must resolve to a live, unexpired record.
func (m *Manager) IsCallbackRequest(r *http.Request) bool {
	if r.Method != http.MethodGet || m.auth == nil {
		return false
	}
	cb := oauth.ParseCallback(r)
	_, serverID, err := oauth.SplitState(cb.State)
	if err != nil {
		return false
	}
	rec, err := m.lookup(serverID)
	if err != nil || !matchesCallback(r, rec.reg.CallbackURL) {
		return false
	}
	_, err = m.auth.ValidateState(r.Context(), cb.State)
	return err == nil
}

// awaitingCallback reports whether a live record exists for serverID and is
// the one completing the pending authorization. Only such a record may be
// reused by the callback; anything else is rebuilt from the registration.
func (m *Manager) awaitingCallback(serverID string) (*record, bool) {
	m.mu.Lock()
	rec, ok := m.records[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rec, rec.conn.State() == connection.StateAuthenticating
}

// connForCallback returns the connection that should receive the code.
func (m *Manager) connForCallback(ctx context.Context, serverID string) (*record, error) {
	if rec, ok := m.awaitingCallback(serverID); ok {
		return rec, nil
	}
	reg, err := m.store.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !reg.HasPendingAuth() {
		return nil, fmt.Errorf("connmgr: %s has no pending authorization", serverID)
	}
	conn, err := m.newConn(reg)
	if err != nil {
		return nil, err
	}
	conn.SetAuthenticating(reg.AuthURL, reg.ClientID)
	rec := &record{reg: reg, conn: conn}

	m.mu.Lock()
	old := m.records[serverID]
	m.records[serverID] = rec
	m.mu.Unlock()
	if old != nil {
		m.dropConn(old.conn)
	}
	return rec, nil
}

// HandleCallback completes the authorization flow for the server named in
// the state parameter, then connects and discovers. The state is validated
// and consumed before the code is exchanged, so a replayed callback fails.
func (m *Manager) HandleCallback(ctx context.Context, r *http.Request) (CallbackResult, error) {
	if m.auth == nil {
		return CallbackResult{}, connection.ErrNoAuthorizer
	}
	cb := oauth.ParseCallback(r)
	_, serverID, err := oauth.SplitState(cb.State)
	if err != nil {
		return CallbackResult{State: connection.StateFailed, Error: err}, err
	}
	res := CallbackResult{ServerID: serverID}

	var reg registry.Registration
	if rec, err := m.lookup(serverID); err == nil {
		reg = rec.reg
	} else if reg, err = m.store.Get(ctx, serverID); err != nil {
		res.State, res.Error = connection.StateFailed, err
		return res, err
	}
	if !matchesCallback(r, reg.CallbackURL) {
		err := fmt.Errorf("connmgr: callback URL does not match registration for %s", serverID)
		res.State, res.Error = connection.StateFailed, err
		return res, err
	}

	fail := func(err error) (CallbackResult, error) {
		m.log.WarnContext(ctx, "connmgr.callback.fail", slog.String("server_id", serverID), slog.String("err", err.Error()))
		if cur, ok := m.awaitingCallback(serverID); ok {
			cur.conn.MarkFailed(err)
		}
		res.State, res.Error = connection.StateFailed, err
		return res, err
	}

	if _, err := m.auth.ValidateState(ctx, cb.State); err != nil {
		if errors.Is(err, oauth.ErrStateExpired) || errors.Is(err, oauth.ErrStateMismatch) {
			_ = m.auth.ConsumeState(ctx, cb.State)
		}
		return fail(err)
	}
	if err := m.auth.ConsumeState(ctx, cb.State); err != nil {
		return fail(err)
	}
	if err := cb.Err(); err != nil {
		m.clearPendingAuth(ctx, serverID)
		return fail(err)
	}
	if cb.Code == "" {
		return fail(ErrMissingCode)
	}

	target, err := m.connForCallback(ctx, serverID)
	if err != nil {
		return fail(err)
	}
	if err := target.conn.CompleteAuthorization(ctx, cb.Code); err != nil {
		res.State, res.Error = target.conn.State(), err
		return res, err
	}
	m.clearPendingAuth(ctx, serverID)

	cres, err := m.ConnectToServer(ctx, serverID)
	res.State, res.Error = cres.State, cres.Error
	return res, err
}

func (m *Manager) clearPendingAuth(ctx context.Context, serverID string) {
	m.mu.Lock()
	clientID := ""
	if rec, ok := m.records[serverID]; ok {
		clientID = rec.conn.ClientID()
		rec.reg.AuthURL = ""
		rec.reg.ClientID = clientID
	}
	m.mu.Unlock()
	if err := m.store.UpdateAuth(ctx, serverID, clientID, ""); err != nil {
		m.log.ErrorContext(ctx, "connmgr.auth.clear.fail", slog.String("server_id", serverID), slog.String("err", err.Error()))
	}
}
