package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-bridge-go/auth"
	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/internal/wellknown"
	"github.com/ggoodman/mcp-bridge-go/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

type userKey struct{}

// UserFromContext returns the principal authenticated for the request, or
// nil when the Handler has no Authenticator.
func UserFromContext(ctx context.Context) auth.UserInfo {
	u, _ := ctx.Value(userKey{}).(auth.UserInfo)
	return u
}

// Handler serves many sessions behind one MCP endpoint. Requests without
// an Mcp-Session-Id get a fresh Transport; the session joins the table
// once initialize issues its id and leaves it on DELETE.
type Handler struct {
	cfg        *config
	log        *slog.Logger
	newSession func() transport.MessageHandler
	endpoint   *url.URL
	mux        *http.ServeMux

	prm    *wellknown.ProtectedResourceMetadata
	prmURL *url.URL

	mu       sync.Mutex
	sessions map[string]*Transport
	restores singleflight.Group
}

// NewHandler returns a Handler for the MCP endpoint at endpoint. newSession
// is called once per session for the handler that receives its messages.
func NewHandler(endpoint string, newSession func() transport.MessageHandler, opts ...Option) (*Handler, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("streaminghttp: endpoint must be http or https, got %q", u.Scheme)
	}
	cfg := newConfig(opts)
	if cfg.newSessionID == nil {
		return nil, errors.New("streaminghttp: stateless mode is not supported by Handler")
	}

	h := &Handler{
		cfg:        cfg,
		log:        logctx.Wrap(cfg.log),
		newSession: newSession,
		endpoint:   u,
		sessions:   make(map[string]*Transport),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(endpointPattern(u.Path), h.handleMCP)

	if cfg.authn != nil {
		h.prmURL = wellknown.ProtectedResourceMetadataURL(u)
		h.prm = &wellknown.ProtectedResourceMetadata{
			Resource:               u.String(),
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverName,
		}
		if d, ok := cfg.authn.(auth.Descriptor); ok {
			h.prm.AuthorizationServers = []string{d.Issuer()}
			h.prm.ScopesSupported = d.Scopes()
		}
		mux.HandleFunc("GET "+h.prmURL.Path, h.handleProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+h.prmURL.Path, func(w http.ResponseWriter, r *http.Request) {
			preflight(h.cfg, h.log, w, r)
		})
	}
	h.mux = mux
	return h, nil
}

func endpointPattern(p string) string {
	if p == "" || p == "/" {
		return "/{$}"
	}
	return p
}

// ProtectedResourceMetadataURL returns where the metadata document is
// served, or nil without an Authenticator.
func (h *Handler) ProtectedResourceMetadataURL() *url.URL { return h.prmURL }

// Sessions returns the number of live sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	applyCORS(h.cfg, h.log, w, r)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prm); err != nil {
		h.log.ErrorContext(r.Context(), "prm.encode.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		preflight(h.cfg, h.log, w, r)
		return
	}
	applyCORS(h.cfg, h.log, w, r)

	ctx := r.Context()
	if h.cfg.authn != nil {
		user, ok := h.authenticate(w, r)
		if !ok {
			return
		}
		ctx = context.WithValue(ctx, userKey{}, user)
		r = r.WithContext(ctx)
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		t := h.newTransport()
		t.ServeHTTP(w, r)
		return
	}

	t, err := h.lookup(ctx, sessionID)
	if err != nil {
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to load session")
		return
	}
	if t == nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessionID))
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		return
	}
	if user := UserFromContext(ctx); user != nil && t.UserID() != "" && t.UserID() != user.UserID() {
		h.log.WarnContext(ctx, "session.user.mismatch", slog.String("session_id", sessionID))
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
		return
	}
	t.ServeHTTP(w, r)
}

func (h *Handler) newTransport() *Transport {
	cfg := h.cfg.clone()
	var t *Transport
	cfg.onInitialized = append(cfg.onInitialized, func(ctx context.Context, id string) {
		h.register(ctx, id, t)
	})
	cfg.onClosed = append(cfg.onClosed, func(ctx context.Context, id string) {
		h.unregister(ctx, id, t)
	})
	t = newTransport(h.newSession(), cfg)
	_ = t.Start()
	return t
}

func (h *Handler) register(ctx context.Context, id string, t *Transport) {
	h.mu.Lock()
	h.sessions[id] = t
	h.mu.Unlock()
	h.cfg.metrics.sessions.Inc()
	h.log.InfoContext(ctx, "session.register", slog.String("session_id", id))
}

func (h *Handler) unregister(ctx context.Context, id string, t *Transport) {
	h.mu.Lock()
	cur, ok := h.sessions[id]
	if ok && cur == t {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if ok && cur == t {
		h.cfg.metrics.sessions.Dec()
		h.log.InfoContext(ctx, "session.unregister", slog.String("session_id", id))
	}
}

// lookup returns the live session, restoring it from the StateStore when
// this process has not seen it. Concurrent misses share one restore.
func (h *Handler) lookup(ctx context.Context, id string) (*Transport, error) {
	h.mu.Lock()
	t := h.sessions[id]
	h.mu.Unlock()
	if t != nil || h.cfg.state == nil {
		return t, nil
	}

	v, err, _ := h.restores.Do(id, func() (any, error) {
		h.mu.Lock()
		if t := h.sessions[id]; t != nil {
			h.mu.Unlock()
			return t, nil
		}
		h.mu.Unlock()

		t := h.newTransport()
		ok, err := t.Restore(context.WithoutCancel(ctx), id)
		if err != nil || !ok {
			return (*Transport)(nil), err
		}
		h.register(ctx, id, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Transport), nil
}

func (h *Handler) challenge(errCode, desc string) string {
	c := auth.Challenge{Realm: h.cfg.realm, Error: errCode, Description: desc}
	if h.prmURL != nil {
		c.ResourceMetadata = h.prmURL.String()
	}
	return c.String()
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	ctx := r.Context()
	header := r.Header.Get(authorizationHeader)
	if header == "" {
		w.Header().Set(wwwAuthenticateHeader, h.challenge("", ""))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	scheme, tok, _ := strings.Cut(header, " ")
	tok = strings.TrimSpace(tok)
	if !strings.EqualFold(scheme, "Bearer") || tok == "" {
		w.Header().Set(wwwAuthenticateHeader, h.challenge("invalid_request", "malformed authorization header"))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	user, err := h.cfg.authn.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return user, true
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.scope.insufficient", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, h.challenge("insufficient_scope", err.Error()))
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.token.invalid", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, h.challenge("invalid_token", err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
	default:
		h.log.ErrorContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
	return nil, false
}

// Shutdown closes every open stream and forgets all sessions. Persisted
// session state is left in place for another process to restore.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	live := h.sessions
	h.sessions = make(map[string]*Transport)
	h.mu.Unlock()

	for id, t := range live {
		t.shutdown()
		h.cfg.metrics.sessions.Dec()
		h.log.InfoContext(ctx, "session.shutdown", slog.String("session_id", id))
	}
}
