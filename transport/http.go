package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader        = "Last-Event-ID"
)

// HTTPError reports an unexpected HTTP status from the remote.
type HTTPError struct {
	StatusCode int
	Body       string

	notImplemented bool
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error {
	if e.notImplemented {
		return ErrNotImplemented
	}
	return nil
}

// UnauthorizedError is returned for a 401 and carries the parameters of the
// Bearer challenge so the caller can start OAuth discovery.
type UnauthorizedError struct {
	ResourceMetadataURL string
	Scope               string
	ErrorCode           string
	Description         string
}

func (e *UnauthorizedError) Error() string {
	if e.Description != "" {
		return "transport: unauthorized: " + e.Description
	}
	return "transport: unauthorized"
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

func unauthorizedFrom(res *http.Response) *UnauthorizedError {
	params := parseBearerChallenge(res.Header.Values("WWW-Authenticate"))
	return &UnauthorizedError{
		ResourceMetadataURL: params["resource_metadata"],
		Scope:               params["scope"],
		ErrorCode:           params["error"],
		Description:         params["error_description"],
	}
}

// parseBearerChallenge extracts the auth-params of the first Bearer
// challenge. Quoted values may contain commas and escaped quotes.
func parseBearerChallenge(values []string) map[string]string {
	out := map[string]string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < 6 || !strings.EqualFold(v[:6], "bearer") {
			continue
		}
		rest := strings.TrimSpace(v[6:])
		for rest != "" {
			eq := strings.IndexByte(rest, '=')
			if eq < 0 {
				break
			}
			key := strings.ToLower(strings.TrimSpace(strings.TrimLeft(rest[:eq], ", ")))
			rest = strings.TrimSpace(rest[eq+1:])
			var val string
			if strings.HasPrefix(rest, `"`) {
				var b strings.Builder
				i := 1
				for ; i < len(rest); i++ {
					c := rest[i]
					if c == '\\' && i+1 < len(rest) {
						i++
						b.WriteByte(rest[i])
						continue
					}
					if c == '"' {
						break
					}
					b.WriteByte(c)
				}
				val = b.String()
				if i < len(rest) {
					rest = rest[i+1:]
				} else {
					rest = ""
				}
			} else {
				end := strings.IndexByte(rest, ',')
				if end < 0 {
					end = len(rest)
				}
				val = strings.TrimSpace(rest[:end])
				rest = rest[end:]
			}
			out[key] = val
			rest = strings.TrimLeft(rest, ", ")
		}
		return out
	}
	return out
}

// httpBase holds what the HTTP bindings share: client, static headers,
// bearer tokens and logging.
type httpBase struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func newHTTPBase(cfg Config) (httpBase, error) {
	if cfg.URL == nil {
		return httpBase{}, fmt.Errorf("transport: URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return httpBase{cfg: cfg, client: client, log: logctx.Wrap(cfg.Logger)}, nil
}

func (b *httpBase) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
	if b.cfg.TokenSource != nil {
		tok, err := b.cfg.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: token source: %v", ErrUnauthorized, err)
		}
		if tok != nil && tok.AccessToken != "" {
			tok.SetAuthHeader(req)
		}
	}
	return req, nil
}

// dispatchJSON decodes a JSON body holding one message or a batch and hands
// each message to h.
func dispatchJSON(body []byte, h Handlers) error {
	msgs, _, err := jsonrpc.ParseBatch(body)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		h.message(m)
	}
	return nil
}

func dispatchData(data string, h Handlers) {
	var m jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		h.error(fmt.Errorf("transport: invalid message on stream: %w", err))
		return
	}
	h.message(m)
}

func readErrorBody(res *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return strings.TrimSpace(string(b))
}
