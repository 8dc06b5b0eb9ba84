package main

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-bridge-go/connmgr"
)

// callbackPage escapes every value; authorization server errors arrive
// verbatim from the query string.
var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>mcpbridge authorization</title></head>
<body>
{{- if .Error}}
<h1>Authorization failed</h1>
<p>{{.Error}}</p>
{{- else}}
<h1>Authorized</h1>
<p>Server {{.ServerID}} is {{.State}}. You can close this window.</p>
{{- end}}
</body>
</html>
`))

type callbackView struct {
	ServerID string
	State    string
	Error    string
}

type callbackHandler interface {
	IsCallbackRequest(r *http.Request) bool
	HandleCallback(ctx context.Context, r *http.Request) (connmgr.CallbackResult, error)
}

func handleCallback(m callbackHandler, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !m.IsCallbackRequest(r) {
			log.InfoContext(ctx, "oauth.callback.unknown", slog.String("path", r.URL.Path))
			http.NotFound(w, r)
			return
		}

		res, err := m.HandleCallback(ctx, r)
		view := callbackView{ServerID: res.ServerID, State: string(res.State)}
		status := http.StatusOK
		if err != nil {
			log.WarnContext(ctx, "oauth.callback.fail", slog.String("server_id", res.ServerID), slog.String("err", err.Error()))
			view.Error = err.Error()
			status = http.StatusBadRequest
		} else if res.Error != nil {
			view.Error = res.Error.Error()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		if err := callbackPage.Execute(w, view); err != nil {
			log.ErrorContext(ctx, "oauth.callback.render.fail", slog.String("err", err.Error()))
		}
	}
}
