package streaminghttp

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", "Authorization", mcpSessionIDHeader, mcpProtocolVersionHeader, lastEventIDHeader}, ", ")
	corsExposeHeaders = strings.Join([]string{mcpSessionIDHeader, mcpProtocolVersionHeader, "WWW-Authenticate"}, ", ")
)

const allowedMethods = "GET, POST, DELETE, OPTIONS"

// applyCORS sets the CORS response headers when the request origin is
// allowed. Cross-origin requests against a server with no allowed origins
// are logged once.
func applyCORS(cfg *config, log *slog.Logger, w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if len(cfg.allowedOrigins) == 0 {
		if cfg.corsWarned.CompareAndSwap(false, true) {
			log.WarnContext(r.Context(), "cors.origins.unset", slog.String("origin", origin))
		}
		return false
	}
	switch {
	case slices.Contains(cfg.allowedOrigins, "*"):
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case slices.Contains(cfg.allowedOrigins, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	default:
		return false
	}
	w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
	return true
}

func preflight(cfg *config, log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", allowedMethods)
	if applyCORS(cfg, log, w, r) {
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Max-Age", "86400")
	}
	w.WriteHeader(http.StatusNoContent)
}
