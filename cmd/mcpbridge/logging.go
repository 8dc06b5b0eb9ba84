package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/lmittmann/tint"
)

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// newLogger renders colored console output, or JSON when asked or when w
// is not a terminal.
func newLogger(w io.Writer, lvl slog.Level, asJSON bool) *slog.Logger {
	if !asJSON && !isTerminal(w) {
		asJSON = true
	}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
		})
	}
	return logctx.Wrap(slog.New(h))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
