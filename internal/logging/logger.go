// Package logging builds the structured logger shared by every
// component, and a slog.Handler that mirrors log lines onto the Event
// Bus so a UI can tail them without reading stdout.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds a slog.Logger at the given level ("debug", "info"
// default, "warn", "error") and format ("json" default, "text"). If
// filePath is non-empty, logs go to stdout and the file simultaneously
// (io.MultiWriter); the returned io.Closer must be closed on shutdown
// and is a no-op when filePath is empty. At debug level, AddSource is
// enabled: debug logging here exists to diagnose the chunk/session
// state machine, and a file:line is worth far more for that than for
// the routine info/warn lines a run otherwise produces.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl <= slog.LevelDebug,
		ReplaceAttr: compactTimestamp,
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// compactTimestamp swaps the default RFC3339Nano time attribute for a
// millisecond unix timestamp. Transfer debug logs are meant to be
// small enough to relay back over the mesh's own serial console if
// needed; shaving the timestamp down saves real bytes per line at that
// bandwidth.
func compactTimestamp(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.Int64Value(t.UnixMilli())
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
