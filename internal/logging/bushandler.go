package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/z-mesh/z-mesh/internal/events"
)

// BusHandler fans every log record out to a wrapped primary handler and
// onto the Event Bus as a LogLine event, so a UI can tail logs without
// touching stdout or a file. The same fan-out shape as fanOutHandler,
// with the bus standing in for the second handler's file.
type BusHandler struct {
	primary slog.Handler
	bus     *events.Bus
}

// NewBusHandler wraps primary, publishing every handled record to bus
// in addition to primary's own output.
func NewBusHandler(primary slog.Handler, bus *events.Bus) *BusHandler {
	return &BusHandler{primary: primary, bus: bus}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.bus != nil {
		h.bus.Log(toLogLevel(r.Level), formatRecord(r))
	}
	return h.primary.Handle(ctx, r)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BusHandler{primary: h.primary.WithAttrs(attrs), bus: h.bus}
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{primary: h.primary.WithGroup(name), bus: h.bus}
}

func toLogLevel(l slog.Level) events.LogLevel {
	switch {
	case l >= slog.LevelError:
		return events.LevelError
	case l >= slog.LevelWarn:
		return events.LevelWarn
	case l >= slog.LevelInfo:
		return events.LevelInfo
	default:
		return events.LevelDebug
	}
}

func formatRecord(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	return b.String()
}
