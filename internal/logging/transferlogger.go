package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// maxSecondaryFailures bounds how many consecutive write failures a
// fanOutHandler tolerates from its secondary (file) handler before
// giving up on it for the rest of the session. A device running low on
// flash shouldn't pay a failing write syscall on every single log line
// for a transfer that can run for minutes.
const maxSecondaryFailures = 5

// fanOutHandler dispatches each record to two handlers. Used by
// NewTransferLogger to write simultaneously to the shared logger and a
// transfer-dedicated file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler

	secondaryFailures int
	secondaryDisabled bool
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || (!h.secondaryDisabled && h.secondary.Enabled(ctx, level))
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.secondaryDisabled || !h.secondary.Enabled(ctx, r.Level) {
		return nil
	}
	// A write failure on the transfer file must never suppress the
	// shared log.
	if err := h.secondary.Handle(ctx, r); err != nil {
		h.secondaryFailures++
		if h.secondaryFailures >= maxSecondaryFailures {
			h.secondaryDisabled = true
			h.primary.Handle(ctx, slog.NewRecord(r.Time, slog.LevelWarn, "disabling per-transfer log file after repeated write failures", 0))
		}
	} else {
		h.secondaryFailures = 0
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}

// NewTransferLogger builds a logger that writes to both base and a
// file dedicated to one transfer, at:
//
//	{transferLogDir}/{peer}/{transferID}.log
//
// Returns the enriched logger, an io.Closer that must be closed when
// the transfer session ends, and the file's path (joined onto
// transferLogDir, so relative if transferLogDir is). If
// transferLogDir is empty, returns base unmodified (no-op): the
// per-transfer log file is opt-in.
func NewTransferLogger(base *slog.Logger, transferLogDir, peer, transferID string) (*slog.Logger, io.Closer, string, error) {
	if transferLogDir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(transferLogDir, peer)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating transfer log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, transferID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening transfer log file %s: %w", logPath, err)
	}

	// transfer_id and peer are baked into every line the file handler
	// writes, not just its path: a single .log file may be pulled off
	// the filesystem and relayed on its own (e.g. pasted into a chat or
	// copied over serial) without its enclosing directory, so it must
	// stay self-describing on its own.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: compactTimestamp}).
		WithAttrs([]slog.Attr{slog.String("transfer_id", transferID), slog.String("peer", peer)})
	combined := &fanOutHandler{primary: base.Handler(), secondary: fileHandler}

	return slog.New(combined), f, logPath, nil
}

// RemoveTransferLog deletes a finished transfer's dedicated log file.
// No-op if transferLogDir is empty or the file doesn't exist.
func RemoveTransferLog(transferLogDir, peer, transferID string) {
	if transferLogDir == "" {
		return
	}
	os.Remove(filepath.Join(transferLogDir, peer, transferID+".log"))
}
