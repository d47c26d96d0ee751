// Package rboxlog wraps log/slog with a handler that rewrites line endings
// to CRLF and tags each record with whether it was emitted by the parent
// supervisor or the contained child, mirroring the teacher's pattern of
// wrapping an inner slog.Handler (lib/logger.InstanceLogHandler) rather than
// writing a logger from scratch.
package rboxlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// crlfHandler wraps an inner slog.Handler and adds the role attribute to
// each record. The '\n' to "\r\n" rewrite of the final formatted line is done
// by the crlfWriter that New places under the inner handler. This matters
// because the process spends most of its life with the host terminal in raw
// mode, where a bare '\n' does not return the cursor to column zero.
type crlfHandler struct {
	inner slog.Handler
	w     io.Writer
}

// Role distinguishes supervisor output from contained-process-setup output,
// matching the original implementation's "[LEVEL(P)]"/"[LEVEL(C)]" tag.
type roleKey struct{}

// WithRole returns a context tagged with the given role ("P" or "C") for any
// log record emitted through it.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func roleFrom(ctx context.Context) string {
	if r, ok := ctx.Value(roleKey{}).(string); ok && r != "" {
		return r
	}
	if os.Getpid() == 1 {
		return "C"
	}
	return "P"
}

func (h *crlfHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *crlfHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("role", roleFrom(ctx)))
	return h.inner.Handle(ctx, r)
}

func (h *crlfHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &crlfHandler{inner: h.inner.WithAttrs(attrs), w: h.w}
}

func (h *crlfHandler) WithGroup(name string) slog.Handler {
	return &crlfHandler{inner: h.inner.WithGroup(name), w: h.w}
}

// crlfWriter rewrites every '\n' byte written to it into "\r\n" before
// forwarding to the wrapped writer.
type crlfWriter struct{ w io.Writer }

func (c *crlfWriter) Write(p []byte) (int, error) {
	s := strings.ReplaceAll(string(p), "\n", "\r\n")
	n, err := io.WriteString(c.w, s)
	if err != nil {
		return 0, err
	}
	if n < len(s) {
		return len(p), io.ErrShortWrite
	}
	return len(p), nil
}

// New builds the default rootbox logger: a text handler writing to stderr
// through the CRLF rewriter, at the given level.
func New(level slog.Level) *slog.Logger {
	base := slog.NewTextHandler(&crlfWriter{w: os.Stderr}, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(&crlfHandler{inner: base, w: os.Stderr})
}

// LevelFromVerbose resolves the configured log level the way the original
// did: --verbose forces debug, otherwise ROOTBOX_LOG is consulted, defaulting
// to warn.
func LevelFromVerbose(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(os.Getenv("ROOTBOX_LOG")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Fatal prints the one-line classified error message spec.md §7 requires and
// exits 1. It writes directly to stderr rather than through slog so the
// message format stays exactly "Error: <cause>" regardless of log level.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
