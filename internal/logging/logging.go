// Package logging provides structured logging for the tunnel endpoints.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// NewLogger creates a new structured logger with the specified level and
// format. Supported levels: debug, info, warn, error. Supported formats:
// text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(resolveLevel(level))

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// resolveLevel returns level if it is non-empty, otherwise falls back to
// the DUSKRELAY_LOG environment variable, then to RUST_LOG. RUST_LOG's
// `target=level` pairs are not supported; only its bare-level form is
// honored, since there is no per-module tree in these two binaries to
// filter.
func resolveLevel(level string) string {
	if level != "" {
		return level
	}
	if v := os.Getenv("DUSKRELAY_LOG"); v != "" {
		return v
	}
	if v := os.Getenv("RUST_LOG"); v != "" {
		if !strings.Contains(v, "=") {
			return v
		}
	}
	return ""
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// HumanBytes renders n as a human-readable byte count ("1.2 MB"), for
// attaching alongside the raw integer in a log line.
func HumanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// Common attribute keys for consistent logging.
const (
	KeyPeer        = "peer"
	KeyUser        = "user"
	KeyDestination = "destination"
	KeyCipher      = "cipher"
	KeyBytesSent   = "bytes_sent"
	KeyBytesRecv   = "bytes_received"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyRemoteAddr  = "remote_addr"
	KeyLocalAddr   = "local_addr"
	KeyDuration    = "duration"
)
