// internal/logging/logger.go
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/colebrumley/piiscrub/internal/config"
)

// NewLogger creates a new structured logger
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
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

// Setup builds the process logger from config. Output goes to w and, when a
// log file is configured, to a rotated file as well. The returned closer
// releases the file and is never nil.
func Setup(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	if w == nil {
		w = os.Stderr
	}
	if cfg.File.Path == "" {
		return NewLogger(cfg.Format, cfg.Level, w), io.NopCloser(nil), nil
	}

	fw, err := NewFileWriter(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(cfg.Format, cfg.Level, io.MultiWriter(w, fw)), fw, nil
}

// WithSource returns a logger with the event source attached
func WithSource(logger *slog.Logger, source string) *slog.Logger {
	return logger.With("source", source)
}
