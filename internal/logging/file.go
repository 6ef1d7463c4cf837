// internal/logging/file.go
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/colebrumley/piiscrub/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFileWriter returns a size-rotated log file writer. Rotated files are
// named after the original with a timestamp and optionally gzipped.
func NewFileWriter(cfg config.LogFile) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}
