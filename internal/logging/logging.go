// Package logging opens the process log sink and hands out component
// loggers.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/tasksync/internal/config"
)

// Open returns the writer configured by cfg: a size-rotated file when
// cfg.File is set, stderr otherwise. Closing the stderr sink is a no-op.
func Open(cfg config.LogConfig) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nopCloser{os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}, nil
}

// New returns a logger writing to w with a "[component] " prefix.
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
