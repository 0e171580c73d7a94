// Package logger configures the process-wide slog loggers: an operational
// logger and an audit logger that records every money-moving decision.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit log output behaviour. The audit stream is always
// JSON so it can be shipped and replayed next to the ledger.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling it again replaces the
// previous configuration and closes its outputs.
func Init(cfg Config) error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}

	var opened []io.Closer
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	base := slog.New(handler)
	audit := base.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		writer, err := auditWriter(cfg.Audit)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, writer)
		audit = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mu.Lock()
	previous := closers
	defaultLogger, auditLogger, closers = base, audit, opened
	mu.Unlock()
	return closeAll(previous)
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions, opened *[]io.Closer) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*opened = append(*opened, closer)
		}
		writers = append(writers, writer)
	}

	var writer io.Writer = os.Stdout
	switch len(writers) {
	case 0:
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func auditWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
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

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	return L()
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync flushes and closes file outputs.
func Sync() error {
	mu.Lock()
	current := closers
	closers = nil
	mu.Unlock()
	return closeAll(current)
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}
