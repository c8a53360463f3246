// Package logger builds the process wide slog loggers: the application
// logger, and an optional audit logger that journals committed mutations to
// a size rotated JSON file.
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
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	OutputPaths []string    `mapstructure:"output_paths" yaml:"output_paths"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	Audit       AuditConfig `mapstructure:"audit" yaml:"audit"`
}

// AuditConfig controls where committed mutations are journaled. When disabled
// the audit logger shares the application handler.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

func (c AuditConfig) withDefaults() AuditConfig {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 7
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	return c
}

var (
	mu      sync.RWMutex
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init builds the loggers from cfg and installs them as the globals,
// replacing (and closing) whatever a previous Init opened.
func Init(cfg Config) error {
	var opened []io.Closer
	fail := func(err error) error {
		for _, c := range opened {
			_ = c.Close()
		}
		return err
	}

	out, err := openOutputs(cfg.OutputPaths, &opened)
	if err != nil {
		return fail(err)
	}
	base := slog.New(newHandler(cfg.Format, out, &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}))

	journal := base
	if cfg.Audit.Enabled {
		file, err := newRotatingFile(cfg.Audit)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, file)
		journal = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}

	mu.Lock()
	previous := closers
	app, audit, closers = base, journal, opened
	mu.Unlock()
	slog.SetDefault(base)

	for _, c := range previous {
		_ = c.Close()
	}
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openOutputs 解析输出目标：stdout、stderr 或文件路径。空列表等同 stdout。
func openOutputs(paths []string, opened *[]io.Closer) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", p, err)
			}
			*opened = append(*opened, f)
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// ParseLevel validates a level name so CLI flags fail before Init runs.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info", "debug", "warn", "warning", "error":
		return parseLevel(level), true
	default:
		return slog.LevelInfo, false
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// L returns the application logger. Before Init it is slog's default.
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if app == nil {
		return slog.Default()
	}
	return app
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if audit == nil {
		if app == nil {
			return slog.Default()
		}
		return app
	}
	return audit
}

// Sync closes the files opened by Init. The loggers stay installed.
func Sync() error {
	mu.Lock()
	pending := closers
	closers = nil
	mu.Unlock()

	var err error
	for _, c := range pending {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
