// Package logging provides structured JSON logging over log/slog with
// per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is safe for concurrent use. Child loggers share the parent's
// output file.
type Logger struct {
	*slog.Logger
	out *sink
}

type sink struct {
	mu   sync.Mutex
	file *os.File
}

// Config selects level and destination. An empty File logs to stderr.
type Config struct {
	Level string
	File  string
}

// New opens the configured destination and returns a JSON logger.
func New(cfg Config) (*Logger, error) {
	var w io.Writer = os.Stderr
	s := &sink{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		s.file = f
		w = f
	}
	return newLogger(w, cfg.Level, s), nil
}

// NewWithWriter builds a logger over an arbitrary writer.
func NewWithWriter(w io.Writer, level string) *Logger {
	return newLogger(w, level, &sink{})
}

func newLogger(w io.Writer, level string, s *sink) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{Logger: slog.New(h), out: s}
}

// Nop discards everything.
func Nop() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is recognised. Empty means INFO.
func ValidLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), out: l.out}
}

func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

func (l *Logger) WithSlug(slug string) *Logger { return l.with("slug", slug) }

func (l *Logger) WithOwner(owner string) *Logger { return l.with("owner", owner) }

// With returns a child logger carrying extra key-value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return l.with(args...)
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file == nil {
		return nil
	}
	if err := l.out.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	err := l.out.file.Close()
	l.out.file = nil
	return err
}
