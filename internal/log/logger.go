// Package log wraps log/slog with a component-scoped logger, shared field
// names and request-scoped helpers used by the server and the worker.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a slog.Logger whose records always carry a component attribute.
type Logger struct {
	*slog.Logger
	// base has every attribute except the component, so WithComponent can
	// swap it without emitting the key twice.
	base      *slog.Logger
	component string
}

// Config selects the handler a Logger writes through. Handler wins over
// Format and Output when set.
type Config struct {
	Level     slog.Level
	Format    string
	Component string
	Handler   slog.Handler
	Output    io.Writer
}

// ParseLevel maps LOG_LEVEL values to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// FromSettings builds a Config from the LOG_LEVEL and LOG_FORMAT strings.
func FromSettings(component, level, format string) (Config, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return Config{}, err
	}
	switch format = strings.ToLower(format); format {
	case "", "text", "json":
	default:
		return Config{}, fmt.Errorf("unknown log format %q", format)
	}
	return Config{Level: lvl, Format: format, Component: component}, nil
}

// DefaultConfig logs text at info level to stdout.
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Component: ComponentApp}
}

func (c Config) handler() slog.Handler {
	if c.Handler != nil {
		return c.Handler
	}
	out := c.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: c.Level}
	if c.Format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

func New(config Config) *Logger {
	return newLogger(slog.New(config.handler()), config.Component)
}

func newLogger(base *slog.Logger, component string) *Logger {
	return &Logger{
		Logger:    base.With(FieldComponent, component),
		base:      base,
		component: component,
	}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		base:      l.base.With(args...),
		component: l.component,
	}
}

// WithComponent returns a copy tagged with a different component.
func (l *Logger) WithComponent(component string) *Logger {
	return newLogger(l.base, component)
}

func (l *Logger) Component() string {
	return l.component
}

// SetDefault routes the slog package functions through logger.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}
