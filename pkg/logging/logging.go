// Package logging builds the relay's slog logger: a colored console handler,
// plus an optional rotating JSON log file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MatusOllah/slogcolor"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Color bool   `mapstructure:"color"`
	// File enables JSON logging to a rotated file
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Color:      true,
		MaxSizeMB:  50,
		MaxBackups: 7,
		MaxAgeDays: 14,
	}
}

// ParseLevel maps a level name to a slog level. An empty name is info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger writing to console, and to cfg.File when set. The
// returned closer flushes and closes the log file.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	opts := *slogcolor.DefaultOptions
	opts.Level = level
	opts.TimeFormat = time.DateTime
	opts.NoColor = !cfg.Color
	handlers := []slog.Handler{slogcolor.NewHandler(console, &opts)}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
		closer = sink
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
