// Package logr constructs the structured logger used throughout changefeed.
package logr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
)

const (
	DefaultFormat Format = "default"
	TextFormat    Format = "text"
	JSONFormat    Format = "json"
)

type (
	Config struct {
		Verbosity int
		Format    string
	}

	Format string

	// levelHandler wraps a handler, filtering out records below a minimum
	// level.
	levelHandler struct {
		level   slog.Leveler
		handler slog.Handler
	}
)

// RegisterFlags adds flags to the given flagset, and, after the flagset is
// parsed by the caller, the flags populate the logger config.
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.IntVarP(&cfg.Verbosity, "v", "v", 0, "Logging level")
	flags.StringVar(&cfg.Format, "log-format", string(DefaultFormat), "Logging format: default, text or json")
}

// New constructs a logger that writes to stdout.
func New(cfg Config) (logr.Logger, error) {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter constructs a logger that writes to w. The default format
// ignores w and delegates to slog's default handler.
func NewWithWriter(w io.Writer, cfg Config) (logr.Logger, error) {
	var h slog.Handler
	level := toSlogLevel(cfg.Verbosity)

	switch Format(cfg.Format) {
	case DefaultFormat, "":
		h = &levelHandler{level: level, handler: slog.Default().Handler()}
	case TextFormat:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case JSONFormat:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return logr.Logger{}, fmt.Errorf("unrecognised logging format: %s", cfg.Format)
	}
	return logr.FromSlogHandler(h), nil
}

// Discard returns a logger that logs nothing.
func Discard() logr.Logger { return logr.Discard() }

// toSlogLevel converts a logr v-level to a slog level, mirroring the
// mapping logr applies to V(n) records (slog level -n).
func toSlogLevel(verbosity int) slog.Level {
	if verbosity <= 0 {
		return slog.LevelInfo
	}
	return slog.Level(-verbosity)
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}
