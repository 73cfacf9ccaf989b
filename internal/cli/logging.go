package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pthm/opctx"
)

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", name)
	}
}

// NewLogger builds the process logger. Records logged with a context carry
// the operation and caller groups.
//
// verbose lowers the level one step per count; quiet raises it to error.
func NewLogger(w io.Writer, cfg LogConfig, verbose int, quiet bool) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level -= slog.Level(4 * verbose)
	if level < slog.LevelDebug {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("log.format must be json or text, got %q", cfg.Format)
	}
	return slog.New(opctx.NewLogHandler(h)), nil
}
