// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/roach88/atelier/internal/config"
)

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Setup returns a logger writing to w in the configured format. When
// cfg.File is set every record is also appended to that file as JSON. The
// returned close function releases the file.
func Setup(cfg config.LogConfig, w io.Writer) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		var err error
		if level, err = ParseLevel(cfg.Level); err != nil {
			return nil, nil, err
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var primary slog.Handler
	switch cfg.Format {
	case "", "text":
		primary = slog.NewTextHandler(w, opts)
	case "json":
		primary = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if cfg.File == "" {
		return slog.New(primary), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(
		primary,
		slog.NewJSONHandler(f, opts),
	))
	return logger, f.Close, nil
}
