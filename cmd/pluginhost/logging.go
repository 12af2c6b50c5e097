package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/zero-day-ai/pluginhost/config"
)

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger builds the host logger from the log section of host.yaml.
func newLogger(cfg *config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.GetLevel())
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.GetFormat() {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.GetFormat())
	}
}
