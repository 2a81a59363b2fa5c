package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production and LOG_FORMAT=json get the
// JSON handler at info level; development runs get the text handler with
// debug enabled so per-page fetch logging is visible.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg != nil && !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
	}
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
