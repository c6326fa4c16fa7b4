package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Run loads COEDIT_* config, logs the effective collaboration settings and
// serves until SIGINT or SIGTERM. cmd/coedit turns a returned error into exit status 1.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	log.Info("coedit.config",
		"http_addr", cfg.HTTPAddr,
		"archive", archiveMode(cfg),
		"fanout", cfg.RedisURL != "",
		"transform_window", cfg.TransformWindow,
		"max_participants", cfg.DefaultMaxParticipants,
		"history_limit", cfg.HistoryLimit,
		"session_idle_timeout", cfg.SessionIdleTimeout,
	)

	a, err := New(cfg, log)
	if err != nil {
		return fmt.Errorf("coedit init: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

// archiveMode names where applied changes are persisted.
func archiveMode(cfg Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres:" + cfg.DBSchema
}
