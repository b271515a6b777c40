// Package main is the entry point for the sync reliability orchestrator.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/cadencehq/sync-orchestrator/cmd/cadence-syncd/app"
	"github.com/cadencehq/sync-orchestrator/internal/config"
)

// getLogLevel parses the CADENCE_LOG_LEVEL environment variable and returns
// the corresponding slog.Level. Falls back to LOG_LEVEL, then to info.
func getLogLevel() slog.Level {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	levelStr := v.GetString("LOG_LEVEL")
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

func main() {
	// Structured JSON logging on stderr, keeping stdout clean for commands
	// that output data (e.g. version --format json).
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
