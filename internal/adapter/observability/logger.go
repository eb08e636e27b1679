package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/config"
)

// SetupLogger builds the process-wide slog logger. Dev runs get a human
// readable text handler at debug level; every other environment logs JSON
// at info. Each record carries the service name and environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.IsDev() {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
