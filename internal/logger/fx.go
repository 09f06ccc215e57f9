package logger

import (
	"context"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromEnv creates a zap logger from LOG_LEVEL and replaces globals.
func NewFromEnv() (*zap.Logger, error) {
	return New(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
}

func registerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			_ = log.Sync()
			return nil
		},
	})
}

// Module wires the global zap logger for the application.
var Module = fx.Module("logger",
	fx.Provide(
		NewFromEnv,
	),
	fx.Invoke(registerHooks),
)
