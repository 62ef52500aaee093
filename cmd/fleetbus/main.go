package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/otelutil"
	"github.com/DacKha/Bus-Tracking-System-sub001/internal/server"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/config"
	"github.com/DacKha/Bus-Tracking-System-sub001/pkg/logging"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	if err := otelutil.Init(); err != nil {
		logger.Debug("tracing disabled", slog.Any("reason", err))
	}
	defer otelutil.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully")
}
