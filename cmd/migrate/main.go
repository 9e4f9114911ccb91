package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"jutjub/internal/config"
	"jutjub/internal/logging"
	"jutjub/internal/migrations"

	"go.uber.org/zap"
)

func main() {
	down := flag.Bool("down", false, "回滚全部迁移")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dir := migrations.Up
	if *down {
		dir = migrations.Down
	}

	if err := migrations.Run(ctx, cfg.PostgresDSN(), dir, logger); err != nil {
		logger.Fatal("apply migrations", zap.String("direction", string(dir)), zap.Error(err))
	}
	logger.Info("migrations applied", zap.String("direction", string(dir)))
}
