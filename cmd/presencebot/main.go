package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-presence-bot/internal/app"
	"telegram-presence-bot/internal/infra/config"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/pr"
)

func main() {
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	logger.InitFile(logger.FileOptions{
		Path:       env.LogFile,
		Level:      env.LogFileLevel,
		MaxSizeMB:  env.LogFileMaxSize,
		MaxBackups: env.LogFileMaxBackups,
		MaxAgeDays: env.LogFileMaxAge,
		Compress:   env.LogFileCompress,
	})
	defer logger.Close()

	// Консоли нужен readline; логи идут через его буферы, чтобы не рвать приглашение.
	if env.CLIEnable {
		if err := pr.Init(); err != nil {
			logger.Fatal("failed to init console", zap.Error(err))
		}
		logger.SetWriters(pr.Stdout(), pr.Stderr())
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewApp(ctx, stop, env).Run(); err != nil {
		logger.Error("app run failed", zap.Error(err))
		stop()
		logger.Close()
		os.Exit(1)
	}
	logger.Info("Graceful shutdown complete")
}
