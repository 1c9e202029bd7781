// Package app — сборка бота: хранилище сессий, рантайм делегированных аккаунтов,
// сценарий получения сессии, планировщик, MTProto-фронтенд бота и служебные
// поверхности (консоль, HTTP). Запуск и остановка — в runner.go.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telegram-presence-bot/internal/adapters/cli"
	"telegram-presence-bot/internal/adapters/telegram/bot"
	"telegram-presence-bot/internal/adapters/web"
	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/presence"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/clock"
	"telegram-presence-bot/internal/infra/concurrency"
	"telegram-presence-bot/internal/infra/config"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/telegram/remote"
)

// notifyTimeout ограничивает отправку уведомления об истёкшей попытке.
const notifyTimeout = 10 * time.Second

// App агрегирует зависимости бота.
type App struct {
	env        config.EnvConfig
	mainCtx    context.Context
	mainCancel context.CancelFunc
}

// NewApp создаёт каркас приложения; сборка и запуск — в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, env config.EnvConfig) *App {
	return &App{env: env, mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает подсистемы и блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("presence bot initializing...",
		zap.String("store", a.env.StoreDriver),
		zap.Duration("clock_period", a.env.ClockPeriod),
		zap.Duration("online_period", a.env.OnlinePeriod),
		zap.Int("concurrency", a.env.SchedulerConcurrency))

	store, backup, err := openStore(a.mainCtx, a.env)
	if err != nil {
		return err
	}

	runtime := remote.NewGotdRuntime(remote.Options{
		TestDC:      a.env.TestDC,
		ThrottleRPS: a.env.ThrottleRPS,
	})

	frontend, err := bot.NewFrontend(bot.Options{
		APIID:       a.env.APIID,
		APIHash:     a.env.APIHash,
		BotToken:    a.env.BotToken,
		SessionFile: a.env.BotSessionFile,
		StateFile:   a.env.BotStateFile,
		TestDC:      a.env.TestDC,
		ThrottleRPS: a.env.ThrottleRPS,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init bot: %w", err)
	}

	var router *bot.Router
	manager := acquisition.NewManager(acquisition.Options{
		Store:   store,
		Runtime: runtime,
		TTL:     a.env.AttemptTTL,
		OnExpire: func(owner int64) {
			ctx, cancel := context.WithTimeout(a.mainCtx, notifyTimeout)
			defer cancel()
			router.NotifyExpired(ctx, owner)
		},
	})

	dedup := concurrency.NewDeduplicator(a.env.DedupWindow)
	router = bot.NewRouter(manager, store, frontend, dedup, a.env.AdminUID)
	frontend.SetHandler(router)

	scheduler := presence.NewScheduler(presence.Options{
		Store:         store,
		Runtime:       runtime,
		ClockPeriod:   a.env.ClockPeriod,
		OnlinePeriod:  a.env.OnlinePeriod,
		Concurrency:   a.env.SchedulerConcurrency,
		ReplayTimeout: a.env.ReplayTimeout,
		ConnectRPS:    a.env.ConnectRPS,
	})

	r := &Runner{
		mainCtx:    a.mainCtx,
		mainCancel: a.mainCancel,
		store:      store,
		manager:    manager,
		scheduler:  scheduler,
		frontend:   frontend,
		dedup:      dedup,
	}
	if a.env.CLIEnable {
		r.cli = cli.NewService(cli.Options{
			Store:   store,
			Backup:  backup,
			Ticker:  scheduler,
			Flow:    manager,
			StopApp: a.mainCancel,
		})
	}
	if a.env.WebServerEnable {
		r.web = web.NewServer(web.Options{
			Address: a.env.WebServerAddress,
			Ready:   frontend.Ready,
		})
	}
	return r.Run()
}

// openStore выбирает CredentialStore по STORE_DRIVER. Backuper есть только у bolt.
func openStore(ctx context.Context, env config.EnvConfig) (sessions.Store, cli.Backuper, error) {
	sealer, err := sessions.NewSealer(env.CredentialKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init sealer: %w", err)
	}

	switch env.StoreDriver {
	case config.StoreDriverPostgres:
		st, err := sessions.OpenPostgres(ctx, env.PostgresDSN, sealer, clock.Now)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil, nil
	case config.StoreDriverMemory:
		logger.Warn("memory store: sessions are lost on restart")
		return sessions.NewMemoryStore(clock.Now), nil, nil
	default:
		st, err := sessions.OpenBolt(env.StoreFile, sealer, clock.Now)
		if err != nil {
			if sessions.IsLocked(err) {
				return nil, nil, fmt.Errorf("store file %s is locked by another process: %w", env.StoreFile, err)
			}
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return st, st, nil
	}
}
