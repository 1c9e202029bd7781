package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"telegram-presence-bot/internal/adapters/cli"
	"telegram-presence-bot/internal/adapters/telegram/bot"
	"telegram-presence-bot/internal/adapters/web"
	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/presence"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/concurrency"
	"telegram-presence-bot/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const webServerShutdownTimeout = 10 * time.Second

// Runner запускает долгоживущие узлы и останавливает их в обратном порядке.
//
// Фронтенд бота, планировщик и janitor попыток крутятся в одной errgroup: отказ
// любого из них останавливает остальные. Консоль и HTTP необязательны.
type Runner struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	store     sessions.Store
	manager   *acquisition.Manager
	scheduler *presence.Scheduler
	frontend  *bot.Frontend
	dedup     *concurrency.Deduplicator
	cli       *cli.Service
	web       *web.Server
}

// Run блокируется до отмены mainCtx или отказа одного из узлов.
func (r *Runner) Run() error {
	defer func() {
		logger.Debug("stopping service credential_store")
		if err := r.store.Close(); err != nil {
			logger.Error("close credential store", zap.Error(err))
		}
	}()

	logger.Debug("starting service deduplicator")
	r.dedup.Start(r.mainCtx)
	defer r.dedup.Stop()

	g, ctx := errgroup.WithContext(r.mainCtx)

	g.Go(func() error {
		logger.Debug("starting service bot_frontend")
		return r.frontend.Run(ctx, r.onBotReady)
	})

	g.Go(func() error {
		logger.Debug("starting service acquisition_janitor")
		if err := r.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if r.web != nil {
		g.Go(func() error {
			if err := r.web.Start(); err != nil {
				logger.Error("web server error", zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
			defer cancel()
			if err := r.web.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to stop web_server", zap.Error(err))
			}
			return nil
		})
	}

	if r.cli != nil {
		logger.Debug("starting service cli")
		r.cli.Start(ctx)
		defer func() {
			logger.Debug("stopping service cli")
			r.cli.Stop()
		}()
	}

	// Планировщик стартует сразу: делегированные аккаунты не зависят от бота.
	g.Go(func() error {
		logger.Debug("starting service presence_scheduler")
		return r.scheduler.Run(ctx)
	})

	err := g.Wait()
	if err != nil {
		logger.Error("runner: service failed, shutting down", zap.Error(err))
	}
	r.mainCancel()
	logger.Debug("all services stopped")
	return err
}

func (r *Runner) onBotReady(context.Context) {
	logger.Info("presence bot is ready", zap.Int("open_attempts", r.manager.Open()))
}
