package bot

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/telegram/peersmgr"
	"telegram-presence-bot/internal/infra/telegram/session"
)

// Options — параметры MTProto-клиента бота.
type Options struct {
	APIID       int
	APIHash     string
	BotToken    string
	SessionFile string
	StateFile   string
	TestDC      bool
	ThrottleRPS int
}

// Handler обрабатывает входящее сообщение (Router).
type Handler interface {
	Handle(ctx context.Context, in Incoming) error
}

// lazyUpdateHandler откладывает установку реального обработчика апдейтов:
// updates.Manager нужен API клиента, а клиенту нужен обработчик.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// Frontend — MTProto-сторона бота: логин по токену, апдейты, отправка ответов.
// Реализует Messenger.
type Frontend struct {
	opts    Options
	client  *telegram.Client
	api     *tg.Client
	sender  *message.Sender
	waiter  *floodwait.Waiter
	peers   *peersmgr.Service
	updMgr  *tgupdates.Manager
	inbox   *inbox
	handler Handler

	ready atomic.Bool
}

var _ Messenger = (*Frontend)(nil)

// NewFrontend собирает клиента бота. Сеть не трогает до Run.
func NewFrontend(opts Options) (*Frontend, error) {
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = 5
	}
	f := &Frontend{opts: opts, waiter: floodwait.NewWaiter()}

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			f.waiter,
			ratelimit.New(rate.Limit(opts.ThrottleRPS), opts.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		},
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}
	if logger.IsDebugEnabled() {
		options.Logger = logger.Logger().Named("bot_client")
	}

	f.client = telegram.NewClient(opts.APIID, opts.APIHash, options)
	f.api = f.client.API()
	f.sender = message.NewSender(f.api)

	peers, err := peersmgr.New(f.api, opts.StateFile)
	if err != nil {
		return nil, errors.Wrap(err, "init peers")
	}
	f.peers = peers

	f.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      peers.StateStorage(),
		AccessHasher: peers.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peers.Mgr.UpdateHook(f.updMgr), peers.Store()))

	dispatcher.OnNewMessage(f.onNewMessage)
	f.inbox = newInbox(f.dispatch)
	return f, nil
}

// ErrNotReady — бот ещё не получает апдейты (или уже остановлен).
var ErrNotReady = errors.New("bot updates are not running")

// Ready для /health.
func (f *Frontend) Ready(context.Context) error {
	if !f.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// SetHandler задаёт обработчик сообщений. Вызывается до Run.
func (f *Frontend) SetHandler(h Handler) {
	f.handler = h
}

// Run логинится ботом и крутит апдейты до отмены ctx. onReady вызывается,
// когда updates.Manager запущен.
func (f *Frontend) Run(ctx context.Context, onReady func(ctx context.Context)) error {
	defer func() {
		if err := f.peers.Close(); err != nil {
			logger.Warn("bot: close state db", zap.Error(err))
		}
	}()

	return f.waiter.Run(ctx, func(ctx context.Context) error {
		return f.client.Run(ctx, func(ctx context.Context) error {
			self, err := f.login(ctx)
			if err != nil {
				return err
			}
			if err := f.peers.LoadFromStorage(ctx); err != nil {
				logger.Warn("bot: load peers from storage", zap.Error(err))
			}

			f.inbox.Open(ctx)
			defer f.inbox.Close()
			defer f.ready.Store(false)

			err = f.updMgr.Run(ctx, f.api, self.ID, tgupdates.AuthOptions{
				IsBot: true,
				OnStart: func(ctx context.Context) {
					f.registerCommands(ctx)
					f.ready.Store(true)
					logger.Info("bot: updates started", zap.String("username", self.Username))
					if onReady != nil {
						onReady(ctx)
					}
				},
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	})
}

func (f *Frontend) login(ctx context.Context) (*tg.User, error) {
	status, err := f.client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if _, err := f.client.Auth().Bot(ctx, f.opts.BotToken); err != nil {
			return nil, errors.Wrap(err, "bot auth")
		}
	}
	self, err := f.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Info("bot: logged in", zap.String("username", self.Username), zap.Int64("id", self.ID))
	return self, nil
}

var botCommands = []tg.BotCommand{
	{Command: "clock", Description: "Часы в фамилии профиля"},
	{Command: "online", Description: "Онлайн 24/7"},
	{Command: "clock_off", Description: "Выключить часы"},
	{Command: "online_off", Description: "Выключить онлайн"},
	{Command: "status", Description: "Что включено"},
	{Command: "cancel", Description: "Прервать подключение"},
	{Command: "delete", Description: "Забыть аккаунт"},
	{Command: "help", Description: "Справка"},
}

func (f *Frontend) registerCommands(ctx context.Context) {
	_, err := f.api.BotsSetBotCommands(ctx, &tg.BotsSetBotCommandsRequest{
		Scope:    &tg.BotCommandScopeDefault{},
		Commands: botCommands,
	})
	if err != nil {
		logger.Warn("bot: set commands", zap.Error(err))
	}
}

// onNewMessage принимает только входящие личные сообщения от людей.
func (f *Frontend) onNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return nil
	}

	in := Incoming{OwnerID: peer.UserID, MsgID: msg.ID, Text: msg.Message}
	if user, ok := e.Users[peer.UserID]; ok {
		if user.Bot {
			return nil
		}
		in.AccessHash = user.AccessHash
		if err := f.peers.Remember(ctx, user); err != nil {
			logger.Warn("bot: remember peer", logger.Owner(peer.UserID), zap.Error(err))
		}
	}

	if !f.inbox.Push(in) {
		logger.Debug("bot: message dropped on shutdown", logger.Owner(in.OwnerID))
	}
	return nil
}

func (f *Frontend) dispatch(ctx context.Context, in Incoming) {
	if f.handler == nil {
		return
	}
	if err := f.handler.Handle(ctx, in); err != nil {
		logger.Warn("bot: handle message", logger.Owner(in.OwnerID), zap.Error(err))
	}
}

func (f *Frontend) inputPeer(ctx context.Context, owner, accessHash int64) (tg.InputPeerClass, error) {
	if accessHash != 0 {
		return &tg.InputPeerUser{UserID: owner, AccessHash: accessHash}, nil
	}
	return f.peers.InputUser(ctx, owner)
}

// Reply отвечает владельцу в его личный чат.
func (f *Frontend) Reply(ctx context.Context, in Incoming, text string) error {
	peer, err := f.inputPeer(ctx, in.OwnerID, in.AccessHash)
	if err != nil {
		return err
	}
	if _, err := f.sender.To(peer).Text(ctx, text); err != nil {
		return errors.Wrap(err, "send reply")
	}
	return nil
}

// Delete удаляет сообщение владельца у обеих сторон.
func (f *Frontend) Delete(ctx context.Context, in Incoming) error {
	_, err := f.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{in.MsgID},
	})
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// Notify пишет владельцу по сохранённому access hash.
func (f *Frontend) Notify(ctx context.Context, owner int64, text string) error {
	peer, err := f.inputPeer(ctx, owner, 0)
	if err != nil {
		return err
	}
	if _, err := f.sender.To(peer).Text(ctx, text); err != nil {
		return errors.Wrap(err, "send notification")
	}
	return nil
}
