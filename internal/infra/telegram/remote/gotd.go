package remote

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-presence-bot/internal/infra/logger"
)

// disconnectTimeout ограничивает ожидание остановки client.Run после отмены.
const disconnectTimeout = 5 * time.Second

// Options — параметры клиентов делегированных аккаунтов.
type Options struct {
	TestDC      bool
	ThrottleRPS int
}

// GotdRuntime открывает соединения через gotd/td. Каждый Handle — отдельный
// telegram.Client с сессией в памяти: blob приходит из CredentialStore и туда же уходит.
type GotdRuntime struct {
	opts Options
}

var _ Runtime = (*GotdRuntime)(nil)

// NewGotdRuntime создаёт рантайм.
func NewGotdRuntime(opts Options) *GotdRuntime {
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = 5
	}
	return &GotdRuntime{opts: opts}
}

// gotdHandle держит запущенный client.Run в фоне до Disconnect.
type gotdHandle struct {
	client  *telegram.Client
	api     *tg.Client
	storage *session.StorageMemory

	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
}

// Connect поднимает соединение и возвращается, когда клиент готов к RPC.
// Жизнь соединения не привязана к ctx: ctx ограничивает только установку.
func (r *GotdRuntime) Connect(ctx context.Context, creds Credentials) (Handle, error) {
	storage := new(session.StorageMemory)
	if len(creds.Blob) > 0 {
		if err := storage.StoreSession(ctx, creds.Blob); err != nil {
			return nil, wrap(ErrConnection, errors.Wrap(err, "seed session"))
		}
	}

	options := telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Limit(r.opts.ThrottleRPS), r.opts.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		},
	}
	if r.opts.TestDC {
		options.DCList = dcs.Test()
	}
	if logger.IsDebugEnabled() {
		options.Logger = logger.Logger().Named("delegated_client")
	}

	client := telegram.NewClient(creds.AppID, creds.AppSecret, options)
	runCtx, cancel := context.WithCancel(context.Background())
	h := &gotdHandle{
		client:  client,
		api:     client.API(),
		storage: storage,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ready := make(chan struct{})
	go func() {
		defer close(h.done)
		h.runErr = client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return h, nil
	case <-h.done:
		cancel()
		return nil, classifyConnect(h.runErr)
	case <-ctx.Done():
		h.Disconnect()
		return nil, wrap(ErrConnection, ctx.Err())
	}
}

// classifyConnect: ошибка до готовности клиента — почти всегда сеть, но
// отозванный ключ и неверный API_ID тоже всплывают здесь.
func classifyConnect(err error) error {
	if err == nil {
		err = errors.New("client stopped before ready")
	}
	return classify(err)
}

// call выполняет fn, пока соединение живо, и классифицирует ошибку.
func (h *gotdHandle) call(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-h.done:
		return ErrDisconnected
	default:
	}
	return classify(fn(ctx))
}

func (h *gotdHandle) RequestLogin(ctx context.Context, phone string) (Challenge, error) {
	var ch Challenge
	err := h.call(ctx, func(ctx context.Context) error {
		sent, err := h.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
		if err != nil {
			return err
		}
		code, ok := sent.(*tg.AuthSentCode)
		if !ok {
			return errors.Errorf("unexpected sent code type %T", sent)
		}
		ch = Challenge{Phone: phone, Hash: code.PhoneCodeHash}
		return nil
	})
	return ch, err
}

func (h *gotdHandle) SubmitCode(ctx context.Context, ch Challenge, code string) (SignInResult, error) {
	var res SignInResult
	err := h.call(ctx, func(ctx context.Context) error {
		_, err := h.client.Auth().SignIn(ctx, ch.Phone, code, ch.Hash)
		var signUp *auth.SignUpRequired
		switch {
		case err == nil:
			res = SignInDone
			return nil
		case errors.Is(err, auth.ErrPasswordAuthNeeded):
			res = SignInNeedsTwoFactor
			return nil
		case errors.As(err, &signUp):
			return ErrSignUpRequired
		default:
			return err
		}
	})
	if errors.Is(err, ErrSignUpRequired) {
		// classify обернул бы его в ErrConnection.
		return 0, ErrSignUpRequired
	}
	return res, err
}

func (h *gotdHandle) SubmitTwoFactor(ctx context.Context, password string) error {
	return h.call(ctx, func(ctx context.Context) error {
		_, err := h.client.Auth().Password(ctx, password)
		return err
	})
}

func (h *gotdHandle) ExportCredential(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return nil, ErrDisconnected
	default:
	}
	status, err := h.client.Auth().Status(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if !status.Authorized {
		return nil, wrap(ErrConnection, errors.New("session is not authorized"))
	}
	blob, err := h.storage.LoadSession(ctx)
	if err != nil {
		return nil, wrap(ErrConnection, errors.Wrap(err, "load session"))
	}
	return blob, nil
}

func (h *gotdHandle) UpdateProfileField(ctx context.Context, text string) error {
	return h.call(ctx, func(ctx context.Context) error {
		_, err := h.api.AccountUpdateProfile(ctx, &tg.AccountUpdateProfileRequest{LastName: text})
		return err
	})
}

func (h *gotdHandle) SetOnline(ctx context.Context) error {
	return h.call(ctx, func(ctx context.Context) error {
		_, err := h.api.AccountUpdateStatus(ctx, false)
		return err
	})
}

// Disconnect отменяет client.Run и ждёт его не дольше disconnectTimeout.
func (h *gotdHandle) Disconnect() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(disconnectTimeout):
			logger.Warn("remote: client did not stop in time", zap.Duration("timeout", disconnectTimeout))
		}
	})
}
