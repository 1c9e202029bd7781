// Package remotetest — управляемый из теста remote.Runtime без сети.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"telegram-presence-bot/internal/infra/telegram/remote"
)

// Runtime — фейковый рантайм. Поля *Func задают поведение; nil — успешный дефолт.
// Все хуки вызываются без удержания внутренних замков и могут блокироваться.
type Runtime struct {
	ConnectFunc         func(ctx context.Context, creds remote.Credentials) error
	RequestLoginFunc    func(ctx context.Context, phone string) (remote.Challenge, error)
	SubmitCodeFunc      func(ctx context.Context, ch remote.Challenge, code string) (remote.SignInResult, error)
	SubmitTwoFactorFunc func(ctx context.Context, password string) error
	ExportFunc          func(ctx context.Context, creds remote.Credentials) ([]byte, error)
	UpdateProfileFunc   func(ctx context.Context, creds remote.Credentials, text string) error
	SetOnlineFunc       func(ctx context.Context, creds remote.Credentials) error

	mu       sync.Mutex
	handles  []*Handle
	connects []remote.Credentials
}

var _ remote.Runtime = (*Runtime)(nil)

// Connect регистрирует подключение и возвращает записывающий Handle.
func (r *Runtime) Connect(ctx context.Context, creds remote.Credentials) (remote.Handle, error) {
	r.mu.Lock()
	r.connects = append(r.connects, creds)
	r.mu.Unlock()

	if r.ConnectFunc != nil {
		if err := r.ConnectFunc(ctx, creds); err != nil {
			return nil, err
		}
	}
	h := &Handle{rt: r, creds: creds}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h, nil
}

// Handles — все выданные хэндлы в порядке подключения.
func (r *Runtime) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Connects — все попытки подключения, включая неудачные.
func (r *Runtime) Connects() []remote.Credentials {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.Credentials(nil), r.connects...)
}

// OpenHandles — число хэндлов без Disconnect.
func (r *Runtime) OpenHandles() int {
	n := 0
	for _, h := range r.Handles() {
		if h.Disconnects() == 0 {
			n++
		}
	}
	return n
}

// Handle записывает вызовы.
type Handle struct {
	rt    *Runtime
	creds remote.Credentials

	mu          sync.Mutex
	calls       []string
	profile     []string
	disconnects int
}

var _ remote.Handle = (*Handle)(nil)

func (h *Handle) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disconnects > 0 {
		return remote.ErrDisconnected
	}
	h.calls = append(h.calls, call)
	return nil
}

// Creds — учётные данные, с которыми был открыт хэндл.
func (h *Handle) Creds() remote.Credentials { return h.creds }

// Calls — имена вызванных методов.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// ProfileTexts — тексты успешных UpdateProfileField.
func (h *Handle) ProfileTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.profile...)
}

// Disconnects — сколько раз вызван Disconnect.
func (h *Handle) Disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}

func (h *Handle) RequestLogin(ctx context.Context, phone string) (remote.Challenge, error) {
	if err := h.record("RequestLogin"); err != nil {
		return remote.Challenge{}, err
	}
	if h.rt.RequestLoginFunc != nil {
		return h.rt.RequestLoginFunc(ctx, phone)
	}
	return remote.Challenge{Phone: phone, Hash: "hash-" + phone}, nil
}

func (h *Handle) SubmitCode(ctx context.Context, ch remote.Challenge, code string) (remote.SignInResult, error) {
	if err := h.record("SubmitCode"); err != nil {
		return 0, err
	}
	if h.rt.SubmitCodeFunc != nil {
		return h.rt.SubmitCodeFunc(ctx, ch, code)
	}
	return remote.SignInDone, nil
}

func (h *Handle) SubmitTwoFactor(ctx context.Context, password string) error {
	if err := h.record("SubmitTwoFactor"); err != nil {
		return err
	}
	if h.rt.SubmitTwoFactorFunc != nil {
		return h.rt.SubmitTwoFactorFunc(ctx, password)
	}
	return nil
}

func (h *Handle) ExportCredential(ctx context.Context) ([]byte, error) {
	if err := h.record("ExportCredential"); err != nil {
		return nil, err
	}
	if h.rt.ExportFunc != nil {
		return h.rt.ExportFunc(ctx, h.creds)
	}
	return []byte(fmt.Sprintf("blob-%d", h.creds.AppID)), nil
}

func (h *Handle) UpdateProfileField(ctx context.Context, text string) error {
	if err := h.record("UpdateProfileField"); err != nil {
		return err
	}
	if h.rt.UpdateProfileFunc != nil {
		if err := h.rt.UpdateProfileFunc(ctx, h.creds, text); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.profile = append(h.profile, text)
	h.mu.Unlock()
	return nil
}

func (h *Handle) SetOnline(ctx context.Context) error {
	if err := h.record("SetOnline"); err != nil {
		return err
	}
	if h.rt.SetOnlineFunc != nil {
		return h.rt.SetOnlineFunc(ctx, h.creds)
	}
	return nil
}

func (h *Handle) Disconnect() {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
}
