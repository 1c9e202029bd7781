// Package remote — RemoteSessionRuntime: живое MTProto-соединение с делегированным аккаунтом.
//
// Все операции блокирующие и могут упасть; ошибки уже классифицированы в таксономию
// пакета (ErrInvalidPhone, ErrInvalidCode, *RateLimitedError, ErrConnection, ...),
// так что вызывающий код проверяет их через errors.Is / errors.As и не знает о tgerr.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials — всё, что нужно для подключения от имени делегированного аккаунта.
// Blob пустой при первичном логине и заполнен при проигрывании сохранённой сессии.
type Credentials struct {
	AppID     int
	AppSecret string
	Blob      []byte
}

// Challenge — результат запроса кода; Hash нужен, чтобы погасить код.
type Challenge struct {
	Phone string
	Hash  string
}

// SignInResult — исход SubmitCode.
type SignInResult int

const (
	SignInDone SignInResult = iota + 1
	SignInNeedsTwoFactor
)

func (r SignInResult) String() string {
	switch r {
	case SignInDone:
		return "done"
	case SignInNeedsTwoFactor:
		return "needs_two_factor"
	default:
		return fmt.Sprintf("SignInResult(%d)", int(r))
	}
}

// Runtime открывает соединения.
type Runtime interface {
	Connect(ctx context.Context, creds Credentials) (Handle, error)
}

// Handle — одно живое соединение. Пользоваться им можно только до Disconnect.
type Handle interface {
	RequestLogin(ctx context.Context, phone string) (Challenge, error)
	SubmitCode(ctx context.Context, ch Challenge, code string) (SignInResult, error)
	SubmitTwoFactor(ctx context.Context, password string) error
	ExportCredential(ctx context.Context) ([]byte, error)
	UpdateProfileField(ctx context.Context, text string) error
	SetOnline(ctx context.Context) error
	// Disconnect идемпотентен, ограничен по времени и не возвращает ошибок.
	Disconnect()
}

var (
	ErrConnection         = errors.New("connection error")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidCode        = errors.New("invalid code")
	ErrCodeExpired        = errors.New("code expired")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrRevokedCredential  = errors.New("credential revoked")
	ErrInvalidApplication = errors.New("application id or secret rejected")
	ErrSignUpRequired     = errors.New("phone number is not registered")
	ErrRateLimited        = errors.New("rate limited")
	ErrDisconnected       = errors.New("handle disconnected")
)

// RateLimitedError — FLOOD_WAIT и аналоги; RetryAfter показывается владельцу.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// AsRateLimited достаёт время ожидания из цепочки ошибок.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
