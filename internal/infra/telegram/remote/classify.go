package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"
)

// revokedTypes — RPC-ошибки, после которых сохранённая сессия бесполезна.
var revokedTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_PERM_EMPTY",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// classify переводит ошибку gotd в таксономию пакета. nil остаётся nil.
// Исходная ошибка сохраняется в цепочке для логов.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &RateLimitedError{RetryAfter: d}
	}
	switch {
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return wrap(ErrInvalidPassword, err)
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return wrap(ErrInvalidPhone, err)
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return wrap(ErrInvalidCode, err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return wrap(ErrCodeExpired, err)
	case tgerr.Is(err, "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD"):
		return wrap(ErrInvalidApplication, err)
	case tgerr.Is(err, revokedTypes...):
		return wrap(ErrRevokedCredential, err)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Code == 401 {
			return wrap(ErrRevokedCredential, err)
		}
		// 420 без FLOOD_WAIT_X (FLOOD_PREMIUM_WAIT_X и т.п.)
		if rpcErr.Code == 420 {
			return &RateLimitedError{RetryAfter: time.Duration(rpcErr.Argument) * time.Second}
		}
	}
	return wrap(ErrConnection, err)
}

func wrap(kind, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
