package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// login ведёт тот же сценарий, что и бот, но с терминала оператора.
// «cancel» на любом шаге прерывает попытку; api_hash и пароль читаются без эха.
func (s *Service) login(ctx context.Context, owner int64, b sessions.Behavior) error {
	if s.opts.Flow == nil {
		return errors.New("acquisition flow is not available")
	}
	logger.Info("cli: login started", logger.Owner(owner), zap.String("behavior", string(b)))

	r, err := s.opts.Flow.Start(ctx, owner, b)
	for {
		if err != nil {
			s.opts.Flow.Cancel(owner)
			return err
		}
		s.println(consoleNotice(r))
		if r.State.Terminal() || r.State == acquisition.StateIdle {
			return nil
		}

		read := s.in.ReadLine
		if secretState(r.State) {
			read = s.in.ReadSecret
		}
		line, readErr := read(statePrompt(r.State))
		if readErr != nil {
			s.opts.Flow.Cancel(owner)
			s.println("Login aborted.")
			return nil
		}
		if strings.EqualFold(strings.TrimSpace(line), "cancel") {
			s.println(consoleNotice(s.opts.Flow.Cancel(owner)))
			return nil
		}
		r, err = s.opts.Flow.Submit(ctx, owner, line)
	}
}

func secretState(st acquisition.State) bool {
	return st == acquisition.StateAwaitingAppSecret || st == acquisition.StateAwaitingTwoFactor
}

func statePrompt(st acquisition.State) string {
	switch st {
	case acquisition.StateAwaitingAppID:
		return "api_id: "
	case acquisition.StateAwaitingAppSecret:
		return "api_hash: "
	case acquisition.StateAwaitingPhone:
		return "phone: "
	case acquisition.StateAwaitingCode:
		return "code: "
	case acquisition.StateAwaitingTwoFactor:
		return "2FA password: "
	default:
		return "> "
	}
}

func consoleNotice(r acquisition.Reply) string {
	switch r.Notice {
	case acquisition.NoticePromptAppID:
		return "Enter api_id from https://my.telegram.org (type 'cancel' to abort)."
	case acquisition.NoticeInvalidAppID:
		return "api_id must be a positive integer."
	case acquisition.NoticePromptAppSecret:
		return "Enter api_hash (input is hidden)."
	case acquisition.NoticeInvalidAppSecret:
		return "api_hash must be exactly 32 characters."
	case acquisition.NoticePromptPhone:
		return "Enter the account phone number in international format."
	case acquisition.NoticeInvalidPhone:
		return "Phone number is not valid."
	case acquisition.NoticeCodeSent:
		return "Login code sent."
	case acquisition.NoticeInvalidCode:
		return "Invalid code, try again."
	case acquisition.NoticeCodeExpired:
		return "Code expired; type 'cancel' and start the login again."
	case acquisition.NoticePromptPassword:
		return "Two-step verification is on. Enter the cloud password (input is hidden)."
	case acquisition.NoticeInvalidPassword:
		return "Invalid password, try again."
	case acquisition.NoticeRateLimited:
		return fmt.Sprintf("Rate limited by Telegram, retry in %s.", r.RetryAfter.Round(time.Second))
	case acquisition.NoticeComplete, acquisition.NoticeBehaviorEnabled:
		return fmt.Sprintf("Done: %s enabled.", r.Behavior)
	case acquisition.NoticeBehaviorAlreadyEnabled:
		return fmt.Sprintf("%s is already enabled.", r.Behavior)
	case acquisition.NoticeCancelled:
		return "Login cancelled."
	case acquisition.NoticeNothingToCancel, acquisition.NoticeNoAttempt:
		return "No login in progress."
	case acquisition.NoticeSessionExpired:
		return "Login attempt expired."
	case acquisition.NoticeSignUpRequired:
		return "No Telegram account is registered for this phone."
	case acquisition.NoticeApplicationRejected:
		return "Telegram rejected api_id/api_hash."
	case acquisition.NoticeFailed:
		return "Login failed, see logs."
	default:
		return fmt.Sprintf("state: %s", r.State)
	}
}
