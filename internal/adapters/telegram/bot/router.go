// Package bot — фронтенд бота: команды владельцев поверх сценария получения
// сессии и хранилища. Router не знает о MTProto: сообщения приходят как Incoming,
// ответы уходят через Messenger. MTProto-часть живёт в frontend.go.
package bot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/logger"
)

// Incoming — одно входящее личное сообщение владельца.
type Incoming struct {
	OwnerID int64
	MsgID   int
	Text    string
	// AccessHash владельца из апдейта; нужен, чтобы ответить.
	AccessHash int64
}

// Messenger — исходящая сторона бота.
type Messenger interface {
	Reply(ctx context.Context, in Incoming, text string) error
	// Delete удаляет входящее сообщение (секреты не должны оставаться в чате).
	Delete(ctx context.Context, in Incoming) error
	// Notify пишет владельцу вне ответа на сообщение.
	Notify(ctx context.Context, owner int64, text string) error
}

// Flow — сценарий получения сессии (acquisition.Manager).
type Flow interface {
	Start(ctx context.Context, owner int64, b sessions.Behavior) (acquisition.Reply, error)
	Submit(ctx context.Context, owner int64, input string) (acquisition.Reply, error)
	Cancel(owner int64) acquisition.Reply
	Status(owner int64) (acquisition.State, bool)
	Open() int
}

// Dedup отбрасывает повторно доставленные апдейты.
type Dedup interface {
	Seen(chatID int64, msgID int) bool
}

// Router разбирает команды и свободный текст владельцев.
type Router struct {
	flow     Flow
	store    sessions.Store
	out      Messenger
	dedup    Dedup
	adminUID int64
}

// NewRouter. dedup может быть nil; adminUID=0 отключает /stats.
func NewRouter(flow Flow, store sessions.Store, out Messenger, dedup Dedup, adminUID int64) *Router {
	return &Router{flow: flow, store: store, out: out, dedup: dedup, adminUID: adminUID}
}

// Handle обрабатывает одно сообщение. Ошибка — только сбой отправки ответа;
// ошибки сценария и хранилища превращаются в текст для владельца.
func (r *Router) Handle(ctx context.Context, in Incoming) error {
	if r.dedup != nil && r.dedup.Seen(in.OwnerID, in.MsgID) {
		return nil
	}

	// Пока попытка ждёт секрет, команда только /cancel: пароль может начинаться с '/'.
	if state, open := r.flow.Status(in.OwnerID); open && awaitsSecret(state) && !isCancel(in.Text) {
		return r.onText(ctx, in)
	}

	cmd, ok := parseCommand(in.Text)
	if !ok {
		return r.onText(ctx, in)
	}
	logger.Debug("bot: command", logger.Owner(in.OwnerID), zap.String("cmd", cmd))

	switch cmd {
	case "start", "help":
		return r.out.Reply(ctx, in, helpText)
	case "clock":
		return r.onStart(ctx, in, sessions.BehaviorClock)
	case "online":
		return r.onStart(ctx, in, sessions.BehaviorOnline)
	case "clock_off":
		return r.onDisable(ctx, in, sessions.BehaviorClock)
	case "online_off":
		return r.onDisable(ctx, in, sessions.BehaviorOnline)
	case "cancel":
		return r.out.Reply(ctx, in, noticeText(r.flow.Cancel(in.OwnerID)))
	case "delete":
		return r.onDelete(ctx, in)
	case "status":
		return r.onStatus(ctx, in)
	case "stats":
		if r.adminUID != 0 && in.OwnerID == r.adminUID {
			return r.onStats(ctx, in)
		}
		return r.out.Reply(ctx, in, helpText)
	default:
		return r.out.Reply(ctx, in, helpText)
	}
}

// NotifyExpired сообщает владельцу, что janitor снёс его попытку.
func (r *Router) NotifyExpired(ctx context.Context, owner int64) {
	if err := r.out.Notify(ctx, owner, expiredText); err != nil {
		logger.Warn("bot: notify expired attempt", logger.Owner(owner), zap.Error(err))
	}
}

// parseCommand: "/clock", "/clock@SomeBot arg" → "clock"; буквальное "cancel" — тоже команда.
func parseCommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if strings.EqualFold(t, "cancel") {
		return "cancel", true
	}
	if !strings.HasPrefix(t, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(t[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	if word == "" {
		return "", false
	}
	return strings.ToLower(word), true
}

func awaitsSecret(s acquisition.State) bool {
	return s == acquisition.StateAwaitingAppSecret || s == acquisition.StateAwaitingTwoFactor
}

// isCancel: "/cancel" или "/cancel@SomeBot" без аргументов.
func isCancel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "/cancel" || strings.HasPrefix(t, "/cancel@") && !strings.Contains(t, " ")
}

func (r *Router) onStart(ctx context.Context, in Incoming, b sessions.Behavior) error {
	reply, err := r.flow.Start(ctx, in.OwnerID, b)
	if err != nil {
		logger.Error("bot: start acquisition", logger.Owner(in.OwnerID), zap.String("behavior", string(b)), zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	return r.out.Reply(ctx, in, noticeText(reply))
}

func (r *Router) onText(ctx context.Context, in Incoming) error {
	if _, open := r.flow.Status(in.OwnerID); !open {
		return r.out.Reply(ctx, in, helpText)
	}
	reply, err := r.flow.Submit(ctx, in.OwnerID, in.Text)
	if reply.Sensitive {
		if derr := r.out.Delete(ctx, in); derr != nil {
			logger.Warn("bot: delete sensitive message", logger.Owner(in.OwnerID), zap.Error(derr))
		}
	}
	if err != nil && reply.Notice == acquisition.NoticeNone {
		logger.Error("bot: submit", logger.Owner(in.OwnerID), zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	return r.out.Reply(ctx, in, noticeText(reply))
}

func (r *Router) onDisable(ctx context.Context, in Incoming, b sessions.Behavior) error {
	changed, err := r.store.SetFlags(ctx, in.OwnerID, sessions.Set(b, false))
	if err != nil {
		logger.Error("bot: disable behavior", logger.Owner(in.OwnerID), zap.String("behavior", string(b)), zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	if !changed {
		return r.out.Reply(ctx, in, fmt.Sprintf(alreadyOffText, behaviorTitle(b)))
	}
	logger.Info("bot: behavior disabled", logger.Owner(in.OwnerID), zap.String("behavior", string(b)))
	return r.out.Reply(ctx, in, fmt.Sprintf(disabledText, behaviorTitle(b)))
}

func (r *Router) onDelete(ctx context.Context, in Incoming) error {
	r.flow.Cancel(in.OwnerID)
	_, found, err := r.store.Get(ctx, in.OwnerID)
	if err == nil && found {
		err = r.store.Delete(ctx, in.OwnerID)
	}
	if err != nil {
		logger.Error("bot: delete session", logger.Owner(in.OwnerID), zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	if !found {
		return r.out.Reply(ctx, in, nothingStoredText)
	}
	logger.Info("bot: session deleted by owner", logger.Owner(in.OwnerID))
	return r.out.Reply(ctx, in, deletedText)
}

func (r *Router) onStatus(ctx context.Context, in Incoming) error {
	s, found, err := r.store.Get(ctx, in.OwnerID)
	if err != nil {
		logger.Error("bot: load session", logger.Owner(in.OwnerID), zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	state, open := r.flow.Status(in.OwnerID)
	return r.out.Reply(ctx, in, statusText(s, found, state, open))
}

func (r *Router) onStats(ctx context.Context, in Incoming) error {
	rows, err := r.store.List(ctx)
	if err != nil {
		logger.Error("bot: list sessions", zap.Error(err))
		return r.out.Reply(ctx, in, internalErrorText)
	}
	var active, clockOn, onlineOn int
	for _, s := range rows {
		if !s.Active {
			continue
		}
		active++
		if s.ClockEnabled {
			clockOn++
		}
		if s.OnlineEnabled {
			onlineOn++
		}
	}
	return r.out.Reply(ctx, in, fmt.Sprintf("Сессий: %d (активных %d)\nЧасы: %d\nОнлайн: %d\nОткрытых подключений: %d\n%s",
		len(rows), active, clockOn, onlineOn, r.flow.Open(), counterText()))
}
