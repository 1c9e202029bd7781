// Package sessions — CredentialStore: долговременные строки Session, по одной на владельца.
// Пакет не знает ни о Telegram, ни о сценариях: только хранение, инварианты строки
// и сериализация конкурирующих записей одного владельца.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telegram-presence-bot/internal/infra/logger"
)

// Behavior — фоновое поведение, которое владелец включает для своего аккаунта.
type Behavior string

const (
	BehaviorClock  Behavior = "clock"
	BehaviorOnline Behavior = "online"
)

// ParseBehavior принимает "clock" или "online".
func ParseBehavior(s string) (Behavior, error) {
	switch Behavior(s) {
	case BehaviorClock, BehaviorOnline:
		return Behavior(s), nil
	default:
		return "", fmt.Errorf("unknown behavior %q", s)
	}
}

var (
	// ErrInvariant — запись нарушила бы инварианты строки Session.
	ErrInvariant = errors.New("session invariant violated")
	// ErrNotFound — строки для владельца нет (используется там, где отсутствие — ошибка).
	ErrNotFound = errors.New("session not found")
)

// Session — делегированный аккаунт владельца. AppSecret и Credential никогда не логируются.
type Session struct {
	OwnerID       int64
	AppID         int
	AppSecret     string
	Phone         string // канонический вид +digits
	Credential    []byte // непрозрачный blob MTProto-сессии
	Active        bool
	ClockEnabled  bool
	OnlineEnabled bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Enabled сообщает, включено ли поведение b.
func (s Session) Enabled(b Behavior) bool {
	switch b {
	case BehaviorClock:
		return s.ClockEnabled
	case BehaviorOnline:
		return s.OnlineEnabled
	default:
		return false
	}
}

// Validate проверяет инварианты:
// включённый флаг ⟹ active и непустой credential; active ⟹ непустой credential.
func (s Session) Validate() error {
	if s.OwnerID == 0 {
		return fmt.Errorf("%w: owner id is zero", ErrInvariant)
	}
	if (s.ClockEnabled || s.OnlineEnabled) && !s.Active {
		return fmt.Errorf("%w: behavior enabled on inactive session", ErrInvariant)
	}
	if s.Active && len(s.Credential) == 0 {
		return fmt.Errorf("%w: active session without credential", ErrInvariant)
	}
	return nil
}

// Redacted — копия для вывода оператору: без секретов, с маскированным телефоном.
func (s Session) Redacted() Session {
	r := s
	if r.AppSecret != "" {
		r.AppSecret = "<redacted>"
	}
	if len(r.Credential) > 0 {
		r.Credential = []byte(fmt.Sprintf("<%d bytes>", len(s.Credential)))
	}
	r.Phone = logger.MaskPhone(s.Phone)
	return r
}

func (s Session) clone() Session {
	c := s
	if s.Credential != nil {
		c.Credential = append([]byte(nil), s.Credential...)
	}
	return c
}

// FlagPatch — частичное обновление флагов; nil означает «не трогать».
type FlagPatch struct {
	Clock  *bool
	Online *bool
}

// Set возвращает патч, выставляющий флаг поведения b в v.
func Set(b Behavior, v bool) FlagPatch {
	switch b {
	case BehaviorClock:
		return FlagPatch{Clock: &v}
	case BehaviorOnline:
		return FlagPatch{Online: &v}
	default:
		return FlagPatch{}
	}
}

// Store — контракт CredentialStore.
//
// Конкурирующие записи одного владельца сериализуются: каждая мутация читает и
// переписывает строку целиком в одной транзакции.
type Store interface {
	// Get возвращает строку владельца; ok=false, если строки нет.
	Get(ctx context.Context, owner int64) (s Session, ok bool, err error)
	// Upsert заменяет строку целиком. CreatedAt существующей строки сохраняется,
	// UpdatedAt не убывает.
	Upsert(ctx context.Context, s Session) error
	// SetFlags меняет только указанные флаги. Без строки — no-op (false, nil).
	// changed=false, если значения уже совпадали: запись не выполняется.
	SetFlags(ctx context.Context, owner int64, patch FlagPatch) (changed bool, err error)
	// ListActive — снимок строк с active и включённым поведением b.
	ListActive(ctx context.Context, b Behavior) ([]Session, error)
	// List — снимок всех строк (для консоли оператора).
	List(ctx context.Context) ([]Session, error)
	// Delete удаляет строку; отсутствие строки не ошибка.
	Delete(ctx context.Context, owner int64) error
	Close() error
}

// mergeUpsert строит строку для записи поверх prev (если она есть).
func mergeUpsert(prev *Session, next Session, now time.Time) (Session, error) {
	out := next.clone()
	out.CreatedAt = now
	out.UpdatedAt = now
	if prev != nil {
		out.CreatedAt = prev.CreatedAt
		if prev.UpdatedAt.After(now) {
			out.UpdatedAt = prev.UpdatedAt
		}
	}
	if err := out.Validate(); err != nil {
		return Session{}, err
	}
	return out, nil
}

// applyFlags применяет патч к строке. changed=false — писать нечего.
func applyFlags(cur Session, patch FlagPatch, now time.Time) (Session, bool, error) {
	out := cur.clone()
	if patch.Clock != nil {
		out.ClockEnabled = *patch.Clock
	}
	if patch.Online != nil {
		out.OnlineEnabled = *patch.Online
	}
	if out.ClockEnabled == cur.ClockEnabled && out.OnlineEnabled == cur.OnlineEnabled {
		return cur, false, nil
	}
	if err := out.Validate(); err != nil {
		return cur, false, err
	}
	if now.After(cur.UpdatedAt) {
		out.UpdatedAt = now
	}
	return out, true, nil
}

func selected(s Session, b Behavior) bool {
	return s.Active && s.Enabled(b)
}
