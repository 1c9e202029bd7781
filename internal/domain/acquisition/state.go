// Package acquisition — сценарий получения делегированной сессии: по одному
// явному конечному автомату на владельца (app id → app secret → телефон → код → 2FA).
//
// Попытка (attempt) живёт только в памяти и единолично владеет удалённым хэндлом.
// Любой выход из попытки (успех, отмена, ошибка, вытеснение новой попыткой, истечение)
// отключает хэндл ровно один раз.
package acquisition

import (
	"fmt"
	"time"

	"telegram-presence-bot/internal/domain/sessions"
)

// State — шаг попытки.
type State int

const (
	StateIdle State = iota
	StateAwaitingAppID
	StateAwaitingAppSecret
	StateAwaitingPhone
	StateAwaitingCode
	StateAwaitingTwoFactor
	StateComplete
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateAwaitingAppID:     "awaiting_app_id",
	StateAwaitingAppSecret: "awaiting_app_secret",
	StateAwaitingPhone:     "awaiting_phone",
	StateAwaitingCode:      "awaiting_code",
	StateAwaitingTwoFactor: "awaiting_two_factor",
	StateComplete:          "complete",
	StateCancelled:         "cancelled",
	StateFailed:            "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal — состояние, после которого попытки больше нет.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// Notice — что сказать владельцу. Тексты рисует поверхность (бот, консоль).
type Notice int

const (
	NoticeNone Notice = iota
	NoticePromptAppID
	NoticeInvalidAppID
	NoticePromptAppSecret
	NoticeInvalidAppSecret
	NoticePromptPhone
	NoticeInvalidPhone
	NoticeCodeSent
	NoticeInvalidCode
	NoticeCodeExpired
	NoticePromptPassword
	NoticeInvalidPassword
	NoticeRateLimited
	NoticeComplete
	NoticeBehaviorEnabled
	NoticeBehaviorAlreadyEnabled
	NoticeCancelled
	NoticeNothingToCancel
	NoticeNoAttempt
	NoticeSessionExpired
	NoticeSignUpRequired
	NoticeApplicationRejected
	NoticeFailed
)

// Reply — результат одного шага.
type Reply struct {
	State  State
	Notice Notice
	// RetryAfter заполнен при NoticeRateLimited.
	RetryAfter time.Duration
	// Behavior — поведение попытки; заполнен в ответах Start и при Complete.
	Behavior sessions.Behavior
	// Sensitive: вход содержал секрет (app secret, пароль), сообщение стоит удалить из чата.
	Sensitive bool
}

// Исходы попытки для метрик и логов.
const (
	outcomeComplete   = "complete"
	outcomeCancelled  = "cancelled"
	outcomeFailed     = "failed"
	outcomeSuperseded = "superseded"
	outcomeExpired    = "expired"
	outcomeShutdown   = "shutdown"
)
