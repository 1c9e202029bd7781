// Package clock — единая точка «сейчас» для бота: время в таймзоне APP_TIMEZONE.
package clock

import (
	"time"

	"telegram-presence-bot/internal/infra/config"
)

// Func — источник текущего времени; в тестах подменяется фиксированным значением.
type Func func() time.Time

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	return time.Now().In(config.AppLocation)
}

// Fixed возвращает Func, всегда отдающий t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
