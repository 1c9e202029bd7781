// Package presence — два периодических задания над сохранёнными сессиями:
// часы в фамилии профиля и поддержание статуса «в сети».
package presence

import (
	"context"
	"time"

	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/telegram/remote"
)

// clockGlyphs индексируются по hour % 12: 0 и 12 часов — 🕛.
var clockGlyphs = [12]string{"🕛", "🕐", "🕑", "🕒", "🕓", "🕔", "🕕", "🕖", "🕗", "🕘", "🕙", "🕚"}

// ClockText — текст профиля для момента t: "<циферблат> HH:MM" в зоне t.
func ClockText(t time.Time) string {
	return clockGlyphs[t.Hour()%12] + " " + t.Format("15:04")
}

// action — работа задания над одним подключённым аккаунтом.
type action func(ctx context.Context, h remote.Handle, now time.Time) error

// job — описание периодического задания.
type job struct {
	behavior sessions.Behavior
	period   time.Duration
	do       action
}

func clockAction(ctx context.Context, h remote.Handle, now time.Time) error {
	return h.UpdateProfileField(ctx, ClockText(now))
}

func onlineAction(ctx context.Context, h remote.Handle, _ time.Time) error {
	return h.SetOnline(ctx)
}
