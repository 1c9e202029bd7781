package bot

import (
	"fmt"
	"strings"
	"time"

	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/metrics"
)

const helpText = `Я держу ваш аккаунт Telegram «живым»:
/clock — часы в фамилии профиля, обновляются каждую минуту
/online — статус «в сети» круглосуточно
/clock_off, /online_off — выключить поведение
/status — что сейчас включено
/cancel — прервать подключение аккаунта
/delete — забыть аккаунт и удалить сохранённую сессию`

func behaviorTitle(b sessions.Behavior) string {
	switch b {
	case sessions.BehaviorClock:
		return "Часы в профиле"
	case sessions.BehaviorOnline:
		return "Онлайн 24/7"
	default:
		return string(b)
	}
}

// noticeText рисует ответ владельцу на шаг сценария.
func noticeText(r acquisition.Reply) string {
	switch r.Notice {
	case acquisition.NoticePromptAppID:
		return "Откройте https://my.telegram.org → API development tools и пришлите api_id (число).\nОтмена: /cancel"
	case acquisition.NoticeInvalidAppID:
		return "api_id — положительное число. Пришлите ещё раз."
	case acquisition.NoticePromptAppSecret:
		return "Теперь пришлите api_hash (32 символа). Сообщение я сразу удалю."
	case acquisition.NoticeInvalidAppSecret:
		return "api_hash должен содержать ровно 32 символа без пробелов."
	case acquisition.NoticePromptPhone:
		return "Пришлите номер телефона аккаунта в международном формате, например +998901234567."
	case acquisition.NoticeInvalidPhone:
		return "Номер не подходит: нужен международный формат, не меньше 10 цифр."
	case acquisition.NoticeCodeSent:
		return "Telegram отправил код входа. Пришлите его через пробелы или дефисы (1 2 3 4 5), иначе Telegram может его заблокировать."
	case acquisition.NoticeInvalidCode:
		return "Код неверный. Проверьте и пришлите ещё раз."
	case acquisition.NoticeCodeExpired:
		return "Срок кода истёк. Начните заново: /clock или /online."
	case acquisition.NoticePromptPassword:
		return "На аккаунте включена двухэтапная проверка. Пришлите облачный пароль, сообщение я удалю."
	case acquisition.NoticeInvalidPassword:
		return "Пароль неверный. Попробуйте ещё раз."
	case acquisition.NoticeRateLimited:
		return fmt.Sprintf("Telegram просит подождать %s. Повторите шаг позже.", humanDuration(r.RetryAfter))
	case acquisition.NoticeComplete, acquisition.NoticeBehaviorEnabled:
		return fmt.Sprintf("✅ %s: включено.", behaviorTitle(r.Behavior))
	case acquisition.NoticeBehaviorAlreadyEnabled:
		return fmt.Sprintf("%s уже включено.", behaviorTitle(r.Behavior))
	case acquisition.NoticeCancelled:
		return "Подключение отменено."
	case acquisition.NoticeNothingToCancel:
		return "Отменять нечего."
	case acquisition.NoticeSessionExpired:
		return "Сессия входа устарела. Начните заново: /clock или /online."
	case acquisition.NoticeSignUpRequired:
		return "На этот номер не зарегистрирован аккаунт Telegram."
	case acquisition.NoticeApplicationRejected:
		return "Telegram отклонил api_id/api_hash. Проверьте их и начните заново."
	case acquisition.NoticeFailed:
		return "Не удалось подключить аккаунт. Попробуйте позже."
	default:
		return helpText
	}
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "немного"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d с", int(d.Seconds()))
	}
	return d.String()
}

func statusText(s sessions.Session, found bool, attempt acquisition.State, open bool) string {
	var b strings.Builder
	switch {
	case !found:
		b.WriteString("Аккаунт не подключён.")
	case !s.Active:
		fmt.Fprintf(&b, "Аккаунт %s сохранён, но не активен.", s.Redacted().Phone)
	default:
		fmt.Fprintf(&b, "Аккаунт: %s\n%s: %s\n%s: %s", s.Redacted().Phone,
			behaviorTitle(sessions.BehaviorClock), onOff(s.ClockEnabled),
			behaviorTitle(sessions.BehaviorOnline), onOff(s.OnlineEnabled))
	}
	if open {
		fmt.Fprintf(&b, "\nИдёт подключение: %s", attempt)
	}
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "вкл"
	}
	return "выкл"
}

const (
	disabledText      = "%s: выключено."
	alreadyOffText    = "%s и так выключено."
	deletedText       = "Аккаунт забыт, сохранённая сессия удалена."
	nothingStoredText = "Сохранённого аккаунта нет."
	expiredText       = "Подключение аккаунта прервано: долго не было ответа. Начните заново: /clock или /online."
	internalErrorText = "Внутренняя ошибка, попробуйте позже."
)

// counterText — счётчики процесса с момента запуска для /stats.
func counterText() string {
	var b strings.Builder
	b.WriteString("С запуска:")
	for _, job := range []sessions.Behavior{sessions.BehaviorClock, sessions.BehaviorOnline} {
		fmt.Fprintf(&b, "\n%s: ok %.0f, ошибок %.0f", behaviorTitle(job),
			metrics.ReplayCount(string(job), metrics.ResultOK), metrics.ReplayCount(string(job), metrics.ResultFailed))
	}
	fmt.Fprintf(&b, "\nПодключено: %.0f, неудачных попыток: %.0f",
		metrics.AcquisitionCount("complete"), metrics.AcquisitionCount("failed"))
	return b.String()
}
