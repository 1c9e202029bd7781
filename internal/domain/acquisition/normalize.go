package acquisition

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	appSecretLen   = 32
	minPhoneDigits = 10
	maxPhoneDigits = 15 // E.164
	maxCodeDigits  = 10
)

// ParseAppID принимает положительное целое в диапазоне int32 (api_id Telegram).
func ParseAppID(input string) (int, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(input), 10, 32)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int(v), true
}

// ValidAppSecret — ровно 32 символа после обрезки пробелов по краям.
func ValidAppSecret(input string) (string, bool) {
	s := strings.TrimSpace(input)
	if utf8.RuneCountInString(s) != appSecretLen {
		return "", false
	}
	return s, true
}

// NormalizePhone приводит номер к виду +digits: всё, кроме цифр, отбрасывается,
// ведущий '+' необязателен.
func NormalizePhone(input string) (string, bool) {
	var b strings.Builder
	b.WriteByte('+')
	digits := 0
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return "", false
	}
	return b.String(), true
}

// NormalizeCode убирает пробелы и дефисы; остаток должен быть непустым набором цифр.
func NormalizeCode(input string) (string, bool) {
	s := strings.NewReplacer(" ", "", "-", "", ".", "").Replace(strings.TrimSpace(input))
	if s == "" || len(s) > maxCodeDigits {
		return "", false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", false
		}
	}
	return s, true
}
