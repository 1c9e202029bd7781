// Пакет timeutil — разбор таймзон из конфигурации: IANA-имя или UTC-смещение.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	// Встроенная база IANA: бот часто живёт в минимальных контейнерах без /usr/share/zoneinfo.
	_ "time/tzdata"
)

// offsetPattern: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM.
var offsetPattern = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// maxOffsetHours — крайнее смещение, встречающееся в реальных зонах (UTC+14).
const maxOffsetHours = 14

// ParseLocation разбирает IANA‑таймзону ("Asia/Tashkent") либо UTC‑смещение
// ("+05:00", "-0700", "UTC+5", "GMT-04:30").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := ParseUTCOffset(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffset превращает смещение в фиксированную зону. "Z", "UTC", "GMT" — нулевое смещение.
func ParseUTCOffset(value string) (*time.Location, bool) {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch v {
	case "Z", "UTC", "GMT":
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v, "UTC"), "GMT"))

	m := offsetPattern.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		if mins, err = strconv.Atoi(m[3]); err != nil {
			return nil, false
		}
	}
	if hours > maxOffsetHours || mins > 59 {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	offset := sign * (hours*int(time.Hour/time.Second) + mins*int(time.Minute/time.Second))
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins), offset), true
}
