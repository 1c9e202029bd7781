package acquisition_test

import (
	"strings"
	"testing"

	"telegram-presence-bot/internal/domain/acquisition"
)

func TestParseAppID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"123456", 123456, true},
		{"  42\n", 42, true},
		{"2147483647", 2147483647, true},
		{"2147483648", 0, false},
		{"0", 0, false},
		{"-1", 0, false},
		{"12a", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := acquisition.ParseAppID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseAppID(%q) = %d, %v; want %d, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValidAppSecret(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("f", 32)
	cases := []struct {
		in string
		ok bool
	}{
		{secret, true},
		{"  " + secret + "\n", true},
		{secret[:31], false},
		{secret + "f", false},
		{secret[:16] + "\t" + secret[:15], true},
		{"", false},
	}
	for _, tc := range cases {
		got, ok := acquisition.ValidAppSecret(tc.in)
		if ok != tc.ok {
			t.Errorf("ValidAppSecret(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if ok && got != strings.TrimSpace(tc.in) {
			t.Errorf("ValidAppSecret(%q) = %q", tc.in, got)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"998901234567", "+998901234567", true},
		{"+998 90 123-45-67", "+998901234567", true},
		{"+1 (415) 555.0100", "+14155550100", true},
		{"123456789", "", false},
		{"1234567890123456", "", false},
		{"+998 90 123 45 67 mob", "+998901234567", true},
		{"998/90/1234567", "+998901234567", true},
		{"tel:+998901234567", "+998901234567", true},
		{"++998901234567", "+998901234567", true},
		{"+998 90 12x", "", false},
		{"phone", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := acquisition.NormalizePhone(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"54321", "54321", true},
		{" 5 4 3 2 1 ", "54321", true},
		{"54-321", "54321", true},
		{"5.4.3.2.1", "54321", true},
		{"00000", "00000", true},
		{"12a45", "", false},
		{"１２３", "", false},
		{"12345678901", "", false},
		{" - ", "", false},
	}
	for _, tc := range cases {
		got, ok := acquisition.NormalizeCode(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeCode(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
