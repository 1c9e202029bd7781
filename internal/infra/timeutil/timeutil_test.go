package timeutil_test

import (
	"testing"
	"time"

	"telegram-presence-bot/internal/infra/timeutil"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in         string
		wantOffset int
		wantErr    bool
	}{
		{in: "Asia/Tashkent", wantOffset: 5 * 3600},
		{in: "+05:00", wantOffset: 5 * 3600},
		{in: "UTC+3", wantOffset: 3 * 3600},
		{in: "GMT-04:30", wantOffset: -(4*3600 + 30*60)},
		{in: "-0700", wantOffset: -7 * 3600},
		{in: "Z", wantOffset: 0},
		{in: "+15:00", wantErr: true},
		{in: "Mars/Olympus", wantErr: true},
		{in: "", wantErr: true},
	}

	// Фиксированная дата без перехода на летнее время для Asia/Tashkent.
	ref := time.Date(2024, time.January, 10, 12, 0, 0, 0, time.UTC)

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			loc, err := timeutil.ParseLocation(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLocation(%q) = %v, want error", tc.in, loc)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocation(%q) error = %v", tc.in, err)
			}
			if _, off := ref.In(loc).Zone(); off != tc.wantOffset {
				t.Fatalf("offset = %d, want %d", off, tc.wantOffset)
			}
		})
	}
}
