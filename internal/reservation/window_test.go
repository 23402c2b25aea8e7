package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sameInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow(" 06:35-08:25 ", "UTC")
	require.NoError(t, err)
	require.Equal(t, 6*time.Hour+35*time.Minute, w.Start)
	require.Equal(t, 8*time.Hour+25*time.Minute, w.End)
	require.Equal(t, "06:35-08:25 UTC", w.String())

	for _, bad := range []string{"", "06:35", "08:25-06:35", "07:00-07:00", "6h-8h", "25:00-26:00"} {
		_, err := ParseWindow(bad, "")
		require.Error(t, err, bad)
	}
	_, err = ParseWindow("06:35-08:25", "Nowhere/Special")
	require.Error(t, err)
}

func TestWindow_ContainsIsHalfOpen(t *testing.T) {
	w := DefaultWindow()
	loc := w.Loc
	at := func(h, m int) time.Time { return time.Date(2026, 10, 16, h, m, 0, 0, loc) }

	require.False(t, w.Contains(at(6, 34)))
	require.True(t, w.Contains(at(6, 35)))
	require.True(t, w.Contains(at(8, 24)))
	require.False(t, w.Contains(at(8, 25)))
	// 23:00 UTC is 07:00 the next morning in Shanghai
	require.True(t, w.Contains(time.Date(2026, 10, 15, 23, 0, 0, 0, time.UTC)))
}

func TestWindow_DayBoundsUseLocalMidnight(t *testing.T) {
	w := DefaultWindow()
	from, to := w.DayBounds(time.Date(2026, 10, 15, 23, 0, 0, 0, time.UTC))
	sameInstant(t, time.Date(2026, 10, 15, 16, 0, 0, 0, time.UTC), from)
	require.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestWindow_Pick(t *testing.T) {
	w := DefaultWindow()
	loc := w.Loc
	day := func(d, h, m int) time.Time { return time.Date(2026, 10, d, h, m, 0, 0, loc) }
	first := func(int) int { return 0 }
	last := func(n int) int { return n - 1 }

	t.Run("before window", func(t *testing.T) {
		now := day(16, 5, 0)
		sameInstant(t, day(16, 6, 35), w.Pick(now, first))
		sameInstant(t, day(16, 8, 24), w.Pick(now, last))
	})

	t.Run("inside window picks a later minute", func(t *testing.T) {
		now := day(16, 7, 10).Add(20 * time.Second)
		sameInstant(t, day(16, 7, 11), w.Pick(now, first))
		sameInstant(t, day(16, 8, 24), w.Pick(now, last))
	})

	t.Run("last minute rolls to tomorrow", func(t *testing.T) {
		sameInstant(t, day(17, 6, 35), w.Pick(day(16, 8, 24), first))
	})

	t.Run("after window", func(t *testing.T) {
		got := w.Pick(day(16, 21, 0), last)
		sameInstant(t, day(17, 8, 24), got)
		require.True(t, w.Contains(got))
	})

	t.Run("always inside", func(t *testing.T) {
		now := day(16, 0, 0)
		for i := 0; i < 24*60; i += 7 {
			got := w.Pick(now.Add(time.Duration(i)*time.Minute), func(n int) int { return i % n })
			require.True(t, w.Contains(got), got)
			require.True(t, got.After(now.Add(time.Duration(i)*time.Minute)))
		}
	})
}
