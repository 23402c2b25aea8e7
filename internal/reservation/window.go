package reservation

import (
	"fmt"
	"strings"
	"time"
)

// Window is the daily check-in window in a fixed location. Start is
// inclusive, End exclusive; both are offsets from local midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
	Loc   *time.Location
}

// DefaultWindow is 06:35-08:25 Asia/Shanghai.
func DefaultWindow() Window {
	w, err := ParseWindow("06:35-08:25", "Asia/Shanghai")
	if err != nil {
		// no tzdata available: fall back to the fixed +08:00 offset
		w, _ = ParseWindow("06:35-08:25", "")
		w.Loc = time.FixedZone("CST", 8*3600)
	}
	return w
}

// ParseWindow parses "HH:MM-HH:MM" in the named IANA location ("" is UTC).
func ParseWindow(expr, location string) (Window, error) {
	loc := time.UTC
	if location != "" {
		l, err := time.LoadLocation(location)
		if err != nil {
			return Window{}, fmt.Errorf("window location: %w", err)
		}
		loc = l
	}
	from, to, ok := strings.Cut(strings.TrimSpace(expr), "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want HH:MM-HH:MM", expr)
	}
	start, err := clock(from)
	if err != nil {
		return Window{}, err
	}
	end, err := clock(to)
	if err != nil {
		return Window{}, err
	}
	if end <= start {
		return Window{}, fmt.Errorf("window %q: end must be after start", expr)
	}
	return Window{Start: start, End: end, Loc: loc}, nil
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("window time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w Window) String() string {
	f := func(d time.Duration) string {
		return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
	}
	return f(w.Start) + "-" + f(w.End) + " " + w.Loc.String()
}

// DayBounds returns local midnight of t's day and of the next day.
func (w Window) DayBounds(t time.Time) (from, to time.Time) {
	lt := t.In(w.Loc)
	from = time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, w.Loc)
	return from, from.AddDate(0, 0, 1)
}

// Contains reports whether t's local time of day is inside the window.
func (w Window) Contains(t time.Time) bool {
	from, _ := w.DayBounds(t)
	off := t.Sub(from)
	return off >= w.Start && off < w.End
}

// Pick chooses a random whole minute in the part of the window still ahead
// of now: today if any of it is left, otherwise tomorrow. rnd returns a
// uniform int in [0, n).
func (w Window) Pick(now time.Time, rnd func(n int) int) time.Time {
	day, next := w.DayBounds(now)
	first := day.Add(w.Start)
	end := day.Add(w.End)

	if !now.Before(first) {
		first = now.In(w.Loc).Truncate(time.Minute).Add(time.Minute)
	}
	if !first.Before(end) {
		first = next.Add(w.Start)
		end = next.Add(w.End)
	}

	span := int(end.Sub(first) / time.Minute)
	if span < 1 {
		return first
	}
	return first.Add(time.Duration(rnd(span)) * time.Minute)
}
