// Package schedule computes daily workload targets and the calendar-day helpers the
// rest of lazycal agrees on. Everything here is pure.
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Workload is the derived pace for a task.
type Workload struct {
	Daily    int
	Adjusted int
}

// DaysSpan is the number of days between start and due, rounded up. The difference is taken at
// millisecond precision, so a 25-hour window spans two days.
func DaysSpan(start, due time.Time) int {
	ms := due.Sub(start).Milliseconds()
	return int(math.Ceil(float64(ms) / float64(day.Milliseconds())))
}

// Compute returns the average daily pace (rounded up) and that pace inflated by the
// procrastination coefficient (rounded down). A span of zero days or less means everything is due
// today.
func Compute(total int, start, due time.Time, coeff float64) Workload {
	span := DaysSpan(start, due)
	if span <= 0 {
		return Workload{Daily: total, Adjusted: total}
	}
	daily := int(math.Ceil(float64(total) / float64(span)))
	adjusted := math.Floor(float64(daily) * (1 + coeff))
	switch {
	case math.IsNaN(adjusted):
		adjusted = float64(daily)
	case adjusted < 0:
		adjusted = 0
	case adjusted > maxAdjusted:
		adjusted = maxAdjusted
	}
	return Workload{Daily: daily, Adjusted: int(adjusted)}
}

// maxAdjusted caps the padded target so the float to int conversion is always defined.
const maxAdjusted = math.MaxInt32

// DateKey is the daily-progress key for the calendar day containing t, in t's location.
// It matches en-US short dates (M/D/YYYY).
func DateKey(t time.Time) string {
	return t.Format("1/2/2006")
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay is the last millisecond of t's calendar day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}

// StartOfWeek is midnight of the Sunday on or before t.
func StartOfWeek(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, -int(t.Weekday()))
}

func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// Clock is a time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Matches reports whether t falls inside the clock's minute.
func (c Clock) Matches(t time.Time) bool {
	return t.Hour() == c.Hour && t.Minute() == c.Minute
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}
