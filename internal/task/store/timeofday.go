package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TimeOfDay is a wall-clock minute of the day, 0 (00:00) .. 1439 (23:59).
type TimeOfDay int

const minutesPerDay = 24 * 60

var reStrictHHMM = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// ParseTimeOfDay parses a strict 24-hour "HH:MM" string. Anything else
// (seconds, AM/PM, single digits, out-of-range values, padding) is rejected.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reStrictHHMM.FindStringSubmatch(raw)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return TimeOfDay(h*60 + mm), nil
}

// TimeOfDayOf returns the minute of the day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (d TimeOfDay) Valid() bool { return d >= 0 && d < minutesPerDay }

func (d TimeOfDay) Hour() int   { return int(d) / 60 }
func (d TimeOfDay) Minute() int { return int(d) % 60 }

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour(), d.Minute())
}
