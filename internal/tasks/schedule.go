package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

var everyN = regexp.MustCompile(`^every (\d+) (minute|hour|day)s?$`)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NextDue returns the first occurrence of schedule strictly after from.
// Accepted forms are "hourly", "daily", "weekly", "every N
// minutes|hours|days", "every <weekday>" and five-field cron
// expressions.
func NextDue(schedule string, from time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(schedule))

	switch s {
	case "hourly":
		return from.Add(time.Hour), nil
	case "daily":
		return from.AddDate(0, 0, 1), nil
	case "weekly":
		return from.AddDate(0, 0, 7), nil
	}

	if m := everyN.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval in schedule %q", schedule)
		}
		switch m[2] {
		case "minute":
			return from.Add(time.Duration(n) * time.Minute), nil
		case "hour":
			return from.Add(time.Duration(n) * time.Hour), nil
		default:
			return from.AddDate(0, 0, n), nil
		}
	}

	if day, ok := strings.CutPrefix(s, "every "); ok {
		if wd, ok := weekdays[day]; ok {
			ahead := (int(wd) - int(from.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			return from.AddDate(0, 0, ahead), nil
		}
	}

	if gronx.New().IsValid(s) {
		next, err := gronx.NextTickAfter(s, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %q: %w", schedule, err)
		}
		return next, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized schedule %q", schedule)
}

// ValidSchedule reports whether schedule is understood by NextDue.
func ValidSchedule(schedule string) bool {
	_, err := NextDue(schedule, time.Now())
	return err == nil
}
