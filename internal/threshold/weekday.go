package threshold

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WeekdaySet is a set of calendar weekdays.
type WeekdaySet uint8

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWeekdays accepts weekday names ("sun", "Monday") and indices 0-6
// where 0 is Monday and 6 is Sunday.
func ParseWeekdays(items []string) (WeekdaySet, error) {
	var set WeekdaySet
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if key == "" {
			continue
		}
		if idx, err := strconv.Atoi(key); err == nil {
			if idx < 0 || idx > 6 {
				return 0, fmt.Errorf("weekday index %d out of range 0-6", idx)
			}
			set = set.With(time.Weekday((idx + 1) % 7))
			continue
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", item)
		}
		set = set.With(wd)
	}
	return set, nil
}

// With returns the set plus wd.
func (w WeekdaySet) With(wd time.Weekday) WeekdaySet { return w | 1<<uint(wd) }

// Contains reports whether wd is in the set.
func (w WeekdaySet) Contains(wd time.Weekday) bool { return w&(1<<uint(wd)) != 0 }

// Empty reports whether no weekday is set.
func (w WeekdaySet) Empty() bool { return w == 0 }

func (w WeekdaySet) String() string {
	names := make([]string, 0, 7)
	for d := time.Monday; ; d = (d + 1) % 7 {
		if w.Contains(d) {
			names = append(names, strings.ToLower(d.String()[:3]))
		}
		if d == time.Sunday {
			break
		}
	}
	return strings.Join(names, ",")
}
