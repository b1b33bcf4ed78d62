package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the set of weekdays on which a definition is due.
type Frequency uint8

func (f Frequency) Due(d time.Weekday) bool {
	return f&(1<<uint(d)) != 0
}

func (f Frequency) String() string {
	var days []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if f.Due(d) {
			days = append(days, weekdayNames[d])
		}
	}
	return strings.Join(days, ",")
}

var weekdayNames = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

const (
	everyDay Frequency = 0x7f
	weekdays Frequency = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	weekends Frequency = 1<<time.Saturday | 1<<time.Sunday
)

// ParseFrequency accepts daily, weekdays, weekends or a comma list of
// three-letter day names such as "mon,wed,fri".
func ParseFrequency(s string) (Frequency, error) {
	rule := strings.ToLower(strings.TrimSpace(s))
	switch rule {
	case "", "daily":
		return everyDay, nil
	case "weekdays":
		return weekdays, nil
	case "weekends":
		return weekends, nil
	}
	var f Frequency
	for _, part := range strings.Split(rule, ",") {
		part = strings.TrimSpace(part)
		found := false
		for d, name := range weekdayNames {
			if part == name {
				f |= 1 << uint(d)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown frequency day %q in %q", part, s)
		}
	}
	return f, nil
}
