package playback

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsePhrase is the default jump-phrase parser. It understands absolute
// dates, clock times on the reference day, weekday names, relative
// offsets, and a few keywords, all resolved in UTC against the reference
// instant:
//
//	"2024-01-15", "2024-01-15 08:30", RFC3339
//	"08:30", "8am", "noon", "midnight"
//	"monday" .. "sunday"  (most recent such day, midnight)
//	"monday 8am", "friday 17:00"
//	"+2h", "-30m", "tomorrow", "yesterday"
//
// It satisfies ParseFunc; anything it cannot read reports false and the
// clock surfaces the phrase back to the user.
func ParsePhrase(phrase string, ref time.Time) (time.Time, bool) {
	p := strings.ToLower(strings.TrimSpace(phrase))
	if p == "" {
		return time.Time{}, false
	}
	ref = ref.UTC()

	switch p {
	case "noon", "midday":
		return dayAt(ref, 12, 0), true
	case "midnight", "start of day":
		return dayAt(ref, 0, 0), true
	case "tomorrow":
		return dayAt(ref.AddDate(0, 0, 1), 0, 0), true
	case "yesterday":
		return dayAt(ref.AddDate(0, 0, -1), 0, 0), true
	}

	if t, ok := parseOffset(p, ref); ok {
		return t, true
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, p, time.UTC); err == nil {
			return t, true
		}
	}

	// "monday", "monday 8am", "friday 17:00"
	day := ref
	rest := p
	if wd, tail, ok := leadingWeekday(p); ok {
		day = recentWeekday(ref, wd)
		rest = tail
		if rest == "" {
			return dayAt(day, 0, 0), true
		}
	}
	if h, m, ok := parseClock(rest); ok {
		return dayAt(day, h, m), true
	}
	return time.Time{}, false
}

var offsetRe = regexp.MustCompile(`^([+-])(\d+)\s*(ms|s|m|h|d)$`)

func parseOffset(p string, ref time.Time) (time.Time, bool) {
	m := offsetRe.FindStringSubmatch(p)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	var unit time.Duration
	switch m[3] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	d := time.Duration(n) * unit
	if m[1] == "-" {
		d = -d
	}
	return ref.Add(d), true
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func leadingWeekday(p string) (time.Weekday, string, bool) {
	word, tail, _ := strings.Cut(p, " ")
	wd, ok := weekdays[word]
	if !ok {
		return 0, "", false
	}
	return wd, strings.TrimSpace(tail), true
}

// recentWeekday steps back from ref to the most recent occurrence of wd,
// today included.
func recentWeekday(ref time.Time, wd time.Weekday) time.Time {
	back := (int(ref.Weekday()) - int(wd) + 7) % 7
	return ref.AddDate(0, 0, -back)
}

var (
	clock24Re = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	clock12Re = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
)

func parseClock(p string) (hour, minute int, ok bool) {
	if m := clock24Re.FindStringSubmatch(p); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h > 23 || min > 59 {
			return 0, 0, false
		}
		return h, min, true
	}
	if m := clock12Re.FindStringSubmatch(p); m != nil {
		h, _ := strconv.Atoi(m[1])
		min := 0
		if m[2] != "" {
			min, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || min > 59 {
			return 0, 0, false
		}
		if m[3] == "pm" && h != 12 {
			h += 12
		}
		if m[3] == "am" && h == 12 {
			h = 0
		}
		return h, min, true
	}
	return 0, 0, false
}

func dayAt(day time.Time, hour, minute int) time.Time {
	y, m, d := day.UTC().Date()
	return time.Date(y, m, d, hour, minute, 0, 0, time.UTC)
}
