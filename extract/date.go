package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

var (
	numericDate = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{2}|\d{4})\b`)
	namedDate   = regexp.MustCompile(`^(\d{1,2})[-\s]([A-Za-z]{3})[A-Za-z]*[-\s](\d{2}|\d{4})\b`)
	clockTime   = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?::(\d{2}))?\s*(AM|PM)?\b`)
)

// ParseDate parses day-first bank dates: DD/MM/YYYY, DD-MM-YY, DD-Mon-YYYY,
// DD-Mon-YY, optionally followed by a clock time such as "03:40 PM".
// Results are in UTC.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)

	var day, year int
	var month time.Month
	if m := numericDate.FindStringSubmatch(s); m != nil {
		day, _ = strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		month = time.Month(mm)
		year = expandYear(m[3])
	} else if m := namedDate.FindStringSubmatch(s); m != nil {
		var ok bool
		month, ok = months[strings.ToLower(m[2])]
		if !ok {
			return time.Time{}, false
		}
		day, _ = strconv.Atoi(m[1])
		year = expandYear(m[3])
	} else {
		return time.Time{}, false
	}

	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		// 31/02 and friends normalize into the next month.
		return time.Time{}, false
	}

	if m := clockTime.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		sec, _ := strconv.Atoi(m[3])
		switch strings.ToUpper(m[4]) {
		case "PM":
			if hour < 12 {
				hour += 12
			}
		case "AM":
			if hour == 12 {
				hour = 0
			}
		}
		if hour < 24 && minute < 60 && sec < 60 {
			t = t.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(sec)*time.Second)
		}
	}
	return t, true
}

func expandYear(s string) int {
	y, _ := strconv.Atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}
