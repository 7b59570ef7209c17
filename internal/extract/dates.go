package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	namedDatePattern   = regexp.MustCompile(`(\d{4})\.\s*(\p{L}+)\.?\s*(\d{1,2})\.`)
	numericDatePattern = regexp.MustCompile(`(\d{4})[.:-]\s*(\d{1,2})[.:-]\s*(\d{1,2})\.?(?:\s+(\d{1,2}):(\d{2})(?::(\d{2}))?)?`)
)

// monthPrefixes maps the first three letters of Hungarian and English month
// names to their number.
var monthPrefixes = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"már": time.March,
	"mar": time.March,
	"ápr": time.April,
	"apr": time.April,
	"máj": time.May,
	"may": time.May,
	"jún": time.June,
	"jun": time.June,
	"júl": time.July,
	"jul": time.July,
	"aug": time.August,
	"sze": time.September,
	"sep": time.September,
	"okt": time.October,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

// parseUploadDate finds the first "YYYY. <month>. D." or "YYYY.MM.DD." date in
// text. The second result is false when no valid date is present.
func parseUploadDate(text string) (time.Time, bool) {
	if m := namedDatePattern.FindStringSubmatch(text); m != nil {
		month, ok := lookupMonth(m[2])
		if ok {
			if t, ok := buildDate(m[1], int(month), m[3]); ok {
				return t, true
			}
		}
	}
	if m := numericDatePattern.FindStringSubmatch(text); m != nil {
		month, err := strconv.Atoi(m[2])
		if err == nil {
			return buildDate(m[1], month, m[3])
		}
	}
	return time.Time{}, false
}

// parseTakenAt reads the EXIF capture timestamp. Both the camera format
// (2006:01:02 15:04:05) and the site's display formats are accepted.
func parseTakenAt(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	m := numericDatePattern.FindStringSubmatch(text)
	if m == nil {
		return parseUploadDate(text)
	}
	month, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	day, ok := buildDate(m[1], month, m[3])
	if !ok {
		return time.Time{}, false
	}
	if m[4] == "" {
		return day, true
	}
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second := 0
	if m[6] != "" {
		second, _ = strconv.Atoi(m[6])
	}
	if hour > 23 || minute > 59 || second > 59 {
		return day, true
	}
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second), true
}

func lookupMonth(name string) (time.Month, bool) {
	name = strings.ToLower(name)
	if utf8.RuneCountInString(name) < 3 {
		return 0, false
	}
	runes := []rune(name)
	month, ok := monthPrefixes[string(runes[:3])]
	return month, ok
}

func buildDate(yearText string, month int, dayText string) (time.Time, bool) {
	year, err := strconv.Atoi(yearText)
	if err != nil || year < 1900 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(dayText)
	if err != nil || month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow such as Feb 30; reject it instead.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}
