// Package period converts the period tokens published by each provider into
// calendar dates.
package period

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"econdata/internal/model"
)

var (
	ErrUnsupportedFrequency = errors.New("period: unsupported frequency")
	ErrMalformedPeriodToken = errors.New("period: malformed period token")
)

// Parser turns a raw period token observed at the given frequency into a date.
type Parser func(token string, freq model.Frequency) (civil.Date, error)

type rule func(token string, freq model.Frequency) (civil.Date, error)

// rules is consulted once per series; frequencies without an entry are
// rejected rather than guessed.
var rules = map[model.Frequency]rule{
	model.FrequencySemiannual: parseSubPeriod,
	model.FrequencyFourMonth:  parseSubPeriod,
	model.FrequencyQuarterly:  parseSubPeriod,
	model.FrequencyBimonthly:  parseSubPeriod,
	model.FrequencyMonthly:    parseDayFirst,
	model.FrequencyDaily:      parseDayFirst,
}

// Supported reports whether Normalize has a rule for freq.
func Supported(freq model.Frequency) bool {
	_, ok := rules[freq]
	return ok
}

// Normalize maps a provider period token to the calendar date that labels the
// observation.
//
// Sub-annual tokens of the form "<year>/<n>" resolve to the first day of month
// n*3 for every sub-annual frequency, so "2023/2" is 2023-06-01 whether the
// series is quarterly, bimonthly, four-month or semiannual. Monthly and daily
// tokens are parsed day-first.
func Normalize(token string, freq model.Frequency) (civil.Date, error) {
	parse, ok := rules[freq]
	if !ok {
		return civil.Date{}, fmt.Errorf("%w: %s (code %d)", ErrUnsupportedFrequency, freq, int(freq))
	}
	return parse(token, freq)
}

func parseSubPeriod(token string, freq model.Frequency) (civil.Date, error) {
	trimmed := strings.TrimSpace(token)
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return civil.Date{}, malformed(token, freq)
	}
	year, ok := parseYear(parts[0])
	if !ok {
		return civil.Date{}, malformed(token, freq)
	}
	sub, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return civil.Date{}, malformed(token, freq)
	}
	month := sub * 3
	if month < 1 || month > 12 {
		return civil.Date{}, malformed(token, freq)
	}
	return civil.Date{Year: year, Month: time.Month(month), Day: 1}, nil
}

// parseDayFirst reads day/month/year strings. Year-first spellings are
// unambiguous and accepted as well; a missing day means the first of the
// month.
func parseDayFirst(token string, freq model.Frequency) (civil.Date, error) {
	trimmed := strings.TrimSpace(token)
	if idx := strings.IndexAny(trimmed, "T "); idx > 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return civil.Date{}, malformed(token, freq)
	}

	parts := splitDate(trimmed)
	var year, month, day int
	var ok bool
	switch len(parts) {
	case 1:
		if len(parts[0]) != 8 || !isDigits(parts[0]) {
			return civil.Date{}, malformed(token, freq)
		}
		year, _ = strconv.Atoi(parts[0][:4])
		month, _ = strconv.Atoi(parts[0][4:6])
		day, _ = strconv.Atoi(parts[0][6:])
		ok = true
	case 2:
		day = 1
		if len(parts[0]) == 4 {
			year, month, ok = parseNumbers(parts[0], parts[1])
		} else {
			month, year, ok = parseNumbers(parts[0], parts[1])
			ok = ok && len(parts[1]) == 4
		}
	case 3:
		if len(parts[0]) == 4 {
			year, month, ok = parseNumbers(parts[0], parts[1])
			if ok {
				day, ok = atoi(parts[2])
			}
		} else {
			day, month, ok = parseNumbers(parts[0], parts[1])
			if ok {
				year, ok = parseYear(parts[2])
			}
		}
	}
	if !ok {
		return civil.Date{}, malformed(token, freq)
	}

	date := civil.Date{Year: year, Month: time.Month(month), Day: day}
	if !date.IsValid() {
		return civil.Date{}, malformed(token, freq)
	}
	return date, nil
}

// ParseCalendar reads ISO-like calendar tokens: "2023", "2023M04", "2023-04",
// "202304", "2023Q2", "2023-Q2" and "2023-04-15". Years and quarters resolve to
// their first day.
func ParseCalendar(token string) (civil.Date, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(token))
	if date, err := civil.ParseDate(trimmed); err == nil {
		return date, nil
	}
	if year, month, ok := parseYearMonth(trimmed); ok {
		return civil.Date{Year: year, Month: time.Month(month), Day: 1}, nil
	}
	if year, quarter, ok := parseYearQuarter(trimmed); ok {
		return civil.Date{Year: year, Month: time.Month(quarter*3 - 2), Day: 1}, nil
	}
	if year, ok := parseYear(trimmed); ok {
		return civil.Date{Year: year, Month: time.January, Day: 1}, nil
	}
	return civil.Date{}, fmt.Errorf("%w: %q is not a calendar period", ErrMalformedPeriodToken, token)
}

// CalendarParser adapts ParseCalendar to the Parser signature for providers
// whose tokens carry their own granularity.
func CalendarParser(token string, _ model.Frequency) (civil.Date, error) {
	return ParseCalendar(token)
}

// DayFirstParser parses full dates day-first whatever the series cadence.
// Providers that stamp every observation with a date use it.
func DayFirstParser(token string, freq model.Frequency) (civil.Date, error) {
	return parseDayFirst(token, freq)
}

// AddMonths moves d by n calendar months, clamping the day to the end of the
// target month.
func AddMonths(d civil.Date, n int) civil.Date {
	total := int(d.Month) - 1 + n
	year := d.Year + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)
	day := d.Day
	if last := daysIn(year, month); day > last {
		day = last
	}
	return civil.Date{Year: year, Month: month, Day: day}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func malformed(token string, freq model.Frequency) error {
	return fmt.Errorf("%w: %q is not a valid %s period", ErrMalformedPeriodToken, token, freq)
}

func splitDate(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == '/' || r == '-' || r == '.'
	})
}

func parseNumbers(a, b string) (int, int, bool) {
	first, ok := atoi(a)
	if !ok {
		return 0, 0, false
	}
	second, ok := atoi(b)
	if !ok {
		return 0, 0, false
	}
	return first, second, true
}

func atoi(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" || !isDigits(value) {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseYearMonth(value string) (int, int, bool) {
	if len(value) == 6 && isDigits(value) {
		year, _ := strconv.Atoi(value[:4])
		month, _ := strconv.Atoi(value[4:])
		if month >= 1 && month <= 12 {
			return year, month, true
		}
	}
	if len(value) == 7 && value[4] == 'M' && isDigits(value[:4]) && isDigits(value[5:]) {
		year, _ := strconv.Atoi(value[:4])
		month, _ := strconv.Atoi(value[5:])
		if month >= 1 && month <= 12 {
			return year, month, true
		}
	}

	parts := strings.Split(value, "-")
	if len(parts) == 2 && len(parts[0]) == 4 {
		year, okYear := atoi(parts[0])
		month, okMonth := atoi(parts[1])
		if okYear && okMonth && month >= 1 && month <= 12 {
			return year, month, true
		}
	}
	return 0, 0, false
}

func parseYearQuarter(value string) (int, int, bool) {
	separator := "Q"
	if strings.Contains(value, "-Q") {
		separator = "-Q"
	}
	parts := strings.Split(value, separator)
	if len(parts) != 2 {
		return 0, 0, false
	}
	year, okYear := parseYear(parts[0])
	quarter, okQuarter := atoi(parts[1])
	if okYear && okQuarter && quarter >= 1 && quarter <= 4 {
		return year, quarter, true
	}
	return 0, 0, false
}

func parseYear(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if len(value) != 4 || !isDigits(value) {
		return 0, false
	}
	year, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return year, true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
