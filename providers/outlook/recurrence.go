// ABOUTME: Converts Graph patterned recurrences to RFC 5545 RRULE strings and back
// ABOUTME: Unsupported rules are dropped rather than approximated
package outlook

import (
	"strconv"
	"strings"
	"time"
)

type recurrencePattern struct {
	Type           string   `json:"type"`
	Interval       int      `json:"interval"`
	Month          int      `json:"month,omitempty"`
	DayOfMonth     int      `json:"dayOfMonth,omitempty"`
	DaysOfWeek     []string `json:"daysOfWeek,omitempty"`
	FirstDayOfWeek string   `json:"firstDayOfWeek,omitempty"`
	Index          string   `json:"index,omitempty"`
}

type recurrenceRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate"`
	EndDate             string `json:"endDate,omitempty"`
	NumberOfOccurrences int    `json:"numberOfOccurrences,omitempty"`
}

type patternedRecurrence struct {
	Pattern recurrencePattern `json:"pattern"`
	Range   recurrenceRange   `json:"range"`
}

var dayCodes = map[string]string{
	"sunday":    "SU",
	"monday":    "MO",
	"tuesday":   "TU",
	"wednesday": "WE",
	"thursday":  "TH",
	"friday":    "FR",
	"saturday":  "SA",
}

var indexOrdinals = map[string]string{
	"first":  "1",
	"second": "2",
	"third":  "3",
	"fourth": "4",
	"last":   "-1",
}

func recurrenceToRRule(r *patternedRecurrence) string {
	if r == nil {
		return ""
	}

	p := r.Pattern
	parts := make([]string, 0, 6)

	days := func(prefix string) (string, bool) {
		codes := make([]string, 0, len(p.DaysOfWeek))
		for _, d := range p.DaysOfWeek {
			code, ok := dayCodes[strings.ToLower(d)]
			if !ok {
				return "", false
			}
			codes = append(codes, prefix+code)
		}
		return strings.Join(codes, ","), len(codes) > 0
	}

	switch p.Type {
	case "daily":
		parts = append(parts, "FREQ=DAILY")
	case "weekly":
		byDay, ok := days("")
		if !ok {
			return ""
		}
		parts = append(parts, "FREQ=WEEKLY", "BYDAY="+byDay)
	case "absoluteMonthly":
		parts = append(parts, "FREQ=MONTHLY", "BYMONTHDAY="+strconv.Itoa(p.DayOfMonth))
	case "relativeMonthly":
		byDay, ok := days(indexOrdinals[orFirst(p.Index)])
		if !ok {
			return ""
		}
		parts = append(parts, "FREQ=MONTHLY", "BYDAY="+byDay)
	case "absoluteYearly":
		parts = append(parts, "FREQ=YEARLY", "BYMONTH="+strconv.Itoa(p.Month), "BYMONTHDAY="+strconv.Itoa(p.DayOfMonth))
	case "relativeYearly":
		byDay, ok := days(indexOrdinals[orFirst(p.Index)])
		if !ok {
			return ""
		}
		parts = append(parts, "FREQ=YEARLY", "BYMONTH="+strconv.Itoa(p.Month), "BYDAY="+byDay)
	default:
		return ""
	}

	if p.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(p.Interval))
	}

	switch r.Range.Type {
	case "endDate":
		if end, err := time.Parse(dateLayout, r.Range.EndDate); err == nil {
			parts = append(parts, "UNTIL="+end.Format("20060102"))
		}
	case "numbered":
		if r.Range.NumberOfOccurrences > 0 {
			parts = append(parts, "COUNT="+strconv.Itoa(r.Range.NumberOfOccurrences))
		}
	}

	return "RRULE:" + strings.Join(parts, ";")
}

func orFirst(index string) string {
	if index == "" {
		return "first"
	}
	return index
}

const dateLayout = "2006-01-02"

// rruleToRecurrence parses a single RRULE line anchored at start. It returns nil
// for anything that has no Graph equivalent.
func rruleToRecurrence(rule string, start time.Time) *patternedRecurrence {
	body, ok := strings.CutPrefix(strings.TrimSpace(rule), "RRULE:")
	if !ok {
		return nil
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(body, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			return nil
		}
		fields[strings.ToUpper(k)] = v
	}

	rec := &patternedRecurrence{
		Pattern: recurrencePattern{Interval: 1},
		Range:   recurrenceRange{Type: "noEnd", StartDate: start.Format(dateLayout)},
	}
	if v, ok := fields["INTERVAL"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil
		}
		rec.Pattern.Interval = n
	}

	byDay := fields["BYDAY"]
	weekdays, index, ok := parseByDay(byDay)
	if !ok {
		return nil
	}

	switch fields["FREQ"] {
	case "DAILY":
		rec.Pattern.Type = "daily"
	case "WEEKLY":
		rec.Pattern.Type = "weekly"
		if len(weekdays) == 0 {
			weekdays = []string{strings.ToLower(start.Weekday().String())}
		}
		rec.Pattern.DaysOfWeek = weekdays
		rec.Pattern.FirstDayOfWeek = "sunday"
	case "MONTHLY":
		if byDay != "" {
			rec.Pattern.Type = "relativeMonthly"
			rec.Pattern.DaysOfWeek = weekdays
			rec.Pattern.Index = index
		} else {
			rec.Pattern.Type = "absoluteMonthly"
			rec.Pattern.DayOfMonth = atoiOr(fields["BYMONTHDAY"], start.Day())
		}
	case "YEARLY":
		rec.Pattern.Month = atoiOr(fields["BYMONTH"], int(start.Month()))
		if byDay != "" {
			rec.Pattern.Type = "relativeYearly"
			rec.Pattern.DaysOfWeek = weekdays
			rec.Pattern.Index = index
		} else {
			rec.Pattern.Type = "absoluteYearly"
			rec.Pattern.DayOfMonth = atoiOr(fields["BYMONTHDAY"], start.Day())
		}
	default:
		return nil
	}

	if v, ok := fields["COUNT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil
		}
		rec.Range.Type = "numbered"
		rec.Range.NumberOfOccurrences = n
	} else if v, ok := fields["UNTIL"]; ok {
		if len(v) < 8 {
			return nil
		}
		end, err := time.Parse("20060102", v[:8])
		if err != nil {
			return nil
		}
		rec.Range.Type = "endDate"
		rec.Range.EndDate = end.Format(dateLayout)
	}

	return rec
}

// parseByDay splits BYDAY into Graph weekday names and a shared ordinal index.
func parseByDay(v string) ([]string, string, bool) {
	if v == "" {
		return nil, "", true
	}

	var days []string
	index := ""
	for _, item := range strings.Split(v, ",") {
		if len(item) < 2 {
			return nil, "", false
		}
		code := item[len(item)-2:]
		ordinal := item[:len(item)-2]

		name := ""
		for n, c := range dayCodes {
			if c == code {
				name = n
				break
			}
		}
		if name == "" {
			return nil, "", false
		}
		days = append(days, name)

		if ordinal != "" {
			ordinal = strings.TrimPrefix(ordinal, "+")
			found := false
			for idx, o := range indexOrdinals {
				if o == ordinal {
					index = idx
					found = true
					break
				}
			}
			if !found {
				return nil, "", false
			}
		}
	}
	if index == "" {
		index = "first"
	}
	return days, index, true
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
