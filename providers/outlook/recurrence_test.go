package outlook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrenceToRRule(t *testing.T) {
	tests := []struct {
		name string
		in   *patternedRecurrence
		want string
	}{
		{
			name: "nil",
			in:   nil,
			want: "",
		},
		{
			name: "weekly with count",
			in: &patternedRecurrence{
				Pattern: recurrencePattern{Type: "weekly", Interval: 2, DaysOfWeek: []string{"monday", "Wednesday"}},
				Range:   recurrenceRange{Type: "numbered", NumberOfOccurrences: 10},
			},
			want: "RRULE:FREQ=WEEKLY;BYDAY=MO,WE;INTERVAL=2;COUNT=10",
		},
		{
			name: "relative monthly last friday until",
			in: &patternedRecurrence{
				Pattern: recurrencePattern{Type: "relativeMonthly", Interval: 1, DaysOfWeek: []string{"friday"}, Index: "last"},
				Range:   recurrenceRange{Type: "endDate", EndDate: "2025-12-31"},
			},
			want: "RRULE:FREQ=MONTHLY;BYDAY=-1FR;UNTIL=20251231",
		},
		{
			name: "absolute yearly",
			in: &patternedRecurrence{
				Pattern: recurrencePattern{Type: "absoluteYearly", Interval: 1, Month: 3, DayOfMonth: 14},
				Range:   recurrenceRange{Type: "noEnd"},
			},
			want: "RRULE:FREQ=YEARLY;BYMONTH=3;BYMONTHDAY=14",
		},
		{
			name: "unknown type",
			in:   &patternedRecurrence{Pattern: recurrencePattern{Type: "hourly"}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recurrenceToRRule(tt.in))
		})
	}
}

func TestRRuleToRecurrence(t *testing.T) {
	start := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC) // a Tuesday

	weekly := rruleToRecurrence("RRULE:FREQ=WEEKLY;COUNT=5", start)
	require.NotNil(t, weekly)
	assert.Equal(t, "weekly", weekly.Pattern.Type)
	assert.Equal(t, []string{"tuesday"}, weekly.Pattern.DaysOfWeek)
	assert.Equal(t, "numbered", weekly.Range.Type)
	assert.Equal(t, 5, weekly.Range.NumberOfOccurrences)
	assert.Equal(t, "2025-03-04", weekly.Range.StartDate)

	monthly := rruleToRecurrence("RRULE:FREQ=MONTHLY;BYDAY=2TH;UNTIL=20251231T235959Z", start)
	require.NotNil(t, monthly)
	assert.Equal(t, "relativeMonthly", monthly.Pattern.Type)
	assert.Equal(t, "second", monthly.Pattern.Index)
	assert.Equal(t, []string{"thursday"}, monthly.Pattern.DaysOfWeek)
	assert.Equal(t, "2025-12-31", monthly.Range.EndDate)

	assert.Nil(t, rruleToRecurrence("EXDATE:20250301", start))
	assert.Nil(t, rruleToRecurrence("RRULE:FREQ=SECONDLY", start))
	assert.Nil(t, rruleToRecurrence("RRULE:FREQ=WEEKLY;BYDAY=XX", start))
}

func TestRRuleRoundTrip(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	rule := "RRULE:FREQ=WEEKLY;BYDAY=MO,FR;INTERVAL=3;COUNT=8"

	rec := rruleToRecurrence(rule, start)
	require.NotNil(t, rec)
	assert.Equal(t, rule, recurrenceToRRule(rec))
}
