package recurrence

import (
	"testing"
	"time"

	"whatsapp-flow-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, r *models.RecurrenceRule) *Schedule {
	t.Helper()
	s, err := Compile(r)
	require.NoError(t, err)
	return s
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestCompileRejectsInvalidRules(t *testing.T) {
	cases := []struct {
		name string
		rule models.RecurrenceRule
	}{
		{"unknown timezone", models.RecurrenceRule{Frequency: models.FreqDaily, WindowStart: "09:00", WindowEnd: "17:00", Timezone: "Mars/Olympus"}},
		{"bad window format", models.RecurrenceRule{Frequency: models.FreqDaily, WindowStart: "9am", WindowEnd: "17:00", Timezone: "UTC"}},
		{"inverted window", models.RecurrenceRule{Frequency: models.FreqDaily, WindowStart: "17:00", WindowEnd: "09:00", Timezone: "UTC"}},
		{"empty window", models.RecurrenceRule{Frequency: models.FreqDaily, WindowStart: "09:00", WindowEnd: "09:00", Timezone: "UTC"}},
		{"weekly without weekdays", models.RecurrenceRule{Frequency: models.FreqWeekly, WindowStart: "09:00", WindowEnd: "17:00", Timezone: "UTC"}},
		{"weekly unknown weekday", models.RecurrenceRule{Frequency: models.FreqWeekly, Weekdays: "MON,FUNDAY", WindowStart: "09:00", WindowEnd: "17:00", Timezone: "UTC"}},
		{"monthly day out of range", models.RecurrenceRule{Frequency: models.FreqMonthly, DayOfMonth: 32, WindowStart: "09:00", WindowEnd: "17:00", Timezone: "UTC"}},
		{"unknown frequency", models.RecurrenceRule{Frequency: "yearly", WindowStart: "09:00", WindowEnd: "17:00", Timezone: "UTC"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(&tc.rule)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestWeeklyOccurrencesAscending(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqWeekly,
		Weekdays:    "MON,WED,FRI",
		WindowStart: "09:00",
		WindowEnd:   "17:00",
		Timezone:    "America/New_York",
	}

	// Thursday noon; the Friday of the same week comes first.
	from := time.Date(2026, time.January, 1, 12, 0, 0, 0, ny)
	occs, err := Occurrences(rule, from, 4)
	require.NoError(t, err)
	require.Len(t, occs, 4)
	assert.Equal(t, time.Date(2026, time.January, 2, 9, 0, 0, 0, ny), occs[0])
	assert.Equal(t, time.Date(2026, time.January, 5, 9, 0, 0, 0, ny), occs[1])
	assert.Equal(t, time.Date(2026, time.January, 7, 9, 0, 0, 0, ny), occs[2])
	assert.Equal(t, time.Date(2026, time.January, 9, 9, 0, 0, 0, ny), occs[3])
}

func TestDailySkipsElapsedWindowStart(t *testing.T) {
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqDaily,
		WindowStart: "08:30",
		WindowEnd:   "09:30",
		Timezone:    "UTC",
	}
	from := time.Date(2026, time.March, 10, 10, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 2)
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, time.Date(2026, time.March, 11, 8, 30, 0, 0, time.UTC), occs[0])
	assert.Equal(t, time.Date(2026, time.March, 12, 8, 30, 0, 0, time.UTC), occs[1])
}

func TestMonthlyClampsShortMonths(t *testing.T) {
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqMonthly,
		DayOfMonth:  31,
		WindowStart: "10:00",
		WindowEnd:   "11:00",
		Timezone:    "UTC",
	}
	from := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 4)
	require.NoError(t, err)
	require.Len(t, occs, 4)
	assert.Equal(t, time.Date(2026, time.January, 31, 10, 0, 0, 0, time.UTC), occs[0])
	assert.Equal(t, time.Date(2026, time.February, 28, 10, 0, 0, 0, time.UTC), occs[1])
	assert.Equal(t, time.Date(2026, time.March, 31, 10, 0, 0, 0, time.UTC), occs[2])
	assert.Equal(t, time.Date(2026, time.April, 30, 10, 0, 0, 0, time.UTC), occs[3])
}

func TestEndDateStopsSequence(t *testing.T) {
	end := time.Date(2026, time.January, 3, 0, 0, 0, 0, time.UTC)
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqDaily,
		WindowStart: "09:00",
		WindowEnd:   "10:00",
		Timezone:    "UTC",
		EndDate:     &end,
	}
	from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 10)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, time.Date(2026, time.January, 3, 9, 0, 0, 0, time.UTC), occs[2])
}

func TestMaxOccurrencesCountFromCreation(t *testing.T) {
	rule := &models.RecurrenceRule{
		Frequency:      models.FreqDaily,
		WindowStart:    "09:00",
		WindowEnd:      "10:00",
		Timezone:       "UTC",
		MaxOccurrences: 5,
		CreatedAt:      time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
	}

	// Three occurrences already elapsed since creation, so only two remain.
	from := time.Date(2026, time.January, 4, 0, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 10)
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, time.Date(2026, time.January, 4, 9, 0, 0, 0, time.UTC), occs[0])
	assert.Equal(t, time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC), occs[1])
}

func TestMaxOccurrencesAnchorYearsInPast(t *testing.T) {
	// The catch-up walk from creation to the lower bound spans six years
	// here and must not starve the search for emitting occurrences.
	rule := &models.RecurrenceRule{
		Frequency:      models.FreqDaily,
		WindowStart:    "09:00",
		WindowEnd:      "10:00",
		Timezone:       "UTC",
		MaxOccurrences: 3000,
		CreatedAt:      time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
	}

	from := time.Date(2026, time.January, 4, 0, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 3)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, time.Date(2026, time.January, 4, 9, 0, 0, 0, time.UTC), occs[0])
	assert.Equal(t, time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC), occs[1])
	assert.Equal(t, time.Date(2026, time.January, 6, 9, 0, 0, 0, time.UTC), occs[2])
}

func TestSpringForwardGapMovesToNextValidTime(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqDaily,
		WindowStart: "02:30",
		WindowEnd:   "04:00",
		Timezone:    "America/New_York",
	}

	// DST starts 2026-03-08 02:00 in New York; 02:30 does not exist that day.
	from := time.Date(2026, time.March, 7, 0, 0, 0, 0, ny)
	occs, err := Occurrences(rule, from, 3)
	require.NoError(t, err)
	require.Len(t, occs, 3)

	assert.Equal(t, time.Date(2026, time.March, 7, 2, 30, 0, 0, ny), occs[0])

	gap := occs[1]
	assert.Equal(t, 8, gap.Day())
	assert.Equal(t, 3, gap.Hour())
	assert.Equal(t, 0, gap.Minute())
	assert.Equal(t, time.Date(2026, time.March, 8, 7, 0, 0, 0, time.UTC).Unix(), gap.Unix())

	assert.Equal(t, time.Date(2026, time.March, 9, 2, 30, 0, 0, ny), occs[2])
}

func TestFallBackAmbiguousTimeFiresOnce(t *testing.T) {
	rule := &models.RecurrenceRule{
		Frequency:   models.FreqDaily,
		WindowStart: "01:30",
		WindowEnd:   "03:00",
		Timezone:    "America/New_York",
	}

	// DST ends 2026-11-01; 01:30 occurs twice and the first instant wins.
	from := time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC)
	occs, err := Occurrences(rule, from, 1)
	require.NoError(t, err)
	require.Len(t, occs, 1)

	occ := occs[0]
	assert.Equal(t, 1, occ.Hour())
	assert.Equal(t, 30, occ.Minute())
	_, offset := occ.Zone()
	assert.Equal(t, -4*3600, offset, "expected the EDT instant, not the repeated EST one")
}

func TestIteratorIsRestartable(t *testing.T) {
	s := mustCompile(t, &models.RecurrenceRule{
		Frequency:   models.FreqWeekly,
		Weekdays:    "TUE,SAT",
		WindowStart: "07:15",
		WindowEnd:   "08:00",
		Timezone:    "Europe/Berlin",
	})
	from := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

	read := func() []time.Time {
		it := s.Iterate(from)
		var out []time.Time
		for i := 0; i < 5; i++ {
			occ, ok := it.Next()
			require.True(t, ok)
			out = append(out, occ)
		}
		return out
	}

	first := read()
	second := read()
	assert.Equal(t, first, second)
	for i := 1; i < len(first); i++ {
		assert.True(t, first[i].After(first[i-1]), "occurrences must ascend")
	}
}

func TestWindowContains(t *testing.T) {
	s := mustCompile(t, &models.RecurrenceRule{
		Frequency:   models.FreqDaily,
		WindowStart: "09:00",
		WindowEnd:   "17:00",
		Timezone:    "UTC",
	})

	assert.True(t, s.WindowContains(time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC)))
	assert.True(t, s.WindowContains(time.Date(2026, time.June, 1, 16, 59, 0, 0, time.UTC)))
	assert.False(t, s.WindowContains(time.Date(2026, time.June, 1, 17, 0, 0, 0, time.UTC)), "window end is exclusive")
	assert.False(t, s.WindowContains(time.Date(2026, time.June, 1, 8, 59, 0, 0, time.UTC)))
}
