package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-flow-engine/internal/models"
)

// ErrInvalidRule marks definition errors in a recurrence rule. These are
// rejected at create/update time and never reach the dispatcher.
var ErrInvalidRule = errors.New("invalid recurrence rule")

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

// Schedule is the compiled, validated form of a RecurrenceRule. Compiling
// once lets the planner iterate without re-parsing window strings and the
// timezone on every occurrence.
type Schedule struct {
	frequency  string
	weekdays   map[time.Weekday]bool
	startMin   int // window start, minutes since local midnight
	endMin     int
	loc        *time.Location
	dayOfMonth int
	endDate    *time.Time
	maxOccurs  int
	anchor     time.Time // occurrence counting starts here when maxOccurs > 0
}

// Compile validates the rule and returns its compiled schedule.
func Compile(r *models.RecurrenceRule) (*Schedule, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, r.Timezone)
	}

	startMin, err := parseClock(r.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("%w: window start: %v", ErrInvalidRule, err)
	}
	endMin, err := parseClock(r.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: window end: %v", ErrInvalidRule, err)
	}
	if startMin >= endMin {
		return nil, fmt.Errorf("%w: window start %s is not before window end %s", ErrInvalidRule, r.WindowStart, r.WindowEnd)
	}

	s := &Schedule{
		frequency:  r.Frequency,
		startMin:   startMin,
		endMin:     endMin,
		loc:        loc,
		dayOfMonth: r.DayOfMonth,
		endDate:    r.EndDate,
		maxOccurs:  r.MaxOccurrences,
		anchor:     r.CreatedAt,
	}

	switch r.Frequency {
	case models.FreqDaily:
	case models.FreqWeekly:
		s.weekdays = map[time.Weekday]bool{}
		for _, name := range strings.Split(r.Weekdays, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			wd, ok := weekdayNames[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidRule, name)
			}
			s.weekdays[wd] = true
		}
		if len(s.weekdays) == 0 {
			return nil, fmt.Errorf("%w: weekly frequency needs at least one weekday", ErrInvalidRule)
		}
	case models.FreqMonthly:
		if s.dayOfMonth < 1 || s.dayOfMonth > 31 {
			return nil, fmt.Errorf("%w: day of month %d out of range", ErrInvalidRule, s.dayOfMonth)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidRule, r.Frequency)
	}

	return s, nil
}

// Validate checks a rule without keeping the compiled schedule around.
func Validate(r *models.RecurrenceRule) error {
	_, err := Compile(r)
	return err
}

// Location returns the rule's timezone.
func (s *Schedule) Location() *time.Location {
	return s.loc
}

// WindowContains reports whether a local wall clock instant lies inside the
// rule's [start, end) window.
func (s *Schedule) WindowContains(t time.Time) bool {
	min := t.In(s.loc).Hour()*60 + t.In(s.loc).Minute()
	return min >= s.startMin && min < s.endMin
}

// Iterator produces the schedule's occurrences in ascending order. It is
// restartable: a fresh iterator over the same rule and lower bound yields the
// same sequence.
type Iterator struct {
	s        *Schedule
	from     time.Time
	fromDate time.Time // local midnight of from; earlier dates are catch-up
	cursor   time.Time // local midnight of the next candidate date
	counted  int       // occurrences since anchor, for maxOccurs
	done     bool
}

// Iterate returns an iterator over occurrences at or after from.
func (s *Schedule) Iterate(from time.Time) *Iterator {
	start := from
	if s.maxOccurs > 0 && !s.anchor.IsZero() && s.anchor.Before(from) {
		// Occurrence-count bounded rules count from the rule's creation, so
		// earlier occurrences must be walked even when they are not emitted.
		start = s.anchor
	}
	local := start.In(s.loc)
	cursor := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	fl := from.In(s.loc)
	fromDate := time.Date(fl.Year(), fl.Month(), fl.Day(), 0, 0, 0, 0, s.loc)
	return &Iterator{s: s, from: from, fromDate: fromDate, cursor: cursor}
}

// Next returns the next occurrence, or false when the sequence is exhausted.
func (it *Iterator) Next() (time.Time, bool) {
	if it.done {
		return time.Time{}, false
	}
	// Bounded scan: nothing recurs less often than monthly, so a four year
	// window is more than enough to find the next occurrence or give up.
	// Catch-up days before the lower bound only advance the occurrence
	// count and are not charged against the budget.
	for i := 0; i < 366*4; {
		date := it.cursor
		it.cursor = it.cursor.AddDate(0, 0, 1)
		if !date.Before(it.fromDate) {
			i++
		}

		if it.s.endDate != nil {
			end := it.s.endDate.In(it.s.loc)
			if afterDate(date, end) {
				it.done = true
				return time.Time{}, false
			}
		}
		if !it.s.matchesDate(date) {
			continue
		}
		occ := it.s.At(date.Year(), date.Month(), date.Day())
		it.counted++
		if it.s.maxOccurs > 0 && it.counted > it.s.maxOccurs {
			it.done = true
			return time.Time{}, false
		}
		if occ.Before(it.from) {
			continue
		}
		return occ, true
	}
	it.done = true
	return time.Time{}, false
}

func (s *Schedule) matchesDate(date time.Time) bool {
	switch s.frequency {
	case models.FreqDaily:
		return true
	case models.FreqWeekly:
		return s.weekdays[date.Weekday()]
	case models.FreqMonthly:
		day := s.dayOfMonth
		if last := daysInMonth(date.Year(), date.Month()); day > last {
			day = last // 31st clamps to the month's last valid day
		}
		return date.Day() == day
	}
	return false
}

// At places the window-start occurrence on the given local date. A wall clock
// time erased by a DST jump moves forward to the first valid local time; a
// wall clock time repeated by a DST rollback fires at its first instant,
// which is what time.Date resolves ambiguous times to.
func (s *Schedule) At(year int, month time.Month, day int) time.Time {
	for extra := 0; extra <= 180; extra++ {
		minute := s.startMin + extra
		if minute >= 24*60 {
			break
		}
		t := time.Date(year, month, day, 0, minute, 0, 0, s.loc)
		if t.Hour()*60+t.Minute() == minute && t.Day() == day {
			return t
		}
	}
	return time.Date(year, month, day, 0, s.startMin, 0, 0, s.loc)
}

// Occurrences evaluates the rule and returns up to n occurrences at or after
// from, in ascending order.
func Occurrences(r *models.RecurrenceRule, from time.Time, n int) ([]time.Time, error) {
	s, err := Compile(r)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	it := s.Iterate(from)
	for len(out) < n {
		occ, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, occ)
	}
	return out, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func afterDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}
