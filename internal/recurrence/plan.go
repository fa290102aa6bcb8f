package recurrence

import (
	"sort"
	"time"

	"whatsapp-flow-engine/internal/models"
)

// Plan merges the evaluator and the exception calendar into the automation's
// next occurrences: up to count instants at or after from, ascending. Pure;
// the caller owns caching.
func Plan(rule *models.RecurrenceRule, exceptions []models.ExceptionRule, from time.Time, count int) ([]time.Time, error) {
	s, err := Compile(rule)
	if err != nil {
		return nil, err
	}
	cal := NewCalendar(exceptions)

	kept := make([]time.Time, 0, count)
	recurred := map[string]bool{} // local dates that produced a recurrence occurrence
	last := from

	it := s.Iterate(from)
	exhausted := false
	for len(kept) < count {
		occ, ok := it.Next()
		if !ok {
			exhausted = true
			break
		}
		recurred[occ.In(s.loc).Format("2006-01-02")] = true
		last = occ
		if cal.Decide(occ, s.loc) == Keep {
			kept = append(kept, occ)
		}
	}

	// Force ranges inject one occurrence per covered date that the recurrence
	// itself did not produce, at the rule's window start. While the horizon is
	// full, injection is bounded by the last evaluated recurrence occurrence
	// so a recurrence match past the horizon cannot be double-counted. An
	// exhausted recurrence no longer produces anything, so forced dates past
	// its end still inject.
	until := last
	if exhausted || len(recurred) == 0 {
		until = from.AddDate(1, 0, 0)
	}
	for _, d := range cal.ForcedDates(from, until, s.loc) {
		if recurred[d.Format("2006-01-02")] {
			continue
		}
		occ := s.At(d.Year(), d.Month(), d.Day())
		if occ.Before(from) {
			continue
		}
		kept = append(kept, occ)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	if len(kept) > count {
		kept = kept[:count]
	}
	return kept, nil
}
