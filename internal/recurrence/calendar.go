package recurrence

import (
	"fmt"
	"sort"
	"time"

	"whatsapp-flow-engine/internal/models"
)

// Decision is the exception calendar's verdict for one candidate occurrence.
type Decision int

const (
	Keep Decision = iota
	Drop
)

// Calendar overlays an automation's exception rules on evaluator output. It
// never mutates the recurrence rule; the planner builds a fresh calendar on
// every pass.
type Calendar struct {
	rules []models.ExceptionRule
}

// NewCalendar builds a calendar over the rules in declaration order.
func NewCalendar(rules []models.ExceptionRule) Calendar {
	ordered := make([]models.ExceptionRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	return Calendar{rules: ordered}
}

// ValidateException rejects malformed exception rules at definition time.
func ValidateException(r *models.ExceptionRule) error {
	if r.Kind != models.ExceptionSkip && r.Kind != models.ExceptionForce {
		return fmt.Errorf("%w: unknown exception kind %q", ErrInvalidRule, r.Kind)
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: exception range ends before it starts", ErrInvalidRule)
	}
	return nil
}

// Decide applies the overlay to a recurrence-produced occurrence. Force is
// tested first: a date covered by both force and skip keeps its occurrence.
func (c Calendar) Decide(occ time.Time, loc *time.Location) Decision {
	local := occ.In(loc)
	if c.covers(models.ExceptionForce, local) {
		return Keep
	}
	if c.covers(models.ExceptionSkip, local) {
		return Drop
	}
	return Keep
}

func (c Calendar) covers(kind string, local time.Time) bool {
	for _, r := range c.rules {
		if r.Kind != kind {
			continue
		}
		if !afterDate(r.StartDate, local) && !afterDate(local, r.EndDate) {
			return true
		}
	}
	return false
}

// ForcedDates lists every local date covered by a force range inside
// [from, until], each exactly once, ascending.
func (c Calendar) ForcedDates(from, until time.Time, loc *time.Location) []time.Time {
	seen := map[string]bool{}
	var dates []time.Time
	for _, r := range c.rules {
		if r.Kind != models.ExceptionForce {
			continue
		}
		for d := dateOf(r.StartDate, loc); !afterDate(d, r.EndDate); d = d.AddDate(0, 0, 1) {
			if afterDate(from.In(loc), d) || afterDate(d, until.In(loc)) {
				continue
			}
			key := d.Format("2006-01-02")
			if seen[key] {
				continue
			}
			seen[key] = true
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
