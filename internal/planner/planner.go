package planner

import (
	"fmt"
	"time"

	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/recurrence"

	c "github.com/patrickmn/go-cache"
)

// DefaultHorizon is how many upcoming occurrences a plan holds.
const DefaultHorizon = 10

// cachedPlan is a derived snapshot, never authoritative: always regenerable
// from the rule, the exception set and "now".
type cachedPlan struct {
	from        time.Time
	occurrences []time.Time
}

// Planner derives and caches the next occurrences for scheduled automations.
// Manual and webhook automations bypass it entirely.
type Planner struct {
	cache   *c.Cache
	horizon int
}

func New(ttl time.Duration, horizon int) *Planner {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Planner{
		cache:   c.New(ttl, 10*time.Minute),
		horizon: horizon,
	}
}

func planKey(automationID uint) string {
	return fmt.Sprintf("plan:%d", automationID)
}

// NextOccurrences returns the automation's next count due instants at or
// after from. Results are deterministic for an unchanged definition.
func (p *Planner) NextOccurrences(a *models.FlowAutomation, from time.Time, count int) ([]time.Time, error) {
	if a.TriggerType != models.TriggerScheduled {
		return nil, fmt.Errorf("automation %d has trigger type %s, nothing to plan", a.ID, a.TriggerType)
	}
	if a.Recurrence == nil {
		return nil, fmt.Errorf("%w: automation %d has no recurrence rule", recurrence.ErrInvalidRule, a.ID)
	}
	if count <= 0 {
		count = p.horizon
	}
	return recurrence.Plan(a.Recurrence, a.Exceptions, from, count)
}

// IsDueNow reports the automation's most overdue unfired instant inside
// [now-tolerance, now], using the cached plan when it is fresh enough.
func (p *Planner) IsDueNow(a *models.FlowAutomation, now time.Time, tolerance time.Duration) (time.Time, bool) {
	occs, err := p.planned(a, now.Add(-tolerance))
	if err != nil {
		return time.Time{}, false
	}
	for _, occ := range occs {
		if occ.After(now) {
			break
		}
		return occ, true
	}
	return time.Time{}, false
}

// Due lists every planned instant inside [now-lookback, now], oldest first.
// The dispatcher decides per instant whether it still fits the grace window.
func (p *Planner) Due(a *models.FlowAutomation, now time.Time, lookback time.Duration) ([]time.Time, error) {
	occs, err := p.planned(a, now.Add(-lookback))
	if err != nil {
		return nil, err
	}
	var due []time.Time
	for _, occ := range occs {
		if occ.After(now) {
			break
		}
		due = append(due, occ)
	}
	return due, nil
}

// planned serves the cached plan when it covers from, recomputing otherwise.
func (p *Planner) planned(a *models.FlowAutomation, from time.Time) ([]time.Time, error) {
	key := planKey(a.ID)
	if v, ok := p.cache.Get(key); ok {
		plan := v.(cachedPlan)
		if !plan.from.After(from) {
			return trim(plan.occurrences, from), nil
		}
	}
	occs, err := p.NextOccurrences(a, from, p.horizon)
	if err != nil {
		return nil, err
	}
	p.cache.SetDefault(key, cachedPlan{from: from, occurrences: occs})
	return occs, nil
}

// Invalidate drops the automation's cached plan. Called on any definition
// change so the next poll replans.
func (p *Planner) Invalidate(automationID uint) {
	p.cache.Delete(planKey(automationID))
}

func trim(occs []time.Time, from time.Time) []time.Time {
	for i, occ := range occs {
		if !occ.Before(from) {
			return occs[i:]
		}
	}
	return nil
}
