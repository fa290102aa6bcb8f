package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"whatsapp-flow-engine/internal/events"
	"whatsapp-flow-engine/internal/execution"
	"whatsapp-flow-engine/internal/lease"
	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/planner"
	"whatsapp-flow-engine/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning means the automation has an execution in flight. A due
// instant arriving while one runs is deferred to the next poll cycle instead
// of starting a concurrent execution.
var ErrAlreadyRunning = errors.New("automation already has an execution in flight")

// ErrInactive rejects immediate triggers against a deactivated automation.
var ErrInactive = errors.New("automation is not active")

// Dispatcher is the only component with write authority over "is an
// automation currently running". Multiple instances may poll concurrently;
// the per-automation lease decides who fires a due instant.
type Dispatcher struct {
	store      *store.Store
	planner    *planner.Planner
	runner     *execution.Runner
	leases     lease.Store
	events     events.Publisher
	instanceID string
	interval   time.Duration
	grace      time.Duration
	leaseTTL   time.Duration
}

func New(s *store.Store, p *planner.Planner, r *execution.Runner, leases lease.Store, pub events.Publisher, interval, grace, leaseTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		store:      s,
		planner:    p,
		runner:     r,
		leases:     leases,
		events:     pub,
		instanceID: uuid.NewString(),
		interval:   interval,
		grace:      grace,
		leaseTTL:   leaseTTL,
	}
}

// InstanceID identifies this dispatcher for lease ownership.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Start runs the polling loop until the context is cancelled. Firing happens
// on separate goroutines; nothing here blocks longer than one scan.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Info().Str("instance", d.instanceID).Dur("interval", d.interval).Msg("dispatcher started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", d.instanceID).Msg("dispatcher stopped")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one scan: fire whatever is due, then reap orphans.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := time.Now().UTC()
	autos, err := d.store.ListActiveScheduled()
	if err != nil {
		log.Error().Err(err).Msg("failed to list scheduled automations")
	} else {
		for i := range autos {
			d.handleAutomation(ctx, &autos[i], now)
		}
	}
	d.Reap(ctx, now)
}

func (d *Dispatcher) handleAutomation(ctx context.Context, a *models.FlowAutomation, now time.Time) {
	// Look back past the grace window so instants missed during an outage are
	// recorded as skipped instead of fired late.
	due, err := d.planner.Due(a, now, d.grace+2*d.interval)
	if err != nil {
		log.Error().Err(err).Uint("automation", a.ID).Msg("planning failed")
		return
	}

	for _, occ := range due {
		exists, err := d.store.ExecutionExistsForSlot(a.ID, occ)
		if err != nil {
			log.Error().Err(err).Uint("automation", a.ID).Msg("slot lookup failed")
			return
		}
		if exists {
			continue
		}

		if now.Sub(occ) > d.grace {
			d.recordMissed(ctx, a, occ, now)
			continue
		}

		if _, err := d.fire(ctx, a, &occ, models.TriggerScheduled); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				log.Debug().Uint("automation", a.ID).Time("occurrence", occ).Msg("deferred, execution in flight")
			} else {
				log.Error().Err(err).Uint("automation", a.ID).Msg("failed to fire")
			}
		}
		// One fire per automation per scan; anything else defers anyway.
		return
	}
}

// recordMissed consumes a stale slot as skipped/missed_window. The slot index
// makes the record exactly-once even when several instances notice it.
func (d *Dispatcher) recordMissed(ctx context.Context, a *models.FlowAutomation, occ, now time.Time) {
	e := &models.Execution{
		ID:            uuid.NewString(),
		AutomationID:  a.ID,
		PlannedAt:     &occ,
		TriggerSource: models.TriggerScheduled,
		State:         models.StateSkipped,
		Reason:        models.ReasonMissedWindow,
		Detail:        fmt.Sprintf("due %s, noticed %s after the %s grace window", occ.Format(time.RFC3339), now.Sub(occ).Round(time.Second), d.grace),
		DispatcherID:  d.instanceID,
		CompletedAt:   &now,
	}
	err := d.store.CreateExecution(e)
	if errors.Is(err, store.ErrDuplicateSlot) {
		return
	}
	if err != nil {
		log.Error().Err(err).Uint("automation", a.ID).Msg("failed to record missed window")
		return
	}
	d.events.ExecutionStateChanged(ctx, e)
	log.Warn().Uint("automation", a.ID).Time("occurrence", occ).Msg("missed window, occurrence skipped")
}

// ExecuteNow is the immediate path for manual and webhook triggers. It
// bypasses planning but not the single-flight rule. Synchronous accept,
// asynchronous completion.
func (d *Dispatcher) ExecuteNow(ctx context.Context, automationID uint, source string) (*models.Execution, error) {
	a, err := d.store.GetAutomation(automationID)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrInactive
	}
	return d.fire(ctx, a, nil, source)
}

// fire claims the automation and starts an execution off the scheduling
// goroutine. Single-flight is two checks deep: no non-terminal execution in
// the store, and the per-automation lease acquired.
func (d *Dispatcher) fire(ctx context.Context, a *models.FlowAutomation, plannedAt *time.Time, source string) (*models.Execution, error) {
	active, err := d.store.HasActiveExecution(a.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrAlreadyRunning
	}

	ok, err := d.leases.Acquire(ctx, a.ID, d.instanceID, d.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	now := time.Now().UTC()
	e := &models.Execution{
		ID:            uuid.NewString(),
		AutomationID:  a.ID,
		PlannedAt:     plannedAt,
		TriggerSource: source,
		State:         models.StatePending,
		DispatcherID:  d.instanceID,
		HeartbeatAt:   &now,
	}
	if err := d.store.CreateExecution(e); err != nil {
		if _, rerr := d.leases.Release(ctx, a.ID, d.instanceID); rerr != nil {
			log.Error().Err(rerr).Uint("automation", a.ID).Msg("failed to release lease")
		}
		if errors.Is(err, store.ErrDuplicateSlot) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	d.events.ExecutionStateChanged(ctx, e)
	log.Info().Str("execution", e.ID).Uint("automation", a.ID).Str("source", source).Msg("execution created")

	go d.run(ctx, a, e)
	return e, nil
}

// run keeps the lease and heartbeat alive while the runner works, then
// releases the claim on terminal state.
func (d *Dispatcher) run(ctx context.Context, a *models.FlowAutomation, e *models.Execution) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go d.heartbeat(hbCtx, a.ID, e.ID)

	d.runner.Run(ctx, e, a)

	stopHeartbeat()
	if _, err := d.leases.Release(context.Background(), a.ID, d.instanceID); err != nil {
		log.Error().Err(err).Uint("automation", a.ID).Msg("failed to release lease")
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context, automationID uint, executionID string) {
	interval := d.leaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.leases.Renew(ctx, automationID, d.instanceID, d.leaseTTL); err != nil {
				log.Warn().Err(err).Uint("automation", automationID).Msg("lease renewal failed")
			}
			if err := d.store.TouchExecutionHeartbeat(executionID, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Str("execution", executionID).Msg("heartbeat update failed")
			}
		}
	}
}

// Reap marks executions orphaned by a crashed dispatcher: still non-terminal,
// heartbeat gone quiet, lease expired. They are failed with reason orphaned,
// never silently resumed, so a half-sent blast is not sent twice. The
// conditional store update makes the takeover exactly-once.
func (d *Dispatcher) Reap(ctx context.Context, now time.Time) {
	stale, err := d.store.StaleRunning(now.Add(-2 * d.leaseTTL))
	if err != nil {
		log.Error().Err(err).Msg("failed to list stale executions")
		return
	}
	for i := range stale {
		e := stale[i]
		held, err := d.leases.Held(ctx, e.AutomationID)
		if err != nil {
			log.Warn().Err(err).Uint("automation", e.AutomationID).Msg("lease probe failed during reap")
			continue
		}
		if held {
			// Holder is alive but slow; its own heartbeat will catch up.
			continue
		}
		won, err := d.store.MarkOrphaned(e.ID, now)
		if err != nil {
			log.Error().Err(err).Str("execution", e.ID).Msg("orphan takeover failed")
			continue
		}
		if !won {
			continue
		}
		updated, err := d.store.GetExecution(e.ID)
		if err == nil {
			d.events.ExecutionStateChanged(ctx, updated)
		}
		log.Warn().Str("execution", e.ID).Uint("automation", e.AutomationID).Msg("orphaned execution marked failed")
	}
}

// Cancel forwards an operator's cancellation request to the runner.
func (d *Dispatcher) Cancel(executionID string) bool {
	return d.runner.Cancel(executionID)
}
