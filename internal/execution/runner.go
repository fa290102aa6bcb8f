package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"whatsapp-flow-engine/internal/audience"
	"whatsapp-flow-engine/internal/events"
	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/store"
	"whatsapp-flow-engine/internal/transport"
	"whatsapp-flow-engine/internal/variables"

	"github.com/rs/zerolog/log"
)

// DefaultBackoff is the per-recipient retry schedule for transient delivery
// errors: the nth failed attempt waits DefaultBackoff[n-1] before the next.
var DefaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// DefaultMaxAttempts bounds submission attempts per recipient.
const DefaultMaxAttempts = 3

// DefaultConcurrency bounds parallel sends within one execution.
const DefaultConcurrency = 20

// Runner drives a single execution from pending to a terminal state:
// resolving (audience + variables), running (per-recipient dispatch), then
// completed, partially_failed, failed or skipped. An execution never
// re-enters pending; a later due instant is always a new execution.
type Runner struct {
	store       *store.Store
	resolver    *audience.Resolver
	renderer    transport.Renderer
	sender      transport.Sender
	events      events.Publisher
	concurrency int
	maxAttempts int
	backoff     []time.Duration

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
}

func NewRunner(s *store.Store, resolver *audience.Resolver, renderer transport.Renderer, sender transport.Sender, pub events.Publisher, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Runner{
		store:       s,
		resolver:    resolver,
		renderer:    renderer,
		sender:      sender,
		events:      pub,
		concurrency: concurrency,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		cancels:     map[string]context.CancelFunc{},
		cancelled:   map[string]bool{},
	}
}

// SetRetryPolicy overrides the per-recipient attempt bound and backoff
// schedule. Attempt n failing transiently waits backoff[min(n, len)-1].
func (r *Runner) SetRetryPolicy(maxAttempts int, backoff []time.Duration) {
	if maxAttempts > 0 {
		r.maxAttempts = maxAttempts
	}
	if len(backoff) > 0 {
		r.backoff = backoff
	}
}

// Cancel requests cancellation of a running execution. Already-dispatched
// recipients are not rolled back; no further recipients are attempted.
func (r *Runner) Cancel(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[executionID]
	if !ok {
		return false
	}
	r.cancelled[executionID] = true
	cancel()
	return true
}

type pendingSend struct {
	contact models.Contact
	payload transport.Payload
}

// Run executes one firing. The automation snapshot is the one the dispatcher
// loaded when it decided to fire; active status is re-checked here because
// deactivation may land between scheduling and firing.
func (r *Runner) Run(ctx context.Context, e *models.Execution, a *models.FlowAutomation) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[e.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, e.ID)
		delete(r.cancelled, e.ID)
		r.mu.Unlock()
	}()

	now := time.Now().UTC()
	e.StartedAt = &now
	r.transition(ctx, e, models.StateResolving, "", "")

	if fresh, err := r.store.GetAutomation(a.ID); err == nil {
		a = fresh
	}
	if !a.Active {
		r.finish(ctx, e, models.StateSkipped, models.ReasonAutomationInactive, "automation deactivated between scheduling and firing")
		return
	}

	res, err := r.resolver.Resolve(runCtx, a.Audience, a.OrgID)
	if err != nil {
		if errors.Is(err, audience.ErrEmptyAudience) {
			e.Excluded = res.Excluded
			r.finish(ctx, e, models.StateSkipped, models.ReasonEmptyAudience, "no eligible recipients at fire time")
			return
		}
		r.finish(ctx, e, models.StateFailed, "resolution_error", err.Error())
		return
	}
	e.Excluded = res.Excluded
	e.Recipients = len(res.Recipients)

	tmpl, err := variables.ParseTemplate(a.Variables)
	if err != nil {
		r.finish(ctx, e, models.StateFailed, "invalid_variables", err.Error())
		return
	}

	// Per-recipient variable substitution and rendering. A missing required
	// variable excludes that recipient only; a missing flow template is
	// systemic and fails the execution before anything is dispatched.
	sends := make([]pendingSend, 0, len(res.Recipients))
	for i := range res.Recipients {
		contact := res.Recipients[i]
		vars, err := variables.Render(tmpl, &contact)
		if err != nil {
			var mv *variables.MissingVariableError
			if errors.As(err, &mv) {
				r.record(e, &contact, models.OutcomeSkipped, "missing_variable", mv.Error(), 0)
				continue
			}
			r.record(e, &contact, models.OutcomeSkipped, "variable_error", err.Error(), 0)
			continue
		}
		payload, err := r.renderer.Render(runCtx, a.FlowID, vars)
		if err != nil {
			if transport.CodeOf(err) == models.ReasonFlowUnavailable {
				r.finish(ctx, e, models.StateFailed, models.ReasonFlowUnavailable, err.Error())
				return
			}
			r.record(e, &contact, models.OutcomeFailed, transport.CodeOf(err), err.Error(), 0)
			continue
		}
		sends = append(sends, pendingSend{contact: contact, payload: payload})
	}

	if len(sends) == 0 {
		if e.Failed > 0 {
			r.finish(ctx, e, models.StateFailed, models.ReasonDeliveryFailed, "no recipient could be rendered")
			return
		}
		r.finish(ctx, e, models.StateFailed, models.ReasonMissingVariables, "every recipient was excluded by required variables")
		return
	}

	r.transition(ctx, e, models.StateRunning, "", "")
	interrupted := r.dispatch(runCtx, e, a, sends)

	r.mu.Lock()
	wasCancelled := r.cancelled[e.ID]
	r.mu.Unlock()

	switch {
	case wasCancelled:
		r.finish(ctx, e, models.StatePartiallyFailed, models.ReasonCancelled, "cancelled by operator")
	case interrupted > 0:
		// The run context died under us (shutdown or lease loss), so some
		// recipients were never attempted. That is a cancellation, not a
		// clean completion.
		r.finish(ctx, e, models.StatePartiallyFailed, models.ReasonCancelled,
			fmt.Sprintf("%d recipients not attempted before shutdown", interrupted))
	case e.Failed == 0:
		r.finish(ctx, e, models.StateCompleted, "", "")
	case e.Submitted > 0:
		r.finish(ctx, e, models.StatePartiallyFailed, models.ReasonDeliveryFailed,
			fmt.Sprintf("%d of %d recipients failed", e.Failed, e.Recipients))
	default:
		r.finish(ctx, e, models.StateFailed, models.ReasonDeliveryFailed, "no recipient was submitted")
	}
}

// dispatch fans sends out over a bounded worker pool. Recipients are
// independent: one permanent failure never blocks the others. Transient
// failures wait out their backoff off the pool, so a retrying recipient
// does not hold a worker slot. Returns how many recipients were cut off
// by context cancellation before reaching an outcome.
func (r *Runner) dispatch(ctx context.Context, e *models.Execution, a *models.FlowAutomation, sends []pendingSend) int {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	var interrupted atomic.Int32
	for i := range sends {
		wg.Add(1)
		go func(s pendingSend) {
			defer wg.Done()
			if !r.deliver(ctx, e, a, s, sem) {
				interrupted.Add(1)
			}
		}(sends[i])
	}
	wg.Wait()
	return int(interrupted.Load())
}

// deliver drives one recipient to an outcome. It reports false when the
// context died before the recipient was submitted or failed.
func (r *Runner) deliver(ctx context.Context, e *models.Execution, a *models.FlowAutomation, s pendingSend, sem chan struct{}) bool {
	attempt := 0
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.record(e, &s.contact, models.OutcomeSkipped, models.ReasonCancelled, "not attempted", attempt)
			return false
		}
		attempt++
		_, err := r.sender.Send(ctx, a.ChannelID, s.contact.WaID, s.payload)
		<-sem

		if err == nil {
			r.record(e, &s.contact, models.OutcomeSubmitted, "", "", attempt)
			return true
		}
		if !transport.IsTransient(err) {
			r.record(e, &s.contact, models.OutcomeFailed, transport.CodeOf(err), err.Error(), attempt)
			return true
		}
		if attempt >= r.maxAttempts {
			r.record(e, &s.contact, models.OutcomeFailed, transport.CodeOf(err), err.Error(), attempt)
			return true
		}

		delay := r.backoff[min(attempt, len(r.backoff))-1]
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.record(e, &s.contact, models.OutcomeSkipped, models.ReasonCancelled, "cancelled during backoff", attempt)
			return false
		}
	}
}

// record persists one recipient outcome and folds it into the execution's
// summary counters.
func (r *Runner) record(e *models.Execution, c *models.Contact, outcome, code, detail string, attempts int) {
	result := models.ExecutionResult{
		ExecutionID: e.ID,
		ContactID:   c.ID,
		WaID:        c.WaID,
		Outcome:     outcome,
		ErrorCode:   code,
		ErrorDetail: detail,
		Attempts:    attempts,
	}
	if err := r.store.SaveResult(&result); err != nil {
		log.Error().Err(err).Str("execution", e.ID).Uint("contact", c.ID).Msg("failed to persist recipient result")
	}

	r.mu.Lock()
	switch outcome {
	case models.OutcomeSubmitted:
		e.Submitted++
	case models.OutcomeFailed:
		e.Failed++
	case models.OutcomeSkipped:
		e.Skipped++
	}
	r.mu.Unlock()
}

func (r *Runner) transition(ctx context.Context, e *models.Execution, state, reason, detail string) {
	e.State = state
	e.Reason = reason
	e.Detail = detail
	if err := r.store.SaveExecution(e); err != nil {
		log.Error().Err(err).Str("execution", e.ID).Str("state", state).Msg("failed to persist execution state")
	}
	r.events.ExecutionStateChanged(ctx, e)
	log.Info().Str("execution", e.ID).Uint("automation", e.AutomationID).Str("state", state).Str("reason", reason).Msg("execution state changed")
}

func (r *Runner) finish(ctx context.Context, e *models.Execution, state, reason, detail string) {
	now := time.Now().UTC()
	e.CompletedAt = &now
	r.transition(ctx, e, state, reason, detail)
}
