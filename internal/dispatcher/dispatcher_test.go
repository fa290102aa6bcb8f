package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-flow-engine/internal/audience"
	"whatsapp-flow-engine/internal/database"
	"whatsapp-flow-engine/internal/events"
	"whatsapp-flow-engine/internal/execution"
	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/planner"
	"whatsapp-flow-engine/internal/store"
	"whatsapp-flow-engine/internal/transport"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeRenderer struct{}

func (fakeRenderer) Render(ctx context.Context, flowID string, vars map[string]string) (transport.Payload, error) {
	b, _ := json.Marshal(map[string]string{"flow": flowID})
	return transport.Payload(b), nil
}

type fakeSender struct {
	mu       sync.Mutex
	attempts map[string]int
	gate     chan struct{} // when set, sends park here until the gate closes
}

func newFakeSender() *fakeSender {
	return &fakeSender{attempts: map[string]int{}}
}

func (f *fakeSender) Send(ctx context.Context, channelID, waID string, payload transport.Payload) (transport.Result, error) {
	f.mu.Lock()
	f.attempts[waID]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Result{}, transport.Transientf("network", "connection lost")
		}
	}
	return transport.Result{MessageID: "wamid." + waID}, nil
}

// memoryLease is an in-process lease.Store. TTLs are ignored; tests drive
// expiry by dropping the claim.
type memoryLease struct {
	mu     sync.Mutex
	owners map[uint]string
}

func newMemoryLease() *memoryLease {
	return &memoryLease{owners: map[uint]string{}}
}

func (m *memoryLease) Acquire(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, held := m.owners[automationID]; held && cur != owner {
		return false, nil
	}
	m.owners[automationID] = owner
	return true, nil
}

func (m *memoryLease) Renew(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[automationID] == owner, nil
}

func (m *memoryLease) Release(ctx context.Context, automationID uint, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[automationID] != owner {
		return false, nil
	}
	delete(m.owners, automationID)
	return true, nil
}

func (m *memoryLease) Held(ctx context.Context, automationID uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.owners[automationID]
	return held, nil
}

type dispEnv struct {
	store  *store.Store
	sender *fakeSender
	leases *memoryLease
	disp   *Dispatcher
}

func newDispEnv(t *testing.T, interval, grace, leaseTTL time.Duration) *dispEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	env := &dispEnv{
		store:  store.NewStore(db),
		sender: newFakeSender(),
		leases: newMemoryLease(),
	}
	runner := execution.NewRunner(env.store, audience.NewResolver(env.store), fakeRenderer{}, env.sender, events.Nop{}, 4)
	runner.SetRetryPolicy(1, []time.Duration{time.Millisecond})
	env.disp = New(env.store, planner.New(time.Minute, 10), runner, env.leases, events.Nop{}, interval, grace, leaseTTL)
	return env
}

func (env *dispEnv) seedContact(t *testing.T, waID string) models.Contact {
	t.Helper()
	c := models.Contact{OrgID: 1, WaID: waID, Name: "c" + waID, Active: true}
	require.NoError(t, env.store.CreateContact(&c))
	return c
}

// scheduleWindow builds a daily window whose start instant just elapsed. Near
// midnight UTC it shifts to a timezone where the local clock is mid-day, so
// the window never crosses a date boundary during the test.
func scheduleWindow(t *testing.T) (tz, start, end string) {
	t.Helper()
	tz = "UTC"
	loc := time.UTC
	if h := time.Now().UTC().Hour(); h >= 23 || h == 0 {
		tz = "Etc/GMT+6"
		var err error
		loc, err = time.LoadLocation(tz)
		require.NoError(t, err)
	}
	local := time.Now().In(loc)
	return tz, local.Add(-2 * time.Minute).Format("15:04"), local.Add(30 * time.Minute).Format("15:04")
}

func (env *dispEnv) seedScheduled(t *testing.T, contact models.Contact) *models.FlowAutomation {
	t.Helper()
	tz, start, end := scheduleWindow(t)
	a := &models.FlowAutomation{
		OrgID:       1,
		Name:        "daily digest",
		FlowID:      "flow-1",
		ChannelID:   "chan-1",
		TriggerType: models.TriggerScheduled,
		Audience:    fmt.Sprintf(`{"type":"manual","contact_ids":[%d]}`, contact.ID),
		Active:      true,
		Recurrence: &models.RecurrenceRule{
			Frequency:   models.FreqDaily,
			WindowStart: start,
			WindowEnd:   end,
			Timezone:    tz,
			DayOfMonth:  1,
		},
	}
	require.NoError(t, env.store.CreateAutomation(a))
	return a
}

func (env *dispEnv) seedManual(t *testing.T, contact models.Contact) *models.FlowAutomation {
	t.Helper()
	a := &models.FlowAutomation{
		OrgID:       1,
		Name:        "promo blast",
		FlowID:      "flow-1",
		ChannelID:   "chan-1",
		TriggerType: models.TriggerManual,
		Audience:    fmt.Sprintf(`{"type":"manual","contact_ids":[%d]}`, contact.ID),
		Active:      true,
	}
	require.NoError(t, env.store.CreateAutomation(a))
	return a
}

func TestTickFiresDueOccurrenceExactlyOnce(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedScheduled(t, env.seedContact(t, "100"))

	env.disp.Tick(context.Background())

	var got models.Execution
	require.Eventually(t, func() bool {
		list, err := env.store.ListExecutions(a.ID, 10)
		if err != nil || len(list) != 1 {
			return false
		}
		got = list[0]
		return got.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, models.TriggerScheduled, got.TriggerSource)
	assert.Equal(t, env.disp.InstanceID(), got.DispatcherID)
	require.NotNil(t, got.PlannedAt)

	// The slot is consumed; another scan does not fire it again.
	env.disp.Tick(context.Background())
	list, err := env.store.ListExecutions(a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTickRecordsMissedWindowOnce(t *testing.T) {
	env := newDispEnv(t, 2*time.Minute, time.Minute, time.Minute)
	a := env.seedScheduled(t, env.seedContact(t, "100"))

	env.disp.Tick(context.Background())
	env.disp.Tick(context.Background())

	list, err := env.store.ListExecutions(a.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	e := list[0]
	assert.Equal(t, models.StateSkipped, e.State)
	assert.Equal(t, models.ReasonMissedWindow, e.Reason)
	require.NotNil(t, e.PlannedAt)
	require.NotNil(t, e.CompletedAt)
	assert.Zero(t, env.sender.attempts["100"], "missed occurrences never dispatch")
}

func TestExecuteNowSingleFlight(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedManual(t, env.seedContact(t, "100"))

	gate := make(chan struct{})
	env.sender.gate = gate

	e1, err := env.disp.ExecuteNow(context.Background(), a.ID, models.TriggerManual)
	require.NoError(t, err)
	require.NotNil(t, e1)

	_, err = env.disp.ExecuteNow(context.Background(), a.ID, models.TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	require.Eventually(t, func() bool {
		got, err := env.store.GetExecution(e1.ID)
		return err == nil && got.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	// The claim is released; the next immediate trigger goes through.
	e2, err := env.disp.ExecuteNow(context.Background(), a.ID, models.TriggerManual)
	require.NoError(t, err)
	assert.NotEqual(t, e1.ID, e2.ID)
	require.Eventually(t, func() bool {
		got, err := env.store.GetExecution(e2.ID)
		return err == nil && got.State == models.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestExecuteNowRejectsInactiveAndUnknown(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedManual(t, env.seedContact(t, "100"))
	require.NoError(t, env.store.DeactivateAutomation(a.ID))

	_, err := env.disp.ExecuteNow(context.Background(), a.ID, models.TriggerManual)
	assert.ErrorIs(t, err, ErrInactive)

	_, err = env.disp.ExecuteNow(context.Background(), 9999, models.TriggerManual)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestTickDefersWhileExecutionInFlight(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedScheduled(t, env.seedContact(t, "100"))

	inflight := &models.Execution{
		ID:            uuid.NewString(),
		AutomationID:  a.ID,
		TriggerSource: models.TriggerManual,
		State:         models.StateRunning,
	}
	now := time.Now().UTC()
	inflight.HeartbeatAt = &now
	require.NoError(t, env.store.CreateExecution(inflight))

	env.disp.Tick(context.Background())

	list, err := env.store.ListExecutions(a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "due occurrence defers while an execution is in flight")
}

func TestReapMarksOrphansExactlyOnce(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedManual(t, env.seedContact(t, "100"))

	stale := time.Now().UTC().Add(-10 * time.Minute)
	e := &models.Execution{
		ID:            uuid.NewString(),
		AutomationID:  a.ID,
		TriggerSource: models.TriggerManual,
		State:         models.StateRunning,
		DispatcherID:  "dead-instance",
		HeartbeatAt:   &stale,
	}
	require.NoError(t, env.store.CreateExecution(e))

	env.disp.Reap(context.Background(), time.Now().UTC())

	got, err := env.store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.ReasonOrphaned, got.Reason)
	require.NotNil(t, got.CompletedAt)

	// Idempotent: a second pass leaves the record alone.
	first := *got
	env.disp.Reap(context.Background(), time.Now().UTC())
	again, err := env.store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt.Unix(), again.CompletedAt.Unix())
}

func TestReapSpareHeldLeases(t *testing.T) {
	env := newDispEnv(t, 30*time.Second, 5*time.Minute, time.Minute)
	a := env.seedManual(t, env.seedContact(t, "100"))

	stale := time.Now().UTC().Add(-10 * time.Minute)
	e := &models.Execution{
		ID:            uuid.NewString(),
		AutomationID:  a.ID,
		TriggerSource: models.TriggerManual,
		State:         models.StateRunning,
		DispatcherID:  "slow-instance",
		HeartbeatAt:   &stale,
	}
	require.NoError(t, env.store.CreateExecution(e))

	ok, err := env.leases.Acquire(context.Background(), a.ID, "slow-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	env.disp.Reap(context.Background(), time.Now().UTC())
	got, err := env.store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State, "a held lease means the owner is alive")

	// Lease expiry hands the orphan over.
	_, err = env.leases.Release(context.Background(), a.ID, "slow-instance")
	require.NoError(t, err)
	env.disp.Reap(context.Background(), time.Now().UTC())
	got, err = env.store.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.ReasonOrphaned, got.Reason)
}
