package events

import (
	"context"
	"encoding/json"
	"time"

	"whatsapp-flow-engine/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Channel carries execution status change events for the external
// notification layer.
const Channel = "executions:status"

// Publisher receives every execution state change. Publishing is best effort;
// a broker outage never blocks or fails an execution.
type Publisher interface {
	ExecutionStateChanged(ctx context.Context, e *models.Execution)
}

// StatusEvent is the published wire format.
type StatusEvent struct {
	ExecutionID  string     `json:"execution_id"`
	AutomationID uint       `json:"automation_id"`
	State        string     `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	Submitted    int        `json:"submitted"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	PlannedAt    *time.Time `json:"planned_at,omitempty"`
	At           time.Time  `json:"at"`
}

// RedisPublisher publishes status events on a redis pub/sub channel.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) ExecutionStateChanged(ctx context.Context, e *models.Execution) {
	evt := StatusEvent{
		ExecutionID:  e.ID,
		AutomationID: e.AutomationID,
		State:        e.State,
		Reason:       e.Reason,
		Submitted:    e.Submitted,
		Failed:       e.Failed,
		Skipped:      e.Skipped,
		PlannedAt:    e.PlannedAt,
		At:           time.Now().UTC(),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, Channel, b).Err(); err != nil {
		log.Warn().Err(err).Str("execution", e.ID).Msg("failed to publish status event")
	}
}

// Nop drops all events. Used where no broker is configured and in tests.
type Nop struct{}

func (Nop) ExecutionStateChanged(context.Context, *models.Execution) {}
