package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/quotaengine/internal/events"
)

// Topic routing per event type.
const (
	EventRoleChanged    = "workspace.role_changed"
	EventQuotaEvaluated = "workspace.quota_evaluated"
	EventPeriodReset    = "workspace.period_reset"
)

var topicByEvent = map[string]string{
	EventRoleChanged:    "workspace_role_events",
	EventQuotaEvaluated: "workspace_quota_events",
	EventPeriodReset:    "workspace_period_events",
}

// Enqueuer records notification events for the dispatcher to publish. It
// implements the Notifier interfaces of the reconciler and the resetter.
type Enqueuer struct {
	pool *pgxpool.Pool
}

// NewEnqueuer constructs an Enqueuer.
func NewEnqueuer(pool *pgxpool.Pool) *Enqueuer {
	return &Enqueuer{pool: pool}
}

// RoleChanged enqueues a role change event keyed by (workspace, user).
func (e *Enqueuer) RoleChanged(ctx context.Context, event events.RoleChanged) error {
	key := fmt.Sprintf("%s:%s", event.WorkspaceID, event.UserID)
	return e.enqueue(ctx, event.WorkspaceID, EventRoleChanged, key, event)
}

// QuotaEvaluated enqueues a quota evaluation event.
func (e *Enqueuer) QuotaEvaluated(ctx context.Context, event events.QuotaEvaluated) error {
	key := fmt.Sprintf("%s:%s", event.WorkspaceID, event.UserID)
	return e.enqueue(ctx, event.WorkspaceID, EventQuotaEvaluated, key, event)
}

// PeriodReset enqueues a period rollover event keyed by workspace.
func (e *Enqueuer) PeriodReset(ctx context.Context, event events.PeriodReset) error {
	return e.enqueue(ctx, event.WorkspaceID, EventPeriodReset, event.WorkspaceID, event)
}

func (e *Enqueuer) enqueue(ctx context.Context, workspaceID, eventType, partitionKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	topic, ok := topicByEvent[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (workspace_id, event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5)`
	_, err = e.pool.Exec(ctx, stmt, workspaceID, eventType, topic, partitionKey, body)
	return err
}
