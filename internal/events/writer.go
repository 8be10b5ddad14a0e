// Package events appends to the audit log inside the caller's transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/domain"
)

const (
	JobCreated             = "job.created"
	JobDispatched          = "job.dispatched"
	JobCompleted           = "job.completed"
	JobRetryScheduled      = "job.retry_scheduled"
	JobRetryExhausted      = "job.retry_exhausted"
	JobFailed              = "job.failed"
	JobRequeued            = "job.requeued"
	JobLeased              = "job.leased"
	IdempotencyCollision   = "job.idempotency_collision"
	BackpressureQueueLimit = "backpressure.queue_limit"
	BackpressureInflight   = "backpressure.inflight_saturated"
	ChainFollowups         = "chain.followups_registered"
	ChainCompleted         = "chain.completed"
	ChainSpecDispatched    = "chain.spec_dispatched"
	ChainSpecFailed        = "chain.spec_failed"
	MissionCreated         = "mission.created"
	MissionActivated       = "mission.activated"
	MissionStatusChanged   = "mission.status_changed"
	MissionDeleted         = "mission.deleted"
	TaskCreated            = "task.created"
	APIKeyCreated          = "api_key.created"
	APIKeyRevoked          = "api_key.revoked"
)

// SystemActor is recorded for events the schedulers emit.
const SystemActor = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. tx may be nil for events that are not tied to
// a state change, such as backpressure notices.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := w.Now().UTC().Format(domain.TimeLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
