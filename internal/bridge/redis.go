package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis publishes envelopes on a list and reads results from a hash.
//
//	<queue>:job:<job_id>                 envelope JSON
//	<queue>:enqueued:<job_id>:<claim_id> publish marker
//	<queue>                              LPUSH of job ids
//	<results> (hash)                     job_id -> result JSON
type Redis struct {
	Client     *redis.Client
	QueueKey   string
	ResultsKey string
	// MarkerTTL bounds how long a publish marker lives. Zero uses
	// DefaultMarkerTTL.
	MarkerTTL time.Duration
}

// DefaultMarkerTTL matches the default job lease.
const DefaultMarkerTTL = 5 * time.Minute

func NewRedis(client *redis.Client, queueKey, resultsKey string) *Redis {
	if queueKey == "" {
		queueKey = "missionline:jobs"
	}
	if resultsKey == "" {
		resultsKey = "missionline:results"
	}
	return &Redis{Client: client, QueueKey: queueKey, ResultsKey: resultsKey}
}

func (r *Redis) envelopeKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", r.QueueKey, jobID)
}

func (r *Redis) markerTTL() time.Duration {
	if r.MarkerTTL > 0 {
		return r.MarkerTTL
	}
	return DefaultMarkerTTL
}

func (r *Redis) markerKey(jobID, claimID string) string {
	return fmt.Sprintf("%s:enqueued:%s:%s", r.QueueKey, jobID, claimID)
}

// Enqueue stores the envelope and pushes the job id once per claim.
func (r *Redis) Enqueue(ctx context.Context, env Envelope) error {
	if !validJobID(env.JobID) {
		return StructuralError{JobID: env.JobID, Reason: "invalid job id"}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return StructuralError{JobID: env.JobID, Reason: "envelope not encodable: " + err.Error()}
	}
	if err := r.Client.Set(ctx, r.envelopeKey(env.JobID), data, 0).Err(); err != nil {
		return TransientError{JobID: env.JobID, Err: err}
	}
	first, err := r.Client.SetNX(ctx, r.markerKey(env.JobID, env.ClaimID), 1, r.markerTTL()).Result()
	if err != nil {
		return TransientError{JobID: env.JobID, Err: err}
	}
	if !first {
		return nil
	}
	if err := r.Client.LPush(ctx, r.QueueKey, env.JobID).Err(); err != nil {
		// let a retry with the same claim push again
		r.Client.Del(ctx, r.markerKey(env.JobID, env.ClaimID))
		return TransientError{JobID: env.JobID, Err: err}
	}
	return nil
}

func (r *Redis) TrySyncResult(ctx context.Context, jobID string) (Outcome, bool, error) {
	raw, err := r.Client.HGet(ctx, r.ResultsKey, jobID).Result()
	if err == redis.Nil {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, TransientError{JobID: jobID, Err: err}
	}
	out := DecodeResult([]byte(raw))
	if err := r.Client.HDel(ctx, r.ResultsKey, jobID).Err(); err != nil {
		return Outcome{}, false, TransientError{JobID: jobID, Err: err}
	}
	return out, true, nil
}

func (r *Redis) Deliver(ctx context.Context, jobID string, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.Client.HSet(ctx, r.ResultsKey, jobID, string(data)).Err()
}
