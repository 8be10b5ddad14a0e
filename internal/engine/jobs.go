package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/integrity"
	"missionline/internal/metrics"
	"missionline/internal/repo"
)

// ErrBackpressure matches every BackpressureError.
var ErrBackpressure = errors.New("backpressure")

// BackpressureError rejects new work while the pending queue is full.
type BackpressureError struct {
	QueueDepth int
	Max        int
}

func (e BackpressureError) Error() string {
	return fmt.Sprintf("queue depth %d reached limit %d", e.QueueDepth, e.Max)
}

func (e BackpressureError) Is(target error) bool { return target == ErrBackpressure }

// IdempotencyConflict is returned when an idempotency key is reused with a
// different payload.
type IdempotencyConflict struct {
	Detail integrity.ConflictDetail
}

func (e IdempotencyConflict) Error() string {
	return fmt.Sprintf("%s: key %q already used by job %s", e.Detail.Error, e.Detail.IdempotencyKey, e.Detail.ExistingJobID)
}

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	TaskID         string
	Payload        map[string]any
	Priority       string
	DependsOn      []string
	IdempotencyKey string
	ActorID        string
	// SkipBackpressure is set for jobs the system creates on its own
	// behalf, such as chain follow-ups.
	SkipBackpressure bool
}

// JobCreateResult reports what CreateJob did.
type JobCreateResult struct {
	Job domain.Job
	// Existing is true when an earlier job with the same idempotency key
	// and payload was returned instead of creating a new one.
	Existing     bool
	CachedResult map[string]any
}

// CreateJob runs the idempotency decision and inserts the job.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (JobCreateResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return JobCreateResult{}, err
	}
	defer tx.Rollback()

	res, err := e.CreateJobTx(ctx, tx, opts)
	if err != nil {
		tx.Rollback()
		e.recordRejection(ctx, opts, err)
		return JobCreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return JobCreateResult{}, err
	}
	if res.Existing {
		e.metrics().Inc(metrics.IdempotencyHits, nil)
	}
	return res, nil
}

// recordRejection logs rejections after the creating transaction rolled
// back so the audit entry survives.
func (e Engine) recordRejection(ctx context.Context, opts JobCreateOptions, err error) {
	var bp BackpressureError
	var conflict IdempotencyConflict
	var ie integrity.IntegrityError
	switch {
	case errors.As(err, &bp):
		e.metrics().Inc(metrics.Backpressure, metrics.Labels{"reason": "queue_limit"})
		_ = e.events().Append(ctx, nil, events.BackpressureQueueLimit, "task", opts.TaskID, opts.ActorID, events.EventPayload{"queue_depth": bp.QueueDepth, "max": bp.Max})
	case errors.As(err, &conflict):
		e.metrics().Inc(metrics.IdempotencyCollisions, nil)
		_ = e.events().Append(ctx, nil, events.IdempotencyCollision, "job", conflict.Detail.ExistingJobID, opts.ActorID, events.EventPayload{
			"idempotency_key":      conflict.Detail.IdempotencyKey,
			"existing_hash_prefix": conflict.Detail.ExistingHashPrefix,
			"new_hash_prefix":      conflict.Detail.NewHashPrefix,
		})
	case errors.As(err, &ie):
		e.metrics().Inc(metrics.IntegrityFailures, nil)
	}
}

// CreateJobTx creates a job inside tx. Callers own commit and rollback.
func (e Engine) CreateJobTx(ctx context.Context, tx *sql.Tx, opts JobCreateOptions) (JobCreateResult, error) {
	if opts.TaskID == "" {
		return JobCreateResult{}, errors.New("task_id is required")
	}
	if opts.Payload == nil {
		return JobCreateResult{}, errors.New("payload is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(priority) {
		return JobCreateResult{}, fmt.Errorf("invalid priority %q", priority)
	}
	if _, err := e.Repo.GetTask(ctx, tx, opts.TaskID); err != nil {
		return JobCreateResult{}, fmt.Errorf("task %s: %w", opts.TaskID, err)
	}

	key := strings.TrimSpace(opts.IdempotencyKey)
	var existing *integrity.Existing
	var existingJob domain.Job
	if key != "" {
		j, err := e.Repo.GetJobByIdempotencyKey(ctx, tx, key)
		switch {
		case err == nil:
			existingJob = j
			existing = &integrity.Existing{
				JobID:           j.ID,
				IdempotencyHash: deref(j.IdempotencyHash),
				Status:          j.Status,
				CompletedResult: j.CompletedResult,
				ResultHash:      deref(j.ResultHash),
			}
		case errors.Is(err, repo.ErrNotFound):
		default:
			return JobCreateResult{}, err
		}
	}
	verdict, err := integrity.Decide(key, opts.Payload, existing)
	if err != nil {
		return JobCreateResult{}, fmt.Errorf("invalid payload: %w", err)
	}
	switch verdict.Decision {
	case integrity.Reject:
		return JobCreateResult{}, IdempotencyConflict{Detail: *verdict.Conflict}
	case integrity.ReturnExisting:
		cached := verdict.CachedResult
		if cached != nil {
			_, err := integrity.VerifyOrMigrate(cached, deref(existingJob.ResultHash), deref(existingJob.ResultHashAlg), func(hash, alg string) error {
				if err := e.Repo.SetResultHash(ctx, tx, existingJob.ID, hash, alg); err != nil {
					return err
				}
				e.metrics().Inc(metrics.HashWrites, nil)
				return nil
			})
			if err != nil {
				var ie integrity.IntegrityError
				if errors.As(err, &ie) {
					ie.JobID = existingJob.ID
					return JobCreateResult{}, ie
				}
				return JobCreateResult{}, err
			}
			if existingJob, err = e.Repo.GetJob(ctx, tx, existingJob.ID); err != nil {
				return JobCreateResult{}, err
			}
		}
		return JobCreateResult{Job: existingJob, Existing: true, CachedResult: cached}, nil
	}

	if !opts.SkipBackpressure {
		depth, err := e.Repo.CountJobs(ctx, tx, domain.JobPending)
		if err != nil {
			return JobCreateResult{}, err
		}
		if limit := e.config().Dispatcher.MaxQueueDepth; limit > 0 && depth >= limit {
			return JobCreateResult{}, BackpressureError{QueueDepth: depth, Max: limit}
		}
	}
	for _, dep := range opts.DependsOn {
		if _, err := e.Repo.GetJob(ctx, tx, dep); err != nil {
			return JobCreateResult{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}

	now := repo.FormatTime(e.now())
	job := domain.Job{
		ID:        uuid.NewString(),
		TaskID:    opts.TaskID,
		Payload:   opts.Payload,
		Status:    domain.JobPending,
		Priority:  priority,
		DependsOn: dedupe(opts.DependsOn),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key != "" {
		job.IdempotencyKey = &key
		job.IdempotencyHash = &verdict.PayloadHash
	}
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return JobCreateResult{}, fmt.Errorf("insert job: %w", err)
	}
	payload := events.EventPayload{"task_id": job.TaskID, "priority": job.Priority, "kind": job.Kind()}
	if len(job.DependsOn) > 0 {
		payload["depends_on"] = job.DependsOn
	}
	if key != "" {
		payload["idempotency_key"] = key
	}
	if err := e.events().Append(ctx, tx, events.JobCreated, "job", job.ID, opts.ActorID, payload); err != nil {
		return JobCreateResult{}, err
	}
	return JobCreateResult{Job: job}, nil
}

// GetJob returns the job, verifying the cached result hash of jobs that
// carry one.
func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, nil, id)
	if err != nil {
		return j, err
	}
	if j.CompletedResult == nil {
		return j, nil
	}
	st, err := integrity.VerifyOrMigrate(j.CompletedResult, deref(j.ResultHash), deref(j.ResultHashAlg), func(hash, alg string) error {
		return e.Repo.SetResultHash(ctx, nil, j.ID, hash, alg)
	})
	if err != nil {
		var ie integrity.IntegrityError
		if errors.As(err, &ie) {
			e.metrics().Inc(metrics.IntegrityFailures, nil)
			ie.JobID = j.ID
			return j, ie
		}
		return j, err
	}
	if st.Migrated {
		e.metrics().Inc(metrics.HashWrites, nil)
		j.ResultHash = &st.ActualHash
		j.ResultHashAlg = &st.Alg
	}
	return j, nil
}

// RequeueJob puts a job that is not executing back to pending and opens
// its retry gate.
func (e Engine) RequeueJob(ctx context.Context, id, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	old, err := e.Repo.GetJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	ok, err := e.Repo.RequeueJob(ctx, tx, id, e.now())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrJobActive)
	}
	if err := e.events().Append(ctx, tx, events.JobRequeued, "job", id, actorID, events.EventPayload{"from": old.Status}); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Repo.GetJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// LeaseNextJob hands the highest-priority ready job to a pulling worker.
// ok is false when nothing is ready.
func (e Engine) LeaseNextJob(ctx context.Context, owner string, lease time.Duration) (domain.Job, bool, error) {
	if strings.TrimSpace(owner) == "" {
		return domain.Job{}, false, errors.New("owner is required")
	}
	if lease <= 0 {
		lease = e.config().LeaseDuration()
	}
	job, ok, err := e.Repo.LeaseNextJob(ctx, owner, uuid.NewString(), e.now(), lease)
	if err != nil || !ok {
		return domain.Job{}, false, err
	}
	_ = e.events().Append(ctx, nil, events.JobLeased, "job", job.ID, owner, events.EventPayload{
		"claim_id":        deref(job.ClaimID),
		"lease_until_utc": deref(job.LeaseUntil),
	})
	return job, true, nil
}

// RenewLease extends the lease owner holds on a job.
func (e Engine) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) (string, error) {
	if lease <= 0 {
		lease = e.config().LeaseDuration()
	}
	return e.Repo.RenewJobLease(ctx, jobID, owner, e.now(), lease)
}

// DeliverResult passes a worker's result to the bridge inbox. The next
// sync pass applies it.
func (e Engine) DeliverResult(ctx context.Context, jobID string, result map[string]any) error {
	if e.Bridge == nil {
		return errors.New("no execution bridge configured")
	}
	if result == nil {
		return errors.New("result is required")
	}
	j, err := e.Repo.GetJob(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.JobWorking && j.Status != domain.JobRunning {
		return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrJobNotActive)
	}
	return e.Bridge.Deliver(ctx, jobID, result)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
