// Package dispatch moves ready jobs to the execution bridge and folds
// their results back into the store.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/integrity"
	"missionline/internal/metrics"
	"missionline/internal/ratelimit"
	"missionline/internal/repo"
	"missionline/internal/tracing"
)

// Registrar receives every completed job inside the completing
// transaction so chain follow-ups commit together with the result.
type Registrar interface {
	RegisterTx(ctx context.Context, tx *sql.Tx, job domain.Job) error
}

type Dispatcher struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Bridge  bridge.Bridge
	Limiter ratelimit.Limiter
	Metrics metrics.Sink
	Chains  Registrar
	Config  *config.Config
	Logger  *log.Logger
	// Owner is recorded as lease_owner on dispatched jobs.
	Owner string
	Now   func() time.Time
}

// Stats summarizes one Tick.
type Stats struct {
	Reaped      int64
	Activated   int
	Saturated   bool
	Dispatched  int
	RateLimited int
	Contended   int
	Failed      int
	Released    int
	Synced      int
	Completed   int
	Retried     int
	Exhausted   int
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *Dispatcher) metrics() metrics.Sink {
	return metrics.OrNop(d.Metrics)
}

func (d *Dispatcher) config() *config.Config {
	if d.Config == nil {
		return config.Default()
	}
	return d.Config
}

func (d *Dispatcher) limiter() ratelimit.Limiter {
	if d.Limiter == nil {
		return ratelimit.Unlimited{}
	}
	return d.Limiter
}

func (d *Dispatcher) owner() string {
	if d.Owner != "" {
		return d.Owner
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("dispatcher@%s:%d", host, os.Getpid())
}

func (d *Dispatcher) events() events.Writer {
	w := d.Events
	if w.DB == nil {
		w.DB = d.DB
	}
	if w.Now == nil {
		w.Now = d.now
	}
	return w
}

// Tick runs one dispatch pass followed by one sync pass.
func (d *Dispatcher) Tick(ctx context.Context) (Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.tick")
	var st Stats
	err := d.DispatchPass(ctx, &st)
	if err == nil {
		err = d.SyncPass(ctx, &st)
	}
	span.SetAttributes(
		attribute.Int("dispatched", st.Dispatched),
		attribute.Int("completed", st.Completed),
		attribute.Int("retried", st.Retried),
	)
	tracing.End(span, err)
	return st, err
}

// Run ticks every dispatcher.poll_interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config().Dispatcher.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger().Printf("dispatch: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchPass reaps expired leases and hands ready jobs to the bridge.
func (d *Dispatcher) DispatchPass(ctx context.Context, st *Stats) error {
	cfg := d.config()
	now := d.now()

	reaped, err := d.Repo.ReapExpiredLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("reap leases: %w", err)
	}
	st.Reaped = reaped
	for i := int64(0); i < reaped; i++ {
		d.metrics().Inc(metrics.LeasesReaped, nil)
	}
	if err := d.activateMissions(ctx, st); err != nil {
		return err
	}

	inflight, err := d.Repo.CountJobs(ctx, nil, domain.JobWorking, domain.JobRunning)
	if err != nil {
		return err
	}
	pending, err := d.Repo.CountJobs(ctx, nil, domain.JobPending)
	if err != nil {
		return err
	}
	d.metrics().SetGauge(metrics.InflightJobs, nil, float64(inflight))
	d.metrics().SetGauge(metrics.PendingJobs, nil, float64(pending))
	if inflight >= cfg.Dispatcher.MaxInflight {
		st.Saturated = true
		d.metrics().Inc(metrics.Backpressure, metrics.Labels{"reason": "inflight_saturated"})
		_ = d.events().Append(ctx, nil, events.BackpressureInflight, "dispatcher", "", "", events.EventPayload{"inflight": inflight, "max": cfg.Dispatcher.MaxInflight})
		return nil
	}
	capacity := cfg.Dispatcher.MaxInflight - inflight

	candidates, err := d.Repo.ListDispatchCandidates(ctx, now, 0)
	if err != nil {
		return err
	}
	limited := map[string]bool{}
	lookups := newLookupCache(d.Repo)
	for _, job := range candidates {
		if st.Dispatched >= capacity {
			break
		}
		task, mission, err := lookups.resolve(ctx, job.TaskID)
		if err != nil {
			d.logger().Printf("dispatch: resolve task for %s: %v", job.ID, err)
			continue
		}
		source := ""
		if task != nil {
			source = task.MissionID
		}
		if limited[source] {
			continue
		}
		if !d.limiter().Allow(source, now) {
			st.RateLimited++
			d.metrics().Inc(metrics.RateLimited, metrics.Labels{"source": source})
			if cfg.Dispatcher.RateLimit.Policy == config.RatePolicyStopPass {
				break
			}
			limited[source] = true
			continue
		}
		if err := d.dispatchOne(ctx, job, task, mission, now, st); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) activateMissions(ctx context.Context, st *Stats) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids, err := d.Repo.ActivatePlannedMissions(ctx, tx, d.now())
	if err != nil {
		return fmt.Errorf("activate missions: %w", err)
	}
	for _, id := range ids {
		if err := d.events().Append(ctx, tx, events.MissionActivated, "mission", id, "", nil); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.Activated = len(ids)
	return nil
}

// dispatchOne claims job, publishes it and then marks it working. Only
// store errors are returned; per-job failures are recorded on the job.
func (d *Dispatcher) dispatchOne(ctx context.Context, job domain.Job, task *domain.Task, mission *domain.Mission, now time.Time, st *Stats) error {
	claimID := uuid.NewString()
	ok, err := d.Repo.ClaimJob(ctx, job.ID, d.owner(), claimID, now, d.config().LeaseDuration())
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !ok {
		st.Contended++
		d.metrics().Inc(metrics.ClaimContention, nil)
		return nil
	}

	env, err := bridge.NewEnvelope(job, claimID, task, mission)
	if err == nil {
		err = d.Bridge.Enqueue(ctx, env)
	}
	if err != nil {
		if bridge.IsStructural(err) {
			st.Failed++
			return d.failStructural(ctx, job, err)
		}
		st.Released++
		d.logger().Printf("dispatch: enqueue %s failed, will retry: %v", job.ID, err)
		return d.Repo.ReleaseJobClaim(ctx, job.ID, claimID, d.now())
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := d.Repo.MarkJobWorking(ctx, tx, job.ID, claimID, d.now())
	if err != nil {
		return err
	}
	if !moved {
		// claim was reaped between enqueue and here; the next claim republishes
		d.logger().Printf("dispatch: claim %s on %s lost before marking working", claimID, job.ID)
		return nil
	}
	if err := d.events().Append(ctx, tx, events.JobDispatched, "job", job.ID, "", events.EventPayload{
		"claim_id": claimID,
		"priority": job.Priority,
		"kind":     env.Kind,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.Dispatched++
	d.metrics().Inc(metrics.JobsDispatched, nil)
	return nil
}

func (d *Dispatcher) failStructural(ctx context.Context, job domain.Job, cause error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	result := map[string]any{"ok": false, "error": cause.Error()}
	if _, err := d.Repo.MarkJobFailed(ctx, tx, job.ID, result, d.now(), domain.JobPending); err != nil {
		return err
	}
	if err := d.events().Append(ctx, tx, events.JobFailed, "job", job.ID, "", events.EventPayload{"reason": "structural", "error": cause.Error()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.metrics().Inc(metrics.JobsFailed, nil)
	d.logger().Printf("dispatch: job %s failed permanently: %v", job.ID, cause)
	return nil
}

// SyncPass polls the bridge for every executing job and applies results.
func (d *Dispatcher) SyncPass(ctx context.Context, st *Stats) error {
	active, err := d.Repo.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range active {
		out, found, err := d.Bridge.TrySyncResult(ctx, job.ID)
		if err != nil {
			d.logger().Printf("dispatch: sync %s: %v", job.ID, err)
			continue
		}
		if !found {
			continue
		}
		st.Synced++
		if err := d.apply(ctx, job, out, st); err != nil {
			d.logger().Printf("dispatch: apply result for %s: %v", job.ID, err)
			// the bridge consumed the result; hand it back for the next pass
			if rerr := d.Bridge.Deliver(ctx, job.ID, redeliverable(out)); rerr != nil {
				d.logger().Printf("dispatch: redeliver result for %s: %v", job.ID, rerr)
			}
		}
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, job domain.Job, out bridge.Outcome, st *Stats) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Completed() {
		if err := d.complete(ctx, tx, job, out.Result); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		st.Completed++
		d.metrics().Inc(metrics.JobsCompleted, nil)
		return nil
	}

	cfg := d.config()
	now := d.now()
	if job.RetryCount < cfg.Retry.MaxAttempts {
		attempt := job.RetryCount + 1
		delay := Backoff(cfg.RetryBaseDelay(), attempt)
		next := now.Add(delay)
		ok, err := d.Repo.ScheduleRetry(ctx, tx, job.ID, attempt, next, out.Result, now)
		if err != nil || !ok {
			return err
		}
		if err := d.events().Append(ctx, tx, events.JobRetryScheduled, "job", job.ID, "", events.EventPayload{
			"retry_count":    attempt,
			"next_retry_utc": repo.FormatTime(next),
			"delay_ms":       delay.Milliseconds(),
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		st.Retried++
		d.metrics().Inc(metrics.RetriesScheduled, nil)
		return nil
	}

	ok, err := d.Repo.MarkJobFailed(ctx, tx, job.ID, out.Result, now, domain.JobWorking, domain.JobRunning)
	if err != nil || !ok {
		return err
	}
	if err := d.events().Append(ctx, tx, events.JobRetryExhausted, "job", job.ID, "", events.EventPayload{"attempts": job.RetryCount}); err != nil {
		return err
	}
	if err := d.events().Append(ctx, tx, events.JobFailed, "job", job.ID, "", events.EventPayload{"reason": "retries_exhausted"}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.Exhausted++
	d.metrics().Inc(metrics.JobsFailed, nil)
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, tx *sql.Tx, job domain.Job, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	c := repo.Completion{Result: result}
	if job.IdempotencyKey != nil {
		hash, err := integrity.Hash(result)
		if err != nil {
			return fmt.Errorf("hash result: %w", err)
		}
		c.Cache, c.Hash, c.HashAlg = true, hash, integrity.Algorithm
	}
	ok, err := d.Repo.CompleteJob(ctx, tx, job.ID, c, d.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	payload := events.EventPayload{}
	if c.Cache {
		payload["result_hash_prefix"] = integrity.ShortPrefix(c.Hash)
		d.metrics().Inc(metrics.HashWrites, nil)
	}
	if err := d.events().Append(ctx, tx, events.JobCompleted, "job", job.ID, "", payload); err != nil {
		return err
	}
	if d.Chains == nil {
		return nil
	}
	job.Status = domain.JobCompleted
	job.Result = result
	return d.Chains.RegisterTx(ctx, tx, job)
}

// Backoff is base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// redeliverable turns an outcome back into a document that decodes to the
// same status.
func redeliverable(out bridge.Outcome) map[string]any {
	doc := map[string]any{}
	for k, v := range out.Result {
		doc[k] = v
	}
	if !out.Completed() {
		doc["ok"] = false
	}
	return doc
}

type lookupCache struct {
	repo     repo.Repo
	tasks    map[string]*domain.Task
	missions map[string]*domain.Mission
}

func newLookupCache(r repo.Repo) *lookupCache {
	return &lookupCache{repo: r, tasks: map[string]*domain.Task{}, missions: map[string]*domain.Mission{}}
}

// resolve returns nil for a task or mission that does not exist.
func (c *lookupCache) resolve(ctx context.Context, taskID string) (*domain.Task, *domain.Mission, error) {
	task, seen := c.tasks[taskID]
	if !seen {
		t, err := c.repo.GetTask(ctx, nil, taskID)
		switch {
		case err == nil:
			task = &t
		case !errors.Is(err, repo.ErrNotFound):
			return nil, nil, err
		}
		c.tasks[taskID] = task
	}
	if task == nil {
		return nil, nil, nil
	}
	mission, seen := c.missions[task.MissionID]
	if !seen {
		m, err := c.repo.GetMission(ctx, nil, task.MissionID)
		switch {
		case err == nil:
			mission = &m
		case !errors.Is(err, repo.ErrNotFound):
			return nil, nil, err
		}
		c.missions[task.MissionID] = mission
	}
	return task, mission, nil
}
