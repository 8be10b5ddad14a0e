package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

// ErrLeaseLost is returned when a lease renewal finds the lease gone or
// held by someone else.
var ErrLeaseLost = errors.New("lease lost")

const jobColumns = `id,task_id,payload_json,status,priority,retry_count,idempotency_key,idempotency_hash,result_json,completed_result_json,result_hash,result_hash_alg,lease_owner,lease_until_utc,claim_id,next_retry_utc,created_at,updated_at`

// priorityOrder ranks critical=0, high=1, everything else 2.
const priorityOrder = `CASE j.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 ELSE 2 END`

// depsMet holds when every dependency of j exists and is completed.
const depsMet = `NOT EXISTS (SELECT 1 FROM job_deps d LEFT JOIN jobs dep ON dep.id = d.depends_on_job_id
  WHERE d.job_id = j.id AND (dep.status IS NULL OR dep.status <> 'completed'))`

// claimable holds for a pending job with no live lease and an open retry gate.
const claimable = `j.status='pending' AND (j.lease_until_utc IS NULL OR j.lease_until_utc < ?) AND (j.next_retry_utc IS NULL OR j.next_retry_utc <= ?)`

func scanJob(s scanner) (domain.Job, error) {
	var j domain.Job
	var payload string
	var idemKey, idemHash, result, completed, resultHash, resultAlg, leaseOwner, leaseUntil, claimID, nextRetry sql.NullString
	err := s.Scan(&j.ID, &j.TaskID, &payload, &j.Status, &j.Priority, &j.RetryCount, &idemKey, &idemHash,
		&result, &completed, &resultHash, &resultAlg, &leaseOwner, &leaseUntil, &claimID, &nextRetry, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return j, ErrNotFound
		}
		return j, err
	}
	if err := decodeJSON(sql.NullString{String: payload, Valid: true}, &j.Payload); err != nil {
		return j, fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	if err := decodeJSON(result, &j.Result); err != nil {
		return j, fmt.Errorf("job %s result: %w", j.ID, err)
	}
	if err := decodeJSON(completed, &j.CompletedResult); err != nil {
		return j, fmt.Errorf("job %s completed result: %w", j.ID, err)
	}
	j.IdempotencyKey = stringPtr(idemKey)
	j.IdempotencyHash = stringPtr(idemHash)
	j.ResultHash = stringPtr(resultHash)
	j.ResultHashAlg = stringPtr(resultAlg)
	j.LeaseOwner = stringPtr(leaseOwner)
	j.LeaseUntil = stringPtr(leaseUntil)
	j.ClaimID = stringPtr(claimID)
	j.NextRetryAt = stringPtr(nextRetry)
	return j, nil
}

func (r Repo) queryJobs(ctx context.Context, q querier, query string, args ...any) ([]domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachDeps(ctx, q, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// InsertJob stores the job row and its dependency edges.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	q := r.on(tx)
	payload, err := encodeJSON(j.Payload)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = "{}"
	}
	_, err = q.ExecContext(ctx, `INSERT INTO jobs(id,task_id,payload_json,status,priority,retry_count,idempotency_key,idempotency_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TaskID, payload, j.Status, j.Priority, j.RetryCount, nullableStringPtr(j.IdempotencyKey), nullableStringPtr(j.IdempotencyHash), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return err
	}
	for i, dep := range j.DependsOn {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO job_deps(job_id,depends_on_job_id,position) VALUES (?,?,?)`, j.ID, dep, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	q := r.on(tx)
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, err
	}
	deps, err := r.jobDeps(ctx, q, []string{j.ID})
	if err != nil {
		return j, err
	}
	j.DependsOn = deps[j.ID]
	return j, nil
}

// GetJobByIdempotencyKey returns ErrNotFound when the key is unused.
func (r Repo) GetJobByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (domain.Job, error) {
	q := r.on(tx)
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=?`, key))
	if err != nil {
		return j, err
	}
	deps, err := r.jobDeps(ctx, q, []string{j.ID})
	if err != nil {
		return j, err
	}
	j.DependsOn = deps[j.ID]
	return j, nil
}

type JobFilters struct {
	TaskID    string
	MissionID string
	Status    string
	Limit     int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "j.task_id=?")
		args = append(args, f.TaskID)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "j.task_id IN (SELECT id FROM tasks WHERE mission_id=?)")
		args = append(args, f.MissionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "j.status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + prefixed("j", jobColumns) + ` FROM jobs j ` + where + ` ORDER BY j.created_at DESC, j.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryJobs(ctx, r.DB, query, args...)
}

// ListDispatchCandidates returns claimable pending jobs whose
// dependencies are met, in (priority, created_at) order.
func (r Repo) ListDispatchCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	ts := FormatTime(now)
	query := `SELECT ` + prefixed("j", jobColumns) + ` FROM jobs j WHERE ` + claimable + ` AND ` + depsMet +
		` ORDER BY ` + priorityOrder + `, j.created_at, j.id`
	args := []any{ts, ts}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryJobs(ctx, r.DB, query, args...)
}

// ListActiveJobs returns jobs awaiting a result from the bridge.
func (r Repo) ListActiveJobs(ctx context.Context) ([]domain.Job, error) {
	return r.queryJobs(ctx, r.DB, `SELECT `+prefixed("j", jobColumns)+` FROM jobs j WHERE j.status IN ('working','running') ORDER BY j.updated_at, j.id`)
}

// CountJobs counts jobs in any of the given statuses.
func (r Repo) CountJobs(ctx context.Context, tx *sql.Tx, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status IN (`+placeholders(len(statuses))+`)`, args...).Scan(&n)
	return n, err
}

// ClaimJob takes the dispatch claim on a pending job. It reports false when
// another claimant got there first or the job is no longer claimable.
func (r Repo) ClaimJob(ctx context.Context, jobID, owner, claimID string, now time.Time, lease time.Duration) (bool, error) {
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs AS j SET claim_id=?, lease_owner=?, lease_until_utc=?, updated_at=? WHERE j.id=? AND `+claimable,
		claimID, owner, FormatTime(now.Add(lease)), ts, jobID, ts, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkJobWorking moves a claimed job to working. The claim must still be ours.
func (r Repo) MarkJobWorking(ctx context.Context, tx *sql.Tx, jobID, claimID string, now time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status='working', updated_at=? WHERE id=? AND claim_id=? AND status='pending'`,
		FormatTime(now), jobID, claimID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseJobClaim drops a claim whose side effect failed transiently.
func (r Repo) ReleaseJobClaim(ctx context.Context, jobID, claimID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE jobs SET claim_id=NULL, lease_owner=NULL, lease_until_utc=NULL, updated_at=? WHERE id=? AND claim_id=? AND status='pending'`,
		FormatTime(now), jobID, claimID)
	return err
}

// ReapExpiredLeases returns every job whose lease has passed to pending
// and clears its lease fields.
func (r Repo) ReapExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', lease_owner=NULL, lease_until_utc=NULL, claim_id=NULL, updated_at=?
WHERE lease_until_utc IS NOT NULL AND lease_until_utc < ? AND status IN ('pending','working','running')`, ts, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LeaseNextJob claims the highest-priority ready job for a pulling worker
// and moves it to working. ok is false when nothing was claimable or a
// concurrent claimant won.
func (r Repo) LeaseNextJob(ctx context.Context, owner, claimID string, now time.Time, lease time.Duration) (job domain.Job, ok bool, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	ts := FormatTime(now)
	var id string
	err = tx.QueryRowContext(ctx, `SELECT j.id FROM jobs j WHERE `+claimable+` AND `+depsMet+
		` ORDER BY `+priorityOrder+`, j.created_at, j.id LIMIT 1`, ts, ts).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs AS j SET status='working', claim_id=?, lease_owner=?, lease_until_utc=?, updated_at=? WHERE j.id=? AND `+claimable,
		claimID, owner, FormatTime(now.Add(lease)), ts, id, ts, ts)
	if err != nil {
		return domain.Job{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, false, nil
	}
	job, err = r.GetJob(ctx, tx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// RenewJobLease extends a live lease held by owner.
func (r Repo) RenewJobLease(ctx context.Context, jobID, owner string, now time.Time, lease time.Duration) (string, error) {
	ts := FormatTime(now)
	until := FormatTime(now.Add(lease))
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET lease_until_utc=?, updated_at=? WHERE id=? AND lease_owner=? AND status IN ('working','running') AND lease_until_utc >= ?`,
		until, ts, jobID, owner, ts)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrLeaseLost
	}
	return until, nil
}

// ScheduleRetry sends an active job back to pending behind a retry gate.
func (r Repo) ScheduleRetry(ctx context.Context, tx *sql.Tx, jobID string, retryCount int, nextRetry time.Time, result map[string]any, now time.Time) (bool, error) {
	data, err := encodeJSON(result)
	if err != nil {
		return false, err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status='pending', retry_count=?, next_retry_utc=?, result_json=?, lease_owner=NULL, lease_until_utc=NULL, claim_id=NULL, updated_at=?
WHERE id=? AND status IN ('working','running')`, retryCount, FormatTime(nextRetry), data, FormatTime(now), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkJobFailed makes the job terminally failed. from restricts the
// statuses the transition is allowed from.
func (r Repo) MarkJobFailed(ctx context.Context, tx *sql.Tx, jobID string, result map[string]any, now time.Time, from ...string) (bool, error) {
	data, err := encodeJSON(result)
	if err != nil {
		return false, err
	}
	if len(from) == 0 {
		from = []string{domain.JobPending, domain.JobWorking, domain.JobRunning}
	}
	args := []any{data, FormatTime(now), jobID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status='failed', result_json=?, lease_owner=NULL, lease_until_utc=NULL, claim_id=NULL, next_retry_utc=NULL, updated_at=?
WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Completion is what CompleteJob persists.
type Completion struct {
	Result map[string]any
	// Cache is set for jobs with an idempotency key.
	Cache   bool
	Hash    string
	HashAlg string
}

// CompleteJob marks an active job completed.
func (r Repo) CompleteJob(ctx context.Context, tx *sql.Tx, jobID string, c Completion, now time.Time) (bool, error) {
	data, err := encodeJSON(c.Result)
	if err != nil {
		return false, err
	}
	if data == nil {
		data = "{}"
	}
	var cached, hash, alg any
	if c.Cache {
		cached, hash, alg = data, nullable(c.Hash), nullable(c.HashAlg)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status='completed', result_json=?, completed_result_json=COALESCE(?, completed_result_json),
result_hash=COALESCE(?, result_hash), result_hash_alg=COALESCE(?, result_hash_alg), lease_owner=NULL, lease_until_utc=NULL, next_retry_utc=NULL, updated_at=?
WHERE id=? AND status IN ('working','running')`, data, cached, hash, alg, FormatTime(now), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetResultHash records a hash computed for a legacy row.
func (r Repo) SetResultHash(ctx context.Context, tx *sql.Tx, jobID, hash, alg string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET result_hash=?, result_hash_alg=? WHERE id=? AND (result_hash IS NULL OR result_hash='')`, hash, alg, jobID)
	return err
}

// RequeueJob sends a job that is not currently executing back to pending.
func (r Repo) RequeueJob(ctx context.Context, tx *sql.Tx, jobID string, now time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE jobs SET status='pending', next_retry_utc=NULL, lease_owner=NULL, lease_until_utc=NULL, claim_id=NULL, updated_at=?
WHERE id=? AND status NOT IN ('working','running')`, FormatTime(now), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) attachDeps(ctx context.Context, q querier, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	deps, err := r.jobDeps(ctx, q, ids)
	if err != nil {
		return err
	}
	for i := range jobs {
		jobs[i].DependsOn = deps[jobs[i].ID]
	}
	return nil
}

func (r Repo) jobDeps(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	// chunked to stay under the SQLite variable limit
	for start := 0; start < len(ids); start += 500 {
		end := start + 500
		if end > len(ids) {
			end = len(ids)
		}
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		rows, err := q.QueryContext(ctx, `SELECT job_id, depends_on_job_id FROM job_deps WHERE job_id IN (`+placeholders(len(args))+`) ORDER BY job_id, position`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var jobID, dep string
			if err := rows.Scan(&jobID, &dep); err != nil {
				rows.Close()
				return nil, err
			}
			out[jobID] = append(out[jobID], dep)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}
