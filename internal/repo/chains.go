package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

const chainColumns = `chain_id,task_id,COALESCE(root_job_id,''),state,limits_json,artifacts_json,error_json,needs_tick,created_at,updated_at`

func scanChain(s scanner) (domain.ChainContext, error) {
	var c domain.ChainContext
	var limits, artifacts, errJSON sql.NullString
	var needsTick int
	if err := s.Scan(&c.ChainID, &c.TaskID, &c.RootJobID, &c.State, &limits, &artifacts, &errJSON, &needsTick, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return c, ErrNotFound
		}
		return c, err
	}
	c.NeedsTick = needsTick != 0
	if err := decodeJSON(limits, &c.Limits); err != nil {
		return c, fmt.Errorf("chain %s limits: %w", c.ChainID, err)
	}
	if err := decodeJSON(artifacts, &c.Artifacts); err != nil {
		return c, fmt.Errorf("chain %s artifacts: %w", c.ChainID, err)
	}
	if err := decodeJSON(errJSON, &c.Error); err != nil {
		return c, fmt.Errorf("chain %s error: %w", c.ChainID, err)
	}
	return c, nil
}

// EnsureChainContext creates the chain context unless it already exists.
func (r Repo) EnsureChainContext(ctx context.Context, tx *sql.Tx, c domain.ChainContext) error {
	limits, err := json.Marshal(c.Limits)
	if err != nil {
		return err
	}
	state := c.State
	if state == "" {
		state = domain.ChainRunning
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO chain_context(chain_id,task_id,root_job_id,state,limits_json,artifacts_json,needs_tick,created_at,updated_at)
VALUES (?,?,?,?,?,'{}',0,?,?) ON CONFLICT(chain_id) DO NOTHING`,
		c.ChainID, c.TaskID, nullable(c.RootJobID), state, string(limits), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetChainContext(ctx context.Context, tx *sql.Tx, chainID string) (domain.ChainContext, error) {
	return scanChain(r.on(tx).QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chain_context WHERE chain_id=?`, chainID))
}

type ChainFilters struct {
	TaskID    string
	MissionID string
	State     string
	Limit     int
}

func (r Repo) ListChainContexts(ctx context.Context, f ChainFilters) ([]domain.ChainContext, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "task_id IN (SELECT id FROM tasks WHERE mission_id=?)")
		args = append(args, f.MissionID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + chainColumns + ` FROM chain_context ` + where + ` ORDER BY created_at DESC, chain_id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChainContext
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListChainsNeedingTick returns running chains flagged for the runner,
// oldest update first.
func (r Repo) ListChainsNeedingTick(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT chain_id FROM chain_context WHERE needs_tick=1 AND state='running' ORDER BY updated_at, chain_id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetChainArtifact merges one artifact into the chain. Call it inside a
// write transaction so the read-modify-write is not interleaved.
func (r Repo) SetChainArtifact(ctx context.Context, tx *sql.Tx, chainID, key string, a domain.Artifact, now time.Time) error {
	q := r.on(tx)
	var raw sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT artifacts_json FROM chain_context WHERE chain_id=?`, chainID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	artifacts := map[string]domain.Artifact{}
	if err := decodeJSON(raw, &artifacts); err != nil {
		return fmt.Errorf("chain %s artifacts: %w", chainID, err)
	}
	artifacts[key] = a
	data, err := json.Marshal(artifacts)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE chain_context SET artifacts_json=?, updated_at=? WHERE chain_id=?`, string(data), FormatTime(now), chainID)
	return err
}

func (r Repo) SetChainNeedsTick(ctx context.Context, tx *sql.Tx, chainID string, needs bool, now time.Time) error {
	flag := 0
	if needs {
		flag = 1
	}
	_, err := r.on(tx).ExecContext(ctx, `UPDATE chain_context SET needs_tick=?, updated_at=? WHERE chain_id=?`, flag, FormatTime(now), chainID)
	return err
}

// CompleteChain marks the chain completed and stops further ticks.
func (r Repo) CompleteChain(ctx context.Context, tx *sql.Tx, chainID string, now time.Time) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE chain_context SET state='completed', needs_tick=0, updated_at=? WHERE chain_id=?`, FormatTime(now), chainID)
	return err
}

func (r Repo) SetChainError(ctx context.Context, tx *sql.Tx, chainID string, detail map[string]any, now time.Time) error {
	data, err := encodeJSON(detail)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `UPDATE chain_context SET error_json=?, updated_at=? WHERE chain_id=?`, data, FormatTime(now), chainID)
	return err
}

// --- specs ---

const specColumns = `spec_id,chain_id,task_id,root_job_id,parent_job_id,kind,params_json,resolved,resolved_params_json,status,COALESCE(error,''),dedupe_key,dispatched_job_id,claim_id,claimed_until,created_at,updated_at`

func scanSpec(s scanner) (domain.ChainSpec, error) {
	var sp domain.ChainSpec
	var params, resolvedParams, dispatched, claimID, claimedUntil sql.NullString
	var resolved int
	err := s.Scan(&sp.SpecID, &sp.ChainID, &sp.TaskID, &sp.RootJobID, &sp.ParentJobID, &sp.Kind, &params, &resolved, &resolvedParams,
		&sp.Status, &sp.Error, &sp.DedupeKey, &dispatched, &claimID, &claimedUntil, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return sp, ErrNotFound
		}
		return sp, err
	}
	sp.Resolved = resolved != 0
	if err := decodeJSON(params, &sp.Params); err != nil {
		return sp, fmt.Errorf("spec %s params: %w", sp.SpecID, err)
	}
	if err := decodeJSON(resolvedParams, &sp.ResolvedParams); err != nil {
		return sp, fmt.Errorf("spec %s resolved params: %w", sp.SpecID, err)
	}
	sp.DispatchedJobID = stringPtr(dispatched)
	sp.ClaimID = stringPtr(claimID)
	sp.ClaimedUntil = stringPtr(claimedUntil)
	return sp, nil
}

// InsertChainSpec stores a spec unless its dedupe key is already present
// in the chain. inserted reports whether a row was written.
func (r Repo) InsertChainSpec(ctx context.Context, tx *sql.Tx, sp domain.ChainSpec) (bool, error) {
	params, err := json.Marshal(orEmpty(sp.Params))
	if err != nil {
		return false, err
	}
	status := sp.Status
	if status == "" {
		status = domain.SpecPending
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO chain_specs(spec_id,chain_id,task_id,root_job_id,parent_job_id,kind,params_json,resolved,status,dedupe_key,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?,?,?) ON CONFLICT(chain_id, dedupe_key) DO NOTHING`,
		sp.SpecID, sp.ChainID, sp.TaskID, sp.RootJobID, sp.ParentJobID, sp.Kind, string(params), status, sp.DedupeKey, sp.CreatedAt, sp.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetChainSpec(ctx context.Context, tx *sql.Tx, specID string) (domain.ChainSpec, error) {
	return scanSpec(r.on(tx).QueryRowContext(ctx, `SELECT `+specColumns+` FROM chain_specs WHERE spec_id=?`, specID))
}

// ListChainSpecs returns a chain's specs in creation order.
func (r Repo) ListChainSpecs(ctx context.Context, tx *sql.Tx, chainID string) ([]domain.ChainSpec, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+specColumns+` FROM chain_specs WHERE chain_id=? ORDER BY created_at, spec_id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChainSpec
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

// ClaimNextSpec claims the oldest pending spec of a chain whose claim is
// absent or expired. ok is false when nothing is claimable or another
// claimant won the conditional update.
func (r Repo) ClaimNextSpec(ctx context.Context, tx *sql.Tx, chainID, claimID string, now time.Time, lease time.Duration) (domain.ChainSpec, bool, error) {
	q := r.on(tx)
	ts := FormatTime(now)
	var specID string
	err := q.QueryRowContext(ctx, `SELECT spec_id FROM chain_specs WHERE chain_id=? AND status='pending' AND (claimed_until IS NULL OR claimed_until < ?)
ORDER BY created_at, spec_id LIMIT 1`, chainID, ts).Scan(&specID)
	if err == sql.ErrNoRows {
		return domain.ChainSpec{}, false, nil
	}
	if err != nil {
		return domain.ChainSpec{}, false, err
	}
	res, err := q.ExecContext(ctx, `UPDATE chain_specs SET claim_id=?, claimed_until=?, updated_at=?
WHERE spec_id=? AND status='pending' AND (claimed_until IS NULL OR claimed_until < ?)`,
		claimID, FormatTime(now.Add(lease)), ts, specID, ts)
	if err != nil {
		return domain.ChainSpec{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ChainSpec{}, false, nil
	}
	sp, err := r.GetChainSpec(ctx, tx, specID)
	if err != nil {
		return domain.ChainSpec{}, false, err
	}
	return sp, true, nil
}

// HasPendingSpecs reports whether the chain still has specs to dispatch,
// claimed or not.
func (r Repo) HasPendingSpecs(ctx context.Context, tx *sql.Tx, chainID string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM chain_specs WHERE chain_id=? AND status='pending'`, chainID).Scan(&n)
	return n > 0, err
}

// MarkSpecDispatched records the job a claimed spec became.
func (r Repo) MarkSpecDispatched(ctx context.Context, tx *sql.Tx, specID, claimID, jobID string, resolved map[string]any, now time.Time) (bool, error) {
	data, err := json.Marshal(orEmpty(resolved))
	if err != nil {
		return false, err
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE chain_specs SET status='dispatched', resolved=1, resolved_params_json=?, dispatched_job_id=?, claimed_until=NULL, updated_at=?
WHERE spec_id=? AND claim_id=? AND status='pending'`, string(data), jobID, FormatTime(now), specID, claimID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSpecFailed records a resolution failure on a claimed spec.
func (r Repo) MarkSpecFailed(ctx context.Context, tx *sql.Tx, specID, claimID, msg string, now time.Time) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE chain_specs SET status='failed', error=?, claimed_until=NULL, updated_at=?
WHERE spec_id=? AND claim_id=? AND status='pending'`, msg, FormatTime(now), specID, claimID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ChainJobResult is a completed job that belongs to a chain.
type ChainJobResult struct {
	JobID     string
	SpecID    string
	Kind      string
	Params    map[string]any
	Result    map[string]any
	CreatedAt string
}

// ChainJobResults returns the completed jobs of a chain in creation order:
// the root job followed by every job dispatched from one of its specs.
func (r Repo) ChainJobResults(ctx context.Context, tx *sql.Tx, chainID string) ([]ChainJobResult, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT j.id, j.payload_json, j.result_json, j.created_at FROM jobs j
WHERE j.status='completed' AND (
  j.id IN (SELECT root_job_id FROM chain_context WHERE chain_id=?)
  OR j.id IN (SELECT dispatched_job_id FROM chain_specs WHERE chain_id=? AND dispatched_job_id IS NOT NULL)
)
ORDER BY j.created_at, j.id`, chainID, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ChainJobResult
	for rows.Next() {
		var out ChainJobResult
		var payload string
		var result sql.NullString
		if err := rows.Scan(&out.JobID, &payload, &result, &out.CreatedAt); err != nil {
			return nil, err
		}
		job := domain.Job{}
		if err := decodeJSON(sql.NullString{String: payload, Valid: true}, &job.Payload); err != nil {
			return nil, fmt.Errorf("job %s payload: %w", out.JobID, err)
		}
		if err := decodeJSON(result, &out.Result); err != nil {
			return nil, fmt.Errorf("job %s result: %w", out.JobID, err)
		}
		out.Kind = job.Kind()
		out.Params = job.Params()
		out.SpecID, _ = job.ChainHint()["spec_id"].(string)
		res = append(res, out)
	}
	return res, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
