package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// on picks tx when present, the pool otherwise.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// FormatTime renders t in the persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

// ParseTime reads a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(domain.TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// --- missions ---

const missionColumns = `id,title,COALESCE(description,''),status,metadata_json,tags_json,created_at,updated_at`

func scanMission(s scanner) (domain.Mission, error) {
	var m domain.Mission
	var metadata, tags sql.NullString
	if err := s.Scan(&m.ID, &m.Title, &m.Description, &m.Status, &metadata, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, err
	}
	if err := decodeJSON(metadata, &m.Metadata); err != nil {
		return m, fmt.Errorf("mission %s metadata: %w", m.ID, err)
	}
	if err := decodeJSON(tags, &m.Tags); err != nil {
		return m, fmt.Errorf("mission %s tags: %w", m.ID, err)
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	metadata, err := encodeJSON(m.Metadata)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(m.Tags)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO missions(id,title,description,status,metadata_json,tags_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Title, nullable(m.Description), m.Status, metadata, tags, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(r.on(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

type MissionFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMissionStatus(ctx context.Context, tx *sql.Tx, id, status string, now time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, status, FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMission removes the mission; tasks, jobs and their deps cascade.
func (r Repo) DeleteMission(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivatePlannedMissions promotes planned missions that have pending
// jobs and returns their ids.
func (r Repo) ActivatePlannedMissions(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	q := r.on(tx)
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT m.id FROM missions m
JOIN tasks t ON t.mission_id = m.id
JOIN jobs j ON j.task_id = t.id
WHERE m.status='planned' AND j.status='pending'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE missions SET status='active', updated_at=? WHERE id=? AND status='planned'`, FormatTime(now), id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- tasks ---

const taskColumns = `id,mission_id,name,kind,params_json,created_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var params sql.NullString
	if err := s.Scan(&t.ID, &t.MissionID, &t.Name, &t.Kind, &params, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	if err := decodeJSON(params, &t.Params); err != nil {
		return t, fmt.Errorf("task %s params: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	params, err := encodeJSON(t.Params)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO tasks(id,mission_id,name,kind,params_json,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.MissionID, t.Name, t.Kind, params, t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	MissionID string
	Kind      string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// encodeJSON returns nil for empty values so the column stays NULL.
func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

// MissionCounts returns job counts by status and chain counts by state for
// one mission.
func (r Repo) MissionCounts(ctx context.Context, missionID string) (jobs, chains map[string]int, err error) {
	jobs, err = r.groupCount(ctx, `SELECT j.status, COUNT(*) FROM jobs j JOIN tasks t ON t.id=j.task_id WHERE t.mission_id=? GROUP BY j.status`, missionID)
	if err != nil {
		return nil, nil, err
	}
	chains, err = r.groupCount(ctx, `SELECT c.state, COUNT(*) FROM chain_context c JOIN tasks t ON t.id=c.task_id WHERE t.mission_id=? GROUP BY c.state`, missionID)
	if err != nil {
		return nil, nil, err
	}
	return jobs, chains, nil
}

func (r Repo) groupCount(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}
