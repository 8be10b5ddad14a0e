package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/metrics"
	"missionline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Metrics metrics.Sink
	Bridge  bridge.Bridge
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Metrics: metrics.Nop{},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) metrics() metrics.Sink {
	return metrics.OrNop(e.Metrics)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ErrJobActive is returned when an operation needs a job that is not
// currently executing.
var ErrJobActive = errors.New("job is executing")

// ErrJobNotActive is returned when a result arrives for a job that is not
// executing.
var ErrJobNotActive = errors.New("job is not executing")

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID          string
	Title       string
	Description string
	Status      string
	Metadata    map[string]any
	Tags        []string
	ActorID     string
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Mission{}, errors.New("title is required")
	}
	status := opts.Status
	if status == "" {
		status = domain.MissionPlanned
	}
	if status != domain.MissionPlanned && status != domain.MissionActive {
		return domain.Mission{}, fmt.Errorf("invalid mission status %q", status)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := repo.FormatTime(e.now())
	m := domain.Mission{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      status,
		Metadata:    opts.Metadata,
		Tags:        opts.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.MissionCreated, "mission", m.ID, opts.ActorID, events.EventPayload{"title": m.Title, "status": m.Status}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) SetMissionStatus(ctx context.Context, id, status, actorID string) (domain.Mission, error) {
	if status != domain.MissionPlanned && status != domain.MissionActive {
		return domain.Mission{}, fmt.Errorf("invalid mission status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	old, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := e.Repo.UpdateMissionStatus(ctx, tx, id, status, e.now()); err != nil {
		return domain.Mission{}, err
	}
	if err := e.events().Append(ctx, tx, events.MissionStatusChanged, "mission", id, actorID, events.EventPayload{"from": old.Status, "to": status}); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// DeleteMission removes a mission with its tasks and jobs. Missions with
// executing jobs are refused.
func (e Engine) DeleteMission(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetMission(ctx, tx, id); err != nil {
		return err
	}
	var active int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs j JOIN tasks t ON t.id=j.task_id WHERE t.mission_id=? AND j.status IN ('working','running')`, id).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("mission %s: %w", id, ErrJobActive)
	}
	if err := e.Repo.DeleteMission(ctx, tx, id); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.MissionDeleted, "mission", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID        string
	MissionID string
	Name      string
	Kind      string
	Params    map[string]any
	ActorID   string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.MissionID == "" {
		return domain.Task{}, errors.New("mission_id is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Task{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.Kind) == "" {
		return domain.Task{}, errors.New("kind is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.Task{
		ID:        id,
		MissionID: opts.MissionID,
		Name:      opts.Name,
		Kind:      opts.Kind,
		Params:    opts.Params,
		CreatedAt: repo.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetMission(ctx, tx, opts.MissionID); err != nil {
		return domain.Task{}, fmt.Errorf("mission %s: %w", opts.MissionID, err)
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, "task", t.ID, opts.ActorID, events.EventPayload{"mission_id": t.MissionID, "kind": t.Kind}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
