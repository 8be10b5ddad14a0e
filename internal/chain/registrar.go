// Package chain turns structured job results into follow-up jobs. The
// Registrar records follow-up specs when a job completes; the Runner
// resolves and dispatches them on its own loop.
package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/envelope"
	"missionline/internal/events"
	"missionline/internal/integrity"
	"missionline/internal/metrics"
	"missionline/internal/repo"
)

// FinalAnswerKey is the artifact holding a chain's final answer.
const FinalAnswerKey = "final_answer"

// Registrar is called by the dispatcher for every completed job, inside
// the completing transaction.
type Registrar struct {
	Repo    repo.Repo
	Events  events.Writer
	Metrics metrics.Sink
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

func (r *Registrar) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Registrar) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Registrar) config() *config.Config {
	if r.Config == nil {
		return config.Default()
	}
	return r.Config
}

func (r *Registrar) events() events.Writer {
	w := r.Events
	if w.DB == nil {
		w.DB = r.Repo.DB
	}
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

// RegisterTx folds a completed job into its chain: artifacts are merged,
// follow-up specs are stored once per dedupe key and a final answer
// completes the chain. Jobs outside any chain are ignored.
func (r *Registrar) RegisterTx(ctx context.Context, tx *sql.Tx, job domain.Job) error {
	hint := job.ChainHint()
	task, err := r.Repo.GetTask(ctx, tx, job.TaskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", job.TaskID, err)
	}

	chainID, rootJobID := job.ID, job.ID
	if id, _ := task.Params["chain_id"].(string); id != "" {
		chainID = id
	}
	if hint != nil {
		if id, _ := hint["chain_id"].(string); id != "" {
			chainID = id
		}
		if id, _ := hint["root_job_id"].(string); id != "" {
			rootJobID = id
		}
	}
	env := envelope.Parse(job.Result, chainID)
	chainID = env.ChainID
	_, taskChain := task.Params["chain_id"]
	if hint == nil && env.Kind == envelope.None && !taskChain {
		return nil
	}

	kind := job.Kind()
	if kind == "" {
		kind = task.Kind
	}
	now := r.now()
	ts := repo.FormatTime(now)
	if err := r.Repo.EnsureChainContext(ctx, tx, domain.ChainContext{
		ChainID:   chainID,
		TaskID:    job.TaskID,
		RootJobID: rootJobID,
		Limits:    r.config().Chain.DefaultLimits,
		CreatedAt: ts,
		UpdatedAt: ts,
	}); err != nil {
		return fmt.Errorf("ensure chain %s: %w", chainID, err)
	}
	chain, err := r.Repo.GetChainContext(ctx, tx, chainID)
	if err != nil {
		return err
	}
	if err := r.mergeArtifacts(ctx, tx, chain, job, kind, now); err != nil {
		return err
	}
	if chain.State == domain.ChainCompleted {
		if env.Kind != envelope.None {
			r.logger().Printf("chain: %s already completed, ignoring %s from job %s", chainID, env.Kind, job.ID)
		}
		return nil
	}

	switch env.Kind {
	case envelope.FollowUps:
		return r.registerFollowUps(ctx, tx, chain, job, env.Specs, now)
	case envelope.FinalAnswer:
		return r.complete(ctx, tx, chainID, job.ID, kind, env.Answer, now)
	}
	if hint != nil {
		if _, ok := hint["spec_id"]; ok {
			return r.Repo.SetChainNeedsTick(ctx, tx, chainID, true, now)
		}
	}
	return nil
}

func (r *Registrar) registerFollowUps(ctx context.Context, tx *sql.Tx, chain domain.ChainContext, job domain.Job, specs []envelope.Spec, now time.Time) error {
	ts := repo.FormatTime(now)
	inserted := 0
	for _, s := range specs {
		key, err := DedupeKey(job.ID, s)
		if err != nil {
			return fmt.Errorf("dedupe key: %w", err)
		}
		ok, err := r.Repo.InsertChainSpec(ctx, tx, domain.ChainSpec{
			SpecID:      uuid.NewString(),
			ChainID:     chain.ChainID,
			TaskID:      job.TaskID,
			RootJobID:   chain.RootJobID,
			ParentJobID: job.ID,
			Kind:        s.Kind,
			Params:      s.Params,
			DedupeKey:   key,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		})
		if err != nil {
			return fmt.Errorf("insert spec: %w", err)
		}
		if ok {
			inserted++
			metrics.OrNop(r.Metrics).Inc(metrics.ChainSpecsRegistered, nil)
		}
	}
	if err := r.Repo.SetChainNeedsTick(ctx, tx, chain.ChainID, true, now); err != nil {
		return err
	}
	return r.events().Append(ctx, tx, events.ChainFollowups, "chain", chain.ChainID, "", events.EventPayload{
		"job_id":   job.ID,
		"received": len(specs),
		"inserted": inserted,
	})
}

func (r *Registrar) complete(ctx context.Context, tx *sql.Tx, chainID, jobID, kind string, answer any, now time.Time) error {
	a := domain.Artifact{Value: answer, Meta: artifactMeta(jobID, kind, now)}
	if err := r.Repo.SetChainArtifact(ctx, tx, chainID, FinalAnswerKey, a, now); err != nil {
		return err
	}
	if err := r.Repo.CompleteChain(ctx, tx, chainID, now); err != nil {
		return err
	}
	return r.events().Append(ctx, tx, events.ChainCompleted, "chain", chainID, "", events.EventPayload{"job_id": jobID})
}

func (r *Registrar) mergeArtifacts(ctx context.Context, tx *sql.Tx, chain domain.ChainContext, job domain.Job, kind string, now time.Time) error {
	var value any
	if files, ok := job.Result["files"]; ok {
		value = clipFiles(files, chain.Limits)
	} else if content, ok := job.Result["content"]; ok {
		value = clipContent(content, chain.Limits)
	} else {
		return nil
	}
	err := r.Repo.SetChainArtifact(ctx, tx, chain.ChainID, ArtifactKey(kind), domain.Artifact{Value: value, Meta: artifactMeta(job.ID, kind, now)}, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// ArtifactKey names the artifact a job kind contributes to.
func ArtifactKey(kind string) string {
	switch kind {
	case "list_files", "walk_tree":
		return "file_list"
	case "read_file":
		return "file_blobs"
	default:
		return kind + "_result"
	}
}

// DedupeKey identifies a follow-up spec within its chain: the same parent
// asking for the same kind with the same params registers once.
func DedupeKey(parentJobID string, s envelope.Spec) (string, error) {
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	return integrity.Hash(map[string]any{
		"parent_job_id": parentJobID,
		"kind":          s.Kind,
		"params":        params,
	})
}

func artifactMeta(jobID, kind string, now time.Time) map[string]any {
	return map[string]any{
		"job_id":     jobID,
		"kind":       kind,
		"updated_at": repo.FormatTime(now),
	}
}

func clipFiles(v any, limits domain.ChainLimits) any {
	files, ok := v.([]any)
	if !ok || limits.MaxFiles <= 0 || len(files) <= limits.MaxFiles {
		return v
	}
	return files[:limits.MaxFiles]
}

func clipContent(v any, limits domain.ChainLimits) any {
	s, ok := v.(string)
	if !ok || limits.MaxBytesPerFile <= 0 || len(s) <= limits.MaxBytesPerFile {
		return v
	}
	return s[:limits.MaxBytesPerFile]
}
