package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/events"
	"missionline/internal/metrics"
	"missionline/internal/repo"
	"missionline/internal/resolver"
	"missionline/internal/tracing"
)

// Runner dispatches pending chain specs as jobs, one claimed spec per
// transaction.
type Runner struct {
	DB      *sql.DB
	Repo    repo.Repo
	Engine  engine.Engine
	Events  events.Writer
	Metrics metrics.Sink
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

// RunStats summarizes one Tick.
type RunStats struct {
	Chains     int
	Dispatched int
	Failed     int
	Idle       int
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Runner) config() *config.Config {
	if r.Config == nil {
		return config.Default()
	}
	return r.Config
}

func (r *Runner) events() events.Writer {
	w := r.Events
	if w.DB == nil {
		w.DB = r.DB
	}
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

type stepResult int

const (
	stepIdle stepResult = iota
	stepDispatched
	stepFailed
)

// Tick visits the chains flagged for work and dispatches up to
// chain.batch_limit specs in total.
func (r *Runner) Tick(ctx context.Context) (RunStats, error) {
	ctx, span := tracing.StartSpan(ctx, "chain.tick")
	st, err := r.tick(ctx)
	span.SetAttributes(
		attribute.Int("chains", st.Chains),
		attribute.Int("dispatched", st.Dispatched),
		attribute.Int("failed", st.Failed),
	)
	tracing.End(span, err)
	return st, err
}

func (r *Runner) tick(ctx context.Context) (RunStats, error) {
	var st RunStats
	budget := r.config().Chain.BatchLimit
	ids, err := r.Repo.ListChainsNeedingTick(ctx, budget)
	if err != nil {
		return st, fmt.Errorf("list chains: %w", err)
	}
	st.Chains = len(ids)
	for _, chainID := range ids {
		for budget > 0 {
			res, err := r.advance(ctx, chainID)
			if err != nil {
				r.logger().Printf("chain: tick %s: %v", chainID, err)
				break
			}
			if res == stepIdle {
				st.Idle++
				break
			}
			budget--
			if res == stepFailed {
				st.Failed++
			} else {
				st.Dispatched++
			}
		}
	}
	return st, nil
}

// Run ticks every chain.poll_interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config().Chain.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.logger().Printf("chain: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// advance claims the next spec of a chain and turns it into a job. When the
// chain has nothing left to claim its needs_tick flag is cleared.
func (r *Runner) advance(ctx context.Context, chainID string) (stepResult, error) {
	cfg := r.config()
	now := r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return stepIdle, err
	}
	defer tx.Rollback()

	claimID := uuid.NewString()
	spec, ok, err := r.Repo.ClaimNextSpec(ctx, tx, chainID, claimID, now, cfg.ClaimLeaseDuration())
	if err != nil {
		return stepIdle, fmt.Errorf("claim spec: %w", err)
	}
	if !ok {
		pending, err := r.Repo.HasPendingSpecs(ctx, tx, chainID)
		if err != nil {
			return stepIdle, err
		}
		// specs claimed by another runner keep the chain flagged
		if !pending {
			if err := r.Repo.SetChainNeedsTick(ctx, tx, chainID, false, now); err != nil {
				return stepIdle, err
			}
		}
		return stepIdle, tx.Commit()
	}

	rctx, err := r.resolutionContext(ctx, tx, chainID)
	if err != nil {
		return stepIdle, err
	}
	resolved, err := resolver.Resolver{Strict: cfg.Chain.StrictTemplates}.Params(spec.Params, rctx)
	if err != nil {
		var rerr *resolver.Error
		if !errors.As(err, &rerr) {
			return stepIdle, err
		}
		return stepFailed, r.failSpec(ctx, tx, spec, claimID, err, now)
	}

	payload := map[string]any{
		"kind":   spec.Kind,
		"params": resolved,
		"_chain_hint": map[string]any{
			"chain_id":      spec.ChainID,
			"spec_id":       spec.SpecID,
			"parent_job_id": spec.ParentJobID,
			"root_job_id":   spec.RootJobID,
		},
	}
	eng := r.Engine
	eng.Now = r.now
	created, err := eng.CreateJobTx(ctx, tx, engine.JobCreateOptions{
		TaskID:           spec.TaskID,
		Payload:          payload,
		DependsOn:        []string{spec.ParentJobID},
		IdempotencyKey:   "spec:" + spec.SpecID,
		ActorID:          events.SystemActor,
		SkipBackpressure: true,
	})
	if err != nil {
		return stepIdle, fmt.Errorf("create job for spec %s: %w", spec.SpecID, err)
	}
	marked, err := r.Repo.MarkSpecDispatched(ctx, tx, spec.SpecID, claimID, created.Job.ID, resolved, now)
	if err != nil {
		return stepIdle, err
	}
	if !marked {
		return stepIdle, fmt.Errorf("spec %s: claim lost", spec.SpecID)
	}
	if err := r.events().Append(ctx, tx, events.ChainSpecDispatched, "chain", chainID, "", events.EventPayload{
		"spec_id": spec.SpecID,
		"job_id":  created.Job.ID,
		"kind":    spec.Kind,
	}); err != nil {
		return stepIdle, err
	}
	if err := tx.Commit(); err != nil {
		return stepIdle, err
	}
	metrics.OrNop(r.Metrics).Inc(metrics.ChainSpecsDispatched, nil)
	return stepDispatched, nil
}

func (r *Runner) failSpec(ctx context.Context, tx *sql.Tx, spec domain.ChainSpec, claimID string, cause error, now time.Time) error {
	if _, err := r.Repo.MarkSpecFailed(ctx, tx, spec.SpecID, claimID, cause.Error(), now); err != nil {
		return err
	}
	if err := r.Repo.SetChainError(ctx, tx, spec.ChainID, map[string]any{
		"spec_id": spec.SpecID,
		"error":   cause.Error(),
	}, now); err != nil {
		return err
	}
	if err := r.events().Append(ctx, tx, events.ChainSpecFailed, "chain", spec.ChainID, "", events.EventPayload{
		"spec_id": spec.SpecID,
		"error":   cause.Error(),
	}); err != nil {
		return err
	}
	r.logger().Printf("chain: spec %s of %s failed to resolve: %v", spec.SpecID, spec.ChainID, cause)
	return tx.Commit()
}

// resolutionContext maps job names to the results of the chain's completed
// jobs, in creation order, plus the chain artifacts.
func (r *Runner) resolutionContext(ctx context.Context, tx *sql.Tx, chainID string) (*resolver.Context, error) {
	rctx := resolver.NewContext()
	chain, err := r.Repo.GetChainContext(ctx, tx, chainID)
	if err != nil {
		return nil, err
	}
	artifacts := map[string]any{}
	for k, a := range chain.Artifacts {
		artifacts[k] = map[string]any{"value": a.Value, "meta": a.Meta}
	}
	rctx.Set(resolver.ArtifactsKey, artifacts)

	results, err := r.Repo.ChainJobResults(ctx, tx, chainID)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		name := contextName(res)
		var result any = res.Result
		if res.Result == nil {
			result = map[string]any{}
		}
		rctx.Set(name, result)
	}
	return rctx, nil
}

// contextName is the name a completed job's result is stored under. Unnamed
// spec jobs use their spec id prefix so two jobs of one kind stay distinct.
func contextName(res repo.ChainJobResult) string {
	if name, _ := res.Params["name"].(string); name != "" {
		return name
	}
	if len(res.SpecID) > 8 {
		return res.SpecID[:8]
	}
	if res.SpecID != "" {
		return res.SpecID
	}
	if res.Kind != "" {
		return res.Kind
	}
	return res.JobID
}
