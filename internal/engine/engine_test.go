package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/events"
	"missionline/internal/integrity"
	"missionline/internal/metrics"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Task    domain.Task
	Metrics *metrics.Memory
	Files   *bridge.File
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	files, err := bridge.NewFile(filepath.Join(dir, "outbox"), filepath.Join(dir, "inbox"))
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	sink := metrics.NewMemory()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Metrics = sink
	eng.Bridge = files
	ctx := context.Background()
	m, err := eng.CreateMission(ctx, engine.MissionCreateOptions{Title: "Audit", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{MissionID: m.ID, Name: "scan", Kind: "walk_tree", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Task: task, Metrics: sink, Files: files}
}

func (env testEnv) create(t *testing.T, key string, payload map[string]any) (engine.JobCreateResult, error) {
	t.Helper()
	return env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		TaskID:         env.Task.ID,
		Payload:        payload,
		IdempotencyKey: key,
		ActorID:        "tester",
	})
}

// finish completes a job the way the dispatcher does, caching the result.
func (env testEnv) finish(t *testing.T, jobID string, result map[string]any, cache bool) {
	t.Helper()
	ok, err := env.Engine.Repo.ClaimJob(env.Ctx, jobID, "w", "claim-"+jobID, env.Engine.Now(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if _, err := env.Engine.Repo.MarkJobWorking(env.Ctx, nil, jobID, "claim-"+jobID, env.Engine.Now()); err != nil {
		t.Fatal(err)
	}
	c := repo.Completion{Result: result}
	if cache {
		hash, err := integrity.Hash(result)
		if err != nil {
			t.Fatal(err)
		}
		c.Cache, c.Hash, c.HashAlg = true, hash, integrity.Algorithm
	}
	if ok, err := env.Engine.Repo.CompleteJob(env.Ctx, nil, jobID, c, env.Engine.Now()); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
}

func TestMissionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: " "}); err == nil {
		t.Fatalf("expected title error")
	}
	if _, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "x", Status: "done"}); err == nil {
		t.Fatalf("expected status error")
	}
	m, err := env.Engine.SetMissionStatus(env.Ctx, env.Task.MissionID, domain.MissionActive, "tester")
	if err != nil || m.Status != domain.MissionActive {
		t.Fatalf("activate: %v %+v", err, m)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: "nope", Name: "x", Kind: "y"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown mission, got %v", err)
	}

	if _, err := env.create(t, "", map[string]any{"kind": "walk_tree"}); err != nil {
		t.Fatal(err)
	}
	leased, ok, err := env.Engine.LeaseNextJob(env.Ctx, "worker", 0)
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	if err := env.Engine.DeleteMission(env.Ctx, m.ID, "tester"); !errors.Is(err, engine.ErrJobActive) {
		t.Fatalf("missions with executing jobs must not be deleted, got %v", err)
	}
	if ok, err := env.Engine.Repo.CompleteJob(env.Ctx, nil, leased.ID, repo.Completion{Result: map[string]any{"ok": true}}, env.Engine.Now()); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	if err := env.Engine.DeleteMission(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, nil, env.Task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("tasks should be deleted with their mission, got %v", err)
	}
}

func TestIdempotentCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "."}}
	first, err := env.create(t, "scan-1", payload)
	if err != nil {
		t.Fatal(err)
	}
	if first.Existing || first.Job.IdempotencyHash == nil {
		t.Fatalf("first create should insert, got %+v", first)
	}

	again, err := env.create(t, "scan-1", map[string]any{"params": map[string]any{"root": "."}, "kind": "walk_tree"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existing || again.Job.ID != first.Job.ID {
		t.Fatalf("same key and payload should return the existing job, got %+v", again)
	}
	if env.Metrics.Counter(metrics.IdempotencyHits, nil) != 1 {
		t.Fatalf("hit not counted")
	}

	_, err = env.create(t, "scan-1", map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "/etc"}})
	var conflict engine.IdempotencyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	d := conflict.Detail
	if d.ExistingJobID != first.Job.ID || d.ExistingHashPrefix == "" || d.NewHashPrefix == "" || d.ExistingHashPrefix == d.NewHashPrefix {
		t.Fatalf("unexpected conflict detail %+v", d)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: events.IdempotencyCollision})
	if err != nil || len(evts) != 1 {
		t.Fatalf("collision event: %v %v", evts, err)
	}
	if env.Metrics.Counter(metrics.IdempotencyCollisions, nil) != 1 {
		t.Fatalf("collision not counted")
	}
}

func TestIdempotencyHashCoversPayloadOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "src"}}
	first, err := env.create(t, "scan-3", payload)
	if err != nil {
		t.Fatal(err)
	}
	want, err := integrity.Hash(payload)
	if err != nil {
		t.Fatal(err)
	}
	if first.Job.IdempotencyHash == nil || *first.Job.IdempotencyHash != want {
		t.Fatalf("idempotency hash = %v, want %s", first.Job.IdempotencyHash, want)
	}

	other, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{MissionID: env.Task.MissionID, Name: "rescan", Kind: "walk_tree", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	again, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		TaskID:         other.ID,
		Payload:        payload,
		IdempotencyKey: "scan-3",
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("same key and payload on another task: %v", err)
	}
	if !again.Existing || again.Job.ID != first.Job.ID {
		t.Fatalf("expected existing job %s, got %+v", first.Job.ID, again)
	}
}

func TestCachedResultIsReturnedAndVerified(t *testing.T) {
	env := newTestEnv(t, nil)
	payload := map[string]any{"kind": "walk_tree"}
	first, err := env.create(t, "scan-2", payload)
	if err != nil {
		t.Fatal(err)
	}
	env.finish(t, first.Job.ID, map[string]any{"ok": true, "files": []any{"a.go"}}, true)

	again, err := env.create(t, "scan-2", payload)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existing || again.CachedResult["ok"] != true {
		t.Fatalf("expected cached result, got %+v", again)
	}

	if _, err := env.Engine.DB.Exec(`UPDATE jobs SET completed_result_json='{"ok":true,"files":["evil.go"]}' WHERE id=?`, first.Job.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.create(t, "scan-2", payload)
	var ie integrity.IntegrityError
	if !errors.As(err, &ie) || ie.Code != integrity.IntegrityFailCode || ie.JobID != first.Job.ID {
		t.Fatalf("tampered cache must fail integrity, got %v", err)
	}
	if _, err := env.Engine.GetJob(env.Ctx, first.Job.ID); !errors.As(err, &ie) {
		t.Fatalf("get of tampered job must fail integrity, got %v", err)
	}
	if env.Metrics.Counter(metrics.IntegrityFailures, nil) < 2 {
		t.Fatalf("integrity failures not counted")
	}
}

func TestLegacyResultHashIsMigrated(t *testing.T) {
	env := newTestEnv(t, nil)
	first, err := env.create(t, "scan-3", map[string]any{"kind": "walk_tree"})
	if err != nil {
		t.Fatal(err)
	}
	env.finish(t, first.Job.ID, map[string]any{"ok": true}, true)
	if _, err := env.Engine.DB.Exec(`UPDATE jobs SET result_hash=NULL, result_hash_alg=NULL WHERE id=?`, first.Job.ID); err != nil {
		t.Fatal(err)
	}
	j, err := env.Engine.GetJob(env.Ctx, first.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := integrity.Hash(map[string]any{"ok": true})
	if j.ResultHash == nil || *j.ResultHash != want {
		t.Fatalf("hash should be migrated, got %v", j.ResultHash)
	}
	stored, err := env.Engine.Repo.GetJob(env.Ctx, nil, first.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ResultHash == nil || *stored.ResultHash != want {
		t.Fatalf("migrated hash not persisted")
	}
}

func TestBackpressure(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatcher.MaxQueueDepth = 2 })
	for i := 0; i < 2; i++ {
		if _, err := env.create(t, "", map[string]any{"kind": "walk_tree", "n": i}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := env.create(t, "", map[string]any{"kind": "walk_tree", "n": 3})
	var bp engine.BackpressureError
	if !errors.As(err, &bp) || bp.QueueDepth != 2 || bp.Max != 2 {
		t.Fatalf("expected backpressure, got %v", err)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: events.BackpressureQueueLimit})
	if err != nil || len(evts) != 1 {
		t.Fatalf("backpressure event: %v %v", evts, err)
	}

	// system-created jobs bypass the queue limit
	if _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		TaskID: env.Task.ID, Payload: map[string]any{"kind": "walk_tree"}, SkipBackpressure: true,
	}); err != nil {
		t.Fatalf("skip backpressure: %v", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []engine.JobCreateOptions{
		{Payload: map[string]any{}},
		{TaskID: env.Task.ID},
		{TaskID: env.Task.ID, Payload: map[string]any{}, Priority: "urgent"},
		{TaskID: "missing", Payload: map[string]any{}},
		{TaskID: env.Task.ID, Payload: map[string]any{}, DependsOn: []string{"missing"}},
	}
	for i, opts := range cases {
		if _, err := env.Engine.CreateJob(env.Ctx, opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestLeaseRenewRequeueAndDeliver(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.create(t, "", map[string]any{"kind": "walk_tree"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeliverResult(env.Ctx, res.Job.ID, map[string]any{"ok": true}); !errors.Is(err, engine.ErrJobNotActive) {
		t.Fatalf("pending job cannot take a result, got %v", err)
	}

	job, ok, err := env.Engine.LeaseNextJob(env.Ctx, "worker-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease: %v %v", ok, err)
	}
	if job.ID != res.Job.ID || job.Status != domain.JobWorking || job.LeaseOwner == nil || *job.LeaseOwner != "worker-1" {
		t.Fatalf("unexpected leased job %+v", job)
	}
	if _, ok, _ := env.Engine.LeaseNextJob(env.Ctx, "worker-2", time.Minute); ok {
		t.Fatalf("a leased job must not be leased twice")
	}
	if _, err := env.Engine.RenewLease(env.Ctx, job.ID, "worker-2", time.Minute); !errors.Is(err, repo.ErrLeaseLost) {
		t.Fatalf("foreign renewal should fail, got %v", err)
	}
	if until, err := env.Engine.RenewLease(env.Ctx, job.ID, "worker-1", 2*time.Minute); err != nil || until == "" {
		t.Fatalf("renew: %q %v", until, err)
	}
	if _, err := env.Engine.RequeueJob(env.Ctx, job.ID, "tester"); !errors.Is(err, engine.ErrJobActive) {
		t.Fatalf("executing job cannot be requeued, got %v", err)
	}

	if err := env.Engine.DeliverResult(env.Ctx, job.ID, map[string]any{"ok": true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(env.Files.ResultPath(job.ID)); err != nil {
		t.Fatalf("result not handed to the bridge: %v", err)
	}
}

func TestRequeueFailedJob(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.create(t, "", map[string]any{"kind": "walk_tree"})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.MarkJobFailed(env.Ctx, tx, res.Job.ID, map[string]any{"ok": false}, env.Engine.Now()); err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	j, err := env.Engine.RequeueJob(env.Ctx, res.Job.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != domain.JobPending || j.NextRetryAt != nil {
		t.Fatalf("requeued job should be pending with an open gate, got %+v", j)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{Type: events.JobRequeued, EntityID: j.ID})
	if err != nil || len(evts) != 1 {
		t.Fatalf("requeue event: %v %v", evts, err)
	}
}
