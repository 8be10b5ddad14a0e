package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/dispatch"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/events"
	"missionline/internal/metrics"
	"missionline/internal/migrate"
	"missionline/internal/ratelimit"
	"missionline/internal/repo"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// flakyBridge fails Enqueue with err until err is cleared.
type flakyBridge struct {
	*bridge.File
	err error
}

func (b *flakyBridge) Enqueue(ctx context.Context, env bridge.Envelope) error {
	if b.err != nil {
		return b.err
	}
	return b.File.Enqueue(ctx, env)
}

type testEnv struct {
	ctx   context.Context
	db    *sql.DB
	repo  repo.Repo
	cfg   *config.Config
	clock *clock
	eng   engine.Engine
	files *bridge.File
	sink  *metrics.Memory
	disp  *dispatch.Dispatcher
	task  domain.Task
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
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
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := metrics.NewMemory()

	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Metrics = sink
	eng.Bridge = files

	env := &testEnv{
		ctx:   context.Background(),
		db:    conn,
		repo:  repo.Repo{DB: conn},
		cfg:   cfg,
		clock: clk,
		eng:   eng,
		files: files,
		sink:  sink,
		disp: &dispatch.Dispatcher{
			DB:      conn,
			Repo:    repo.Repo{DB: conn},
			Bridge:  files,
			Metrics: sink,
			Config:  cfg,
			Logger:  log.New(io.Discard, "", 0),
			Owner:   "dispatcher-test",
			Now:     clk.Now,
		},
	}
	env.task = env.newTask(t, "Index repository")
	return env
}

func (e *testEnv) newTask(t *testing.T, title string) domain.Task {
	t.Helper()
	m, err := e.eng.CreateMission(e.ctx, engine.MissionCreateOptions{Title: title})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := e.eng.CreateTask(e.ctx, engine.TaskCreateOptions{MissionID: m.ID, Name: "scan", Kind: "walk_tree"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (e *testEnv) job(t *testing.T, taskID, priority string, deps ...string) domain.Job {
	t.Helper()
	res, err := e.eng.CreateJob(e.ctx, engine.JobCreateOptions{
		TaskID:    taskID,
		Payload:   map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "."}},
		Priority:  priority,
		DependsOn: deps,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	// keep created_at strictly increasing so FIFO order is deterministic
	e.clock.Advance(time.Millisecond)
	return res.Job
}

func (e *testEnv) tick(t *testing.T) dispatch.Stats {
	t.Helper()
	st, err := e.disp.Tick(e.ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return st
}

func (e *testEnv) get(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := e.repo.GetJob(e.ctx, nil, id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func (e *testEnv) deliver(t *testing.T, id string, result map[string]any) {
	t.Helper()
	if err := e.files.Deliver(e.ctx, id, result); err != nil {
		t.Fatalf("deliver %s: %v", id, err)
	}
}

func (e *testEnv) countEvents(t *testing.T, typ, entityID string) int {
	t.Helper()
	evts, err := e.repo.ListEvents(e.ctx, repo.EventFilters{Type: typ, EntityID: entityID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(evts)
}

func TestPriorityOrderAndInflightSaturation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatcher.MaxInflight = 1 })
	normal := env.job(t, env.task.ID, domain.PriorityNormal)
	high := env.job(t, env.task.ID, domain.PriorityHigh)
	critical := env.job(t, env.task.ID, domain.PriorityCritical)

	st := env.tick(t)
	if st.Dispatched != 1 {
		t.Fatalf("expected one dispatch, got %+v", st)
	}
	if got := env.get(t, critical.ID).Status; got != domain.JobWorking {
		t.Fatalf("critical job should be working, got %s", got)
	}
	if _, err := os.Stat(env.files.JobPath(critical.ID)); err != nil {
		t.Fatalf("envelope not written: %v", err)
	}
	if env.get(t, high.ID).Status != domain.JobPending || env.get(t, normal.ID).Status != domain.JobPending {
		t.Fatalf("lower priorities must wait")
	}

	env.deliver(t, critical.ID, map[string]any{"ok": true})
	st = env.tick(t)
	if !st.Saturated || st.Dispatched != 0 || st.Completed != 1 {
		t.Fatalf("saturated pass should only sync, got %+v", st)
	}
	if env.countEvents(t, events.BackpressureInflight, "") == 0 {
		t.Fatalf("missing inflight backpressure event")
	}

	env.tick(t)
	if got := env.get(t, high.ID).Status; got != domain.JobWorking {
		t.Fatalf("high job should run next, got %s", got)
	}
	if got := env.get(t, normal.ID).Status; got != domain.JobPending {
		t.Fatalf("normal job should still wait, got %s", got)
	}
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t, nil)
	parent := env.job(t, env.task.ID, domain.PriorityNormal)
	child := env.job(t, env.task.ID, domain.PriorityCritical, parent.ID)

	env.tick(t)
	if env.get(t, parent.ID).Status != domain.JobWorking {
		t.Fatalf("parent should be dispatched")
	}
	if env.get(t, child.ID).Status != domain.JobPending {
		t.Fatalf("child must wait for its dependency")
	}

	env.deliver(t, parent.ID, map[string]any{"ok": true, "files": []any{"a.go"}})
	env.tick(t)
	p := env.get(t, parent.ID)
	if p.Status != domain.JobCompleted || p.Result["files"] == nil {
		t.Fatalf("parent should complete with its result, got %+v", p)
	}
	if env.get(t, child.ID).Status != domain.JobPending {
		t.Fatalf("child dispatch happens on the pass after completion")
	}

	env.tick(t)
	if env.get(t, child.ID).Status != domain.JobWorking {
		t.Fatalf("child should be dispatched once the parent completed")
	}
}

func TestRetryBackoffThenPermanentFailure(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Retry.MaxAttempts = 2
		c.Retry.BaseDelayMS = 1000
	})
	job := env.job(t, env.task.ID, domain.PriorityNormal)

	var delays []time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		env.tick(t)
		if env.get(t, job.ID).Status != domain.JobWorking {
			t.Fatalf("attempt %d: job not dispatched", attempt)
		}
		env.deliver(t, job.ID, map[string]any{"ok": false, "error": "boom"})
		st := env.tick(t)
		if st.Retried != 1 {
			t.Fatalf("attempt %d: expected retry, got %+v", attempt, st)
		}
		j := env.get(t, job.ID)
		if j.Status != domain.JobPending || j.RetryCount != attempt || j.NextRetryAt == nil {
			t.Fatalf("attempt %d: unexpected job %+v", attempt, j)
		}
		next, err := repo.ParseTime(*j.NextRetryAt)
		if err != nil {
			t.Fatal(err)
		}
		delay := next.Sub(env.clock.Now())
		delays = append(delays, delay)

		if st := env.tick(t); st.Dispatched != 0 {
			t.Fatalf("retry gate should hold the job, got %+v", st)
		}
		env.clock.Advance(delay)
	}
	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected doubling backoff, got %v", delays)
	}

	env.tick(t)
	env.deliver(t, job.ID, map[string]any{"ok": false, "error": "boom"})
	st := env.tick(t)
	if st.Exhausted != 1 {
		t.Fatalf("expected exhaustion, got %+v", st)
	}
	if got := env.get(t, job.ID).Status; got != domain.JobFailed {
		t.Fatalf("job should be failed, got %s", got)
	}
	if env.countEvents(t, events.JobRetryExhausted, job.ID) != 1 || env.countEvents(t, events.JobFailed, job.ID) != 1 {
		t.Fatalf("missing exhaustion events")
	}
	if env.sink.Counter(metrics.RetriesScheduled, nil) != 2 || env.sink.Counter(metrics.JobsFailed, nil) != 1 {
		t.Fatalf("unexpected metrics")
	}
}

func TestBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := dispatch.Backoff(base, attempt)
		if d <= prev {
			t.Fatalf("attempt %d: %v not greater than %v", attempt, d, prev)
		}
		prev = d
	}
	if dispatch.Backoff(base, 1) != base || dispatch.Backoff(base, 3) != 4*base {
		t.Fatalf("unexpected backoff values")
	}
}

func TestEnqueueErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	flaky := &flakyBridge{File: env.files}
	env.disp.Bridge = flaky

	job := env.job(t, env.task.ID, domain.PriorityNormal)
	flaky.err = bridge.TransientError{JobID: job.ID, Err: errors.New("disk full")}
	st := env.tick(t)
	if st.Released != 1 || st.Dispatched != 0 {
		t.Fatalf("transient error should release the claim, got %+v", st)
	}
	j := env.get(t, job.ID)
	if j.Status != domain.JobPending || j.ClaimID != nil || j.LeaseUntil != nil {
		t.Fatalf("released job should be claimable again, got %+v", j)
	}

	flaky.err = nil
	if st := env.tick(t); st.Dispatched != 1 {
		t.Fatalf("job should dispatch once the bridge recovers, got %+v", st)
	}

	broken := env.job(t, env.task.ID, domain.PriorityNormal)
	flaky.err = bridge.StructuralError{JobID: broken.ID, Reason: "missing kind"}
	st = env.tick(t)
	if st.Failed != 1 {
		t.Fatalf("structural error should fail the job, got %+v", st)
	}
	j = env.get(t, broken.ID)
	if j.Status != domain.JobFailed || j.Result["ok"] != false {
		t.Fatalf("unexpected failed job %+v", j)
	}
}

func TestRateLimitPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy     string
		dispatched int
	}{
		{config.RatePolicySkipSource, 2},
		{config.RatePolicyStopPass, 1},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) { c.Dispatcher.RateLimit.Policy = tc.policy })
			env.disp.Limiter = ratelimit.NewSlidingWindow(1, time.Minute)
			other := env.newTask(t, "Second mission")

			a1 := env.job(t, env.task.ID, domain.PriorityCritical)
			a2 := env.job(t, env.task.ID, domain.PriorityCritical)
			b1 := env.job(t, other.ID, domain.PriorityNormal)

			st := env.tick(t)
			if st.Dispatched != tc.dispatched || st.RateLimited != 1 {
				t.Fatalf("unexpected stats %+v", st)
			}
			if env.get(t, a1.ID).Status != domain.JobWorking || env.get(t, a2.ID).Status != domain.JobPending {
				t.Fatalf("only the first job of a source may pass")
			}
			want := domain.JobWorking
			if tc.policy == config.RatePolicyStopPass {
				want = domain.JobPending
			}
			if got := env.get(t, b1.ID).Status; got != want {
				t.Fatalf("other source job: want %s, got %s", want, got)
			}
			if env.sink.Counter(metrics.RateLimited, metrics.Labels{"source": env.task.MissionID}) != 1 {
				t.Fatalf("rate limit metric not recorded")
			}
		})
	}
}

func TestClaimHasSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.job(t, env.task.ID, domain.PriorityNormal)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.repo.ClaimJob(env.ctx, job.ID, "worker", uuid.NewString(), env.clock.Now(), time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestExpiredLeaseIsReapedAndRedispatched(t *testing.T) {
	env := newTestEnv(t, nil)
	job := env.job(t, env.task.ID, domain.PriorityNormal)
	env.tick(t)
	first := env.get(t, job.ID)
	if first.Status != domain.JobWorking || first.ClaimID == nil {
		t.Fatalf("job should be working under a claim, got %+v", first)
	}

	env.clock.Advance(env.cfg.LeaseDuration() + time.Second)
	st := env.tick(t)
	if st.Reaped != 1 || st.Dispatched != 1 {
		t.Fatalf("expected reap and redispatch, got %+v", st)
	}
	second := env.get(t, job.ID)
	if second.Status != domain.JobWorking || second.ClaimID == nil || *second.ClaimID == *first.ClaimID {
		t.Fatalf("redispatch should carry a new claim, got %+v", second)
	}
	if env.sink.Counter(metrics.LeasesReaped, nil) != 1 {
		t.Fatalf("reap metric not recorded")
	}
}

func TestPlannedMissionActivatesWithPendingWork(t *testing.T) {
	env := newTestEnv(t, nil)
	env.job(t, env.task.ID, domain.PriorityNormal)
	st := env.tick(t)
	if st.Activated != 1 {
		t.Fatalf("expected mission activation, got %+v", st)
	}
	m, err := env.repo.GetMission(env.ctx, nil, env.task.MissionID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MissionActive {
		t.Fatalf("mission should be active, got %s", m.Status)
	}
}

func TestIdempotentJobStoresResultHash(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.eng.CreateJob(env.ctx, engine.JobCreateOptions{
		TaskID:         env.task.ID,
		Payload:        map[string]any{"kind": "walk_tree"},
		IdempotencyKey: "scan-once",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.tick(t)
	env.deliver(t, res.Job.ID, map[string]any{"ok": true, "count": 3})
	env.tick(t)

	j := env.get(t, res.Job.ID)
	if j.ResultHash == nil || j.CompletedResult["count"] == nil {
		t.Fatalf("completed idempotent job should cache its result, got %+v", j)
	}

	again, err := env.eng.CreateJob(env.ctx, engine.JobCreateOptions{
		TaskID:         env.task.ID,
		Payload:        map[string]any{"kind": "walk_tree"},
		IdempotencyKey: "scan-once",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Existing || again.Job.ID != res.Job.ID || again.CachedResult["count"] == nil {
		t.Fatalf("expected cached result, got %+v", again)
	}
}
