package missionlinesdk_test

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/server"
	missionlinesdk "missionline/sdk/go"
)

func newClient(t *testing.T, tweak func(*config.Config)) *missionlinesdk.Client {
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
	files, err := bridge.NewFile(filepath.Join(dir, "out"), filepath.Join(dir, "in"))
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Bridge = files
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{TrustActorHeader: true, Logger: log.New(io.Discard, "", 0)},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := missionlinesdk.New(srv.URL)
	c.ActorID = "sdk-test"
	return c
}

func TestClientJobLifecycle(t *testing.T) {
	c := newClient(t, nil)
	ctx := context.Background()

	m, err := c.CreateMission(ctx, "Index repo", "active")
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := c.CreateTask(ctx, m.ID, "scan", "walk_tree", map[string]any{"chain_id": "c-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	req := missionlinesdk.CreateJobRequest{
		TaskID:         task.ID,
		Payload:        map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "."}},
		Priority:       "high",
		IdempotencyKey: "walk-1",
	}
	created, err := c.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if created.Existing || created.Priority != "high" {
		t.Fatalf("unexpected job: %+v", created)
	}
	again, err := c.CreateJob(ctx, req)
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if !again.Existing || again.ID != created.ID {
		t.Fatalf("expected the existing job back, got %+v", again)
	}

	req.Payload = map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "src"}}
	_, err = c.CreateJob(ctx, req)
	var conflict *missionlinesdk.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ExistingJobID != created.ID || conflict.IdempotencyKey != "walk-1" {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	lease, err := c.LeaseJob(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !lease.Leased || lease.Job.ID != created.ID {
		t.Fatalf("unexpected lease: %+v", lease)
	}
	if _, err := c.RenewLease(ctx, created.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := c.SubmitResult(ctx, created.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("submit result: %v", err)
	}

	jobs, err := c.ListJobs(ctx, task.ID, "working")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one working job, got %d", len(jobs))
	}
	status, err := c.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if status.Jobs["working"] != 1 {
		t.Fatalf("unexpected counts: %v", status.Jobs)
	}

	page, err := c.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a first page with cursor, got %+v", page)
	}
}

func TestClientBackpressureAndErrors(t *testing.T) {
	c := newClient(t, func(cfg *config.Config) { cfg.Dispatcher.MaxQueueDepth = 1 })
	ctx := context.Background()
	m, err := c.CreateMission(ctx, "Small queue", "")
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := c.CreateTask(ctx, m.ID, "scan", "walk_tree", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	payload := map[string]any{"kind": "walk_tree"}
	if _, err := c.CreateJob(ctx, missionlinesdk.CreateJobRequest{TaskID: task.ID, Payload: payload}); err != nil {
		t.Fatalf("first job: %v", err)
	}
	_, err = c.CreateJob(ctx, missionlinesdk.CreateJobRequest{TaskID: task.ID, Payload: payload})
	if !missionlinesdk.IsBackpressure(err) {
		t.Fatalf("expected backpressure, got %v", err)
	}

	_, err = c.GetJob(ctx, "missing")
	var apiErr *missionlinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}
