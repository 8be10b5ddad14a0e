package app_test

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"missionline/internal/app"
	"missionline/internal/bridge"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/server"
)

func openApp(t *testing.T, yml string) *app.App {
	t.Helper()
	dir := t.TempDir()
	if yml != "" {
		if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { a.Close(ctx) })
	return a
}

func seedJob(t *testing.T, a *app.App) domain.Job {
	t.Helper()
	ctx := context.Background()
	m, err := a.Engine.CreateMission(ctx, engine.MissionCreateOptions{Title: "Index"})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{MissionID: m.ID, Name: "scan", Kind: "walk_tree"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	res, err := a.Engine.CreateJob(ctx, engine.JobCreateOptions{TaskID: task.ID, Payload: map[string]any{"kind": "walk_tree"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return res.Job
}

func TestTickRunsJobThroughFileRelay(t *testing.T) {
	a := openApp(t, "")
	ctx := context.Background()
	job := seedJob(t, a)

	st, err := a.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if st.Dispatch.Dispatched != 1 {
		t.Fatalf("expected one dispatch, got %+v", st.Dispatch)
	}
	if _, err := os.Stat(filepath.Join(a.Workspace, "relay", "out", job.ID+".job.json")); err != nil {
		t.Fatalf("envelope not written under the workspace: %v", err)
	}

	if err := a.Engine.DeliverResult(ctx, job.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st, err = a.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if st.Dispatch.Completed != 1 {
		t.Fatalf("expected completion, got %+v", st.Dispatch)
	}
	got, err := a.Engine.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	a := openApp(t, "")
	seedJob(t, a)
	if _, err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h, err := a.Handler(server.AuthConfig{TrustActorHeader: true})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "missionline_jobs_dispatched_total") {
		t.Fatalf("dispatch counter missing from:\n%s", rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	a := openApp(t, "metrics:\n  enabled: false\n")
	if a.Prometheus != nil {
		t.Fatalf("prometheus registry should not be built")
	}
	h, err := a.Handler(server.AuthConfig{TrustActorHeader: true})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rec.Code)
	}
}

func TestRedisBridgeFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	a := openApp(t, "bridge:\n  kind: redis\n  redis:\n    addr: "+mr.Addr()+"\n")
	rb, ok := a.Bridge.(*bridge.Redis)
	if !ok {
		t.Fatalf("expected redis bridge, got %T", a.Bridge)
	}
	if rb.MarkerTTL != a.Config.LeaseDuration() {
		t.Fatalf("marker ttl %v should follow the lease", rb.MarkerTTL)
	}
	job := seedJob(t, a)
	if _, err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	queued, err := mr.List("missionline:jobs")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queued) != 1 || queued[0] != job.ID {
		t.Fatalf("unexpected queue %v", queued)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("bridge:\n  kind: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := app.Open(context.Background(), app.Options{Workspace: dir, Logger: log.New(io.Discard, "", 0)})
	if err == nil || !strings.Contains(err.Error(), "bridge.kind") {
		t.Fatalf("expected bridge.kind error, got %v", err)
	}
}
