package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/events"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func newService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Service{Repo: repo.Repo{DB: conn}, Now: func() time.Time { return fixed }}
}

func TestIssueAndAuthenticate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	key, plain, err := s.Issue(ctx, "ci-bot", "pipeline")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plain, KeyPrefix) {
		t.Fatalf("plaintext key %q lacks prefix", plain)
	}
	if key.KeyHash == plain || key.KeyHash != repo.HashAPIKey(plain) {
		t.Fatalf("stored hash does not match plaintext")
	}

	got, err := s.Authenticate(ctx, plain)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != key.ID || got.ActorID != "ci-bot" {
		t.Fatalf("unexpected key %+v", got)
	}
	if _, err := s.Authenticate(ctx, plain+"x"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "  "); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for blank key, got %v", err)
	}

	evts, err := s.Repo.ListEvents(ctx, repo.EventFilters{Type: events.APIKeyCreated})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].EntityID != key.ID || strings.Contains(evts[0].PayloadJSON, plain) {
		t.Fatalf("unexpected audit events %+v", evts)
	}
}

func TestIssueRequiresActor(t *testing.T) {
	s := newService(t)
	if _, _, err := s.Issue(context.Background(), " ", "x"); err == nil {
		t.Fatalf("expected error for blank actor")
	}
}

func TestListAndRevoke(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	first, plain, err := s.Issue(ctx, "alice", "laptop")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := s.Issue(ctx, "bob", "ci"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	all, err := s.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v %d", err, len(all))
	}
	mine, err := s.List(ctx, "alice")
	if err != nil || len(mine) != 1 || mine[0].ID != first.ID {
		t.Fatalf("list alice: %v %+v", err, mine)
	}

	if err := s.Revoke(ctx, first.ID, "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Authenticate(ctx, plain); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("revoked key still authenticates: %v", err)
	}
	if err := s.Revoke(ctx, first.ID, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
}
