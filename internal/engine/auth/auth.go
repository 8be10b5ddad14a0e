// Package auth issues and checks the API keys accepted by the HTTP server.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// KeyPrefix marks plaintext keys so they are recognizable in logs and
// config files.
const KeyPrefix = "ml_"

// ErrInvalidKey is returned for keys that do not match a stored hash.
var ErrInvalidKey = errors.New("invalid api key")

// Service provides API key helpers backed by SQL.
type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) events() events.Writer {
	w := s.Events
	if w.DB == nil {
		w.DB = s.Repo.DB
	}
	if w.Now == nil {
		w.Now = s.now
	}
	return w
}

// Issue creates a key for actorID. The plaintext key is returned once and
// only its hash is stored.
func (s Service) Issue(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := KeyPrefix + hex.EncodeToString(secret)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTime(s.now()),
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := s.events().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// Authenticate resolves a plaintext key to its stored record.
func (s Service) Authenticate(ctx context.Context, plain string) (domain.APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return domain.APIKey{}, ErrInvalidKey
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, ErrInvalidKey
	}
	return key, err
}

func (s Service) List(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, actorID)
}

// Revoke deletes a key. actorID is recorded on the audit event.
func (s Service) Revoke(ctx context.Context, id, actorID string) error {
	if err := s.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	return s.events().Append(ctx, nil, events.APIKeyRevoked, "api_key", id, actorID, nil)
}
