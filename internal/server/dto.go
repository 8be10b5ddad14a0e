package server

import (
	"encoding/json"

	"missionline/internal/domain"
)

type CreateMissionRequest struct {
	ID          *string        `json:"id,omitempty"`
	Title       string         `json:"title" example:"Index the payments repo"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty" enum:"planned,active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

type UpdateMissionRequest struct {
	Status string `json:"status" enum:"planned,active"`
}

type CreateTaskRequest struct {
	ID        *string        `json:"id,omitempty"`
	MissionID string         `json:"mission_id"`
	Name      string         `json:"name" example:"scan"`
	Kind      string         `json:"kind" example:"walk_tree"`
	Params    map[string]any `json:"params,omitempty"`
}

type CreateJobRequest struct {
	TaskID         string         `json:"task_id"`
	Payload        map[string]any `json:"payload"`
	Priority       string         `json:"priority,omitempty" enum:"critical,high,normal"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type LeaseRequest struct {
	Owner        string `json:"owner" example:"worker-1"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

type SubmitResultRequest struct {
	Result map[string]any `json:"result"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type JobResponse struct {
	domain.Job
	// CachedResult is set when an existing completed job answered the
	// request.
	CachedResult map[string]any `json:"cached_result,omitempty"`
	Existing     bool           `json:"existing,omitempty"`
}

type LeaseResponse struct {
	Leased bool        `json:"leased"`
	Job    *domain.Job `json:"job,omitempty"`
	Until  string      `json:"lease_until_utc,omitempty" format:"date-time"`
}

type MissionStatusResponse struct {
	Mission domain.Mission `json:"mission"`
	Jobs    map[string]int `json:"jobs"`
	Chains  map[string]int `json:"chains"`
}

type ChainResponse struct {
	domain.ChainContext
	Specs []domain.ChainSpec `json:"specs,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned when the key is created.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type paginatedMissions struct {
	Items []domain.Mission `json:"items"`
}

type paginatedTasks struct {
	Items []domain.Task `json:"items"`
}

type paginatedJobs struct {
	Items []domain.Job `json:"items"`
}

type paginatedChains struct {
	Items []domain.ChainContext `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(e.PayloadJSON), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
