// Package bridge hands claimed jobs to an external execution zone and
// collects their results. Jobs leave as a job envelope; results come
// back either as a result_envelope_v1 document or a legacy {ok,...} map.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

const (
	JobSchemaVersion    = "job_envelope_v1"
	ResultSchemaVersion = "result_envelope_v1"
)

// Bridge is implemented by every execution transport.
type Bridge interface {
	// Enqueue publishes env. Publishing the same job and claim twice must
	// not produce two executions.
	Enqueue(ctx context.Context, env Envelope) error
	// TrySyncResult returns the job's result if one has arrived.
	TrySyncResult(ctx context.Context, jobID string) (Outcome, bool, error)
	// Deliver stores a result as if the execution zone had produced it.
	Deliver(ctx context.Context, jobID string, result map[string]any) error
}

// StructuralError means the job can never be enqueued as it stands.
type StructuralError struct {
	JobID  string
	Reason string
}

func (e StructuralError) Error() string {
	return fmt.Sprintf("job %s cannot be enqueued: %s", e.JobID, e.Reason)
}

// TransientError wraps a failure that may succeed on a later pass.
type TransientError struct {
	JobID string
	Err   error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// IsStructural reports whether err is permanent for the job.
func IsStructural(err error) bool {
	var se StructuralError
	return errors.As(err, &se)
}

type TaskRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type MissionRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Envelope is the document an execution zone receives for one job.
type Envelope struct {
	SchemaVersion string         `json:"schema_version"`
	JobID         string         `json:"job_id"`
	ClaimID       string         `json:"claim_id"`
	Kind          string         `json:"kind"`
	Params        map[string]any `json:"params"`
	Priority      string         `json:"priority"`
	SessionID     string         `json:"session_id"`
	Task          TaskRef        `json:"task"`
	Mission       MissionRef     `json:"mission"`
	ChainID       string         `json:"chain_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// NewEnvelope builds the envelope for a claimed job. A job without a kind
// inherits its task's kind; a missing task or mission is structural.
func NewEnvelope(job domain.Job, claimID string, task *domain.Task, mission *domain.Mission) (Envelope, error) {
	if task == nil {
		return Envelope{}, StructuralError{JobID: job.ID, Reason: "task not found"}
	}
	if mission == nil {
		return Envelope{}, StructuralError{JobID: job.ID, Reason: "mission not found"}
	}
	kind := job.Kind()
	if kind == "" {
		kind = task.Kind
	}
	if kind == "" {
		return Envelope{}, StructuralError{JobID: job.ID, Reason: "job has no kind"}
	}
	params := map[string]any{}
	for k, v := range job.Params() {
		params[k] = v
	}
	if _, ok := params["prompt"]; !ok && job.Payload != nil {
		if p, ok := job.Payload["prompt"]; ok {
			params["prompt"] = p
		} else if p, ok := job.Payload["user_prompt"]; ok {
			params["prompt"] = p
		}
	}
	chainID, _ := task.Params["chain_id"].(string)
	return Envelope{
		SchemaVersion: JobSchemaVersion,
		JobID:         job.ID,
		ClaimID:       claimID,
		Kind:          kind,
		Params:        params,
		Priority:      job.Priority,
		SessionID:     "missionline_" + mission.ID,
		Task:          TaskRef{ID: task.ID, Name: task.Name, Kind: task.Kind},
		Mission:       MissionRef{ID: mission.ID, Title: mission.Title},
		ChainID:       chainID,
		CreatedAt:     job.CreatedAt,
	}, nil
}

// Outcome is a result collected from the execution zone.
type Outcome struct {
	Status string
	Result map[string]any
}

func (o Outcome) Completed() bool { return o.Status == domain.JobCompleted }

// DecodeResult maps a raw result document onto an Outcome. Undecodable
// input yields a failed outcome rather than an error.
func DecodeResult(data []byte) Outcome {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return Outcome{Status: domain.JobFailed, Result: map[string]any{"ok": false, "error": "invalid_json"}}
	}
	return FromDocument(doc)
}

// FromDocument classifies an already decoded result document.
func FromDocument(doc map[string]any) Outcome {
	if doc["schema_version"] == ResultSchemaVersion {
		ok := okFlag(doc)
		status, _ := doc["status"].(string)
		if status == "" {
			status = domain.JobCompleted
			if !ok {
				status = domain.JobFailed
			}
		}
		result := doc
		if inner, isMap := doc["result"].(map[string]any); isMap {
			if data, isMap := inner["data"].(map[string]any); isMap {
				result = data
			}
		}
		switch strings.ToLower(status) {
		case "completed", "ok", "success":
			if ok {
				return Outcome{Status: domain.JobCompleted, Result: result}
			}
		}
		return Outcome{Status: domain.JobFailed, Result: result}
	}
	if !okFlag(doc) {
		return Outcome{Status: domain.JobFailed, Result: doc}
	}
	if s, _ := doc["status"].(string); s == domain.JobFailed {
		return Outcome{Status: domain.JobFailed, Result: doc}
	}
	return Outcome{Status: domain.JobCompleted, Result: doc}
}

// okFlag treats a missing "ok" as true.
func okFlag(doc map[string]any) bool {
	v, present := doc["ok"]
	if !present {
		return true
	}
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func validJobID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
