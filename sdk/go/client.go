package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a small missionline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers
	// only honor it in trusted local mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Mission struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// MissionStatus is a mission with job counts by status and chain counts
// by state.
type MissionStatus struct {
	Mission Mission        `json:"mission"`
	Jobs    map[string]int `json:"jobs"`
	Chains  map[string]int `json:"chains"`
}

type Task struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type Job struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	RetryCount      int            `json:"retry_count"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	IdempotencyHash string         `json:"idempotency_hash,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	CompletedResult map[string]any `json:"completed_result,omitempty"`
	ResultHash      string         `json:"result_hash,omitempty"`
	LeaseOwner      string         `json:"lease_owner,omitempty"`
	LeaseUntil      string         `json:"lease_until_utc,omitempty"`
	NextRetryAt     string         `json:"next_retry_utc,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// CreateJobRequest mirrors POST /jobs.
type CreateJobRequest struct {
	TaskID         string         `json:"task_id"`
	Payload        map[string]any `json:"payload"`
	Priority       string         `json:"priority,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CreatedJob is the answer to CreateJob. Existing is true when an earlier
// job with the same idempotency key and payload was returned.
type CreatedJob struct {
	Job
	Existing     bool           `json:"existing,omitempty"`
	CachedResult map[string]any `json:"cached_result,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Lease struct {
	Leased bool   `json:"leased"`
	Job    *Job   `json:"job,omitempty"`
	Until  string `json:"lease_until_utc,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ConflictError is returned when an idempotency key was already used with
// a different payload.
type ConflictError struct {
	IdempotencyKey     string
	ExistingJobID      string
	ExistingHashPrefix string
	NewHashPrefix      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by job %s", e.IdempotencyKey, e.ExistingJobID)
}

// IsBackpressure reports whether err is a 429 from a full queue.
func IsBackpressure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// CreateMission creates a mission. status may be empty for planned.
func (c *Client) CreateMission(ctx context.Context, title, status string) (Mission, error) {
	body := map[string]any{"title": title}
	if status != "" {
		body["status"] = status
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (MissionStatus, error) {
	var resp MissionStatus
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListMissions(ctx context.Context) ([]Mission, error) {
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "missions", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateTask(ctx context.Context, missionID, name, kind string, params map[string]any) (Task, error) {
	body := map[string]any{
		"mission_id": missionID,
		"name":       name,
		"kind":       kind,
	}
	if params != nil {
		body["params"] = params
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// CreateJob submits a job. Idempotency collisions come back as
// *ConflictError.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (CreatedJob, error) {
	var resp CreatedJob
	err := c.do(ctx, http.MethodPost, "jobs", req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "idempotency_conflict" {
		str := func(k string) string {
			s, _ := apiErr.Details[k].(string)
			return s
		}
		return CreatedJob{}, &ConflictError{
			IdempotencyKey:     str("idempotency_key"),
			ExistingJobID:      str("existing_job_id"),
			ExistingHashPrefix: str("existing_hash_prefix"),
			NewHashPrefix:      str("new_hash_prefix"),
		}
	}
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListJobs lists jobs of a task, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, taskID, status string) ([]Job, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitResult hands a worker's result to the server. It is applied on
// the next dispatcher pass.
func (c *Client) SubmitResult(ctx context.Context, jobID string, result map[string]any) error {
	return c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/result", map[string]any{"result": result}, nil)
}

// LeaseJob asks for the next ready job. Lease.Leased is false when the
// queue has nothing ready.
func (c *Client) LeaseJob(ctx context.Context, owner string, lease time.Duration) (Lease, error) {
	var resp Lease
	err := c.do(ctx, http.MethodPost, "jobs/lease", map[string]any{"owner": owner, "lease_seconds": int(lease.Seconds())}, &resp)
	return resp, err
}

func (c *Client) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) (string, error) {
	var resp Lease
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(jobID)+"/lease/renew", map[string]any{"owner": owner, "lease_seconds": int(lease.Seconds())}, &resp)
	return resp.Until, err
}

// EventsPage returns a page of audit events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
