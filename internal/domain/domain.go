package domain

// TimeLayout is the fixed-width UTC layout used for every persisted
// timestamp so that lexical comparison in SQL matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

const (
	MissionPlanned = "planned"
	MissionActive  = "active"
)

const (
	JobPending   = "pending"
	JobWorking   = "working"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
)

const (
	ChainRunning   = "running"
	ChainCompleted = "completed"
)

const (
	SpecPending    = "pending"
	SpecDispatched = "dispatched"
	SpecFailed     = "failed"
)

type Mission struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"planned,active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Job struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status" enum:"pending,working,running,completed,failed"`
	Priority        string         `json:"priority" enum:"critical,high,normal"`
	RetryCount      int            `json:"retry_count"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	IdempotencyKey  *string        `json:"idempotency_key,omitempty"`
	IdempotencyHash *string        `json:"idempotency_hash,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	CompletedResult map[string]any `json:"completed_result,omitempty"`
	ResultHash      *string        `json:"result_hash,omitempty"`
	ResultHashAlg   *string        `json:"result_hash_alg,omitempty"`
	LeaseOwner      *string        `json:"lease_owner,omitempty"`
	LeaseUntil      *string        `json:"lease_until_utc,omitempty" format:"date-time"`
	ClaimID         *string        `json:"claim_id,omitempty"`
	NextRetryAt     *string        `json:"next_retry_utc,omitempty" format:"date-time"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// Kind returns the payload kind, empty when missing.
func (j Job) Kind() string {
	if j.Payload == nil {
		return ""
	}
	k, _ := j.Payload["kind"].(string)
	return k
}

// Params returns the payload params map, never nil.
func (j Job) Params() map[string]any {
	if j.Payload != nil {
		if p, ok := j.Payload["params"].(map[string]any); ok {
			return p
		}
	}
	return map[string]any{}
}

// ChainHint returns the _chain_hint block of the payload, if any.
func (j Job) ChainHint() map[string]any {
	if j.Payload == nil {
		return nil
	}
	h, _ := j.Payload["_chain_hint"].(map[string]any)
	return h
}

type ChainLimits struct {
	MaxFiles        int `json:"max_files" yaml:"max_files"`
	MaxTotalBytes   int `json:"max_total_bytes" yaml:"max_total_bytes"`
	MaxBytesPerFile int `json:"max_bytes_per_file" yaml:"max_bytes_per_file"`
}

type Artifact struct {
	Value any            `json:"value"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type ChainContext struct {
	ChainID   string              `json:"chain_id"`
	TaskID    string              `json:"task_id"`
	RootJobID string              `json:"root_job_id,omitempty"`
	State     string              `json:"state" enum:"running,completed"`
	Limits    ChainLimits         `json:"limits"`
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`
	Error     map[string]any      `json:"error,omitempty"`
	NeedsTick bool                `json:"needs_tick"`
	CreatedAt string              `json:"created_at" format:"date-time"`
	UpdatedAt string              `json:"updated_at" format:"date-time"`
}

type ChainSpec struct {
	SpecID          string         `json:"spec_id"`
	ChainID         string         `json:"chain_id"`
	TaskID          string         `json:"task_id"`
	RootJobID       string         `json:"root_job_id"`
	ParentJobID     string         `json:"parent_job_id"`
	Kind            string         `json:"kind"`
	Params          map[string]any `json:"params"`
	Resolved        bool           `json:"resolved"`
	ResolvedParams  map[string]any `json:"resolved_params,omitempty"`
	Status          string         `json:"status" enum:"pending,dispatched,failed"`
	Error           string         `json:"error,omitempty"`
	DedupeKey       string         `json:"dedupe_key"`
	DispatchedJobID *string        `json:"dispatched_job_id,omitempty"`
	ClaimID         *string        `json:"claim_id,omitempty"`
	ClaimedUntil    *string        `json:"claimed_until,omitempty" format:"date-time"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PriorityRank orders priorities: critical=0, high=1, everything else 2.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// ValidPriority reports whether p is one of the accepted priorities.
func ValidPriority(p string) bool {
	return p == PriorityCritical || p == PriorityHigh || p == PriorityNormal
}
