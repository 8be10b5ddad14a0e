package integrity

// Decision is the outcome of the idempotency check run before a Job is
// created.
type Decision string

const (
	AllowNew       Decision = "ALLOW_NEW"
	ReturnExisting Decision = "RETURN_EXISTING"
	Reject         Decision = "REJECT"
)

// Existing is the view of a previously created Job that shares the
// submitted idempotency key.
type Existing struct {
	JobID           string
	IdempotencyHash string
	Status          string
	CompletedResult map[string]any
	ResultHash      string
}

// Verdict carries the decision plus whatever the caller needs to act on it.
type Verdict struct {
	Decision     Decision
	PayloadHash  string
	ExistingID   string
	CachedResult map[string]any
	Conflict     *ConflictDetail
}

// ConflictDetail describes a key reuse with a different payload. It never
// carries payload bodies.
type ConflictDetail struct {
	Error              string `json:"error"`
	IdempotencyKey     string `json:"idempotency_key"`
	ExistingJobID      string `json:"existing_job_id"`
	ExistingHashPrefix string `json:"existing_hash_prefix"`
	NewHashPrefix      string `json:"new_hash_prefix"`
}

const CollisionCode = "IDEMPOTENCY_KEY_COLLISION"

// Decide runs the idempotency decision for key and payload. existing is
// nil when no Job carries the key yet.
func Decide(key string, payload any, existing *Existing) (Verdict, error) {
	if key == "" {
		return Verdict{Decision: AllowNew}, nil
	}
	hash, err := Hash(payload)
	if err != nil {
		return Verdict{}, err
	}
	if existing == nil {
		return Verdict{Decision: AllowNew, PayloadHash: hash}, nil
	}
	if existing.IdempotencyHash == "" || existing.IdempotencyHash == hash {
		v := Verdict{Decision: ReturnExisting, PayloadHash: hash, ExistingID: existing.JobID}
		if existing.Status == "completed" {
			v.CachedResult = existing.CompletedResult
		}
		return v, nil
	}
	return Verdict{
		Decision:    Reject,
		PayloadHash: hash,
		ExistingID:  existing.JobID,
		Conflict: &ConflictDetail{
			Error:              CollisionCode,
			IdempotencyKey:     key,
			ExistingJobID:      existing.JobID,
			ExistingHashPrefix: ShortPrefix(existing.IdempotencyHash),
			NewHashPrefix:      ShortPrefix(hash),
		},
	}, nil
}
