package integrity

import (
	"fmt"
	"strings"
)

// IntegrityError reports a result that failed hash verification or could
// not be hashed at all.
type IntegrityError struct {
	Code         string
	JobID        string
	ExpectedHash string
	ActualHash   string
}

func (e IntegrityError) Error() string {
	if e.ExpectedHash == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: expected %s got %s", e.Code, ShortPrefix(e.ExpectedHash), ShortPrefix(e.ActualHash))
}

const IntegrityFailCode = "RESULT_INTEGRITY_FAIL"

// Status is the outcome of a successful VerifyOrMigrate.
type Status struct {
	Migrated     bool
	ExpectedHash string
	ActualHash   string
	Alg          string
}

// PersistFunc stores a freshly computed hash for a legacy row.
type PersistFunc func(hash, alg string) error

// VerifyOrMigrate checks result against expected. An empty expected hash
// is soft-migrated: the hash is computed, handed to persist (errors are
// ignored so reads are never blocked), and the result is accepted.
func VerifyOrMigrate(result map[string]any, expected, alg string, persist PersistFunc) (Status, error) {
	if alg == "" {
		alg = Algorithm
	}
	if !strings.EqualFold(alg, Algorithm) {
		return Status{}, IntegrityError{Code: "UNSUPPORTED_HASH_ALG: " + alg}
	}
	if result == nil {
		return Status{}, IntegrityError{Code: "RESULT_NOT_OBJECT"}
	}
	actual, err := Hash(result)
	if err != nil {
		return Status{}, IntegrityError{Code: "RESULT_UNHASHABLE"}
	}
	expected = strings.TrimPrefix(expected, Algorithm+":")
	if expected == "" {
		if persist != nil {
			_ = persist(actual, Algorithm)
		}
		return Status{Migrated: true, ActualHash: actual, Alg: Algorithm}, nil
	}
	if expected != actual {
		return Status{}, IntegrityError{Code: IntegrityFailCode, ExpectedHash: expected, ActualHash: actual}
	}
	return Status{ExpectedHash: expected, ActualHash: actual, Alg: Algorithm}, nil
}
