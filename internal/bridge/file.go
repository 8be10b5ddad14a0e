package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is the directory relay: job envelopes are written to Outbox as
// <job_id>.job.json and results are picked up from Inbox as
// <job_id>.result.json.
type File struct {
	Outbox string
	Inbox  string
}

// NewFile creates both relay directories.
func NewFile(outbox, inbox string) (*File, error) {
	for _, dir := range []string{outbox, inbox} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create relay dir %s: %w", dir, err)
		}
	}
	return &File{Outbox: outbox, Inbox: inbox}, nil
}

func (f *File) JobPath(jobID string) string {
	return filepath.Join(f.Outbox, jobID+".job.json")
}

func (f *File) ResultPath(jobID string) string {
	return filepath.Join(f.Inbox, jobID+".result.json")
}

func (f *File) Enqueue(ctx context.Context, env Envelope) error {
	if !validJobID(env.JobID) {
		return StructuralError{JobID: env.JobID, Reason: "invalid job id"}
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return StructuralError{JobID: env.JobID, Reason: "envelope not encodable: " + err.Error()}
	}
	if err := writeAtomic(f.JobPath(env.JobID), data); err != nil {
		return TransientError{JobID: env.JobID, Err: err}
	}
	return nil
}

func (f *File) TrySyncResult(ctx context.Context, jobID string) (Outcome, bool, error) {
	if !validJobID(jobID) {
		return Outcome{}, false, StructuralError{JobID: jobID, Reason: "invalid job id"}
	}
	path := f.ResultPath(jobID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, TransientError{JobID: jobID, Err: err}
	}
	out := DecodeResult(data)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Outcome{}, false, TransientError{JobID: jobID, Err: err}
	}
	return out, true, nil
}

func (f *File) Deliver(ctx context.Context, jobID string, result map[string]any) error {
	if !validJobID(jobID) {
		return StructuralError{JobID: jobID, Reason: "invalid job id"}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return writeAtomic(f.ResultPath(jobID), data)
}

// writeAtomic replaces path with data through a rename so readers never
// see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
