package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound reports missing jobs when looking them up by ID.
var ErrJobNotFound = errors.New("jobs: job not found")

// JobStatus describes the lifecycle of a queued job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// JobSpec captures the required information to enqueue a job.
type JobSpec struct {
	// Key deduplicates pending jobs: enqueuing a key that is still pending
	// replaces the older job.
	Key  string `json:"key,omitempty"`
	Type string `json:"type"`
	// RunAt is the earliest time the job may execute.
	RunAt   time.Time       `json:"run_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// MaxAttempts bounds executions when the handler asks for a retry.
	MaxAttempts int `json:"max_attempts"`
}

// Job is a stored job entry.
type Job struct {
	JobSpec
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s (%s): empty payload", j.ID, j.Type)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s (%s): decoding payload: %w", j.ID, j.Type, err)
	}
	return nil
}

// Retries reports how many times the job was rescheduled.
func (j *Job) Retries() int {
	if j.Attempt <= 1 {
		return 0
	}
	return j.Attempt - 1
}

// EnqueueOption tweaks a JobSpec before it is stored.
type EnqueueOption func(*JobSpec)

// WithKey sets the deduplication key of the job.
func WithKey(key string) EnqueueOption {
	return func(s *JobSpec) {
		s.Key = key
	}
}

// WithDelay postpones the first run by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(s *JobSpec) {
		if d > 0 {
			s.RunAt = s.RunAt.Add(d)
		}
	}
}

// WithMaxAttempts overrides the store's default attempt limit.
func WithMaxAttempts(n int) EnqueueOption {
	return func(s *JobSpec) {
		if n > 0 {
			s.MaxAttempts = n
		}
	}
}

func newSpec(now time.Time, taskType string, payload any, opts []EnqueueOption) (JobSpec, error) {
	spec := JobSpec{Type: taskType, RunAt: now}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return spec, fmt.Errorf("encoding %s payload: %w", taskType, err)
		}
		spec.Payload = raw
	}
	for _, opt := range opts {
		opt(&spec)
	}
	return spec, nil
}
