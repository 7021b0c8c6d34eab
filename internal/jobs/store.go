package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	jobsBucket    = []byte("jobs")
	jobKeysBucket = []byte("job_keys")
)

const defaultMaxAttempts = 3

// Store persists jobs in a bbolt database, usually the one the bookmark
// store already has open.
type Store struct {
	db         *bolt.DB
	now        func() time.Time
	id         func() string
	maxAttempt int
}

// StoreOption allows customizing the behaviour of the store.
type StoreOption func(*Store)

// WithClock overrides the internal clock, used mainly for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithIDGenerator overrides the ID generator used when enqueuing jobs.
func WithIDGenerator(generator func() string) StoreOption {
	return func(s *Store) {
		if generator != nil {
			s.id = generator
		}
	}
}

// WithDefaultMaxAttempts sets the attempts applied when a spec leaves them unset.
func WithDefaultMaxAttempts(limit int) StoreOption {
	return func(s *Store) {
		if limit > 0 {
			s.maxAttempt = limit
		}
	}
}

// NewStore creates the job buckets in db if needed. A read-only db must
// already have them.
func NewStore(db *bolt.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{
		db:         db,
		now:        time.Now,
		id:         uuid.NewString,
		maxAttempt: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}

	if db.IsReadOnly() {
		err := db.View(func(tx *bolt.Tx) error {
			if tx.Bucket(jobsBucket) == nil || tx.Bucket(jobKeysBucket) == nil {
				return errors.New("job buckets missing")
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("opening read-only job store: %w", err)
		}
		return s, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{jobsBucket, jobKeysBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating job buckets: %w", err)
	}
	return s, nil
}

// Now is the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Enqueue stores a pending job. A pending job with the same key is replaced.
func (s *Store) Enqueue(_ context.Context, spec JobSpec) (*Job, error) {
	var job *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		job, err = s.EnqueueTx(tx, spec)
		return err
	})
	return job, err
}

// EnqueueTx is Enqueue inside a caller's write transaction, so the job
// commits or rolls back together with the caller's own writes. tx must
// belong to the database the store was opened on.
func (s *Store) EnqueueTx(tx *bolt.Tx, spec JobSpec) (*Job, error) {
	if spec.Type == "" {
		return nil, errors.New("jobs: type is required")
	}
	now := s.now()
	if spec.RunAt.IsZero() {
		spec.RunAt = now
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.maxAttempt
	}

	job := &Job{
		JobSpec:   spec,
		ID:        s.id(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := putPending(tx, job); err != nil {
		return nil, fmt.Errorf("enqueuing %s job: %w", spec.Type, err)
	}
	return job, nil
}

func putPending(tx *bolt.Tx, job *Job) error {
	jobs := tx.Bucket(jobsBucket)
	keys := tx.Bucket(jobKeysBucket)
	if jobs == nil || keys == nil {
		return errors.New("job buckets missing")
	}
	if job.Key != "" {
		if prevID := keys.Get([]byte(job.Key)); prevID != nil {
			prev, err := getJob(jobs, string(prevID))
			if err == nil && prev.Status == StatusPending {
				if err := jobs.Delete(prevID); err != nil {
					return err
				}
			}
		}
		if err := keys.Put([]byte(job.Key), []byte(job.ID)); err != nil {
			return err
		}
	}
	return putJob(jobs, job)
}

// Get loads a job by ID.
func (s *Store) Get(_ context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx.Bucket(jobsBucket), id)
		return err
	})
	return job, err
}

// ListDue returns pending jobs scheduled to run at or before until, oldest first.
func (s *Store) ListDue(_ context.Context, until time.Time, limit int) ([]*Job, error) {
	var due []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == StatusPending && !job.RunAt.After(until) {
				due = append(due, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim moves a pending job to running. It returns false when another
// worker got there first or the job was replaced by a keyed enqueue.
func (s *Store) Claim(_ context.Context, id string) (*Job, bool, error) {
	var claimed *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		job, err := getJob(jobs, id)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status != StatusPending {
			return nil
		}
		job.Status = StatusRunning
		job.Attempt++
		job.UpdatedAt = s.now()
		claimed = job
		return putJob(jobs, job)
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, claimed != nil, nil
}

// MarkDone marks the job as successfully processed.
func (s *Store) MarkDone(_ context.Context, id string) error {
	return s.update(id, func(job *Job) {
		job.Status = StatusCompleted
		job.LastError = ""
	})
}

// MarkRetry reschedules the job after delay, or fails it for good once
// its attempts are used up. It reports whether the job will run again.
func (s *Store) MarkRetry(_ context.Context, id string, failure error, delay time.Duration) (bool, error) {
	var again bool
	err := s.update(id, func(job *Job) {
		job.LastError = errorString(failure)
		if job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts {
			job.Status = StatusFailed
			job.LastError = fmt.Sprintf("giving up after %d attempts: %s", job.Attempt, job.LastError)
			return
		}
		job.Status = StatusPending
		job.RunAt = s.now().Add(delay)
		again = true
	})
	return again, err
}

// MarkFailed fails the job without further attempts.
func (s *Store) MarkFailed(_ context.Context, id string, failure error) error {
	return s.update(id, func(job *Job) {
		job.Status = StatusFailed
		job.LastError = errorString(failure)
	})
}

// ResetRunning returns jobs left running by a killed worker to pending.
// Their interrupted attempt is not counted.
func (s *Store) ResetRunning(_ context.Context) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		var stuck []*Job
		if err := jobs.ForEach(func(_, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == StatusRunning {
				stuck = append(stuck, &job)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, job := range stuck {
			job.Status = StatusPending
			if job.Attempt > 0 {
				job.Attempt--
			}
			job.UpdatedAt = s.now()
			if err := putJob(jobs, job); err != nil {
				return err
			}
		}
		n = len(stuck)
		return nil
	})
	return n, err
}

// Prune deletes completed jobs last touched before cutoff.
func (s *Store) Prune(_ context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		keys := tx.Bucket(jobKeysBucket)
		var old []*Job
		if err := jobs.ForEach(func(_, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == StatusCompleted && job.UpdatedAt.Before(cutoff) {
				old = append(old, &job)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, job := range old {
			if err := jobs.Delete([]byte(job.ID)); err != nil {
				return err
			}
			if job.Key != "" && string(keys.Get([]byte(job.Key))) == job.ID {
				if err := keys.Delete([]byte(job.Key)); err != nil {
					return err
				}
			}
		}
		n = len(old)
		return nil
	})
	return n, err
}

// Stats counts jobs per status.
func (s *Store) Stats(_ context.Context) (map[JobStatus]int, error) {
	stats := map[JobStatus]int{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var job struct {
				Status JobStatus `json:"status"`
			}
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			stats[job.Status]++
			return nil
		})
	})
	return stats, err
}

// Recent returns the most recently updated jobs first.
func (s *Store) Recent(_ context.Context, limit int) ([]*Job, error) {
	var all []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			all = append(all, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) update(id string, fn func(*Job)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		job, err := getJob(jobs, id)
		if err != nil {
			return err
		}
		fn(job)
		job.UpdatedAt = s.now()
		return putJob(jobs, job)
	})
}

func getJob(b *bolt.Bucket, id string) (*Job, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func putJob(b *bolt.Bucket, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(job.ID), data)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
