package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
)

// Handler executes one job. Returning a RetryError reschedules the job;
// any other error fails it for good.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher accepts fire-and-forget tasks.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) error
}

// TxEnqueuer is a Dispatcher that can also enqueue inside a caller's
// bbolt write transaction.
type TxEnqueuer interface {
	Dispatcher
	EnqueueTx(tx *bolt.Tx, taskType string, payload any, opts ...EnqueueOption) error
}

// Registry maps task types to handlers.
type Registry interface {
	Register(taskType string, h Handler)
}

const completedRetention = 24 * time.Hour

// Queue is the persistent dispatcher. Jobs are stored first and executed
// by Process or Run, possibly in another process.
type Queue struct {
	store        *Store
	workers      int
	batchSize    int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewQueue builds a queue over store. Workers bounds how many jobs one
// Process call runs at once.
func NewQueue(store *Store, cfg config.JobsConfig) *Queue {
	q := &Queue{
		store:        store,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		handlers:     make(map[string]Handler),
	}
	if q.workers <= 0 {
		q.workers = 1
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 2 * time.Second
	}
	q.batchSize = q.workers * 8
	return q
}

// Store returns the backing job store.
func (q *Queue) Store() *Store {
	return q.store
}

// Register binds h to taskType, replacing any earlier handler.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = h
}

func (q *Queue) handler(taskType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[taskType]
	return h, ok
}

// Enqueue stores a job for a later Process call.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) error {
	spec, err := newSpec(q.store.Now(), taskType, payload, opts)
	if err != nil {
		return err
	}
	job, err := q.store.Enqueue(ctx, spec)
	if err != nil {
		return err
	}
	debuglog.WithFields(map[string]any{"job_id": job.ID, "type": job.Type, "run_at": job.RunAt}).Debugf("enqueued job")
	return nil
}

// EnqueueTx schedules a job inside tx, a write transaction on the database
// the queue's store uses. The job exists only if tx commits.
func (q *Queue) EnqueueTx(tx *bolt.Tx, taskType string, payload any, opts ...EnqueueOption) error {
	spec, err := newSpec(q.store.Now(), taskType, payload, opts)
	if err != nil {
		return err
	}
	job, err := q.store.EnqueueTx(tx, spec)
	if err != nil {
		return err
	}
	debuglog.WithFields(map[string]any{"job_id": job.ID, "type": job.Type, "run_at": job.RunAt}).Debugf("enqueued job in transaction")
	return nil
}

// Process runs every job that is due now and returns how many ran. It
// returns only after every started job has finished.
func (q *Queue) Process(ctx context.Context) (int, error) {
	due, err := q.store.ListDue(ctx, q.store.Now(), q.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)

	var (
		ran      int
		claimErr error
	)
	for _, candidate := range due {
		job, ok, err := q.store.Claim(ctx, candidate.ID)
		if err != nil {
			claimErr = fmt.Errorf("claiming job %s: %w", candidate.ID, err)
			break
		}
		if !ok {
			continue
		}
		ran++
		g.Go(func() error {
			q.execute(gctx, job)
			return nil
		})
	}
	return ran, errors.Join(g.Wait(), claimErr)
}

// Run processes jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.Recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		if _, err := q.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
			debuglog.Errorf("processing jobs: %v", err)
		}

		if now := q.store.Now(); now.Sub(lastPrune) > time.Hour {
			q.PruneCompleted(ctx)
			lastPrune = now
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover returns jobs left running by a killed worker to pending.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.store.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("resetting interrupted jobs: %w", err)
	}
	if n > 0 {
		debuglog.Warnf("requeued %d interrupted jobs", n)
	}
	return nil
}

// PruneCompleted drops completed jobs older than a day.
func (q *Queue) PruneCompleted(ctx context.Context) {
	n, err := q.store.Prune(ctx, q.store.Now().Add(-completedRetention))
	if err != nil {
		debuglog.Warnf("pruning completed jobs: %v", err)
	} else if n > 0 {
		debuglog.Debugf("pruned %d completed jobs", n)
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	log := debuglog.WithFields(map[string]any{"job_id": job.ID, "type": job.Type, "attempt": job.Attempt})

	h, ok := q.handler(job.Type)
	if !ok {
		err := fmt.Errorf("no handler registered for %q", job.Type)
		log.Errorf("job failed: %v", err)
		if markErr := q.store.MarkFailed(ctx, job.ID, err); markErr != nil {
			log.Errorf("marking job failed: %v", markErr)
		}
		return
	}

	err := runHandler(ctx, h, job)
	switch {
	case err == nil:
		if markErr := q.store.MarkDone(ctx, job.ID); markErr != nil {
			log.Errorf("marking job done: %v", markErr)
		}
		log.Debugf("job completed")
	default:
		if re, retry := IsRetry(err); retry {
			again, markErr := q.store.MarkRetry(ctx, job.ID, re.Err, re.After)
			if markErr != nil {
				log.Errorf("rescheduling job: %v", markErr)
				return
			}
			if again {
				log.Warnf("job will retry in %s: %v", re.After, re.Err)
			} else {
				log.Errorf("job failed after %d attempts: %v", job.Attempt, re.Err)
			}
			return
		}
		log.Errorf("job failed: %v", err)
		if markErr := q.store.MarkFailed(ctx, job.ID, err); markErr != nil {
			log.Errorf("marking job failed: %v", markErr)
		}
	}
}

// runHandler turns a handler panic into a fatal error so one bad job
// cannot take the worker pool down.
func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, job)
}

// Inline runs handlers synchronously inside Enqueue. Retries sleep in the
// caller's goroutine.
type Inline struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// InlineOption configures an Inline dispatcher.
type InlineOption func(*Inline)

// WithSleep replaces the retry sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) InlineOption {
	return func(in *Inline) {
		if sleep != nil {
			in.sleep = sleep
		}
	}
}

// NewInline returns a dispatcher that runs jobs inside Enqueue, retrying up
// to maxAttempts times.
func NewInline(maxAttempts int, opts ...InlineOption) *Inline {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	in := &Inline{
		handlers:    make(map[string]Handler),
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Register binds h to taskType.
func (in *Inline) Register(taskType string, h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[taskType] = h
}

// Enqueue runs the task and returns its final error.
func (in *Inline) Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) error {
	in.mu.RLock()
	h, ok := in.handlers[taskType]
	in.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for %q", taskType)
	}

	spec, err := newSpec(time.Now(), taskType, payload, opts)
	if err != nil {
		return err
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = in.maxAttempts
	}
	job := &Job{JobSpec: spec, ID: "inline", Status: StatusRunning}

	for {
		job.Attempt++
		err := runHandler(ctx, h, job)
		re, retry := IsRetry(err)
		if !retry {
			return err
		}
		if job.Attempt >= job.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", job.Attempt, re.Err)
		}
		if err := in.sleep(ctx, re.After); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ Dispatcher = (*Queue)(nil)
	_ Dispatcher = (*Inline)(nil)
	_ Registry   = (*Queue)(nil)
	_ TxEnqueuer = (*Queue)(nil)
	_ Registry   = (*Inline)(nil)
)
