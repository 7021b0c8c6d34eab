package main

import (
	"context"
	"errors"
	"time"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/search"
	"github.com/pders01/marks/internal/storage"
)

// worker runs the job queue in passes. The database and index are opened
// for one pass and closed again, so other commands can write while the
// worker waits for the next tick.
type worker struct {
	cfg       *config.Config
	recovered bool
	lastPrune time.Time
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	w := &worker{cfg: cfg}
	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
		if err := w.pass(ctx); err != nil {
			return err
		}
		// the stores stay closed for a full interval after every pass
		idle.Reset(cfg.Jobs.PollInterval)
	}
}

// pass processes one batch of due jobs. A pass that finds the stores
// locked by another command is skipped.
func (w *worker) pass(ctx context.Context) error {
	a, err := openStores(w.cfg)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) || errors.Is(err, search.ErrLocked) {
			debuglog.Debugf("stores busy, skipping pass: %v", err)
			return nil
		}
		return err
	}
	defer func() {
		if err := a.closeStores(); err != nil {
			debuglog.Warnf("closing stores: %v", err)
		}
	}()

	if !w.recovered {
		if err := a.queue.Recover(ctx); err != nil {
			return err
		}
		w.recovered = true
	}

	if _, err := a.queue.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
		debuglog.Errorf("processing jobs: %v", err)
	}

	if now := time.Now(); now.Sub(w.lastPrune) > time.Hour {
		a.queue.PruneCompleted(ctx)
		w.lastPrune = now
	}
	return nil
}

// sharedJobs reads the queue through a read-only handle opened per call,
// so a dashboard left open never holds the worker off.
type sharedJobs struct {
	path    string
	timeout time.Duration
}

func (s sharedJobs) view(fn func(*jobs.Store) error) error {
	store, err := storage.OpenReadOnly(s.path, s.timeout)
	if err != nil {
		return err
	}
	defer store.Close()
	js, err := jobs.NewStore(store.DB())
	if err != nil {
		return err
	}
	return fn(js)
}

func (s sharedJobs) Stats(ctx context.Context) (map[jobs.JobStatus]int, error) {
	var stats map[jobs.JobStatus]int
	err := s.view(func(js *jobs.Store) error {
		var err error
		stats, err = js.Stats(ctx)
		return err
	})
	return stats, err
}

func (s sharedJobs) Recent(ctx context.Context, limit int) ([]*jobs.Job, error) {
	var recent []*jobs.Job
	err := s.view(func(js *jobs.Store) error {
		var err error
		recent, err = js.Recent(ctx, limit)
		return err
	})
	return recent, err
}
