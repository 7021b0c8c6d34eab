package pipeline

import (
	"context"
	"fmt"

	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/storage"
)

// Task types handled by the pipeline.
const (
	TaskFetchContent   = "fetch_content"
	TaskIndexBookmark  = "index_bookmark"
	TaskDeleteDocument = "delete_document"
	TaskReindexAll     = "reindex_all"
	TaskFindMissing    = "find_missing"
	TaskFetchUnfetched = "fetch_unfetched"
)

// FetchPayload names the bookmark a fetch or delete task works on.
type FetchPayload struct {
	BookmarkID int64 `json:"bookmark_id"`
}

// IndexPayload carries the text to index; a nil Content means "use the
// persisted clean content".
type IndexPayload struct {
	BookmarkID int64   `json:"bookmark_id"`
	Content    *string `json:"content"`
}

// MaintenancePayload configures the reindex and repair tasks.
type MaintenancePayload struct {
	Sync bool `json:"sync"`
}

// Register installs the pipeline's task handlers.
func (p *Pipeline) Register(r jobs.Registry) {
	r.Register(TaskFetchContent, func(ctx context.Context, job *jobs.Job) error {
		var pl FetchPayload
		if err := job.Decode(&pl); err != nil {
			return jobs.Fatal(err)
		}
		if pl.BookmarkID == 0 {
			return jobs.Fatal(fmt.Errorf("%s: missing bookmark id", job.Type))
		}
		return p.FetchContent(ctx, pl.BookmarkID)
	})

	r.Register(TaskIndexBookmark, func(ctx context.Context, job *jobs.Job) error {
		var pl IndexPayload
		if err := job.Decode(&pl); err != nil {
			return jobs.Fatal(err)
		}
		return p.IndexBookmark(ctx, pl.BookmarkID, pl.Content)
	})

	r.Register(TaskDeleteDocument, func(ctx context.Context, job *jobs.Job) error {
		var pl FetchPayload
		if err := job.Decode(&pl); err != nil {
			return jobs.Fatal(err)
		}
		return p.DeleteDocument(ctx, pl.BookmarkID)
	})

	r.Register(TaskReindexAll, func(ctx context.Context, job *jobs.Job) error {
		var pl MaintenancePayload
		if len(job.Payload) > 0 {
			if err := job.Decode(&pl); err != nil {
				return jobs.Fatal(err)
			}
		}
		_, err := p.ReindexAll(ctx, pl.Sync)
		return err
	})

	r.Register(TaskFindMissing, func(ctx context.Context, job *jobs.Job) error {
		var pl MaintenancePayload
		if len(job.Payload) > 0 {
			if err := job.Decode(&pl); err != nil {
				return jobs.Fatal(err)
			}
		}
		_, err := p.FindMissing(ctx, pl.Sync)
		return err
	})

	r.Register(TaskFetchUnfetched, func(ctx context.Context, job *jobs.Job) error {
		_, err := p.FetchUnfetched(ctx)
		return err
	})
}

// State is a bookmark's position in the pipeline.
type State int

const (
	StateUnfetched State = iota
	StateFetching
	StateFetched
	StateFetchFailed
	StateIndexing
	StateIndexed
)

// String returns the upper-case name shown by the CLI.
func (s State) String() string {
	switch s {
	case StateUnfetched:
		return "UNFETCHED"
	case StateFetching:
		return "FETCHING"
	case StateFetched:
		return "FETCHED"
	case StateFetchFailed:
		return "FETCH_FAILED"
	case StateIndexing:
		return "INDEXING"
	case StateIndexed:
		return "INDEXED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateOf derives the resting state from persisted records. The transient
// FETCHING and INDEXING states only exist while a task runs, and a failed
// fetch stays FETCH_FAILED even once its empty document is indexed.
func StateOf(r *storage.Readable, indexed bool) State {
	if r == nil {
		return StateUnfetched
	}
	switch readable.Status(r.StatusCode) {
	case readable.StatusOK, readable.StatusManual:
	default:
		return StateFetchFailed
	}
	if indexed {
		return StateIndexed
	}
	return StateFetched
}
