package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/search"
	"github.com/pders01/marks/internal/storage"
)

// Fetcher reads a URL into a readable result.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) *readable.Result
}

// ContentParser parses content supplied by a client.
type ContentParser interface {
	ParseContent(r io.Reader, contentType, sourceURL string) *readable.Result
}

// Pipeline drives bookmarks from stored to fetched to indexed. It listens
// to the store's post-write notifications and turns each readable write
// into exactly one index task.
type Pipeline struct {
	store      *storage.Store
	index      search.DocumentIndex
	fetcher    Fetcher
	parser     ContentParser
	dispatcher jobs.Dispatcher
	inline     *jobs.Inline

	backoff       time.Duration
	indexAttempts int
	missingBatch  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParser sets the parser used by ImportContent.
func WithParser(p ContentParser) Option {
	return func(pl *Pipeline) {
		if p != nil {
			pl.parser = p
		}
	}
}

// WithInline replaces the dispatcher used for synchronous maintenance runs.
func WithInline(in *jobs.Inline) Option {
	return func(pl *Pipeline) {
		if in != nil {
			pl.inline = in
		}
	}
}

// New wires a pipeline and installs it as the store's listener.
func New(store *storage.Store, index search.DocumentIndex, fetcher Fetcher, dispatcher jobs.Dispatcher, cfg config.PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		index:         index,
		fetcher:       fetcher,
		parser:        readable.NewParser(),
		dispatcher:    dispatcher,
		backoff:       cfg.IndexBackoff,
		indexAttempts: cfg.IndexMaxAttempts,
		missingBatch:  cfg.MissingBatch,
	}
	if p.backoff <= 0 {
		p.backoff = 60 * time.Second
	}
	if p.indexAttempts <= 0 {
		p.indexAttempts = 5
	}
	if p.missingBatch <= 0 {
		p.missingBatch = 500
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inline == nil {
		p.inline = jobs.NewInline(p.indexAttempts)
	}
	p.Register(p.inline)

	store.SetListener(p)
	return p
}

// ReadableWrittenTx enqueues the index task in the transaction that wrote
// r, so the readable record and its index job commit together. It is a
// no-op when the dispatcher can not join a transaction.
func (p *Pipeline) ReadableWrittenTx(tx *storage.Tx, r *storage.Readable) error {
	te, ok := p.dispatcher.(jobs.TxEnqueuer)
	if !ok {
		return nil
	}
	return te.EnqueueTx(tx.Bolt(), TaskIndexBookmark, indexPayload(r), jobs.WithMaxAttempts(p.indexAttempts))
}

// ReadableWritten runs after the readable write committed. Dispatchers
// that could not join the transaction get the index task here.
func (p *Pipeline) ReadableWritten(r *storage.Readable) {
	p.logState(r.BookmarkID, StateIndexing).Debugf("readable written, status %d", r.StatusCode)
	if _, ok := p.dispatcher.(jobs.TxEnqueuer); ok {
		return
	}
	if err := p.dispatcher.Enqueue(context.Background(), TaskIndexBookmark, indexPayload(r),
		jobs.WithMaxAttempts(p.indexAttempts)); err != nil {
		debuglog.Errorf("enqueuing index for bookmark %d: %v", r.BookmarkID, err)
	}
}

func indexPayload(r *storage.Readable) IndexPayload {
	payload := IndexPayload{BookmarkID: r.BookmarkID}
	if r.CleanContent != "" {
		clean := r.CleanContent
		payload.Content = &clean
	}
	return payload
}

// BookmarkDeleted enqueues removal of the bookmark's index document.
func (p *Pipeline) BookmarkDeleted(id int64) {
	err := p.dispatcher.Enqueue(context.Background(), TaskDeleteDocument, FetchPayload{BookmarkID: id},
		jobs.WithMaxAttempts(p.indexAttempts))
	if err != nil {
		debuglog.Errorf("enqueuing index delete for bookmark %d: %v", id, err)
	}
}

// BookmarkStored schedules the content fetch for a new or changed bookmark.
func (p *Pipeline) BookmarkStored(ctx context.Context, id int64) error {
	return p.dispatcher.Enqueue(ctx, TaskFetchContent, FetchPayload{BookmarkID: id},
		jobs.WithKey(fmt.Sprintf("%s:%d", TaskFetchContent, id)), jobs.WithMaxAttempts(1))
}

// FetchContent fetches the bookmark's URL and persists the outcome as its
// readable record. Fetch failures are recorded, never retried.
func (p *Pipeline) FetchContent(ctx context.Context, id int64) error {
	b, err := p.store.GetBookmark(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return jobs.Fatal(fmt.Errorf("fetch content: %w", err))
		}
		return err
	}

	p.logState(id, StateFetching).Infof("fetching %s", b.URL)
	res := p.fetcher.Fetch(ctx, b.URL)

	if err := p.persist(id, res); err != nil {
		return err
	}

	state := StateFetched
	if res.IsError() {
		state = StateFetchFailed
	}
	p.logState(id, state).Infof("%s", res)
	return nil
}

// ImportContent parses content supplied by the client instead of fetching.
func (p *Pipeline) ImportContent(ctx context.Context, id int64, r io.Reader, contentType string) error {
	b, err := p.store.GetBookmark(id)
	if err != nil {
		return fmt.Errorf("import content: %w", err)
	}
	res := p.parser.ParseContent(r, contentType, b.URL)
	if err := p.persist(id, res); err != nil {
		return err
	}
	p.logState(id, StateFetched).Infof("imported %s", res)
	return nil
}

// persist writes res as the bookmark's readable record in one transaction.
func (p *Pipeline) persist(id int64, res *readable.Result) error {
	rec := &storage.Readable{
		BookmarkID:    id,
		ContentType:   res.ContentType(),
		StatusCode:    int(res.Status()),
		StatusMessage: res.StatusMessage(),
	}
	if content, ok := res.Content(); ok {
		rec.Content = &content
	}

	err := p.store.Update(func(tx *storage.Tx) error {
		return tx.PutReadable(rec)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return jobs.Fatal(fmt.Errorf("bookmark %d deleted while fetching: %w", id, err))
	}
	return err
}

// IndexBookmark writes the bookmark's index document. The indexed text is
// content when given, else the persisted clean content, else empty.
func (p *Pipeline) IndexBookmark(ctx context.Context, id int64, content *string) error {
	b, err := p.store.GetBookmark(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return jobs.Fatal(fmt.Errorf("index bookmark: %w", err))
		}
		return err
	}

	text := ""
	if content != nil && *content != "" {
		text = *content
	} else {
		r, err := p.store.GetReadable(id)
		switch {
		case err == nil:
			text = r.CleanContent
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	doc := search.Document{
		ID:          search.DocID(b.ID),
		Description: b.Description,
		Extended:    b.Extended,
		Tags:        b.TagString,
		Readable:    text,
		Username:    b.Username,
		IsPrivate:   b.IsPrivate,
	}

	w, err := p.index.Writer()
	if err != nil {
		return p.indexFailure(id, err)
	}
	if err := w.Upsert(doc); err != nil {
		w.Cancel()
		return p.indexFailure(id, err)
	}
	if err := w.Commit(); err != nil {
		w.Cancel()
		return p.indexFailure(id, err)
	}

	p.logState(id, StateIndexed).Infof("indexed %d bytes of readable text", len(text))
	return nil
}

// DeleteDocument removes the bookmark's index document.
func (p *Pipeline) DeleteDocument(ctx context.Context, id int64) error {
	if err := p.index.Delete(search.DocID(id)); err != nil {
		return p.indexFailure(id, err)
	}
	debuglog.WithFields(map[string]any{"bookmark_id": id}).Infof("removed from index")
	return nil
}

func (p *Pipeline) indexFailure(id int64, err error) error {
	log := debuglog.WithFields(map[string]any{"bookmark_id": id})
	if search.IsContention(err) {
		log.Warnf("index busy, retrying in %s: %v", p.backoff, err)
		return jobs.RetryAfter(err, p.backoff)
	}
	return jobs.Fatal(fmt.Errorf("indexing bookmark %d: %w", id, err))
}

// ReindexAll rebuilds the index document of every bookmark. With sync the
// documents are written before ReindexAll returns.
func (p *Pipeline) ReindexAll(ctx context.Context, sync bool) (int, error) {
	bookmarks, err := p.store.AllBookmarks(0)
	if err != nil {
		return 0, fmt.Errorf("listing bookmarks: %w", err)
	}
	return p.indexEach(ctx, bookmarks, sync)
}

// FindMissing indexes bookmarks that have no index document, probing the
// index directly. At most one batch of bookmarks is examined per call.
func (p *Pipeline) FindMissing(ctx context.Context, sync bool) (int, error) {
	bookmarks, err := p.store.AllBookmarks(p.missingBatch)
	if err != nil {
		return 0, fmt.Errorf("listing bookmarks: %w", err)
	}

	var missing []*storage.Bookmark
	for _, b := range bookmarks {
		found, err := p.index.FindByID(search.DocID(b.ID))
		if err != nil {
			return 0, fmt.Errorf("probing index for bookmark %d: %w", b.ID, err)
		}
		if !found {
			missing = append(missing, b)
		}
	}
	return p.indexEach(ctx, missing, sync)
}

func (p *Pipeline) indexEach(ctx context.Context, bookmarks []*storage.Bookmark, sync bool) (int, error) {
	d := p.dispatcher
	if sync {
		d = p.inline
	}

	var errs []error
	n := 0
	for _, b := range bookmarks {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := d.Enqueue(ctx, TaskIndexBookmark, IndexPayload{BookmarkID: b.ID}, jobs.WithMaxAttempts(p.indexAttempts)); err != nil {
			errs = append(errs, fmt.Errorf("bookmark %d: %w", b.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// FetchUnfetched schedules a fetch for every bookmark without a readable
// record, which also repairs fetches lost to a killed worker.
func (p *Pipeline) FetchUnfetched(ctx context.Context) (int, error) {
	bookmarks, err := p.store.Unfetched(0)
	if err != nil {
		return 0, fmt.Errorf("listing unfetched bookmarks: %w", err)
	}
	n := 0
	for _, b := range bookmarks {
		if err := p.BookmarkStored(ctx, b.ID); err != nil {
			return n, err
		}
		n++
	}
	debuglog.Infof("scheduled %d unfetched bookmarks", n)
	return n, nil
}

// Status reports where a bookmark stands in the pipeline.
func (p *Pipeline) Status(id int64) (*storage.Bookmark, *storage.Readable, State, error) {
	b, err := p.store.GetBookmark(id)
	if err != nil {
		return nil, nil, StateUnfetched, err
	}
	r, err := p.store.GetReadable(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return b, nil, StateUnfetched, err
	}
	indexed, err := p.index.FindByID(search.DocID(id))
	if err != nil {
		return b, r, StateUnfetched, err
	}
	return b, r, StateOf(r, indexed), nil
}

func (p *Pipeline) logState(id int64, s State) *debuglog.FieldLogger {
	return debuglog.WithFields(map[string]any{"bookmark_id": id, "state": s.String()})
}

var _ storage.TxListener = (*Pipeline)(nil)
