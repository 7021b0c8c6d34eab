package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/search"
	"github.com/pders01/marks/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedTask struct {
	Type    string
	Payload any
}

// recordingDispatcher keeps enqueued tasks instead of running them.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []recordedTask
}

func (d *recordingDispatcher) Enqueue(_ context.Context, taskType string, payload any, _ ...jobs.EnqueueOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, recordedTask{Type: taskType, Payload: payload})
	return nil
}

func (d *recordingDispatcher) ofType(taskType string) []recordedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []recordedTask
	for _, t := range d.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

// txRefusingDispatcher joins transactions but fails every enqueue there.
type txRefusingDispatcher struct {
	recordingDispatcher
	err error
}

func (d *txRefusingDispatcher) EnqueueTx(*bolt.Tx, string, any, ...jobs.EnqueueOption) error {
	return d.err
}

// stubFetcher returns queued results in order, repeating the last one.
type stubFetcher struct {
	mu      sync.Mutex
	results []*readable.Result
	calls   int
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string) *readable.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	res := *f.results[i]
	res.URL = rawURL
	return &res
}

func content(text string) *readable.Result {
	return &readable.Result{Outcome: readable.Content{Text: text, ContentType: "text/html", Status: readable.StatusOK}}
}

// flakyIndex fails the first lockedUpserts upserts with a lock error.
type flakyIndex struct {
	*search.Index
	mu            sync.Mutex
	lockedUpserts int
	upsertErr     error
	cancels       int
}

func (f *flakyIndex) Writer() (search.Writer, error) {
	w, err := f.Index.Writer()
	if err != nil {
		return nil, err
	}
	return &flakyWriter{Writer: w, idx: f}, nil
}

type flakyWriter struct {
	search.Writer
	idx *flakyIndex
}

func (w *flakyWriter) Upsert(doc search.Document) error {
	w.idx.mu.Lock()
	defer w.idx.mu.Unlock()
	if w.idx.lockedUpserts > 0 {
		w.idx.lockedUpserts--
		return search.ErrLocked
	}
	if w.idx.upsertErr != nil {
		return w.idx.upsertErr
	}
	return w.Writer.Upsert(doc)
}

func (w *flakyWriter) Cancel() {
	w.idx.mu.Lock()
	w.idx.cancels++
	w.idx.mu.Unlock()
	w.Writer.Cancel()
}

func strPtr(s string) *string { return &s }

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "marks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func setupIndex(t *testing.T) *search.Index {
	t.Helper()
	idx, err := search.NewMemOnly()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func noSleep() *jobs.Inline {
	return jobs.NewInline(5, jobs.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func saveBookmark(t *testing.T, store *storage.Store, rawURL, desc string) *storage.Bookmark {
	t.Helper()
	b := &storage.Bookmark{URL: rawURL, Username: "alice", Description: desc, TagString: "reading"}
	require.NoError(t, store.SaveBookmark(b))
	return b
}

func searchIDs(t *testing.T, idx *search.Index, query string) []int64 {
	t.Helper()
	res, err := idx.Search(query, "alice", 10)
	require.NoError(t, err)
	var ids []int64
	for _, r := range res {
		ids = append(ids, r.BookmarkID)
	}
	return ids
}

func testPipelineConfig() config.PipelineConfig {
	return config.TestConfig("").Pipeline
}

func TestPipeline_FetchAndIndexWithContentionRetry(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><nav>menu</nav><article><p>Hello world analysis</p></article></body></html>`))
	}))
	defer server.Close()

	dir := t.TempDir()
	cfg := config.TestConfig(dir)
	store, err := storage.NewStore(cfg.Database.Path)
	require.NoError(t, err)
	defer store.Close()

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	jobStore, err := jobs.NewStore(store.DB(), jobs.WithClock(clock.Now))
	require.NoError(t, err)
	queue := jobs.NewQueue(jobStore, cfg.Jobs)

	idx := &flakyIndex{Index: setupIndex(t), lockedUpserts: 1}
	p := New(store, idx, readable.NewFetcher(cfg), queue, cfg.Pipeline, WithInline(noSleep()))
	p.Register(queue)

	b := saveBookmark(t, store, server.URL+"/article", "An article")
	require.NoError(t, p.BookmarkStored(ctx, b.ID))

	// fetch runs and enqueues the index task
	n, err := queue.Process(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r, err := store.GetReadable(b.ID)
	require.NoError(t, err)
	require.Equal(t, 200, r.StatusCode)
	require.Equal(t, "text/html", r.ContentType)
	require.Contains(t, *r.Content, "Hello world analysis")
	require.Equal(t, "Hello world analysis", r.CleanContent)

	// first index attempt hits the lock
	n, err = queue.Process(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, idx.cancels)

	found, err := idx.FindByID(search.DocID(b.ID))
	require.NoError(t, err)
	require.False(t, found)

	clock.Advance(59 * time.Second)
	n, err = queue.Process(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(time.Second)
	n, err = queue.Process(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, []int64{b.ID}, searchIDs(t, idx.Index, "analysis"))

	recent, err := jobStore.Recent(ctx, 0)
	require.NoError(t, err)
	var indexJob *jobs.Job
	for _, j := range recent {
		if j.Type == TaskIndexBookmark {
			indexJob = j
		}
	}
	require.NotNil(t, indexJob)
	require.Equal(t, jobs.StatusCompleted, indexJob.Status)
	require.Equal(t, 1, indexJob.Retries())
	require.Equal(t, 5, indexJob.MaxAttempts)

	_, r, state, err := p.Status(b.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, StateIndexed, state)
}

func TestPipeline_IndexJobCommitsWithReadable(t *testing.T) {
	ctx := context.Background()
	cfg := testPipelineConfig()

	t.Run("queued in the same transaction", func(t *testing.T) {
		store := setupStore(t)
		jobStore, err := jobs.NewStore(store.DB())
		require.NoError(t, err)
		queue := jobs.NewQueue(jobStore, config.JobsConfig{Workers: 1})
		p := New(store, setupIndex(t), &stubFetcher{results: []*readable.Result{content("<p>kept text</p>")}}, queue, cfg)

		b := saveBookmark(t, store, "http://example.com/a", "A")
		require.NoError(t, p.FetchContent(ctx, b.ID))

		recent, err := jobStore.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		require.Equal(t, TaskIndexBookmark, recent[0].Type)
		require.Equal(t, jobs.StatusPending, recent[0].Status)

		var payload IndexPayload
		require.NoError(t, recent[0].Decode(&payload))
		require.Equal(t, b.ID, payload.BookmarkID)
		require.NotNil(t, payload.Content)
		require.Equal(t, "kept text", *payload.Content)
	})

	t.Run("enqueue failure rolls the readable back", func(t *testing.T) {
		store := setupStore(t)
		d := &txRefusingDispatcher{err: errors.New("queue unavailable")}
		p := New(store, setupIndex(t), &stubFetcher{results: []*readable.Result{content("<p>lost</p>")}}, d, cfg)

		b := saveBookmark(t, store, "http://example.com/b", "B")
		err := p.FetchContent(ctx, b.ID)
		require.ErrorIs(t, err, d.err)

		_, err = store.GetReadable(b.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.Empty(t, d.ofType(TaskIndexBookmark))
	})
}

func TestPipeline_IndexContentionGivesUp(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := &flakyIndex{Index: setupIndex(t), lockedUpserts: 100}
	inline := noSleep()
	p := New(store, idx, &stubFetcher{}, inline, testPipelineConfig(), WithInline(inline))

	b := saveBookmark(t, store, "http://example.com/", "desc")
	err := inline.Enqueue(ctx, TaskIndexBookmark, IndexPayload{BookmarkID: b.ID}, jobs.WithMaxAttempts(5))
	require.ErrorContains(t, err, "giving up after 5 attempts")
	require.ErrorIs(t, err, search.ErrLocked)
	require.Equal(t, 5, idx.cancels)
	_ = p
}

func TestPipeline_IndexOtherErrorIsFatal(t *testing.T) {
	store := setupStore(t)
	idx := &flakyIndex{Index: setupIndex(t), upsertErr: errors.New("disk full")}
	p := New(store, idx, &stubFetcher{}, &recordingDispatcher{}, testPipelineConfig())

	b := saveBookmark(t, store, "http://example.com/", "desc")
	err := p.IndexBookmark(context.Background(), b.ID, nil)
	require.True(t, jobs.IsFatal(err))
	_, retry := jobs.IsRetry(err)
	require.False(t, retry)
	require.Equal(t, 1, idx.cancels)

	// the lease was released
	w, err := idx.Index.Writer()
	require.NoError(t, err)
	w.Cancel()
}

func TestPipeline_MissingBookmarkIsFatal(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &recordingDispatcher{}
	p := New(store, setupIndex(t), &stubFetcher{results: []*readable.Result{content("<p>x</p>")}}, d, testPipelineConfig())

	err := p.FetchContent(ctx, 999)
	require.True(t, jobs.IsFatal(err))
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = p.IndexBookmark(ctx, 999, strPtr("text"))
	require.True(t, jobs.IsFatal(err))
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Empty(t, d.tasks)
}

func TestPipeline_FetchAlwaysEnqueuesIndex(t *testing.T) {
	tests := []struct {
		name        string
		result      *readable.Result
		wantStatus  int
		wantContent bool
	}{
		{name: "content", result: content("<article><p>Body text</p></article>"), wantStatus: 200, wantContent: true},
		{name: "image", result: &readable.Result{Outcome: readable.Image{ContentType: "image/png"}}, wantStatus: 200},
		{name: "not found", result: &readable.Result{Outcome: readable.Failure{Status: readable.StatusNotFound, Message: "Not Found"}}, wantStatus: 404},
		{name: "invalid url", result: &readable.Result{Outcome: readable.Failure{Status: readable.StatusInvalidURL, Message: "bad"}}, wantStatus: 901},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			d := &recordingDispatcher{}
			p := New(store, setupIndex(t), &stubFetcher{results: []*readable.Result{tt.result}}, d, testPipelineConfig())

			b := saveBookmark(t, store, "http://example.com/page", "desc")
			require.NoError(t, p.FetchContent(context.Background(), b.ID))

			r, err := store.GetReadable(b.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, r.StatusCode)
			require.Equal(t, tt.wantContent, r.HasContent())

			tasks := d.ofType(TaskIndexBookmark)
			require.Len(t, tasks, 1)
			pl := tasks[0].Payload.(IndexPayload)
			require.Equal(t, b.ID, pl.BookmarkID)
			if tt.wantContent {
				require.NotNil(t, pl.Content)
				require.Equal(t, "Body text", *pl.Content)
			} else {
				require.Nil(t, pl.Content)
			}
		})
	}
}

func TestPipeline_RealFetchFailures(t *testing.T) {
	store := setupStore(t)
	d := &recordingDispatcher{}
	cfg := config.TestConfig(t.TempDir())
	p := New(store, setupIndex(t), readable.NewFetcher(cfg), d, cfg.Pipeline)

	b := saveBookmark(t, store, "not a url", "broken")
	require.NoError(t, p.FetchContent(context.Background(), b.ID))

	r, err := store.GetReadable(b.ID)
	require.NoError(t, err)
	require.Equal(t, int(readable.StatusInvalidURL), r.StatusCode)
	require.Nil(t, r.Content)
	require.Len(t, d.ofType(TaskIndexBookmark), 1)

	_, _, state, err := p.Status(b.ID)
	require.NoError(t, err)
	require.Equal(t, StateFetchFailed, state)
}

func TestPipeline_IndexIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	p := New(store, idx, &stubFetcher{}, &recordingDispatcher{}, testPipelineConfig())

	b := saveBookmark(t, store, "http://example.com/", "Gardening guide")

	require.NoError(t, p.IndexBookmark(ctx, b.ID, strPtr("tomatoes and basil")))
	once := searchIDs(t, idx, "tomatoes")

	require.NoError(t, p.IndexBookmark(ctx, b.ID, strPtr("tomatoes and basil")))
	require.Equal(t, once, searchIDs(t, idx, "tomatoes"))

	n, err := idx.DocCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// a later index fully replaces the readable field
	require.NoError(t, p.IndexBookmark(ctx, b.ID, strPtr("cucumbers only")))
	require.Empty(t, searchIDs(t, idx, "tomatoes"))
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "cucumbers"))
}

func TestPipeline_IndexContentPrecedence(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	p := New(store, idx, &stubFetcher{}, &recordingDispatcher{}, testPipelineConfig())

	b := saveBookmark(t, store, "http://example.com/", "Plain description")

	// no readable record: empty readable text
	require.NoError(t, p.IndexBookmark(ctx, b.ID, nil))
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "plain"))

	require.NoError(t, store.SaveReadable(&storage.Readable{BookmarkID: b.ID, Content: strPtr("<p>persisted words</p>"), StatusCode: 200}))

	require.NoError(t, p.IndexBookmark(ctx, b.ID, nil))
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "persisted"))

	require.NoError(t, p.IndexBookmark(ctx, b.ID, strPtr("explicit words")))
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "explicit"))
	require.Empty(t, searchIDs(t, idx, "persisted"))

	// an empty explicit argument falls back to the persisted text
	require.NoError(t, p.IndexBookmark(ctx, b.ID, strPtr("")))
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "persisted"))
}

func TestPipeline_LastIndexWriteWins(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	d := &recordingDispatcher{}
	fetcher := &stubFetcher{results: []*readable.Result{
		content("<p>first version alpha</p>"),
		content("<p>second version beta</p>"),
	}}
	p := New(store, idx, fetcher, d, testPipelineConfig())

	b := saveBookmark(t, store, "http://example.com/", "desc")
	require.NoError(t, p.FetchContent(ctx, b.ID)) // T1
	require.NoError(t, p.FetchContent(ctx, b.ID)) // T2

	tasks := d.ofType(TaskIndexBookmark)
	require.Len(t, tasks, 2)

	// the index tasks commit out of order: T2's first, then T1's
	for _, i := range []int{1, 0} {
		pl := tasks[i].Payload.(IndexPayload)
		require.NoError(t, p.IndexBookmark(ctx, pl.BookmarkID, pl.Content))
	}

	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "alpha"))
	require.Empty(t, searchIDs(t, idx, "beta"))

	// the readable record itself holds the last fetch
	r, err := store.GetReadable(b.ID)
	require.NoError(t, err)
	require.Equal(t, "second version beta", r.CleanContent)
}

func TestPipeline_ReindexAllAndFindMissing(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	d := &recordingDispatcher{}
	p := New(store, idx, &stubFetcher{}, d, testPipelineConfig(), WithInline(noSleep()))

	var ids []int64
	for _, u := range []string{"http://a.example/", "http://b.example/", "http://c.example/"} {
		ids = append(ids, saveBookmark(t, store, u, "bookmark "+u).ID)
	}
	require.NoError(t, p.IndexBookmark(ctx, ids[0], nil))

	n, err := p.FindMissing(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, d.ofType(TaskIndexBookmark), 2)

	n, err = p.FindMissing(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, id := range ids {
		found, err := idx.FindByID(search.DocID(id))
		require.NoError(t, err)
		require.True(t, found)
	}

	n, err = p.FindMissing(ctx, true)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = p.ReindexAll(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, d.ofType(TaskIndexBookmark), 5)

	n, err = p.ReindexAll(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	count, err := idx.DocCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestPipeline_FindMissingBatch(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &recordingDispatcher{}
	cfg := testPipelineConfig()
	cfg.MissingBatch = 2
	p := New(store, setupIndex(t), &stubFetcher{}, d, cfg)

	for _, u := range []string{"http://a.example/", "http://b.example/", "http://c.example/"} {
		saveBookmark(t, store, u, "x")
	}

	n, err := p.FindMissing(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPipeline_FetchUnfetched(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &recordingDispatcher{}
	p := New(store, setupIndex(t), &stubFetcher{}, d, testPipelineConfig())

	a := saveBookmark(t, store, "http://a.example/", "a")
	b := saveBookmark(t, store, "http://b.example/", "b")
	require.NoError(t, store.SaveReadable(&storage.Readable{BookmarkID: a.ID, StatusCode: 200}))

	n, err := p.FetchUnfetched(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks := d.ofType(TaskFetchContent)
	require.Len(t, tasks, 1)
	require.Equal(t, b.ID, tasks[0].Payload.(FetchPayload).BookmarkID)
}

func TestPipeline_ImportContent(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	d := &recordingDispatcher{}
	p := New(store, setupIndex(t), &stubFetcher{}, d, testPipelineConfig())

	b := saveBookmark(t, store, "http://example.com/", "desc")
	html := `<html><body><article><p>Imported by the client</p></article></body></html>`
	require.NoError(t, p.ImportContent(ctx, b.ID, strings.NewReader(html), "text/html"))

	r, err := store.GetReadable(b.ID)
	require.NoError(t, err)
	require.Equal(t, int(readable.StatusManual), r.StatusCode)
	require.Equal(t, "Imported by the client", r.CleanContent)
	require.Len(t, d.ofType(TaskIndexBookmark), 1)
}

func TestPipeline_DeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	inline := noSleep()
	p := New(store, idx, &stubFetcher{results: []*readable.Result{content("<p>to be removed</p>")}}, inline, testPipelineConfig(), WithInline(inline))
	_ = p

	b := saveBookmark(t, store, "http://example.com/", "desc")
	require.NoError(t, inline.Enqueue(ctx, TaskFetchContent, FetchPayload{BookmarkID: b.ID}))

	// the inline dispatcher indexed synchronously through the listener
	require.Equal(t, []int64{b.ID}, searchIDs(t, idx, "removed"))

	require.NoError(t, store.DeleteBookmark(b.ID))
	found, err := idx.FindByID(search.DocID(b.ID))
	require.NoError(t, err)
	require.False(t, found)
}

func TestStateOf(t *testing.T) {
	require.Equal(t, StateUnfetched, StateOf(nil, false))
	require.Equal(t, StateFetched, StateOf(&storage.Readable{StatusCode: 200}, false))
	require.Equal(t, StateIndexed, StateOf(&storage.Readable{StatusCode: 200}, true))
	require.Equal(t, StateIndexed, StateOf(&storage.Readable{StatusCode: 1}, true))
	require.Equal(t, StateFetchFailed, StateOf(&storage.Readable{StatusCode: 404}, false))
	require.Equal(t, StateFetchFailed, StateOf(&storage.Readable{StatusCode: 900}, true))
	require.Equal(t, "FETCH_FAILED", StateFetchFailed.String())
}
