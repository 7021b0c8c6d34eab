package search

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bolt "go.etcd.io/bbolt"

	"github.com/pders01/marks/internal/debuglog"
)

var (
	// ErrLocked means another writer holds the index.
	ErrLocked = errors.New("index is locked by another writer")
	// ErrConflict means the index rejected a write as inconsistent, for
	// example because it is being closed underneath the writer.
	ErrConflict = errors.New("index write conflict")
	// ErrLeaseReleased is returned by a Writer used after Commit or Cancel.
	ErrLeaseReleased = errors.New("index writer already released")
)

// IsContention reports whether err is a transient index contention error
// worth retrying later. Nothing else is.
func IsContention(err error) bool {
	return errors.Is(err, ErrLocked) || errors.Is(err, ErrConflict)
}

// Document is the indexed form of a bookmark.
type Document struct {
	ID          string
	Description string
	Extended    string
	Tags        string
	Readable    string
	Username    string
	IsPrivate   bool
}

func (d Document) fields() map[string]any {
	return map[string]any{
		"description": d.Description,
		"extended":    d.Extended,
		"tags":        d.Tags,
		"readable":    d.Readable,
		"username":    d.Username,
		"is_private":  d.IsPrivate,
	}
}

// DocID is the index id of a bookmark.
func DocID(bookmarkID int64) string {
	return strconv.FormatInt(bookmarkID, 10)
}

// Index is a bleve full-text index of bookmarks. Writes go through a
// Writer; only one Writer may be live at a time.
type Index struct {
	idx   bleve.Index
	lease sync.Mutex
}

// Open opens the index at path, creating it when missing. When another
// process holds the index open past openTimeout, Open fails with ErrLocked.
func Open(path string, openTimeout time.Duration) (*Index, error) {
	runtimeConfig := map[string]interface{}{}
	if openTimeout > 0 {
		runtimeConfig["bolt_timeout"] = openTimeout.String()
	}

	idx, err := bleve.OpenUsing(path, runtimeConfig)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("creating index directory: %w", mkErr)
		}
		idx, err = bleve.NewUsing(path, buildIndexMapping(), bleve.Config.DefaultIndexType, bleve.Config.DefaultKVStore, runtimeConfig)
	}
	if err != nil {
		if isBoltTimeout(err) {
			return nil, fmt.Errorf("opening index %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}

	return &Index{idx: idx}, nil
}

// NewMemOnly returns an index that lives in memory only.
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = true
	desc.IncludeTermVectors = true

	extended := bleve.NewTextFieldMapping()
	extended.Analyzer = standard.Name
	extended.Store = false

	tags := bleve.NewTextFieldMapping()
	tags.Analyzer = standard.Name
	tags.Store = true

	readable := bleve.NewTextFieldMapping()
	readable.Analyzer = standard.Name
	readable.Store = false
	readable.IncludeTermVectors = false

	username := bleve.NewTextFieldMapping()
	username.Analyzer = keyword.Name
	username.Store = true

	private := bleve.NewBooleanFieldMapping()
	private.Store = true

	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("extended", extended)
	dm.AddFieldMappingsAt("tags", tags)
	dm.AddFieldMappingsAt("readable", readable)
	dm.AddFieldMappingsAt("username", username)
	dm.AddFieldMappingsAt("is_private", private)

	im.DefaultMapping = dm
	return im
}

// Close releases the index and its file lock.
func (i *Index) Close() error {
	return i.idx.Close()
}

// Writer acquires the exclusive writer lease without blocking.
func (i *Index) Writer() (Writer, error) {
	if !i.lease.TryLock() {
		return nil, ErrLocked
	}
	return &batchWriter{index: i, batch: i.idx.NewBatch()}, nil
}

// FindByID reports whether a document with id is indexed.
func (i *Index) FindByID(id string) (bool, error) {
	doc, err := i.idx.Document(id)
	if err != nil {
		return false, mapIndexError(err)
	}
	return doc != nil, nil
}

// Delete removes the document with id through the writer lease.
func (i *Index) Delete(id string) error {
	w, err := i.Writer()
	if err != nil {
		return err
	}
	bw := w.(*batchWriter)
	bw.batch.Delete(id)
	return bw.Commit()
}

// DocCount reports total documents in the index.
func (i *Index) DocCount() (int, error) {
	n, err := i.idx.DocCount()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// batchWriter stages documents in a bleve batch; nothing reaches the
// index before Commit, so Cancel leaves it exactly as it was.
type batchWriter struct {
	index    *Index
	batch    *bleve.Batch
	released bool
}

func (w *batchWriter) Upsert(doc Document) error {
	if w.released {
		return ErrLeaseReleased
	}
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	if err := w.batch.Index(doc.ID, doc.fields()); err != nil {
		return fmt.Errorf("staging document %s: %w", doc.ID, err)
	}
	return nil
}

func (w *batchWriter) Commit() error {
	if w.released {
		return ErrLeaseReleased
	}
	defer w.release()

	if w.batch.Size() == 0 {
		return nil
	}
	if err := w.index.idx.Batch(w.batch); err != nil {
		return fmt.Errorf("committing index batch: %w", mapIndexError(err))
	}
	debuglog.Debugf("index: committed batch")
	return nil
}

func (w *batchWriter) Cancel() {
	if w.released {
		return
	}
	w.batch.Reset()
	w.release()
}

func (w *batchWriter) release() {
	w.released = true
	w.index.lease.Unlock()
}

func mapIndexError(err error) error {
	switch {
	case errors.Is(err, bleve.ErrorIndexClosed), errors.Is(err, bleve.ErrorIndexReadInconsistency):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case isBoltTimeout(err):
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}

// bleve does not always wrap the store's error, so the message is checked too.
func isBoltTimeout(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || strings.Contains(err.Error(), bolt.ErrTimeout.Error())
}
