package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lithammer/shortuuid"
	bolt "go.etcd.io/bbolt"

	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/validation"
)

var (
	bookmarksBucket = []byte("bookmarks")
	readablesBucket = []byte("readables")
	urlHashBucket   = []byte("url_hashes")
	ownerBucket     = []byte("bookmark_owners")
	feedsBucket     = []byte("feeds")
)

var (
	// ErrNotFound is returned when a bookmark or readable record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLocked means another process held the database past the open timeout.
	ErrLocked = errors.New("database is locked by another process")
)

// Listener receives post-write notifications. Calls happen after the
// owning transaction committed, in write order, on the writer's goroutine.
type Listener interface {
	ReadableWritten(r *Readable)
	BookmarkDeleted(id int64)
}

// TxListener is a Listener that also sees readable writes inside the
// writing transaction. An error from ReadableWrittenTx aborts the write.
type TxListener interface {
	Listener
	ReadableWrittenTx(tx *Tx, r *Readable) error
}

// Store keeps bookmarks, readable records and feed state in one bbolt file.
type Store struct {
	db  *bolt.DB
	now func() time.Time

	mu       sync.RWMutex
	listener Listener
}

// NewStore opens the database at dbPath, waiting up to a second for its lock.
func NewStore(dbPath string) (*Store, error) {
	return NewStoreWithTimeout(dbPath, 1*time.Second)
}

// NewStoreWithTimeout opens or creates the database at dbPath, failing with
// ErrLocked when another process holds it longer than timeout.
func NewStoreWithTimeout(dbPath string, timeout time.Duration) (*Store, error) {
	db, err := openBolt(dbPath, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bookmarksBucket, readablesBucket, urlHashBucket, ownerBucket, feedsBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// OpenReadOnly opens an existing database under a shared lock, so several
// readers can look at it at once. Writes through the store fail.
func OpenReadOnly(dbPath string, timeout time.Duration) (*Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db, err := openBolt(dbPath, &bolt.Options{Timeout: timeout, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func openBolt(dbPath string, opts *bolt.Options) (*bolt.DB, error) {
	db, err := bolt.Open(dbPath, 0o600, opts)
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Close releases the database file and its lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the job queue can share the file.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// SetListener installs the post-write listener; nil disables notifications.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Tx is a transaction-scoped handle passed to Update and View callbacks.
// It must not be used after the callback returns.
type Tx struct {
	tx       *bolt.Tx
	now      time.Time
	listener Listener
	written  []*Readable
	deleted  []int64
}

// Update runs fn in a read-write transaction. Listener notifications for
// the writes made through tx are delivered only if the commit succeeds.
func (s *Store) Update(fn func(tx *Tx) error) error {
	t := &Tx{now: s.now(), listener: s.currentListener()}
	err := s.db.Update(func(btx *bolt.Tx) error {
		t.tx = btx
		return fn(t)
	})
	if err != nil {
		return err
	}
	s.notify(t)
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx, now: s.now()})
	})
}

func (s *Store) currentListener() Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

func (s *Store) notify(t *Tx) {
	l := t.listener
	if l == nil {
		return
	}
	for _, r := range t.written {
		l.ReadableWritten(r)
	}
	for _, id := range t.deleted {
		l.BookmarkDeleted(id)
	}
}

// Bolt exposes the underlying write transaction so other stores sharing
// the database file can join it.
func (t *Tx) Bolt() *bolt.Tx {
	return t.tx
}

// Bookmark loads a bookmark by ID.
func (t *Tx) Bookmark(id int64) (*Bookmark, error) {
	data := t.tx.Bucket(bookmarksBucket).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("bookmark %d: %w", id, ErrNotFound)
	}
	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bookmark %d: %w", id, err)
	}
	return &b, nil
}

// PutBookmark inserts b when b.ID is zero and replaces it otherwise.
func (t *Tx) PutBookmark(b *Bookmark) error {
	normalized, err := validation.NormalizeBookmarkURL(b.URL)
	if err != nil {
		return fmt.Errorf("bookmark url: %w", err)
	}
	b.URL = normalized
	b.URLHash = HashURL(normalized)

	bookmarks := t.tx.Bucket(bookmarksBucket)
	if b.ID == 0 {
		seq, err := bookmarks.NextSequence()
		if err != nil {
			return err
		}
		b.ID = int64(seq)
		b.StoredAt = t.now
	} else {
		prev, err := t.Bookmark(b.ID)
		if err != nil {
			return err
		}
		if prev.URLHash != b.URLHash || prev.Username != b.Username {
			if err := t.tx.Bucket(ownerBucket).Delete(ownerKey(prev.URLHash, prev.Username)); err != nil {
				return err
			}
		}
		b.StoredAt = prev.StoredAt
		b.UpdatedAt = t.now
	}

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := bookmarks.Put(itob(b.ID), data); err != nil {
		return err
	}
	if err := t.tx.Bucket(urlHashBucket).Put([]byte(b.URLHash), []byte(b.URL)); err != nil {
		return err
	}
	return t.tx.Bucket(ownerBucket).Put(ownerKey(b.URLHash, b.Username), itob(b.ID))
}

// Readable loads the readable record of a bookmark.
func (t *Tx) Readable(id int64) (*Readable, error) {
	data := t.tx.Bucket(readablesBucket).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("readable %d: %w", id, ErrNotFound)
	}
	var r Readable
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding readable %d: %w", id, err)
	}
	return &r, nil
}

// PutReadable creates or replaces the readable record of its bookmark.
// CleanContent is always re-derived from Content here so the two can not
// drift, and the write is queued for a listener notification.
func (t *Tx) PutReadable(r *Readable) error {
	b, err := t.Bookmark(r.BookmarkID)
	if err != nil {
		return err
	}
	r.URLHash = b.URLHash
	r.CleanContent = ""
	if r.Content != nil {
		r.CleanContent = readable.CleanText(*r.Content)
	}
	r.ImportedAt = t.now

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(readablesBucket).Put(itob(r.BookmarkID), data); err != nil {
		return err
	}

	cp := *r
	if tl, ok := t.listener.(TxListener); ok {
		if err := tl.ReadableWrittenTx(t, &cp); err != nil {
			return fmt.Errorf("readable %d: %w", r.BookmarkID, err)
		}
	}
	t.written = append(t.written, &cp)
	return nil
}

// DeleteBookmark removes the bookmark together with its readable record.
func (t *Tx) DeleteBookmark(id int64) error {
	b, err := t.Bookmark(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bookmarksBucket).Delete(itob(id)); err != nil {
		return err
	}
	if err := t.tx.Bucket(readablesBucket).Delete(itob(id)); err != nil {
		return err
	}
	if err := t.tx.Bucket(ownerBucket).Delete(ownerKey(b.URLHash, b.Username)); err != nil {
		return err
	}
	t.deleted = append(t.deleted, id)
	return nil
}

// SaveBookmark inserts or replaces b in its own transaction.
func (s *Store) SaveBookmark(b *Bookmark) error {
	return s.Update(func(tx *Tx) error {
		return tx.PutBookmark(b)
	})
}

// GetBookmark loads a bookmark by ID.
func (s *Store) GetBookmark(id int64) (*Bookmark, error) {
	var b *Bookmark
	err := s.View(func(tx *Tx) error {
		var err error
		b, err = tx.Bookmark(id)
		return err
	})
	return b, err
}

// GetByURL finds the bookmark username stored for rawURL.
func (s *Store) GetByURL(rawURL, username string) (*Bookmark, error) {
	normalized, err := validation.NormalizeBookmarkURL(rawURL)
	if err != nil {
		return nil, err
	}
	var b *Bookmark
	err = s.View(func(tx *Tx) error {
		id := tx.tx.Bucket(ownerBucket).Get(ownerKey(HashURL(normalized), username))
		if id == nil {
			return fmt.Errorf("bookmark for %s: %w", normalized, ErrNotFound)
		}
		var err error
		b, err = tx.Bookmark(btoi(id))
		return err
	})
	return b, err
}

// AllBookmarks returns bookmarks in id order. A limit <= 0 means no limit.
func (s *Store) AllBookmarks(limit int) ([]*Bookmark, error) {
	var bookmarks []*Bookmark
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bookmarksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b Bookmark
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decoding bookmark %d: %w", btoi(k), err)
			}
			bookmarks = append(bookmarks, &b)
			if limit > 0 && len(bookmarks) >= limit {
				break
			}
		}
		return nil
	})
	return bookmarks, err
}

// Unfetched returns bookmarks that have no readable record yet.
func (s *Store) Unfetched(limit int) ([]*Bookmark, error) {
	var bookmarks []*Bookmark
	err := s.db.View(func(tx *bolt.Tx) error {
		readables := tx.Bucket(readablesBucket)
		c := tx.Bucket(bookmarksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if readables.Get(k) != nil {
				continue
			}
			var b Bookmark
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decoding bookmark %d: %w", btoi(k), err)
			}
			bookmarks = append(bookmarks, &b)
			if limit > 0 && len(bookmarks) >= limit {
				break
			}
		}
		return nil
	})
	return bookmarks, err
}

// DeleteBookmark removes a bookmark and its readable record.
func (s *Store) DeleteBookmark(id int64) error {
	return s.Update(func(tx *Tx) error {
		return tx.DeleteBookmark(id)
	})
}

// GetReadable loads the readable record of a bookmark.
func (s *Store) GetReadable(id int64) (*Readable, error) {
	var r *Readable
	err := s.View(func(tx *Tx) error {
		var err error
		r, err = tx.Readable(id)
		return err
	})
	return r, err
}

// SaveReadable writes r in its own transaction.
func (s *Store) SaveReadable(r *Readable) error {
	return s.Update(func(tx *Tx) error {
		return tx.PutReadable(r)
	})
}

// URLForHash returns the URL recorded for a hash id.
func (s *Store) URLForHash(hash string) (string, error) {
	var u string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(urlHashBucket).Get([]byte(hash))
		if v == nil {
			return fmt.Errorf("url hash %s: %w", hash, ErrNotFound)
		}
		u = string(v)
		return nil
	})
	return u, err
}

// GetFeedState returns the polling state of a feed source for username. A
// feed that was never polled yields an empty state, not an error.
func (s *Store) GetFeedState(feedURL, username string) (*FeedState, error) {
	state := &FeedState{URL: feedURL, Username: username}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(feedsBucket).Get(feedKey(feedURL, username))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("loading feed state %s: %w", feedURL, err)
	}
	return state, nil
}

// SaveFeedState stores the polling state of one user's feed.
func (s *Store) SaveFeedState(state *FeedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(feedsBucket).Put(feedKey(state.URL, state.Username), data)
	})
}

// feedKey scopes feed state per user; each subscriber polls with its own
// conditional headers.
func feedKey(feedURL, username string) []byte {
	return []byte(username + "\x00" + feedURL)
}

// HashURL returns the 22 character, URL-safe hash id of a normalized URL.
func HashURL(normalizedURL string) string {
	return shortuuid.NewWithNamespace(normalizedURL)
}

func ownerKey(hash, username string) []byte {
	return []byte(hash + "\x00" + username)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
