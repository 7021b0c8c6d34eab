package storage

import (
	"strings"
	"time"
)

// Bookmark is a saved URL owned by one user.
type Bookmark struct {
	ID          int64     `json:"id"`
	URLHash     string    `json:"url_hash"`
	URL         string    `json:"url"`
	Username    string    `json:"username"`
	Description string    `json:"description"`
	Extended    string    `json:"extended"`
	TagString   string    `json:"tag_str"`
	IsPrivate   bool      `json:"is_private"`
	InsertedBy  string    `json:"inserted_by"`
	StoredAt    time.Time `json:"stored"`
	UpdatedAt   time.Time `json:"updated"`
}

// Tags splits the space separated tag string.
func (b *Bookmark) Tags() []string {
	return strings.Fields(b.TagString)
}

// Readable is the fetched, readable version of a bookmarked page.
// Content is nil for images and failed fetches.
type Readable struct {
	BookmarkID    int64     `json:"bid"`
	URLHash       string    `json:"hash_id"`
	Content       *string   `json:"content"`
	CleanContent  string    `json:"clean_content"`
	ContentType   string    `json:"content_type"`
	StatusCode    int       `json:"status_code"`
	StatusMessage string    `json:"status_message"`
	ImportedAt    time.Time `json:"imported"`
}

// HasContent reports whether the readable carries extracted content.
func (r *Readable) HasContent() bool {
	return r != nil && r.Content != nil && *r.Content != ""
}

// FeedState remembers conditional request headers of a polled feed source.
type FeedState struct {
	URL          string    `json:"url"`
	Username     string    `json:"username"`
	Title        string    `json:"title"`
	ETag         string    `json:"etag"`
	LastModified string    `json:"last_modified"`
	LastPolled   time.Time `json:"last_polled"`
	ItemsAdded   int       `json:"items_added"`
}
