// Package feedsource turns RSS and Atom feeds into bookmarks.
package feedsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/storage"
	"github.com/pders01/marks/internal/validation"
)

const (
	TaskPollFeed = "poll_feed"

	// InsertedBy marks bookmarks created from feed items.
	InsertedBy = "feed"

	acceptHeader     = "application/rss+xml, application/atom+xml, application/xml, text/xml"
	defaultUserAgent = "marks/1.0 (+https://github.com/pders01/marks)"
	maxFeedBytes     = 10 << 20
)

// StoredFunc is told about each bookmark the poller creates.
type StoredFunc func(ctx context.Context, id int64) error

// PollPayload is the payload of a poll_feed job.
type PollPayload struct {
	URL      string `json:"url"`
	Username string `json:"username"`
}

// Poller turns new feed items into bookmarks owned by one user.
type Poller struct {
	store     *storage.Store
	client    *http.Client
	parser    *gofeed.Parser
	resolvers *Resolvers
	onStored  StoredFunc
	userAgent string
	hosts     validation.HostPolicy
	now       func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithHTTPClient replaces the client used to fetch feeds.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		if c != nil {
			p.client = c
		}
	}
}

// WithResolvers sets the URL resolvers applied before polling.
func WithResolvers(r *Resolvers) Option {
	return func(p *Poller) {
		if r != nil {
			p.resolvers = r
		}
	}
}

// WithClock overrides the clock stamped on feed state.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPoller builds a poller that calls onStored for every bookmark it creates.
func NewPoller(store *storage.Store, onStored StoredFunc, cfg *config.Config, opts ...Option) *Poller {
	p := &Poller{
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
		parser:    gofeed.NewParser(),
		resolvers: DefaultResolvers(),
		onStored:  onStored,
		userAgent: defaultUserAgent,
		hosts:     validation.NewStrictHostPolicy(),
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.Fetch.HTTPTimeout > 0 {
			p.client.Timeout = cfg.Fetch.HTTPTimeout
		}
		if cfg.Fetch.UserAgent != "" {
			p.userAgent = cfg.Fetch.UserAgent
		}
		if cfg.Fetch.AllowPrivateHosts {
			p.hosts = validation.NewPermissiveHostPolicy()
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches feedURL and bookmarks every item link username has not
// bookmarked yet. It returns the number of bookmarks created. Site URLs are
// mapped to their feed by the registered resolvers, and an HTML page that
// advertises a feed is followed once.
func (p *Poller) Poll(ctx context.Context, feedURL, username string) (int, error) {
	if username == "" {
		return 0, errors.New("poll feed: username required")
	}
	return p.poll(ctx, p.resolvers.Resolve(feedURL), username, true)
}

func (p *Poller) poll(ctx context.Context, feedURL, username string, discover bool) (int, error) {
	state, err := p.store.GetFeedState(feedURL, username)
	if err != nil {
		return 0, err
	}

	resp, modified, err := p.fetch(ctx, state)
	if err != nil {
		return 0, err
	}
	log := debuglog.WithFields(map[string]any{"feed": feedURL, "username": username})
	if !modified {
		state.LastPolled = p.now()
		log.Debugf("feed not modified")
		return 0, p.store.SaveFeedState(state)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	resp.Body.Close()
	if err != nil {
		return 0, fmt.Errorf("reading feed: %w", err)
	}

	feed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		if discover && errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			if alt := discoverFeed(body, feedURL); alt != "" && alt != feedURL {
				log.Infof("following advertised feed %s", alt)
				return p.poll(ctx, alt, username, false)
			}
		}
		return 0, fmt.Errorf("parsing feed: %w", err)
	}

	added := 0
	for _, item := range feed.Items {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		link := itemLink(item)
		if link == "" {
			continue
		}
		_, err := p.store.GetByURL(link, username)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warnf("skipping item %q: %v", link, err)
			continue
		}

		b := &storage.Bookmark{
			URL:         link,
			Username:    username,
			Description: strings.TrimSpace(item.Title),
			Extended:    readable.CleanText(item.Description),
			TagString:   itemTags(item),
			InsertedBy:  InsertedBy,
		}
		if err := p.store.SaveBookmark(b); err != nil {
			log.Warnf("saving item %q: %v", link, err)
			continue
		}
		added++
		if p.onStored != nil {
			if err := p.onStored(ctx, b.ID); err != nil {
				return added, fmt.Errorf("scheduling fetch for bookmark %d: %w", b.ID, err)
			}
		}
	}

	if resp.Header.Get("ETag") != "" {
		state.ETag = resp.Header.Get("ETag")
	}
	if resp.Header.Get("Last-Modified") != "" {
		state.LastModified = resp.Header.Get("Last-Modified")
	}
	state.Title = feed.Title
	state.LastPolled = p.now()
	state.ItemsAdded += added
	if err := p.store.SaveFeedState(state); err != nil {
		return added, err
	}

	log.Infof("added %d of %d items", added, len(feed.Items))
	return added, nil
}

func (p *Poller) fetch(ctx context.Context, state *storage.FeedState) (*http.Response, bool, error) {
	u, err := url.Parse(state.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false, fmt.Errorf("invalid feed url %q", state.URL)
	}
	if err := p.hosts.Check(u.Host); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}
	if state.LastModified != "" {
		req.Header.Set("If-Modified-Since", state.LastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching feed: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, false, nil
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, false, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}
	return resp, true, nil
}

func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return strings.TrimSpace(item.Link)
	}
	if strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://") {
		return item.GUID
	}
	return ""
}

// itemTags turns item categories into space separated tags.
func itemTags(item *gofeed.Item) string {
	tags := make([]string, 0, len(item.Categories))
	for _, c := range item.Categories {
		tag := strings.Join(strings.Fields(strings.ToLower(c)), "-")
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return strings.Join(tags, " ")
}

// Register installs the poll_feed handler. Poll failures are not retried;
// the next scheduled poll tries again.
func (p *Poller) Register(r jobs.Registry) {
	r.Register(TaskPollFeed, func(ctx context.Context, job *jobs.Job) error {
		var pl PollPayload
		if err := job.Decode(&pl); err != nil {
			return jobs.Fatal(err)
		}
		if _, err := p.Poll(ctx, pl.URL, pl.Username); err != nil {
			return jobs.Fatal(err)
		}
		return nil
	})
}
