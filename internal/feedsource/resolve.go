package feedsource

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Resolver maps a site URL to the URL of its feed.
type Resolver interface {
	Name() string
	CanHandle(rawURL string) bool
	// Priority orders resolvers that handle the same URL, higher first.
	Priority() int
	Resolve(rawURL string) string
}

// Resolvers picks the best resolver for a URL.
type Resolvers struct {
	list []Resolver
}

// DefaultResolvers knows the sites whose feed URL can be derived without a
// request.
func DefaultResolvers() *Resolvers {
	r := &Resolvers{}
	r.Register(RedditResolver{})
	return r
}

// Register adds res; resolvers with a higher priority are tried first.
func (r *Resolvers) Register(res Resolver) {
	r.list = append(r.list, res)
}

func (r *Resolvers) find(rawURL string) Resolver {
	var best Resolver
	for _, res := range r.list {
		if res.CanHandle(rawURL) && (best == nil || res.Priority() > best.Priority()) {
			best = res
		}
	}
	return best
}

// Resolve returns the feed URL for rawURL, or rawURL itself when no
// resolver handles it.
func (r *Resolvers) Resolve(rawURL string) string {
	if r == nil {
		return rawURL
	}
	if res := r.find(rawURL); res != nil {
		return res.Resolve(rawURL)
	}
	return rawURL
}

// RedditResolver turns subreddit pages into their RSS endpoint.
type RedditResolver struct{}

func (RedditResolver) Name() string  { return "reddit" }
func (RedditResolver) Priority() int { return 50 }

func (RedditResolver) CanHandle(rawURL string) bool {
	return (strings.Contains(rawURL, "://www.reddit.com/r/") || strings.Contains(rawURL, "://reddit.com/r/")) &&
		!strings.HasSuffix(rawURL, ".rss")
}

func (RedditResolver) Resolve(rawURL string) string {
	return strings.TrimSuffix(rawURL, "/") + ".rss"
}

var feedTypes = []string{"application/rss+xml", "application/atom+xml", "application/feed+json"}

// discoverFeed finds the first feed advertised by an HTML page through
// <link rel="alternate">, resolved against pageURL.
func discoverFeed(page []byte, pageURL string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	var found string
	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return true
		}
		for _, ft := range feedTypes {
			if typ == ft {
				if ref, err := url.Parse(href); err == nil {
					found = base.ResolveReference(ref).String()
					return false
				}
			}
		}
		return true
	})
	return found
}
