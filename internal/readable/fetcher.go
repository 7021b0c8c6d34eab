package readable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/validation"
)

const (
	defaultUserAgent    = "marks/1.0 (+https://github.com/pders01/marks)"
	defaultMaxBodyBytes = 5 << 20
)

// Fetcher downloads a URL and turns the response into a Result. It never
// retries; callers decide what to do with failures.
type Fetcher struct {
	client    *http.Client
	parser    *Parser
	userAgent string
	maxBody   int64
	hosts     validation.HostPolicy
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithHostPolicy decides which hosts may be fetched.
func WithHostPolicy(p validation.HostPolicy) FetcherOption {
	return func(f *Fetcher) {
		f.hosts = p
	}
}

// NewFetcher builds a fetcher from the fetch section of cfg. Its client
// speaks http, https and ftp.
func NewFetcher(cfg *config.Config, opts ...FetcherOption) *Fetcher {
	ftpRT := &ftpTransport{}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.RegisterProtocol("ftp", ftpRT)

	f := &Fetcher{
		client:    &http.Client{Transport: transport},
		parser:    NewParser(),
		userAgent: defaultUserAgent,
		maxBody:   defaultMaxBodyBytes,
		hosts:     validation.NewStrictHostPolicy(),
	}
	if cfg != nil {
		f.client.Timeout = cfg.Fetch.HTTPTimeout
		ftpRT.timeout = cfg.Fetch.HTTPTimeout
		if cfg.Fetch.UserAgent != "" {
			f.userAgent = cfg.Fetch.UserAgent
		}
		if cfg.Fetch.MaxBodyBytes > 0 {
			f.maxBody = cfg.Fetch.MaxBodyBytes
		}
		if cfg.Fetch.AllowPrivateHosts {
			f.hosts = validation.NewPermissiveHostPolicy()
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Parser returns the parser used for fetched documents.
func (f *Fetcher) Parser() *Parser {
	return f.parser
}

// Fetch reads rawURL. Every failure is reported through the Result's
// status; Fetch itself never fails.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *Result {
	if !utf8.ValidString(rawURL) {
		return failed(rawURL, StatusInvalidURL, "url is not valid UTF-8")
	}

	reqURL, err := RequestURL(rawURL)
	if err != nil {
		return failed(rawURL, StatusInvalidURL, err.Error())
	}

	if u, parseErr := url.Parse(reqURL); parseErr == nil {
		if hostErr := f.hosts.Check(u.Host); hostErr != nil {
			return failed(reqURL, StatusInvalidURL, hostErr.Error())
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return failed(reqURL, StatusInvalidURL, err.Error())
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		status, msg := classify(err)
		return failed(reqURL, status, msg)
	}
	defer resp.Body.Close()

	res := &Result{URL: reqURL, Header: resp.Header}
	contentType := mediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 400 {
		msg := http.StatusText(resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || msg == "" {
			msg = fmt.Sprintf("%d: %s", resp.StatusCode, reqURL)
		}
		res.Outcome = Failure{Status: Status(resp.StatusCode), Message: msg, ContentType: contentType}
		return res
	}

	if IsImageType(contentType) {
		res.Outcome = Image{ContentType: contentType}
		return res
	}

	// Read the body before decoding: the charset sniffer hides short reads.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		status, msg := classify(err)
		res.Outcome = Failure{Status: status, Message: msg, ContentType: contentType}
		return res
	}

	var body io.Reader = bytes.NewReader(raw)
	if len(raw) > 0 {
		if decoded, decodeErr := charset.NewReader(body, resp.Header.Get("Content-Type")); decodeErr == nil {
			body = decoded
		}
	}

	content, ok, err := f.parser.Extract(body, reqURL)
	switch {
	case err != nil:
		status, msg := classify(err)
		res.Outcome = Failure{Status: status, Message: msg, ContentType: contentType}
	case !ok:
		res.Outcome = Failure{Status: StatusUnparseable, Message: "Could not parse document.", ContentType: contentType}
	default:
		res.Outcome = Content{Text: content, ContentType: contentType, Status: StatusOK}
	}
	return res
}

// RequestURL turns a bookmark URL into the URL that is requested.
// Hash-bang URLs are rewritten to the _escaped_fragment_ crawler form;
// all other URLs must be http, https or ftp and lose their fragment.
func RequestURL(rawURL string) (string, error) {
	if i := strings.Index(rawURL, "#!"); i >= 0 {
		base, fragment := rawURL[:i], rawURL[i+2:]
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + "_escaped_fragment_=" + url.QueryEscape(fragment), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "ftp":
	default:
		return "", fmt.Errorf("invalid url scheme %q for readable content", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	}
	return mt
}
