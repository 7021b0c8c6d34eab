package readable

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

const minParagraphLen = 25

// Elements that never hold article text.
const boilerplateSelector = "script, style, noscript, iframe, nav, header, footer, aside, form, " +
	"svg, button, input, select, textarea, link, meta, object, embed"

// Elements that mark the main content when the page uses them.
var semanticSelectors = []string{
	"article",
	"[itemprop=articleBody]",
	"main",
	"[role=main]",
}

var (
	unlikelyRE = regexp.MustCompile(`(?i)banner|breadcrumb|combx|comment|community|disqus|extra|foot|header|menu|related|remark|replies|rss|shoutbox|sidebar|skyscraper|social|sponsor|ad-break|agegate|pager|popup|share|cookie|newsletter|subscribe`)
	positiveRE = regexp.MustCompile(`(?i)article|body|content|entry|hentry|main|page|post|text|blog|story`)
	negativeRE = regexp.MustCompile(`(?i)hidden|banner|combx|comment|contact|foot|masthead|media|meta|outbrain|promo|related|scroll|share|sidebar|sponsor|shopping|tags|tool|widget`)
)

// Parser extracts the main readable block of an HTML document.
type Parser struct {
	policy *bluemonday.Policy
}

// NewParser returns a parser with the default sanitizing policy.
func NewParser() *Parser {
	policy := bluemonday.UGCPolicy()
	policy.RequireNoFollowOnLinks(false)
	return &Parser{policy: policy}
}

// Extract reads a whole document from r and returns its readable markup.
// ok is false when no content block could be identified. Errors reading r
// are returned unchanged; failures of the document parser wrap ErrDocument.
func (p *Parser) Extract(r io.Reader, sourceURL string) (content string, ok bool, err error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", false, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false, fmt.Errorf("%w: document is empty", ErrDocument)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrDocument, err)
	}

	stripBoilerplate(doc)

	candidate := bestCandidate(doc)
	if candidate == nil {
		return "", false, nil
	}

	if base, parseErr := url.Parse(sourceURL); parseErr == nil && base.IsAbs() {
		resolveLinks(candidate, base)
	}

	markup, err := goquery.OuterHtml(candidate)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrDocument, err)
	}

	clean := strings.TrimSpace(p.policy.Sanitize(markup))
	if CleanText(clean) == "" {
		return "", false, nil
	}
	return clean, true, nil
}

// ParseContent builds a Result from content supplied by the client instead
// of a network fetch.
func (p *Parser) ParseContent(r io.Reader, contentType, sourceURL string) *Result {
	content, ok, err := p.Extract(r, sourceURL)
	if err != nil {
		status, msg := classify(err)
		return &Result{URL: sourceURL, Outcome: Failure{Status: status, Message: msg, ContentType: contentType}}
	}
	if !ok {
		return &Result{URL: sourceURL, Outcome: Failure{Status: StatusUnparseable, Message: "Could not parse content.", ContentType: contentType}}
	}
	return &Result{URL: sourceURL, Outcome: Content{Text: content, ContentType: contentType, Status: StatusManual}}
}

func stripBoilerplate(doc *goquery.Document) {
	doc.Find(boilerplateSelector).Remove()

	var unlikely []*html.Node
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		if s.Is("article, main, body, html") {
			return
		}
		match := s.AttrOr("class", "") + " " + s.AttrOr("id", "")
		if unlikelyRE.MatchString(match) && !positiveRE.MatchString(match) {
			unlikely = append(unlikely, s.Nodes...)
		}
	})
	for _, n := range unlikely {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func bestCandidate(doc *goquery.Document) *goquery.Selection {
	for _, sel := range semanticSelectors {
		var pick *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if hasText(s) {
				pick = s
				return false
			}
			return true
		})
		if pick != nil {
			return pick
		}
	}

	scores := make(map[*html.Node]float64)
	var order []*goquery.Selection
	add := func(s *goquery.Selection, score float64) {
		if s.Length() == 0 || s.Is("html") {
			return
		}
		n := s.Nodes[0]
		if _, seen := scores[n]; !seen {
			scores[n] = initialScore(s)
			order = append(order, s)
		}
		scores[n] += score
	}

	doc.Find("p, pre, td, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := normalizeSpace(s.Text())
		if len(text) < minParagraphLen {
			return
		}
		score := 1 + float64(strings.Count(text, ",")) + math.Min(float64(len(text))/100, 3)
		parent := s.Parent()
		add(parent, score)
		add(parent.Parent(), score/2)
	})

	var best *goquery.Selection
	bestScore := math.Inf(-1)
	for _, s := range order {
		final := scores[s.Nodes[0]] * (1 - linkDensity(s))
		if final > bestScore {
			best, bestScore = s, final
		}
	}
	if best != nil {
		return best
	}

	body := doc.Find("body").First()
	if body.Length() > 0 && hasText(body) {
		return body
	}
	return nil
}

func initialScore(s *goquery.Selection) float64 {
	var score float64
	switch goquery.NodeName(s) {
	case "div":
		score = 5
	case "pre", "td", "blockquote":
		score = 3
	case "ol", "ul", "dl", "dd", "dt", "li", "form":
		score = -3
	case "h1", "h2", "h3", "h4", "h5", "h6", "th":
		score = -5
	}
	return score + classWeight(s)
}

func classWeight(s *goquery.Selection) float64 {
	var weight float64
	for _, attr := range []string{"class", "id"} {
		v := s.AttrOr(attr, "")
		if v == "" {
			continue
		}
		if negativeRE.MatchString(v) {
			weight -= 25
		}
		if positiveRE.MatchString(v) {
			weight += 25
		}
	}
	return weight
}

func linkDensity(s *goquery.Selection) float64 {
	textLen := len(normalizeSpace(s.Text()))
	if textLen == 0 {
		return 0
	}
	var linkLen int
	s.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkLen += len(normalizeSpace(a.Text()))
	})
	return float64(linkLen) / float64(textLen)
}

func resolveLinks(s *goquery.Selection, base *url.URL) {
	rewrite := func(sel, attr string) {
		s.Find(sel).Each(func(_ int, el *goquery.Selection) {
			ref, err := url.Parse(strings.TrimSpace(el.AttrOr(attr, "")))
			if err != nil {
				return
			}
			el.SetAttr(attr, base.ResolveReference(ref).String())
		})
	}
	rewrite("a[href]", "href")
	rewrite("img[src]", "src")
}

func hasText(s *goquery.Selection) bool {
	return strings.TrimSpace(s.Text()) != ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
