package search

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
)

// Result is a single search hit.
type Result struct {
	BookmarkID  int64
	Score       float64
	Description string
	Tags        string
	Username    string
}

type fieldBoost struct {
	field string
	match float64
	// prefix matches score slightly below exact ones
	prefix float64
}

var searchFields = []fieldBoost{
	{field: "description", match: 4.0, prefix: 3.5},
	{field: "tags", match: 3.0, prefix: 2.5},
	{field: "extended", match: 2.0, prefix: 1.8},
	{field: "readable", match: 1.0, prefix: 0.8},
}

// Search finds bookmarks matching query. Private bookmarks are only
// returned to their owner; an empty viewer sees public bookmarks only.
func (i *Index) Search(query, viewer string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []*Result{}, nil
	}

	var qs []bleveQuery.Query
	for _, tok := range tokens {
		for _, f := range searchFields {
			m := bleve.NewMatchQuery(tok)
			m.SetField(f.field)
			m.SetBoost(f.match)
			qs = append(qs, m)

			p := bleve.NewPrefixQuery(tok)
			p.SetField(f.field)
			p.SetBoost(f.prefix)
			qs = append(qs, p)
		}
	}

	public := bleve.NewBoolFieldQuery(false)
	public.SetField("is_private")
	visible := []bleveQuery.Query{public}
	if viewer != "" {
		owner := bleve.NewTermQuery(viewer)
		owner.SetField("username")
		visible = append(visible, owner)
	}

	q := bleve.NewConjunctionQuery(
		bleve.NewDisjunctionQuery(qs...),
		bleve.NewDisjunctionQuery(visible...),
	)

	if limit <= 0 {
		limit = 20
	}
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"description", "tags", "username"}
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, mapIndexError(err)
	}

	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		r := &Result{BookmarkID: id, Score: h.Score}
		if d, ok := h.Fields["description"].(string); ok {
			r.Description = d
		}
		if t, ok := h.Fields["tags"].(string); ok {
			r.Tags = t
		}
		if u, ok := h.Fields["username"].(string); ok {
			r.Username = u
		}
		out = append(out, r)
	}
	return out, nil
}

// tokenize splits text into lowercase terms, skipping single characters.
func tokenize(text string) []string {
	var terms []string
	current := strings.Builder{}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
		} else if current.Len() > 0 {
			if term := current.String(); len(term) > 1 {
				terms = append(terms, term)
			}
			current.Reset()
		}
	}

	if current.Len() > 1 {
		terms = append(terms, current.String())
	}

	return terms
}
