package readable

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

// CleanText strips markup from readable content, joining the text nodes
// with single spaces. The result is what gets full-text indexed.
func CleanText(markup string) string {
	if markup == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(markup))
	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		case html.StartTagToken:
			if isRawTextTag(z) {
				skip++
			}
		case html.EndTagToken:
			if skip > 0 && isRawTextTag(z) {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				parts = append(parts, string(z.Text()))
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}

// Markdown converts readable markup to markdown for terminal display.
func Markdown(markup string) (string, error) {
	if strings.TrimSpace(markup) == "" {
		return "", nil
	}
	return htmltomarkdown.ConvertString(markup)
}
