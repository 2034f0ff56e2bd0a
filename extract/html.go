package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// blockTags start a new line when stripped.
var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "tr": true, "li": true,
	"table": true, "h1": true, "h2": true, "h3": true,
}

// StripHTML converts an HTML body to plain text, one block per line.
// Plain-text input is returned with blank lines removed.
func StripHTML(body string) string {
	if !strings.Contains(body, "<") {
		return compactLines(body)
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(body))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer error: keep what was read so far.
			return compactLines(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "style", "script", "head":
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
				continue
			case "td", "th":
				b.WriteByte(' ')
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		}
	}
}

// compactLines trims every line, collapses inner whitespace and drops
// empty lines. The tokenizer already unescapes entities; &nbsp; arrives
// as U+00A0 and is folded here.
func compactLines(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
