package content

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Block elements that end a line of text
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true,
}

// TextFromHTML extracts plain text from a stored description, one line per
// block element
func TextFromHTML(description string) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(description))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(b.String())
			}
			return strings.TrimRight(strings.TrimLeft(b.String(), "\n"), "\n")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			if blockElements[string(name)] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		}
	}
}

// HTMLFromText renders plain text as one paragraph per line
func HTMLFromText(text string) string {
	if text == "" {
		return "<p></p>"
	}

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(line))
		b.WriteString("</p>")
	}
	return b.String()
}
