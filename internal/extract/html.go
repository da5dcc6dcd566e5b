package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose content is never visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Head:     true,
	atom.Noscript: true,
	atom.Template: true,
}

// Elements that start a new line of text.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Pre: true, atom.Blockquote: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Section: true, atom.Article: true, atom.Hr: true,
}

// htmlToText returns the visible text of an HTML document with block
// elements separated by newlines.
func htmlToText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	depth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return sb.String(), nil
			}
			return "", fmt.Errorf("parsing html: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skipped[tok.DataAtom] && tok.Type == html.StartTagToken {
				depth++
			}
			if blocks[tok.DataAtom] {
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			tok := z.Token()
			if skipped[tok.DataAtom] && depth > 0 {
				depth--
			}
			if blocks[tok.DataAtom] {
				sb.WriteByte('\n')
			}
		case html.TextToken:
			if depth == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// markdownToText renders Markdown to HTML and strips the markup.
func markdownToText(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return htmlToText(&buf)
}
