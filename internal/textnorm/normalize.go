package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// A word broken by a hyphen at the end of a line: "docu-\nment".
	hyphenBreak  = regexp.MustCompile(`(\p{L})-[ \t]*\n[ \t]*(\p{Ll})`)
	spaceRun     = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLineRun = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans extracted text for embedding and classification. It is
// deterministic and may return "" for input that has no visible content.
//
// Steps: NFKC compatibility folding, CRLF to LF, dropping control and
// format characters other than newline and tab, rejoining hyphenated line
// breaks, collapsing horizontal whitespace, trimming each line, and keeping
// at most one blank line between paragraphs.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := norm.NFKC.String(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == unicode.ReplacementChar:
			return -1
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, s)

	s = hyphenBreak.ReplaceAllString(s, "$1$2")
	s = spaceRun.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLineRun.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}
