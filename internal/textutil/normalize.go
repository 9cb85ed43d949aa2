package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeContent prepares free text for storage: NFC composition, control
// characters other than newline and tab removed, trailing spaces trimmed,
// runs of blank lines collapsed to one, and the result truncated to maxRunes
// when maxRunes is positive.
func NormalizeContent(text string, maxRunes int) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' || unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.TrimSpace(line) == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	text = strings.TrimSpace(strings.Join(out, "\n"))
	return Truncate(text, maxRunes)
}

// Truncate cuts text to at most maxRunes runes. Non-positive limits leave it unchanged.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:maxRunes]), unicode.IsSpace)
}
