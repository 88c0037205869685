package segment

import (
	"regexp"
	"strings"
)

var (
	spaceAroundPunct = regexp.MustCompile(`\s*([.,?!])\s*`)
	punctBeforeText  = regexp.MustCompile(`([.,?!])([^.,?!\s])`)
)

// Normalize trims text and fixes spacing around . , ? and !: no whitespace
// before a mark, exactly one space after it when more text follows. Runs of
// marks such as "?!" are left together. Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = spaceAroundPunct.ReplaceAllString(text, "$1")
	return punctBeforeText.ReplaceAllString(text, "$1 $2")
}

func isPunct(b byte) bool {
	return b == '.' || b == ',' || b == '?' || b == '!'
}

func isTerminal(b byte) bool {
	return b == '.' || b == '?' || b == '!'
}

// join appends next to text, separated by one space unless next starts with
// a punctuation mark.
func join(text, next string) string {
	if text == "" {
		return next
	}
	if next == "" {
		return text
	}
	if isPunct(next[0]) {
		return text + next
	}
	return text + " " + next
}
