package searchindex

import (
	"strings"
	"unicode"
)

// Tokenize splits text on non-alphanumeric runs and on camelCase boundaries,
// lowercasing every token. "readFileV2" becomes ["read", "file", "v2"];
// "git_commit-all" becomes ["git", "commit", "all"].
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}

	prev := rune(0)
	for _, r := range text {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	flush()
	return tokens
}
