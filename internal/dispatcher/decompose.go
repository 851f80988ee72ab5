package dispatcher

import (
	"regexp"
	"strings"
)

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)
	andClause   = regexp.MustCompile(`(?i)\s+and\s+(?:then\s+)?`)
)

// minClauseWords keeps short phrases like "salt and pepper" together.
const minClauseWords = 3

// Split breaks a request into independent parts on sentence boundaries,
// semicolons and " and " between clauses of at least three words.
// A request with no split point comes back as a single part.
func Split(request string) []string {
	var parts []string
	for _, sentence := range sentenceEnd.Split(strings.TrimSpace(request), -1) {
		for _, clause := range strings.Split(sentence, ";") {
			parts = append(parts, splitAnd(clause)...)
		}
	}

	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimRight(strings.TrimSpace(p), ".!?,")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitAnd(clause string) []string {
	pieces := andClause.Split(clause, -1)
	if len(pieces) == 1 {
		return pieces
	}

	// Re-join pieces too short to stand alone onto their left neighbour
	var out []string
	joiners := andClause.FindAllString(clause, -1)
	for i, p := range pieces {
		if i > 0 && (len(strings.Fields(p)) < minClauseWords || len(strings.Fields(out[len(out)-1])) < minClauseWords) {
			out[len(out)-1] += joiners[i-1] + p
			continue
		}
		out = append(out, p)
	}
	return out
}
