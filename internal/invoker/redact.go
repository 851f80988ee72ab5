package invoker

import (
	"regexp"
)

// RedactionMarker replaces every secret-looking token in outgoing prompts.
const RedactionMarker = "[REDACTED]"

// secretPattern pairs a matcher with its replacement template; templates keep
// a captured prefix (such as "api_key=") and drop only the secret itself.
type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

var defaultSecretPatterns = []secretPattern{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), RedactionMarker},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), RedactionMarker},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), RedactionMarker},
	{regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`), RedactionMarker},
	{regexp.MustCompile(`(?i)(\bbearer\s+)[A-Za-z0-9\-._~+/]{12,}=*`), "${1}" + RedactionMarker},
	{regexp.MustCompile(`(?i)(\b(?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*["']?)[^\s"']{4,}`), "${1}" + RedactionMarker},
}

// Redactor strips secret-looking substrings from text.
type Redactor struct {
	patterns []secretPattern
}

// NewRedactor returns a redactor with the built-in patterns plus any extra
// expressions, which are replaced whole.
func NewRedactor(extra ...*regexp.Regexp) *Redactor {
	ps := append([]secretPattern(nil), defaultSecretPatterns...)
	for _, re := range extra {
		ps = append(ps, secretPattern{re: re, repl: RedactionMarker})
	}
	return &Redactor{patterns: ps}
}

// Redact returns text with every secret replaced by RedactionMarker.
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	for _, p := range r.patterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	return text
}
