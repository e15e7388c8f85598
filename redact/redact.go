// Package redact scrubs secrets from command transcripts and audit data.
//
// Redact is line oriented and pattern based; RedactKeys is structural and
// works on decoded JSON values by key name. Both are idempotent.
package redact

import (
	"encoding/json"
	"log"
	"regexp"
	"strings"
)

const (
	// Marker replaces every redacted value.
	Marker = "[REDACTED]"

	// FailedPlaceholder is returned instead of the input if redaction
	// itself fails.
	FailedPlaceholder = "[REDACTION FAILED]"

	// minSecretLen guards against redacting trivially short strings that
	// would shred unrelated output.
	minSecretLen = 6
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// rules are applied in order. The header rule runs first so the scheme and
// token of an Authorization line are consumed as a whole.
var rules = []rule{
	{
		re:   regexp.MustCompile(`(?i)(\b(?:proxy-)?authorization\s*[:=]\s*)[^\r\n]+`),
		repl: `${1}` + Marker,
	},
	{
		re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
		repl: `Bearer ` + Marker,
	},
	{
		re:   regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})`),
		repl: Marker,
	},
	{
		re:   regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
		repl: Marker,
	},
	{
		re:   regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		repl: Marker,
	},
	{
		re:   regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`),
		repl: Marker,
	},
	{
		re:   regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
		repl: Marker,
	},
	{
		re:   regexp.MustCompile(`(?i)(https?://)[^/\s:@]+:[^/\s@]+@`),
		repl: `${1}` + Marker + `@`,
	},
	{
		re:   regexp.MustCompile(`(?i)(\b[a-z0-9_]*(?:api[_-]?key|apikey|token|secret|password|passwd)\s*[:=]\s*["']?)[^\s"'&,;]+`),
		repl: `${1}` + Marker,
	},
}

// Redact replaces secret-shaped substrings of text with Marker.
func Redact(text string) string {
	return RedactWith(text, nil)
}

// RedactWith is Redact plus literal replacement of the supplied secrets,
// e.g. a token issued for the current command.
func RedactWith(text string, secrets []string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("redact: recovered from panic: %v", r)
			out = FailedPlaceholder
		}
	}()

	out = text
	for _, s := range secrets {
		if len(s) < minSecretLen || strings.Contains(Marker, s) {
			continue
		}
		out = strings.ReplaceAll(out, s, Marker)
	}
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}

var sensitiveKey = regexp.MustCompile(`(?i)token|secret|password|passwd|api[_-]?key|authorization|cookie|credential|private[_-]?key`)

// SensitiveKey reports whether a JSON key name is redacted by RedactKeys.
func SensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// RedactKeys returns a copy of v with the value of every sensitive key
// replaced by Marker. v is expected to be a decoded JSON value.
func RedactKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if SensitiveKey(k) {
				out[k] = Marker
				continue
			}
			out[k] = RedactKeys(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RedactKeys(inner)
		}
		return out
	default:
		return v
	}
}

// RedactJSON decodes raw, applies RedactKeys and re-encodes it.
func RedactJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(RedactKeys(v))
}
