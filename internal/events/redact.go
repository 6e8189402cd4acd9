package events

import "regexp"

const redacted = "[redacted]"

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Reasons and descriptions quote note content, which can hold credentials.
var redactions = []redaction{
	{
		re:   regexp.MustCompile(`(?i)\b((?:api|access|auth|secret|private)[_-]?(?:key|token)|password|passwd|pwd|secret)(\s*[:=]\s*)["']?[^\s"']{8,}["']?`),
		repl: "${1}${2}" + redacted,
	},
	{re: regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9_\-./+=]{20,}`), repl: "${1}" + redacted},
	{re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36}\b`), repl: redacted},
	{re: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), repl: redacted},
	{re: regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----[\s\S]*?-----END[A-Z ]*PRIVATE KEY-----`), repl: redacted},
}

// Redact replaces credentials in s, keeping the key name so the line
// still reads.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// ContainsSecret reports whether Redact would change s.
func ContainsSecret(s string) bool {
	for _, r := range redactions {
		if r.re.MatchString(s) {
			return true
		}
	}
	return false
}

func redactRecord(rec Record) Record {
	rec.Reason = Redact(rec.Reason)
	rec.Summary = Redact(rec.Summary)
	return rec
}
