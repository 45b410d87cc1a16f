package log

import "regexp"

// sensitiveKeys are the field names that must never reach a log record or
// error string verbatim, per the gateway's error-handling design.
var sensitiveKeys = []string{
	"Authorization", "Cookie", "password", "client_secret",
	"access_token", "refresh_token", "code_verifier",
}

// keyValuePattern matches "Key: value" / "key=value" / `"key":"value"` shapes
// for each sensitive key, case-insensitively, up to the next comma, quote, or
// whitespace run. A leading "Bearer " or "Basic " scheme is taken as part of
// the value, so the credential after it is redacted too.
var keyValuePatterns []*regexp.Regexp

func init() {
	for _, k := range sensitiveKeys {
		keyValuePatterns = append(keyValuePatterns,
			regexp.MustCompile(`(?i)(`+regexp.QuoteMeta(k)+`["']?\s*[:=]\s*["']?)((?:bearer\s+|basic\s+)?[^\s,"'}]+)`))
	}
}

// Redact strips values of well-known secret-bearing keys out of a free-form
// string, replacing them with a fixed marker. It is intentionally
// conservative (pattern-based, not a full parser) since it must be safe to
// run on arbitrary backend error bodies and log lines.
func Redact(s string) string {
	for _, re := range keyValuePatterns {
		s = re.ReplaceAllString(s, "${1}[redacted]")
	}
	return s
}

// RedactMap returns a shallow copy of m with sensitive keys' values replaced.
// Used before logging headers or structured error context.
func RedactMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(k string) bool {
	for _, s := range sensitiveKeys {
		if len(k) == len(s) && equalFold(k, s) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
