package shared

import (
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// keyed patterns keep their first group and mask the rest; bare patterns
// mask the whole match.
var (
	keyedSecrets = []*regexp.Regexp{
		regexp.MustCompile(`(?i)((?:api[_-]?key|secret[_-]?key|auth[_-]?token|password|token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{8,}"?`),
		regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	}
	bareSecrets = []*regexp.Regexp{
		// Anthropic, then OpenAI and OpenRouter, then Google.
		regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
		regexp.MustCompile(`sk-(?:or-|proj-)?[A-Za-z0-9_\-]{20,}`),
		regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		// Userinfo in URLs.
		regexp.MustCompile(`\b[a-z][a-z0-9+.\-]*://[^\s/@:]+(?::[^\s/@]*)?@`),
	}
)

// Redact masks provider keys, bearer tokens, key=value secrets and URL
// credentials. It runs on log attributes, task failure messages and API
// error bodies.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, re := range keyedSecrets {
		out = re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	for _, re := range bareSecrets {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			if i := strings.Index(m, "://"); i >= 0 && strings.HasSuffix(m, "@") {
				return m[:i+3] + redactedPlaceholder + "@"
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactURL masks the userinfo of raw, which for NATS URLs carries a token
// or user:password. Unparseable input goes through Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return Redact(raw)
	}
	return strings.Replace(raw, u.User.String()+"@", redactedPlaceholder+"@", 1)
}
