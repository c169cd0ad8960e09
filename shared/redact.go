package shared

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// RedactURL hides every occurrence of secret (raw or query-escaped) in rawURL.
func RedactURL(rawURL, secret string) string {
	if secret == "" {
		return rawURL
	}
	out := strings.ReplaceAll(rawURL, url.QueryEscape(secret), redacted)
	return strings.ReplaceAll(out, secret, redacted)
}
