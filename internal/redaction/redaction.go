// Package redaction scrubs secret material out of text destined for
// logs, events, and artifacts.
package redaction

import (
	"regexp"
	"strings"
)

const Placeholder = "***MASKED***"

var (
	// nonSensitiveTokenKeys captures usage/config fields that contain the
	// word "token" but are not secrets (e.g. usage counters). These should
	// not be redacted.
	nonSensitiveTokenKeys = map[string]struct{}{
		"tokens":       {},
		"token_count":  {},
		"tokens_used":  {},
		"total_tokens": {},
		"max_tokens":   {},
		"token_budget": {},
		"token_limit":  {},
	}

	// sensitivePair matches key=value / key: value assignments whose key
	// names secret material. The key and separator are preserved, the
	// value is replaced.
	sensitivePair = regexp.MustCompile(`(?i)([A-Za-z0-9_.-]*(?:secret|password|passwd|authorization|cookie|credential|token|api[_-]?key|private[_-]?key|access[_-]?key)[A-Za-z0-9_.-]*)("?\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;]+)`)

	// sensitiveValue matches well-known token shapes regardless of how
	// they appear in the text.
	sensitiveValue = regexp.MustCompile(`(?i)\b(?:bearer\s+[A-Za-z0-9._~+/=-]+|ghp_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|glpat-[A-Za-z0-9_-]{20,}|sk-[A-Za-z0-9-]{20,}|xox[bp]-[A-Za-z0-9-]{10,}|AKIA[0-9A-Z]{16})`)

	pemBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)
)

// MaskText replaces secret-looking key/value pairs and token literals in
// free-form text with a placeholder. Everything around the secrets is
// preserved, so the result stays readable as a log line or test log.
func MaskText(text string) string {
	if text == "" {
		return text
	}

	masked := pemBlock.ReplaceAllString(text, Placeholder)
	masked = sensitiveValue.ReplaceAllString(masked, Placeholder)

	return sensitivePair.ReplaceAllStringFunc(masked, func(match string) string {
		parts := sensitivePair.FindStringSubmatch(match)
		key := strings.ToLower(strings.Trim(parts[1], `"'`))
		if _, ok := nonSensitiveTokenKeys[key]; ok {
			return match
		}
		return parts[1] + parts[2] + Placeholder
	})
}
